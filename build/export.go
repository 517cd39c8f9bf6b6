package build

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/protomaps/go-hybridtiles/tiles"
)

// ExportFormat is the intermediate file format handed to tippecanoe.
type ExportFormat int

const (
	FlatGeobuf ExportFormat = iota
	GeoJSON
)

// ParseExportFormat parses "flatgeobuf" or "geojson".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(s) {
	case "", "flatgeobuf", "fgb":
		return FlatGeobuf, nil
	case "geojson":
		return GeoJSON, nil
	}
	return FlatGeobuf, fmt.Errorf("unknown export format %q", s)
}

func (f ExportFormat) String() string {
	if f == GeoJSON {
		return "geojson"
	}
	return "flatgeobuf"
}

// Driver is the GDAL driver name.
func (f ExportFormat) Driver() string {
	if f == GeoJSON {
		return "GeoJSON"
	}
	return "FlatGeobuf"
}

// Ext is the file extension, with the dot.
func (f ExportFormat) Ext() string {
	if f == GeoJSON {
		return ".geojson"
	}
	return ".fgb"
}

// ExportQuery renders the SELECT that feeds the export. Nested columns are
// stringified and hidden fields are dropped. The id column is always kept;
// tables without one get their rowid as "id", views a row number.
func ExportQuery(layer tiles.LayerDescriptor, hidden []string) (string, error) {
	if layer.GeometryColumn == "" {
		return "", ErrNoGeometry
	}
	hide := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		hide[strings.ToLower(h)] = true
	}

	q := sq.Select(tiles.QuoteIdent(layer.GeometryColumn)).From(layer.QualifiedName())
	switch {
	case layer.IDColumn():
	case layer.View:
		q = q.Column(`row_number() OVER () AS "id"`)
	default:
		q = q.Column(`rowid AS "id"`)
	}
	for _, c := range layer.Columns {
		hidden := hide[strings.ToLower(c.Name)] && !strings.EqualFold(c.Name, "id")
		if strings.EqualFold(c.Name, layer.GeometryColumn) || hidden {
			continue
		}
		if tiles.IsGeometryType(c.Type) {
			continue
		}
		if expr, ok := tiles.ProjectColumn(c.Name, tiles.ClassifyForExport(c.Type)); ok {
			q = q.Column(expr)
		}
	}
	query, _, err := q.Where(sq.Expr(tiles.QuoteIdent(layer.GeometryColumn) + " IS NOT NULL")).ToSql()
	return query, err
}

// CopyStatement wraps an export query in a COPY to path through GDAL.
func CopyStatement(query, path string, format ExportFormat) string {
	return fmt.Sprintf("COPY (%s) TO '%s' WITH (FORMAT GDAL, DRIVER '%s')",
		query, strings.ReplaceAll(path, "'", "''"), format.Driver())
}
