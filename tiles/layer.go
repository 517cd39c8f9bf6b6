package tiles

import (
	"strings"

	"github.com/paulmach/orb"
)

// Column is a store column with its declared type.
type Column struct {
	Name string `db:"column_name"`
	Type string `db:"data_type"`
}

// Pruning is the bounding-box pre-filter a table supports.
type Pruning int

const (
	PruneNone Pruning = iota
	// PruneScalar uses the legacy $minx/$miny/$maxx/$maxy columns.
	PruneScalar
	// PruneStruct uses a bbox struct column with xmin/ymin/xmax/ymax.
	PruneStruct
)

// LayerDescriptor identifies a geometry table and its columns.
type LayerDescriptor struct {
	Schema         string
	Table          string
	GeometryColumn string
	Columns        []Column
	// View is set for catalog views, which have no rowid.
	View bool
}

// Key returns "schema/table".
func (l LayerDescriptor) Key() string {
	return l.Schema + "/" + l.Table
}

// ArchiveKey returns the archive path of the layer relative to the tiles root.
func (l LayerDescriptor) ArchiveKey() string {
	return ArchiveKey(l.Schema, l.Table)
}

// ArchiveKey returns the archive path of schema.table relative to the tiles root.
func ArchiveKey(schema, table string) string {
	return schema + "/" + table + ".pmtiles"
}

// QualifiedName returns the quoted "schema"."table" reference.
func (l LayerDescriptor) QualifiedName() string {
	if l.Schema == "" {
		return QuoteIdent(l.Table)
	}
	return QuoteIdent(l.Schema) + "." + QuoteIdent(l.Table)
}

// Column looks a column up by name, case-insensitively.
func (l LayerDescriptor) Column(name string) (Column, bool) {
	for _, c := range l.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// IDColumn reports whether the layer has a natural "id" column.
func (l LayerDescriptor) IDColumn() bool {
	_, ok := l.Column("id")
	return ok
}

// ColumnNames lists all column names in declaration order.
func (l LayerDescriptor) ColumnNames() []string {
	names := make([]string, len(l.Columns))
	for i, c := range l.Columns {
		names[i] = c.Name
	}
	return names
}

// Pruning detects the bounding-box columns of the layer.
func (l LayerDescriptor) Pruning() Pruning {
	if c, ok := l.Column("bbox"); ok && strings.HasPrefix(strings.ToUpper(c.Type), "STRUCT") {
		return PruneStruct
	}
	for _, name := range []string{"$minx", "$miny", "$maxx", "$maxy"} {
		if _, ok := l.Column(name); !ok {
			return PruneNone
		}
	}
	return PruneScalar
}

// TileFilter narrows a tile request. CQL and BBox force dynamic generation.
type TileFilter struct {
	CQL        any
	BBox       *orb.Bound
	Limit      int
	Properties []string
}

// ForcesDynamic reports whether the filter cannot be answered from an archive.
func (f TileFilter) ForcesDynamic() bool {
	return f.CQL != nil || f.BBox != nil
}

// Source says where a tile came from.
type Source int

const (
	SourceNone Source = iota
	SourceStatic
	SourceDynamic
)

func (s Source) String() string {
	switch s {
	case SourceStatic:
		return "static"
	case SourceDynamic:
		return "dynamic"
	default:
		return "none"
	}
}

// TileResult is a served tile. Data is gzip-compressed when Precompressed is
// set. SourceNone means the layer has nothing to serve.
type TileResult struct {
	Data          []byte
	Precompressed bool
	Source        Source
}

// Empty reports whether the tile has no content.
func (r TileResult) Empty() bool {
	return len(r.Data) == 0
}
