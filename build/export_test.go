package build

import (
	"testing"

	"github.com/protomaps/go-hybridtiles/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportQuery(t *testing.T) {
	layer := tiles.LayerDescriptor{
		Schema:         "public",
		Table:          "roads",
		GeometryColumn: "geom",
		Columns: []tiles.Column{
			{Name: "geom", Type: "GEOMETRY"},
			{Name: "name", Type: "VARCHAR"},
			{Name: "tags", Type: "VARCHAR[]"},
			{Name: "props", Type: "MAP(VARCHAR, VARCHAR)"},
			{Name: "lanes", Type: "UBIGINT"},
			{Name: "opened", Type: "DATE"},
			{Name: "bbox", Type: "STRUCT(xmin DOUBLE, ymin DOUBLE, xmax DOUBLE, ymax DOUBLE)"},
		},
	}
	query, err := ExportQuery(layer, []string{"BBOX"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "geom", rowid AS "id", "name", CAST("tags" AS VARCHAR) AS "tags", `+
		`CAST("props" AS VARCHAR) AS "props", CAST("lanes" AS BIGINT) AS "lanes", `+
		`CAST("opened" AS VARCHAR) AS "opened" FROM "public"."roads" WHERE "geom" IS NOT NULL`, query)
}

func TestExportQueryKeepsIDColumn(t *testing.T) {
	layer := tiles.LayerDescriptor{
		Schema:         "s",
		Table:          "t",
		GeometryColumn: "geometry",
		Columns: []tiles.Column{
			{Name: "id", Type: "BIGINT"},
			{Name: "geometry", Type: "GEOMETRY"},
			{Name: "centroid", Type: "GEOMETRY"},
		},
	}
	query, err := ExportQuery(layer, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "geometry", "id" FROM "s"."t" WHERE "geometry" IS NOT NULL`, query)

	_, err = ExportQuery(tiles.LayerDescriptor{Table: "t"}, nil)
	assert.ErrorIs(t, err, ErrNoGeometry)
}

func TestExportQueryViewAndHiddenID(t *testing.T) {
	layer := tiles.LayerDescriptor{
		Schema:         "s",
		Table:          "v",
		GeometryColumn: "geom",
		View:           true,
		Columns: []tiles.Column{
			{Name: "geom", Type: "GEOMETRY"},
			{Name: "name", Type: "VARCHAR"},
		},
	}
	query, err := ExportQuery(layer, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "geom", row_number() OVER () AS "id", "name" FROM "s"."v" WHERE "geom" IS NOT NULL`, query)

	layer.View = false
	layer.Columns = append(layer.Columns, tiles.Column{Name: "id", Type: "BIGINT"})
	query, err = ExportQuery(layer, []string{"id", "name"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "geom", "id" FROM "s"."v" WHERE "geom" IS NOT NULL`, query)
}

func TestCopyStatement(t *testing.T) {
	assert.Equal(t, `COPY (SELECT 1) TO '/tmp/it''s.fgb' WITH (FORMAT GDAL, DRIVER 'FlatGeobuf')`,
		CopyStatement("SELECT 1", "/tmp/it's.fgb", FlatGeobuf))
	assert.Equal(t, `COPY (SELECT 1) TO 'a.geojson' WITH (FORMAT GDAL, DRIVER 'GeoJSON')`,
		CopyStatement("SELECT 1", "a.geojson", GeoJSON))
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat("GeoJSON")
	require.NoError(t, err)
	assert.Equal(t, GeoJSON, f)
	assert.Equal(t, ".geojson", f.Ext())

	f, err = ParseExportFormat("")
	require.NoError(t, err)
	assert.Equal(t, FlatGeobuf, f)
	assert.Equal(t, ".fgb", f.Ext())
	assert.Equal(t, "flatgeobuf", f.String())

	_, err = ParseExportFormat("shapefile")
	assert.Error(t, err)
}
