package tiles

import (
	"errors"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testQueryOptions = QueryOptions{Extent: 4096, Buffer: 256, MaxFeatures: 15000, HiddenFields: []string{"bbox"}}

type stubTranslator struct {
	fragment string
	args     []any
	err      error
	columns  []string
}

func (s *stubTranslator) Translate(_ any, columns []string, _ string) (string, []any, error) {
	s.columns = columns
	return s.fragment, s.args, s.err
}

func TestBuildTileQueryShape(t *testing.T) {
	layer := roadsLayer()
	layer.Columns = append(layer.Columns, Column{"lanes", "UBIGINT"}, Column{"opened", "DATE"}, Column{"tags", "VARCHAR[]"})

	sql, args, err := BuildTileQuery(layer, TileAddress{10, 512, 341}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)

	assert.Contains(t, sql, `FROM "public"."roads"`)
	assert.Contains(t, sql, `ST_AsMVT(struct_pack(geometry := ST_AsMVTGeom(ST_Transform(candidates."geom", 'EPSG:4326', 'EPSG:3857', always_xy := true), ST_Extent(ST_MakeEnvelope(?, ?, ?, ?)), 4096, 256, true)`)
	assert.Contains(t, sql, `'default', 4096, 'geometry', '__fid') AS tile`)
	assert.Contains(t, sql, `"id" AS "__fid"`)
	assert.Contains(t, sql, `"__fid" := candidates."__fid"`)
	assert.Contains(t, sql, `"id" := candidates."id"`)
	assert.Contains(t, sql, `CAST("lanes" AS BIGINT) AS "lanes"`)
	assert.Contains(t, sql, `CAST("opened" AS VARCHAR) AS "opened"`)
	assert.NotContains(t, sql, `"tags"`)
	assert.Contains(t, sql, `ST_Intersects("geom", ST_MakeEnvelope(?, ?, ?, ?))`)
	assert.Contains(t, sql, "ORDER BY rowid LIMIT 15000")
	assert.NotContains(t, sql, "$minx")

	// projected envelope first, then geographic envelope
	require.Len(t, args, 8)
	merc := ProjectedBounds(TileAddress{10, 512, 341})
	geo := GeographicBounds(TileAddress{10, 512, 341})
	assert.Equal(t, []any{merc.Min.X(), merc.Min.Y(), merc.Max.X(), merc.Max.Y()}, args[:4])
	assert.Equal(t, []any{geo.Min.X(), geo.Min.Y(), geo.Max.X(), geo.Max.Y()}, args[4:])
}

func TestBuildTileQueryDeterministic(t *testing.T) {
	layer := roadsLayer()
	filter := TileFilter{CQL: "x", BBox: &orb.Bound{Min: orb.Point{1, 2}, Max: orb.Point{3, 4}}, Limit: 10}
	translator := &stubTranslator{fragment: `"name" = ?`, args: []any{"main"}}

	sql1, args1, err := BuildTileQuery(layer, TileAddress{3, 1, 2}, filter, testQueryOptions, translator)
	require.NoError(t, err)
	sql2, args2, err := BuildTileQuery(layer, TileAddress{3, 1, 2}, filter, testQueryOptions, translator)
	require.NoError(t, err)
	assert.Equal(t, sql1, sql2)
	assert.Equal(t, args1, args2)
}

func TestBuildTileQueryFilters(t *testing.T) {
	layer := roadsLayer()
	translator := &stubTranslator{fragment: `"name" = ?`, args: []any{"main"}}
	bbox := orb.Bound{Min: orb.Point{1, 2}, Max: orb.Point{3, 4}}

	sql, args, err := BuildTileQuery(layer, TileAddress{3, 1, 2}, TileFilter{CQL: "x", BBox: &bbox, Limit: 10}, testQueryOptions, translator)
	require.NoError(t, err)
	assert.Contains(t, sql, `("name" = ?)`)
	assert.Contains(t, sql, `ST_Intersects("geom", ST_GeomFromText(?))`)
	assert.Contains(t, sql, "LIMIT 10")
	assert.Equal(t, []string{"id", "name", "geom"}, translator.columns)

	require.Len(t, args, 10)
	assert.Equal(t, "main", args[8])
	assert.Equal(t, "POLYGON((1 2,3 2,3 4,1 4,1 2))", args[9])

	// predicates are ordered: tile envelope, filter, bbox
	assert.Less(t, strings.Index(sql, "ST_MakeEnvelope(?, ?, ?, ?))"), strings.Index(sql, `("name" = ?)`))
	assert.Less(t, strings.Index(sql, `("name" = ?)`), strings.Index(sql, "ST_GeomFromText"))
}

func TestBuildTileQueryFilterErrors(t *testing.T) {
	layer := roadsLayer()
	_, _, err := BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{CQL: "x"}, testQueryOptions, nil)
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, _, err = BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{CQL: "x"}, testQueryOptions, &stubTranslator{err: errors.New("bad op")})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.ErrorContains(t, err, "bad op")

	layer.GeometryColumn = ""
	_, _, err = BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, testQueryOptions, nil)
	assert.Error(t, err)
}

func TestBuildTileQueryPruning(t *testing.T) {
	layer := roadsLayer()
	layer.Columns = append(layer.Columns, Column{"bbox", "STRUCT(xmin FLOAT, ymin FLOAT, xmax FLOAT, ymax FLOAT)"})
	sql, _, err := BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `"bbox".xmin <= 180 AND "bbox".xmax >= -180`)
	// hidden from attributes
	assert.NotContains(t, sql, `"bbox" :=`)

	layer = roadsLayer()
	for _, c := range []string{"$minx", "$miny", "$maxx", "$maxy"} {
		layer.Columns = append(layer.Columns, Column{c, "DOUBLE"})
	}
	sql, _, err = BuildTileQuery(layer, TileAddress{1, 1, 0}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `"$minx" <= 180 AND "$maxx" >= 0 AND "$miny" <= `)
	// the pruning predicate precedes the spatial test
	assert.Less(t, strings.Index(sql, `"$minx" <=`), strings.Index(sql, "ST_Intersects"))
}

func TestBuildTileQueryProperties(t *testing.T) {
	layer := roadsLayer()
	layer.Columns = append(layer.Columns, Column{"surface", "VARCHAR"})

	sql, _, err := BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{Properties: []string{"surface", "geom", "nope", "surface", "id"}}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `"surface" := candidates."surface"`)
	assert.NotContains(t, sql, `"name"`)
	assert.NotContains(t, sql, "nope")
	assert.Equal(t, 1, strings.Count(sql, `"surface" := `))
	assert.Equal(t, 1, strings.Count(sql, `"id" := `))
	assert.Contains(t, sql, `"__fid" := candidates."__fid"`)
}

func TestBuildTileQueryKeepsIDAttribute(t *testing.T) {
	layer := roadsLayer()

	// id is an attribute as well as the feature id, like in built archives
	sql, _, err := BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{Properties: []string{"name"}}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `"id" AS "__fid"`)
	assert.Contains(t, sql, `"id" := candidates."id"`)
	assert.Contains(t, sql, `"name" := candidates."name"`)
	assert.Contains(t, sql, `'geometry', '__fid')`)

	opts := testQueryOptions
	opts.HiddenFields = []string{"bbox", "id"}
	sql, _, err = BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, opts, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `"id" := candidates."id"`)
}

func TestBuildTileQueryRowidFeatureID(t *testing.T) {
	layer := roadsLayer()
	layer.Columns = layer.Columns[1:]
	sql, _, err := BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `rowid AS "__fid"`)
	assert.Contains(t, sql, `"__fid" := candidates."__fid"`)
	assert.Contains(t, sql, `"id" := candidates."__fid"`)

	layer.Columns = append(layer.Columns, Column{"id", "UUID"})
	sql, _, err = BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.Contains(t, sql, `rowid AS "__fid"`)
	assert.Contains(t, sql, `CAST("id" AS VARCHAR) AS "id"`)
	assert.Contains(t, sql, `"id" := candidates."id"`)
	assert.Contains(t, sql, `'geometry', '__fid')`)
}

func TestBuildTileQueryView(t *testing.T) {
	layer := roadsLayer()
	layer.View = true
	sql, _, err := BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.NotContains(t, sql, "rowid")
	assert.Contains(t, sql, `ORDER BY "id" LIMIT 15000`)

	layer.Columns = layer.Columns[1:]
	sql, _, err = BuildTileQuery(layer, TileAddress{0, 0, 0}, TileFilter{}, testQueryOptions, nil)
	require.NoError(t, err)
	assert.NotContains(t, sql, "rowid")
	assert.NotContains(t, sql, "ORDER BY")
	assert.Contains(t, sql, `row_number() OVER () AS "__fid"`)
	assert.Contains(t, sql, `"id" := candidates."__fid"`)
}

func TestFeatureLimit(t *testing.T) {
	assert.Equal(t, 15000, FeatureLimit(0, 15000))
	assert.Equal(t, 15000, FeatureLimit(-3, 15000))
	assert.Equal(t, 10, FeatureLimit(10, 15000))
	assert.Equal(t, 15000, FeatureLimit(20000, 15000))
}
