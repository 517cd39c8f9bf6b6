package tiles

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// PredicateTranslator renders a filter expression as a SQL fragment with
// positional ? arguments. Only the given columns may be referenced.
type PredicateTranslator interface {
	Translate(filter any, columns []string, geometryColumn string) (string, []any, error)
}

// QueryOptions are the encoding parameters shared by every dynamic tile.
type QueryOptions struct {
	Extent       int
	Buffer       int
	MaxFeatures  int
	HiddenFields []string
}

// LayerName is the MVT layer every tile is encoded into.
const LayerName = "default"

const fidColumn = "__fid"

var integerTypes = map[string]bool{
	"INTEGER": true, "INT": true, "INT4": true, "INT8": true,
	"BIGINT": true, "SMALLINT": true, "TINYINT": true,
}

// rowKey returns the expression that orders candidate rows and stands in
// for a missing id. Views have no rowid, so they order by their id column,
// or not at all with row_number() as the surrogate.
func rowKey(layer LayerDescriptor) (expr string, orderable bool) {
	if !layer.View {
		return "rowid", true
	}
	if c, ok := layer.Column("id"); ok {
		return QuoteIdent(c.Name), true
	}
	return "row_number() OVER ()", false
}

// featureID returns the expression feeding the MVT feature id: an integer
// id column if the layer has one, otherwise the row key.
func featureID(layer LayerDescriptor) string {
	key, _ := rowKey(layer)
	c, ok := layer.Column("id")
	if !ok {
		return key
	}
	t := strings.ToUpper(strings.TrimSpace(c.Type))
	switch {
	case integerTypes[t]:
		return QuoteIdent(c.Name)
	case unsignedWide[t]:
		return "CAST(" + QuoteIdent(c.Name) + " AS BIGINT)"
	default:
		if key == QuoteIdent(c.Name) {
			return "row_number() OVER ()"
		}
		return key
	}
}

// tileProperties picks the attribute columns of a tile in output order.
// The id column is always kept, whatever was requested or hidden.
func tileProperties(layer LayerDescriptor, requested []string, hidden []string) []Column {
	isHidden := func(name string) bool {
		if strings.EqualFold(name, layer.GeometryColumn) {
			return true
		}
		if strings.EqualFold(name, "id") {
			return false
		}
		for _, h := range hidden {
			if strings.EqualFold(h, name) {
				return true
			}
		}
		return false
	}

	var candidates []Column
	if requested != nil {
		seen := map[string]bool{}
		if id, ok := layer.Column("id"); ok {
			seen[strings.ToLower(id.Name)] = true
			candidates = append(candidates, id)
		}
		for _, name := range requested {
			c, ok := layer.Column(strings.TrimSpace(name))
			if !ok || seen[strings.ToLower(c.Name)] {
				continue
			}
			seen[strings.ToLower(c.Name)] = true
			candidates = append(candidates, c)
		}
	} else {
		candidates = layer.Columns
	}

	props := make([]Column, 0, len(candidates))
	for _, c := range candidates {
		if isHidden(c.Name) || Classify(c.Type) == Excluded {
			continue
		}
		props = append(props, c)
	}
	return props
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// pruningPredicate compares precomputed feature bounds against the tile
// bounds. The bounds are inlined as numeric literals so the store can use
// them for row group pruning.
func pruningPredicate(p Pruning, b orb.Bound) sq.Sqlizer {
	minx, miny := formatFloat(b.Min.X()), formatFloat(b.Min.Y())
	maxx, maxy := formatFloat(b.Max.X()), formatFloat(b.Max.Y())
	switch p {
	case PruneScalar:
		return sq.Expr(`"$minx" <= ` + maxx + ` AND "$maxx" >= ` + minx + ` AND "$miny" <= ` + maxy + ` AND "$maxy" >= ` + miny)
	case PruneStruct:
		return sq.Expr(`"bbox".xmin <= ` + maxx + ` AND "bbox".xmax >= ` + minx + ` AND "bbox".ymin <= ` + maxy + ` AND "bbox".ymax >= ` + miny)
	default:
		return nil
	}
}

// FeatureLimit caps a requested limit by the configured maximum.
// Non-positive limits mean the maximum.
func FeatureLimit(requested, max int) int {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

// BuildTileQuery renders the single statement that encodes a tile with
// ST_AsMVT. Candidate rows are selected in a subquery that applies the
// spatial and attribute filters, then encoded into layer "default".
func BuildTileQuery(layer LayerDescriptor, addr TileAddress, filter TileFilter, opts QueryOptions, translator PredicateTranslator) (string, []any, error) {
	if layer.GeometryColumn == "" {
		return "", nil, fmt.Errorf("layer %s has no geometry column", layer.Key())
	}
	geo := GeographicBounds(addr)
	merc := ProjectedBounds(addr)
	geom := QuoteIdent(layer.GeometryColumn)

	props := tileProperties(layer, filter.Properties, opts.HiddenFields)

	inner := sq.Select(geom, featureID(layer)+" AS "+QuoteIdent(fidColumn)).From(layer.QualifiedName())
	for _, c := range props {
		expr, _ := ProjectColumn(c.Name, Classify(c.Type))
		inner = inner.Column(expr)
	}

	if pred := pruningPredicate(layer.Pruning(), geo); pred != nil {
		inner = inner.Where(pred)
	}
	inner = inner.Where(sq.Expr("ST_Intersects("+geom+", ST_MakeEnvelope(?, ?, ?, ?))",
		geo.Min.X(), geo.Min.Y(), geo.Max.X(), geo.Max.Y()))

	if filter.CQL != nil {
		if translator == nil {
			return "", nil, fmt.Errorf("%w: no filter translator configured", ErrInvalidFilter)
		}
		fragment, args, err := translator.Translate(filter.CQL, layer.ColumnNames(), layer.GeometryColumn)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		if strings.TrimSpace(fragment) != "" {
			inner = inner.Where(sq.Expr("("+fragment+")", args...))
		}
	}
	if filter.BBox != nil {
		inner = inner.Where(sq.Expr("ST_Intersects("+geom+", ST_GeomFromText(?))", wkt.MarshalString(filter.BBox.ToPolygon())))
	}

	if key, ok := rowKey(layer); ok {
		inner = inner.OrderBy(key)
	}
	inner = inner.Limit(uint64(FeatureLimit(filter.Limit, opts.MaxFeatures)))

	fields := []string{
		fmt.Sprintf("geometry := ST_AsMVTGeom(ST_Transform(candidates.%s, 'EPSG:4326', 'EPSG:3857', always_xy := true), ST_Extent(ST_MakeEnvelope(?, ?, ?, ?)), %d, %d, true)",
			geom, opts.Extent, opts.Buffer),
		QuoteIdent(fidColumn) + " := candidates." + QuoteIdent(fidColumn),
	}
	if !layer.IDColumn() {
		fields = append(fields, `"id" := candidates.`+QuoteIdent(fidColumn))
	}
	for _, c := range props {
		fields = append(fields, QuoteIdent(c.Name)+" := candidates."+QuoteIdent(c.Name))
	}
	encode := fmt.Sprintf("ST_AsMVT(struct_pack(%s), '%s', %d, 'geometry', '%s') AS tile",
		strings.Join(fields, ", "), LayerName, opts.Extent, fidColumn)

	return sq.Select().
		Column(sq.Expr(encode, merc.Min.X(), merc.Min.Y(), merc.Max.X(), merc.Max.Y())).
		FromSelect(inner, "candidates").
		PlaceholderFormat(sq.Question).
		ToSql()
}
