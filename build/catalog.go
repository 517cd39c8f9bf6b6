package build

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/protomaps/go-hybridtiles/tiles"
)

// LayerInfo is a geometry table known to the catalog.
type LayerInfo struct {
	Schema         string `db:"schema_name"`
	Table          string `db:"table_name"`
	GeometryColumn string `db:"geometry_column"`
	// SnapshotID is the store snapshot of the last data change; 0 when the
	// store does not track snapshots.
	SnapshotID int64 `db:"data_snapshot"`
	SizeBytes  int64 `db:"total_size"`
}

// Key returns "schema/table".
func (l LayerInfo) Key() string {
	return l.Schema + "/" + l.Table
}

// CatalogFilter narrows a layer listing.
type CatalogFilter struct {
	Schema string
	// SmallFirst orders by data size where the catalog knows sizes.
	SmallFirst bool
}

// Catalog lists the geometry layers that should have archives.
type Catalog interface {
	Layers(ctx context.Context, filter CatalogFilter) ([]LayerInfo, error)
}

// Selecter runs multi-row queries.
type Selecter interface {
	Select(ctx context.Context, dest any, query string, args ...any) error
}

// StoreCatalog lists geometry tables from the store's information_schema.
// With a DuckLake catalog configured, tables and their data snapshots come
// from the DuckLake metadata instead.
type StoreCatalog struct {
	store    Selecter
	ducklake string
}

// NewStoreCatalog creates a catalog over store. ducklake is the name the
// DuckLake catalog is attached under, or empty.
func NewStoreCatalog(store Selecter, ducklake string) *StoreCatalog {
	return &StoreCatalog{store: store, ducklake: ducklake}
}

var systemSchemas = []string{"information_schema", "pg_catalog"}

type columnRow struct {
	Schema string `db:"table_schema"`
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
	Type   string `db:"data_type"`
}

// Layers lists layers ordered by schema and table.
func (c *StoreCatalog) Layers(ctx context.Context, filter CatalogFilter) ([]LayerInfo, error) {
	if c.ducklake != "" {
		return c.ducklakeLayers(ctx, filter)
	}

	q := sq.Select("table_schema", "table_name", "column_name", "data_type").
		From("information_schema.columns").
		Where(sq.NotEq{"table_schema": systemSchemas}).
		Where(sq.Or{sq.Eq{"upper(data_type)": "GEOMETRY"}, sq.Like{"upper(data_type)": "GEOMETRY(%"}}).
		OrderBy("table_schema", "table_name", "ordinal_position")
	if filter.Schema != "" {
		q = q.Where(sq.Eq{"table_schema": filter.Schema})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []columnRow
	if err := c.store.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing geometry tables: %w", err)
	}

	var layers []LayerInfo
	for i := 0; i < len(rows); {
		j := i
		var cols []tiles.Column
		for ; j < len(rows) && rows[j].Schema == rows[i].Schema && rows[j].Table == rows[i].Table; j++ {
			cols = append(cols, tiles.Column{Name: rows[j].Column, Type: rows[j].Type})
		}
		geom, _ := tiles.GeometryColumn(cols)
		layers = append(layers, LayerInfo{Schema: rows[i].Schema, Table: rows[i].Table, GeometryColumn: geom})
		i = j
	}
	return layers, nil
}

// ducklakeLayers reads the metadata tables of an attached DuckLake catalog.
// A table's data snapshot is the newest snapshot that added a live data
// file, falling back to the snapshot that created the table.
func (c *StoreCatalog) ducklakeLayers(ctx context.Context, filter CatalogFilter) ([]LayerInfo, error) {
	meta := tiles.QuoteIdent("__ducklake_metadata_" + c.ducklake)

	stats := sq.Select("table_id", "SUM(file_size_bytes) AS total_size", "MAX(begin_snapshot) AS last_data_snapshot").
		From(meta + ".ducklake_data_file").
		Where(sq.Eq{"end_snapshot": nil}).
		GroupBy("table_id")

	q := sq.Select(
		"s.schema_name AS schema_name",
		"t.table_name AS table_name",
		"c.column_name AS geometry_column",
		"COALESCE(st.last_data_snapshot, t.begin_snapshot) AS data_snapshot",
		"COALESCE(st.total_size, 0) AS total_size",
	).
		From(meta + ".ducklake_table t").
		Join(meta + ".ducklake_schema s ON t.schema_id = s.schema_id").
		Join(meta + ".ducklake_column c ON t.table_id = c.table_id").
		JoinClause(stats.Prefix("LEFT JOIN (").Suffix(") st ON t.table_id = st.table_id")).
		Where(sq.Eq{"t.end_snapshot": nil, "s.end_snapshot": nil, "c.end_snapshot": nil}).
		Where(sq.Or{sq.Eq{"upper(c.column_type)": "GEOMETRY"}, sq.Like{"upper(c.column_type)": "GEOMETRY(%"}})
	if filter.Schema != "" {
		q = q.Where(sq.Eq{"s.schema_name": filter.Schema})
	}
	if filter.SmallFirst {
		q = q.OrderBy("total_size ASC", "schema_name", "table_name", "c.column_id")
	} else {
		q = q.OrderBy("schema_name", "table_name", "c.column_id")
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []LayerInfo
	if err := c.store.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing ducklake tables: %w", err)
	}

	// one row per geometry column; keep the first of each table
	seen := make(map[string]bool, len(rows))
	layers := rows[:0]
	for _, row := range rows {
		if seen[row.Key()] {
			continue
		}
		seen[row.Key()] = true
		layers = append(layers, row)
	}
	return layers, nil
}
