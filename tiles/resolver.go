package tiles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LayerResolver looks up the descriptor of a geometry table.
type LayerResolver interface {
	Resolve(ctx context.Context, schema, table string) (LayerDescriptor, error)
}

// ColumnLister lists a table's columns. *Store implements it.
type ColumnLister interface {
	Columns(ctx context.Context, schema, table string) ([]Column, error)
}

// ViewChecker tells views from base tables. *Store implements it; listers
// without it are assumed to list base tables only.
type ViewChecker interface {
	IsView(ctx context.Context, schema, table string) (bool, error)
}

// IsGeometryType reports whether a declared type holds geometries.
func IsGeometryType(declared string) bool {
	t := strings.ToUpper(strings.TrimSpace(declared))
	return t == "GEOMETRY" || strings.HasPrefix(t, "GEOMETRY(")
}

// GeometryColumn picks the geometry column of a table: "geom" or
// "geometry" when present, else the first geometry-typed column.
func GeometryColumn(columns []Column) (string, bool) {
	first := ""
	for _, c := range columns {
		if !IsGeometryType(c.Type) {
			continue
		}
		if strings.EqualFold(c.Name, "geom") || strings.EqualFold(c.Name, "geometry") {
			return c.Name, true
		}
		if first == "" {
			first = c.Name
		}
	}
	return first, first != ""
}

// StoreResolver resolves layers from the store catalog. Descriptors are
// cached for ttl; a table without a geometry column is ErrLayerNotFound.
type StoreResolver struct {
	lister ColumnLister
	cache  *expirable.LRU[string, LayerDescriptor]
}

func NewStoreResolver(lister ColumnLister, size int, ttl time.Duration) *StoreResolver {
	if size <= 0 {
		size = 1024
	}
	return &StoreResolver{
		lister: lister,
		cache:  expirable.NewLRU[string, LayerDescriptor](size, nil, ttl),
	}
}

func (r *StoreResolver) Resolve(ctx context.Context, schema, table string) (LayerDescriptor, error) {
	key := schema + "/" + table
	if layer, ok := r.cache.Get(key); ok {
		return layer, nil
	}
	columns, err := r.lister.Columns(ctx, schema, table)
	if err != nil {
		return LayerDescriptor{}, err
	}
	geom, ok := GeometryColumn(columns)
	if !ok {
		return LayerDescriptor{}, fmt.Errorf("%s.%s: %w", schema, table, ErrLayerNotFound)
	}
	layer := LayerDescriptor{Schema: schema, Table: table, GeometryColumn: geom, Columns: columns}
	if vc, ok := r.lister.(ViewChecker); ok {
		if layer.View, err = vc.IsView(ctx, schema, table); err != nil {
			return LayerDescriptor{}, err
		}
	}
	r.cache.Add(key, layer)
	return layer, nil
}

// Forget drops a cached descriptor, e.g. after a schema change.
func (r *StoreResolver) Forget(schema, table string) {
	r.cache.Remove(schema + "/" + table)
}
