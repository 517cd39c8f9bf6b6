package tiles

import (
	"context"

	"go.uber.org/zap"

	"github.com/protomaps/go-hybridtiles/pmtiles"
)

// StaticReader reads tiles out of archives. *pmtiles.Reader implements it.
type StaticReader interface {
	Tile(ctx context.Context, key string, z uint8, x, y uint32) (pmtiles.TileData, error)
}

// DynamicGenerator encodes tiles on demand. *Generator implements it.
type DynamicGenerator interface {
	Generate(ctx context.Context, layer LayerDescriptor, addr TileAddress, filter TileFilter) ([]byte, error)
}

// ExistenceChecker reports whether a layer has an archive.
type ExistenceChecker interface {
	Exists(ctx context.Context, schema, table string) (bool, error)
}

// RouterOptions configure a Router.
type RouterOptions struct {
	// DynamicFallback generates tiles for layers without an archive instead
	// of reporting them as not found.
	DynamicFallback bool
	Logger          *zap.Logger
}

// Router picks the source of every tile: the layer's archive for unfiltered
// requests, the generator for filtered ones.
type Router struct {
	reader    StaticReader
	generator DynamicGenerator
	existence ExistenceChecker
	fallback  bool
	logger    *zap.Logger
}

func NewRouter(reader StaticReader, generator DynamicGenerator, existence ExistenceChecker, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		reader:    reader,
		generator: generator,
		existence: existence,
		fallback:  opts.DynamicFallback,
		logger:    opts.Logger,
	}
}

// Tile serves one tile of layer.
//
// A filter with CQL or a bbox always goes to the generator. Otherwise the
// archive answers when it exists, and a tile missing from an existing
// archive is an empty static tile. Layers without an archive yield
// SourceNone unless dynamic fallback is enabled.
func (r *Router) Tile(ctx context.Context, layer LayerDescriptor, addr TileAddress, filter TileFilter) (TileResult, error) {
	if err := addr.Validate(); err != nil {
		return TileResult{}, err
	}
	if filter.ForcesDynamic() {
		return r.dynamic(ctx, layer, addr, filter)
	}

	exists, err := r.existence.Exists(ctx, layer.Schema, layer.Table)
	if err != nil {
		return TileResult{}, err
	}
	if exists {
		return r.static(ctx, layer, addr)
	}
	if r.fallback {
		return r.dynamic(ctx, layer, addr, filter)
	}
	return TileResult{Source: SourceNone}, nil
}

func (r *Router) static(ctx context.Context, layer LayerDescriptor, addr TileAddress) (TileResult, error) {
	tile, err := r.reader.Tile(ctx, layer.ArchiveKey(), addr.Z, addr.X, addr.Y)
	if err != nil {
		return TileResult{}, err
	}
	if !tile.Found {
		return TileResult{Source: SourceStatic}, nil
	}
	if tile.Z != addr.Z {
		r.logger.Debug("overzoomed tile", zap.String("layer", layer.Key()), zap.Stringer("tile", addr), zap.Uint8("served_z", tile.Z))
	}
	return TileResult{Data: tile.Data, Precompressed: tile.Precompressed(), Source: SourceStatic}, nil
}

func (r *Router) dynamic(ctx context.Context, layer LayerDescriptor, addr TileAddress, filter TileFilter) (TileResult, error) {
	data, err := r.generator.Generate(ctx, layer, addr, filter)
	if err != nil {
		return TileResult{}, err
	}
	return TileResult{Data: data, Source: SourceDynamic}, nil
}
