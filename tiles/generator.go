package tiles

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// BlobQuerier runs a query returning one binary value.
type BlobQuerier interface {
	QueryBlob(ctx context.Context, query string, args ...any) ([]byte, error)
}

// GeneratorOptions configure a Generator.
type GeneratorOptions struct {
	QueryOptions
	Translator PredicateTranslator
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Generator encodes tiles on demand from store tables.
type Generator struct {
	store      BlobQuerier
	opts       QueryOptions
	translator PredicateTranslator
	metrics    *Metrics
	logger     *zap.Logger
}

// NewGenerator creates a Generator over a store.
func NewGenerator(store BlobQuerier, opts GeneratorOptions) *Generator {
	if opts.Extent <= 0 {
		opts.Extent = 4096
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = 15000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Generator{
		store:      store,
		opts:       opts.QueryOptions,
		translator: opts.Translator,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// Generate returns the uncompressed MVT bytes of a tile, or nil when no
// feature intersects it.
func (g *Generator) Generate(ctx context.Context, layer LayerDescriptor, addr TileAddress, filter TileFilter) ([]byte, error) {
	query, args, err := BuildTileQuery(layer, addr, filter, g.opts, g.translator)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := g.store.QueryBlob(ctx, query, args...)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		g.metrics.generation("ok", elapsed)
		g.logger.Debug("generated tile", zap.String("layer", layer.Key()), zap.Stringer("tile", addr), zap.Int("bytes", len(data)), zap.Duration("duration", elapsed))
		return data, nil
	case errors.Is(err, ErrTimeout):
		g.metrics.generation("timeout", elapsed)
		g.logger.Warn("tile query timed out", zap.String("layer", layer.Key()), zap.Stringer("tile", addr), zap.Duration("duration", elapsed))
		return nil, err
	case ctx.Err() != nil:
		g.metrics.generation("canceled", elapsed)
		return nil, ctx.Err()
	default:
		g.metrics.generation("error", elapsed)
		g.logger.Error("tile generation failed", zap.String("layer", layer.Key()), zap.Stringer("tile", addr), zap.Error(err))
		return nil, &GenerationError{Layer: layer.Key(), Address: addr, Err: err}
	}
}
