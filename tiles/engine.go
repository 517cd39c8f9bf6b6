package tiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/protomaps/go-hybridtiles/pmtiles"
)

// EngineOptions carry the process-level collaborators of an Engine.
type EngineOptions struct {
	PublicURL  string
	CORS       string
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	// Translator overrides the CQL2-JSON filter translator.
	Translator PredicateTranslator
}

// Engine wires the store, the archive reader and the router behind a Server.
type Engine struct {
	Config    Config
	Metrics   *Metrics
	Store     *Store
	Reader    *pmtiles.Reader
	Existence *ArchiveExistenceCache
	Resolver  *StoreResolver
	Generator *Generator
	Router    *Router
	Server    *Server
	Bus       *InvalidationBus

	subscription *Subscription
	logger       *zap.Logger
}

// NewEngine opens everything cfg describes. The invalidation bus is only
// connected when cfg.RedisURL is set.
func NewEngine(ctx context.Context, cfg Config, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Translator == nil {
		opts.Translator = CQL2JSON{}
	}
	metrics := NewMetrics(opts.Registerer, logger)

	bucket, err := pmtiles.OpenBucket(ctx, cfg.TilesRoot, "")
	if err != nil {
		return nil, fmt.Errorf("opening tiles root %s: %w", cfg.TilesRoot, err)
	}
	cacheBytes := cfg.CacheSizeMB * 1000 * 1000
	metrics.InitCacheStats(cacheBytes)
	reader := pmtiles.NewReader(bucket, pmtiles.ReaderOptions{
		CacheSizeBytes: cacheBytes,
		IOPoolSize:     cfg.IOPoolSize,
		Observer:       metrics,
		Logger:         logger.Named("reader"),
	})
	reader.Start()

	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = logger.Named("store")
	store, err := OpenStore(storeOpts)
	if err != nil {
		reader.Close()
		return nil, err
	}

	e := &Engine{
		Config:  cfg,
		Metrics: metrics,
		Store:   store,
		Reader:  reader,
		logger:  logger,
	}
	e.Existence = NewArchiveExistenceCache(reader, ExistenceOptions{
		Size:    cfg.ExistenceCacheSize,
		Purge:   reader.Purge,
		Metrics: metrics,
		Logger:  logger.Named("existence"),
	})
	e.Resolver = NewStoreResolver(store, 0, cfg.ResolverCacheTTL)
	e.Generator = NewGenerator(store, GeneratorOptions{
		QueryOptions: cfg.QueryOptions(),
		Translator:   opts.Translator,
		Metrics:      metrics,
		Logger:       logger.Named("generator"),
	})
	e.Router = NewRouter(reader, e.Generator, e.Existence, RouterOptions{
		DynamicFallback: cfg.DynamicFallback,
		Logger:          logger.Named("router"),
	})
	e.Server = NewServer(e.Router, e.Resolver, reader, e.Existence, ServerOptions{
		PublicURL:    opts.PublicURL,
		CORS:         opts.CORS,
		MinZoom:      uint8(cfg.MinZoom),
		MaxZoom:      uint8(cfg.MaxZoom),
		HiddenFields: cfg.HiddenFields,
		Metrics:      metrics,
		Logger:       logger.Named("server"),
	})

	if cfg.RedisURL != "" {
		bus, err := NewInvalidationBus(ctx, cfg.RedisURL, cfg.InvalidationChannel, logger.Named("bus"))
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Bus = bus
	}
	return e, nil
}

// Listen applies invalidations from the bus until Close. It is a no-op
// without a bus.
func (e *Engine) Listen(ctx context.Context) error {
	if e.Bus == nil {
		return nil
	}
	sub, err := e.Bus.Subscribe(ctx, e)
	if err != nil {
		return err
	}
	e.subscription = sub
	return nil
}

// Invalidate implements Invalidator.
func (e *Engine) Invalidate(schema, table string) {
	e.Existence.Invalidate(schema, table)
	e.Resolver.Forget(schema, table)
}

// InvalidateAll implements Invalidator.
func (e *Engine) InvalidateAll() {
	e.Existence.InvalidateAll()
}

func (e *Engine) Close() error {
	var errs []error
	if e.subscription != nil {
		errs = append(errs, e.subscription.Close())
	}
	if e.Bus != nil {
		errs = append(errs, e.Bus.Close())
	}
	errs = append(errs, e.Store.Close(), e.Reader.Close())
	return errors.Join(errs...)
}
