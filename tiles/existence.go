package tiles

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/protomaps/go-hybridtiles/pmtiles"
)

// ArchiveProber checks the archive store for an archive key.
type ArchiveProber interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// ArchiveExistenceCache remembers which layers have a static archive.
// Entries are filled lazily, one probe per key at a time, and stay until
// invalidated. Invalidation also drops cached archive directories through
// the purge hook.
type ArchiveExistenceCache struct {
	prober  ArchiveProber
	purge   func(key string)
	entries *lru.Cache[string, bool]
	group   singleflight.Group
	epoch   atomic.Uint64
	metrics *Metrics
	logger  *zap.Logger
}

// ExistenceOptions configure an ArchiveExistenceCache.
type ExistenceOptions struct {
	Size int
	// Purge is called with the archive key of every invalidated layer.
	Purge   func(archiveKey string)
	Metrics *Metrics
	Logger  *zap.Logger
}

// NewArchiveExistenceCache creates a cache in front of prober.
func NewArchiveExistenceCache(prober ArchiveProber, opts ExistenceOptions) *ArchiveExistenceCache {
	if opts.Size <= 0 {
		opts.Size = 65536
	}
	if opts.Purge == nil {
		opts.Purge = func(string) {}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	entries, _ := lru.New[string, bool](opts.Size)
	return &ArchiveExistenceCache{
		prober:  prober,
		purge:   opts.Purge,
		entries: entries,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

func existenceKey(schema, table string) string {
	return schema + "/" + table
}

// Exists reports whether schema.table has an archive.
func (c *ArchiveExistenceCache) Exists(ctx context.Context, schema, table string) (bool, error) {
	key := existenceKey(schema, table)
	if exists, ok := c.entries.Get(key); ok {
		c.metrics.existence("hit")
		return exists, nil
	}
	c.metrics.existence("miss")

	archiveKey := ArchiveKey(schema, table)
	ch := c.group.DoChan(key, func() (any, error) {
		epoch := c.epoch.Load()
		exists, err := c.prober.Exists(context.WithoutCancel(ctx), archiveKey)
		if err != nil {
			return false, &pmtiles.ArchiveError{Key: archiveKey, Err: err}
		}
		// an invalidation during the probe makes the answer stale
		if c.epoch.Load() == epoch {
			c.entries.Add(key, exists)
		}
		c.logger.Debug("probed archive", zap.String("layer", key), zap.Bool("exists", exists))
		return exists, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.existence("error")
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Invalidate forgets schema.table so the next check probes again.
func (c *ArchiveExistenceCache) Invalidate(schema, table string) {
	key := existenceKey(schema, table)
	c.epoch.Add(1)
	c.entries.Remove(key)
	c.group.Forget(key)
	c.purge(ArchiveKey(schema, table))
	c.logger.Debug("invalidated archive", zap.String("layer", key))
}

// InvalidateAll forgets every layer.
func (c *ArchiveExistenceCache) InvalidateAll() {
	c.epoch.Add(1)
	for _, key := range c.entries.Keys() {
		c.group.Forget(key)
		c.purge(key + ".pmtiles")
	}
	c.entries.Purge()
	c.logger.Debug("invalidated all archives")
}

// Len returns the number of remembered layers.
func (c *ArchiveExistenceCache) Len() int {
	return c.entries.Len()
}
