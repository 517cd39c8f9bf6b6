package build

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/protomaps/go-hybridtiles/pmtiles"
	"github.com/protomaps/go-hybridtiles/tiles"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tempPrefix = ".tmp_"

// DefaultTempFileAge is how old a temp file must be before a sync removes
// it. Younger files may belong to a build still running in another process.
const DefaultTempFileAge = time.Hour

// LayerBuilder builds and deletes layer archives.
type LayerBuilder interface {
	Build(ctx context.Context, schema, table string, opts BuildOptions) (BuildResult, error)
	Delete(ctx context.Context, schema, table string) error
}

// SyncerOptions configure a Syncer.
type SyncerOptions struct {
	// TilesRoot is the local directory holding the archives.
	TilesRoot   string
	Concurrency int
	// TempFileAge overrides DefaultTempFileAge.
	TempFileAge time.Duration
	Progress    ProgressWriter
	Logger      *zap.Logger
}

// SyncParams select what one sync run does.
type SyncParams struct {
	Schema string
	// Force rebuilds every layer, in sync or not.
	Force bool
	// MissingOnly builds layers without an archive and leaves stale ones.
	MissingOnly bool
	// DryRun classifies layers without building anything.
	DryRun     bool
	SmallFirst bool
	// Limit caps the number of builds; 0 means no limit.
	Limit       int
	Concurrency int
}

// SyncStats counts the outcome of a sync run.
type SyncStats struct {
	Total     int
	InSync    int
	Missing   int
	Stale     int
	Corrupted int
	Generated int
	Failed    int
	Skipped   int
	// Cleaned counts leftover temp files removed before the run.
	Cleaned int
}

type layerState int

const (
	stateInSync layerState = iota
	stateMissing
	stateStale
)

// Syncer brings the archives under a tiles root in line with the catalog.
type Syncer struct {
	catalog Catalog
	builder LayerBuilder
	bucket  *pmtiles.FileBucket
	opts    SyncerOptions
	logger  *zap.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(catalog Catalog, builder LayerBuilder, opts SyncerOptions) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.TempFileAge <= 0 {
		opts.TempFileAge = DefaultTempFileAge
	}
	if opts.Progress == nil {
		opts.Progress = QuietProgress()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Syncer{
		catalog: catalog,
		builder: builder,
		bucket:  pmtiles.NewFileBucket(opts.TilesRoot),
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Sync classifies every catalog layer and builds the selected ones. Build
// failures are counted and logged; the returned error is reserved for
// failures of the run itself.
func (s *Syncer) Sync(ctx context.Context, params SyncParams) (SyncStats, error) {
	var stats SyncStats

	cleaned, err := CleanTempFiles(s.opts.TilesRoot, s.opts.TempFileAge)
	if err != nil {
		return stats, err
	}
	stats.Cleaned = cleaned
	if cleaned > 0 {
		s.logger.Info("removed leftover temp files", zap.Int("count", cleaned))
	}

	layers, err := s.catalog.Layers(ctx, CatalogFilter{Schema: params.Schema, SmallFirst: params.SmallFirst})
	if err != nil {
		return stats, err
	}
	stats.Total = len(layers)

	var targets []LayerInfo
	for _, layer := range layers {
		state, corrupted, err := s.classify(ctx, layer, params.DryRun)
		if err != nil {
			return stats, err
		}
		if corrupted {
			stats.Corrupted++
		}
		switch state {
		case stateInSync:
			stats.InSync++
		case stateMissing:
			stats.Missing++
		case stateStale:
			stats.Stale++
		}
		if s.selected(state, params) {
			targets = append(targets, layer)
		}
	}

	if params.Limit > 0 && len(targets) > params.Limit {
		stats.Skipped += len(targets) - params.Limit
		targets = targets[:params.Limit]
	}
	if params.DryRun {
		stats.Skipped += len(targets)
		for _, layer := range targets {
			s.logger.Info("would build", zap.String("layer", layer.Key()), zap.Int64("snapshot", layer.SnapshotID))
		}
		return stats, nil
	}
	if len(targets) == 0 {
		return stats, nil
	}

	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = s.opts.Concurrency
	}
	bar := s.opts.Progress.NewCountProgress(int64(len(targets)), "building archives")
	defer bar.Close()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, layer := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.builder.Build(gctx, layer.Schema, layer.Table, BuildOptions{SnapshotID: layer.SnapshotID})
			mu.Lock()
			if err != nil {
				stats.Failed++
			} else {
				stats.Generated++
			}
			mu.Unlock()
			bar.Add(1)
			if err != nil {
				s.logger.Error("sync build failed", zap.String("layer", layer.Key()), zap.Error(err))
			}
			return nil
		})
	}
	err = g.Wait()
	return stats, err
}

func (s *Syncer) selected(state layerState, params SyncParams) bool {
	switch {
	case params.Force:
		return true
	case params.MissingOnly:
		return state == stateMissing
	default:
		return state != stateInSync
	}
}

// classify compares an archive's stamped snapshot with the catalog's.
// Unreadable archives are reported as missing and deleted unless dryRun is set.
func (s *Syncer) classify(ctx context.Context, layer LayerInfo, dryRun bool) (state layerState, corrupted bool, err error) {
	key := tiles.ArchiveKey(layer.Schema, layer.Table)
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil || !exists {
		return stateMissing, false, err
	}
	_, metadata, err := pmtiles.ReadHeaderMetadata(ctx, s.bucket, key)
	if errors.Is(err, pmtiles.ErrArchiveUnreadable) {
		if dryRun {
			return stateMissing, true, nil
		}
		s.logger.Warn("removing unreadable archive", zap.String("layer", layer.Key()), zap.Error(err))
		if err := s.builder.Delete(ctx, layer.Schema, layer.Table); err != nil {
			return stateMissing, true, err
		}
		return stateMissing, true, nil
	}
	if err != nil {
		return stateMissing, false, err
	}
	snapshot, ok := pmtiles.SnapshotID(metadata)
	if !ok || snapshot != layer.SnapshotID {
		return stateStale, false, nil
	}
	return stateInSync, false, nil
}

// CleanTempFiles removes archives left behind by interrupted builds that
// were last modified at least olderThan ago.
func CleanTempFiles(root string, olderThan time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-olderThan)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isTempArchive(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

func isTempArchive(name string) bool {
	switch {
	case strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".pmtiles"):
		return true
	case strings.HasPrefix(name, ".meta_") && strings.HasSuffix(name, ".pmtiles"):
		return true
	case strings.HasSuffix(name, ".pmtiles.tmp"):
		return true
	}
	return false
}
