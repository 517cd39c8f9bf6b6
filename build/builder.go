package build

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/protomaps/go-hybridtiles/pmtiles"
	"github.com/protomaps/go-hybridtiles/tiles"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Generator is stamped into the metadata of every built archive.
const Generator = "go-hybridtiles"

// Querier is the part of the store the builder needs.
type Querier interface {
	Columns(ctx context.Context, schema, table string) ([]tiles.Column, error)
	Get(ctx context.Context, dest any, query string, args ...any) error
	Exec(ctx context.Context, query string, args ...any) error
}

// Publisher announces archive changes to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev tiles.InvalidationEvent) error
}

// BuilderOptions configure a Builder.
type BuilderOptions struct {
	// TilesRoot is the local directory archives are written to.
	TilesRoot    string
	Runner       Runner
	Format       ExportFormat
	HiddenFields []string
	// MinZoom and MaxZoom are the zoom range of every build without an
	// override; both zero builds z0 only.
	MinZoom int
	MaxZoom int
	// TempDir holds export files; empty uses the system temp dir.
	TempDir     string
	Invalidator tiles.Invalidator
	Publisher   Publisher
	Metrics     *tiles.Metrics
	Logger      *zap.Logger
}

// BuildOptions override the zoom range of one build and carry the store
// snapshot the archive is built from. A nil zoom uses the builder's.
type BuildOptions struct {
	MinZoom    *int
	MaxZoom    *int
	SnapshotID int64
}

// BuildResult describes a finished archive.
type BuildResult struct {
	Schema     string
	Table      string
	Path       string
	Family     Family
	SnapshotID int64
	SizeBytes  int64
	Header     pmtiles.HeaderV3
	// Sample lists the layers of the tile at the archive center, when present.
	Sample   []pmtiles.LayerStats
	Duration time.Duration
}

// Builder turns store tables into static archives with tippecanoe.
//
// A build writes to a temp archive next to the final path and renames it
// into place only after the archive has been stamped and verified, so an
// existing archive stays untouched by a failed build. Concurrent builds of
// one layer are collapsed into one.
type Builder struct {
	querier Querier
	opts    BuilderOptions
	logger  *zap.Logger
	group   singleflight.Group
}

// NewBuilder creates a Builder.
func NewBuilder(querier Querier, opts BuilderOptions) (*Builder, error) {
	if opts.TilesRoot == "" {
		return nil, fmt.Errorf("tiles root is required")
	}
	if opts.Runner == nil {
		opts.Runner = Tippecanoe{Logger: opts.Logger}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Builder{querier: querier, opts: opts, logger: opts.Logger}, nil
}

// ArchivePath returns the local path of the archive of schema.table.
func (b *Builder) ArchivePath(schema, table string) string {
	return filepath.Join(b.opts.TilesRoot, filepath.FromSlash(tiles.ArchiveKey(schema, table)))
}

// TempArchivePath returns the path a build of schema.table writes to first.
func (b *Builder) TempArchivePath(schema, table string) string {
	return filepath.Join(b.opts.TilesRoot, schema, tempPrefix+table+".pmtiles")
}

// Build exports schema.table, runs tippecanoe and publishes the archive.
func (b *Builder) Build(ctx context.Context, schema, table string, opts BuildOptions) (BuildResult, error) {
	v, err, _ := b.group.Do(schema+"/"+table, func() (interface{}, error) {
		return b.build(ctx, schema, table, opts)
	})
	if err != nil {
		return BuildResult{}, err
	}
	return v.(BuildResult), nil
}

func (b *Builder) build(ctx context.Context, schema, table string, opts BuildOptions) (BuildResult, error) {
	start := time.Now()
	name := schema + "." + table
	result := BuildResult{Schema: schema, Table: table, SnapshotID: opts.SnapshotID}

	minZoom, maxZoom := b.opts.MinZoom, b.opts.MaxZoom
	if opts.MinZoom != nil {
		minZoom = *opts.MinZoom
	}
	if opts.MaxZoom != nil {
		maxZoom = *opts.MaxZoom
	}

	family := "unknown"
	fail := func(stage string, err error) (BuildResult, error) {
		b.opts.Metrics.Build(family, "failed", time.Since(start))
		b.logger.Warn("build failed", zap.String("layer", name), zap.String("stage", stage), zap.Error(err))
		return BuildResult{}, &BuildError{Layer: name, Stage: stage, Err: err}
	}

	if minZoom < 0 || minZoom > maxZoom || maxZoom > tiles.MaxZoom {
		return fail(StageInspect, fmt.Errorf("invalid zoom range %d-%d", minZoom, maxZoom))
	}

	layer, err := b.inspect(ctx, schema, table)
	if err != nil {
		return fail(StageInspect, err)
	}
	var geometryType string
	err = b.querier.Get(ctx, &geometryType, fmt.Sprintf("SELECT ST_GeometryType(%s) FROM %s WHERE %s IS NOT NULL LIMIT 1",
		tiles.QuoteIdent(layer.GeometryColumn), layer.QualifiedName(), tiles.QuoteIdent(layer.GeometryColumn)))
	if errors.Is(err, sql.ErrNoRows) {
		return fail(StageInspect, ErrEmptyLayer)
	}
	if err != nil {
		return fail(StageInspect, fmt.Errorf("detecting geometry type: %w", err))
	}
	result.Family = FamilyOf(geometryType)
	family = result.Family.String()

	finalPath := b.ArchivePath(schema, table)
	tmpArchive := b.TempArchivePath(schema, table)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fail(StageExport, err)
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpArchive)
		}
	}()

	exportDir, err := os.MkdirTemp(b.opts.TempDir, "hybridtiles-export-*")
	if err != nil {
		return fail(StageExport, err)
	}
	defer os.RemoveAll(exportDir)
	exportPath := filepath.Join(exportDir, table+b.opts.Format.Ext())

	query, err := ExportQuery(layer, b.opts.HiddenFields)
	if err != nil {
		return fail(StageExport, err)
	}
	b.logger.Debug("exporting", zap.String("layer", name), zap.String("format", b.opts.Format.String()), zap.String("family", result.Family.String()))
	if err := b.querier.Exec(ctx, CopyStatement(query, exportPath, b.opts.Format)); err != nil {
		return fail(StageExport, err)
	}

	if err := b.opts.Runner.Run(ctx, TippecanoeArgs(exportPath, tmpArchive, minZoom, maxZoom, result.Family)); err != nil {
		return fail(StageTippecanoe, err)
	}
	if _, err := os.Stat(tmpArchive); err != nil {
		return fail(StageTippecanoe, fmt.Errorf("no archive written: %w", err))
	}

	err = pmtiles.RewriteMetadata(tmpArchive, map[string]interface{}{
		pmtiles.SnapshotKey: opts.SnapshotID,
		"generator":         Generator,
		"name":              name,
	})
	if err != nil {
		return fail(StageStamp, err)
	}

	header, sample, err := b.check(ctx, schema, table)
	if err != nil {
		return fail(StageVerify, err)
	}
	result.Header = header
	result.Sample = sample

	if err := os.Rename(tmpArchive, finalPath); err != nil {
		return fail(StagePublish, err)
	}
	committed = true
	if info, err := os.Stat(finalPath); err == nil {
		result.SizeBytes = info.Size()
	}
	result.Path = finalPath
	result.Duration = time.Since(start)

	b.announce(ctx, tiles.OpBuild, schema, table)
	b.opts.Metrics.Build(result.Family.String(), "ok", result.Duration)
	b.logger.Info("built archive",
		zap.String("layer", name),
		zap.String("family", result.Family.String()),
		zap.Int64("snapshot", opts.SnapshotID),
		zap.String("size", humanize.Bytes(uint64(result.SizeBytes))),
		zap.Duration("elapsed", result.Duration))
	return result, nil
}

func (b *Builder) inspect(ctx context.Context, schema, table string) (tiles.LayerDescriptor, error) {
	cols, err := b.querier.Columns(ctx, schema, table)
	if err != nil {
		return tiles.LayerDescriptor{}, err
	}
	geom, ok := tiles.GeometryColumn(cols)
	if !ok {
		return tiles.LayerDescriptor{}, ErrNoGeometry
	}
	layer := tiles.LayerDescriptor{Schema: schema, Table: table, GeometryColumn: geom, Columns: cols}
	if vc, ok := b.querier.(tiles.ViewChecker); ok {
		if layer.View, err = vc.IsView(ctx, schema, table); err != nil {
			return tiles.LayerDescriptor{}, err
		}
	}
	return layer, nil
}

// check verifies the temp archive and scans the layers of its center tile.
func (b *Builder) check(ctx context.Context, schema, table string) (pmtiles.HeaderV3, []pmtiles.LayerStats, error) {
	bucket := pmtiles.NewFileBucket(filepath.Join(b.opts.TilesRoot, schema))
	key := tempPrefix + table + ".pmtiles"

	verified, err := pmtiles.Verify(ctx, bucket, key)
	if err != nil {
		return pmtiles.HeaderV3{}, nil, err
	}
	if err := verified.Err(); err != nil {
		return pmtiles.HeaderV3{}, nil, err
	}
	header := verified.Header

	reader := pmtiles.NewReader(bucket, pmtiles.ReaderOptions{IOPoolSize: 1, Logger: b.logger})
	reader.Start()
	defer reader.Close()

	center := orb.Point{float64(header.CenterLonE7) / 1e7, float64(header.CenterLatE7) / 1e7}
	addr := tiles.TileAt(center, header.CenterZoom)
	tile, err := reader.Tile(ctx, key, addr.Z, addr.X, addr.Y)
	if err != nil {
		return header, nil, err
	}
	if !tile.Found {
		return header, nil, nil
	}
	layers, err := pmtiles.ScanLayers(tile.Data, tile.Compression)
	if err != nil {
		return header, nil, fmt.Errorf("center tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
	}
	for _, l := range layers {
		if l.Name == tiles.LayerName {
			return header, layers, nil
		}
	}
	return header, layers, fmt.Errorf("center tile %d/%d/%d has no %q layer", tile.Z, tile.X, tile.Y, tiles.LayerName)
}

// Delete removes the archive of schema.table. Deleting a missing archive is not an error.
func (b *Builder) Delete(ctx context.Context, schema, table string) error {
	err := os.Remove(b.ArchivePath(schema, table))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	b.announce(ctx, tiles.OpDelete, schema, table)
	b.logger.Info("deleted archive", zap.String("layer", schema+"."+table))
	return nil
}

func (b *Builder) announce(ctx context.Context, op, schema, table string) {
	if b.opts.Invalidator != nil {
		b.opts.Invalidator.Invalidate(schema, table)
	}
	if b.opts.Publisher == nil {
		return
	}
	err := b.opts.Publisher.Publish(ctx, tiles.InvalidationEvent{Op: op, Schema: schema, Table: table})
	if err != nil {
		b.logger.Warn("publishing invalidation failed", zap.String("layer", schema+"."+table), zap.Error(err))
	}
}
