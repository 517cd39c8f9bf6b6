package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/protomaps/go-hybridtiles/build"
	"github.com/protomaps/go-hybridtiles/pmtiles"
	"github.com/protomaps/go-hybridtiles/tiles"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Config    string `help:"Configuration file (yaml, toml or json)." type:"existingfile"`
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `default:"console" enum:"console,json" help:"Log format."`

	Serve struct {
		Port      int    `default:"8080"`
		Cors      string `help:"Allowed CORS origins, comma separated."`
		PublicURL string `help:"Public URL of the tile endpoint for TileJSON, e.g. https://example.com"`
		Trace     bool   `help:"Trace requests with Datadog."`
	} `cmd:"" help:"Serve static and dynamic tiles over HTTP."`

	Tile struct {
		Layer  string `arg:"" help:"Layer as schema.table."`
		Z      int    `arg:""`
		X      int    `arg:""`
		Y      int    `arg:""`
		Bbox   string `help:"Only features intersecting min_lon,min_lat,max_lon,max_lat; forces a dynamic tile."`
		Layers bool   `help:"Print the tile's layers instead of its bytes."`
	} `cmd:"" help:"Fetch one tile through the router and output it on stdout."`

	Show struct {
		Layer string `arg:"" help:"Layer as schema.table."`
	} `cmd:"" help:"Inspect the archive of a layer."`

	Verify struct {
		Layer string `arg:"" help:"Layer as schema.table."`
	} `cmd:"" help:"Verify that the archive of a layer is valid."`

	Build struct {
		Layer    string `arg:"" help:"Layer as schema.table."`
		MinZoom  int    `help:"Minimum zoom; defaults to the configured min_zoom." default:"-1"`
		MaxZoom  int    `help:"Maximum zoom; defaults to the configured max_zoom." default:"-1"`
		Snapshot int64  `help:"Snapshot id stamped into the archive."`
		Delete   bool   `help:"Delete the archive instead of building it."`
	} `cmd:"" help:"Build the static archive of a layer with tippecanoe."`

	Sync struct {
		Schema      string `help:"Only sync layers of this schema."`
		Force       bool   `help:"Rebuild all layers."`
		MissingOnly bool   `help:"Only build layers without an archive."`
		DryRun      bool   `help:"Report what would be built."`
		SmallFirst  bool   `help:"Build small tables first."`
		Limit       int    `help:"Build at most this many layers."`
		Concurrency int    `help:"Concurrent builds; defaults to the configured sync_concurrency."`
		Quiet       bool   `help:"Hide the progress bar."`
	} `cmd:"" help:"Build missing and stale archives for every geometry table."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = format
	return cfg.Build()
}

func parseLayer(s string) (string, string, error) {
	sep := strings.IndexAny(s, "./")
	if sep <= 0 || sep == len(s)-1 {
		return "", "", fmt.Errorf("layer %q is not schema.table", s)
	}
	return s[:sep], s[sep+1:], nil
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}
	kctx := kong.Parse(&cli)

	if kctx.Command() == "version" {
		fmt.Printf("hybridtiles %s, commit %s, built at %s\n", version, commit, date)
		return
	}

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger, %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := tiles.LoadConfig(cli.Config)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "tile <layer> <z> <x> <y>":
		err = tile(ctx, cfg, logger)
	case "show <layer>":
		err = show(ctx, cfg)
	case "verify <layer>":
		err = verify(ctx, cfg)
	case "build <layer>":
		err = buildLayer(ctx, cfg, logger)
	case "sync":
		err = syncLayers(ctx, cfg, logger)
	default:
		panic(kctx.Command())
	}
	if err != nil {
		logger.Fatal("Command failed", zap.String("command", kctx.Command()), zap.Error(err))
	}
}

func serve(ctx context.Context, cfg tiles.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	engine, err := tiles.NewEngine(ctx, cfg, tiles.EngineOptions{
		PublicURL:  cli.Serve.PublicURL,
		Registerer: registry,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.Metrics.SetBuildInfo(version, commit, date)
	if err := engine.Listen(ctx); err != nil {
		return err
	}

	var mux interface {
		http.Handler
		Handle(pattern string, handler http.Handler)
	} = http.NewServeMux()
	if cli.Serve.Trace {
		if err := tracer.Start(tracer.WithService("hybridtiles"), tracer.WithServiceVersion(version)); err != nil {
			return err
		}
		defer tracer.Stop()
		mux = httptrace.NewServeMux()
	}
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", engine.Server)

	var handler http.Handler = mux
	if cli.Serve.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: strings.Split(cli.Serve.Cors, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
		}).Handler(mux)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cli.Serve.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info("serving",
		zap.String("tiles_root", cfg.TilesRoot),
		zap.Int("port", cli.Serve.Port),
		zap.Bool("invalidation_bus", engine.Bus != nil))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func tile(ctx context.Context, cfg tiles.Config, logger *zap.Logger) error {
	schema, table, err := parseLayer(cli.Tile.Layer)
	if err != nil {
		return err
	}
	engine, err := tiles.NewEngine(ctx, cfg, tiles.EngineOptions{Registerer: prometheus.NewRegistry(), Logger: logger})
	if err != nil {
		return err
	}
	defer engine.Close()

	layer, err := engine.Resolver.Resolve(ctx, schema, table)
	if err != nil {
		return err
	}
	query := url.Values{}
	if cli.Tile.Bbox != "" {
		query.Set("bbox", cli.Tile.Bbox)
	}
	filter, err := tiles.ParseTileFilter(query)
	if err != nil {
		return err
	}
	addr := tiles.TileAddress{Z: uint8(cli.Tile.Z), X: uint32(cli.Tile.X), Y: uint32(cli.Tile.Y)}
	result, err := engine.Router.Tile(ctx, layer, addr, filter)
	if err != nil {
		return err
	}
	if result.Source == tiles.SourceNone {
		return fmt.Errorf("%s has no archive and no dynamic fallback", layer.Key())
	}
	logger.Info("tile", zap.String("source", result.Source.String()), zap.String("size", humanize.Bytes(uint64(len(result.Data)))))

	if !cli.Tile.Layers {
		_, err = os.Stdout.Write(result.Data)
		return err
	}
	compression := pmtiles.NoCompression
	if result.Precompressed {
		compression = pmtiles.Gzip
	}
	layers, err := pmtiles.ScanLayers(result.Data, compression)
	if err != nil {
		return err
	}
	for _, l := range layers {
		fmt.Printf("%s: %d features, %s, %d attribute values\n", l.Name, l.Features, humanize.Bytes(uint64(l.Bytes)), l.AttrValues)
	}
	return nil
}

func show(ctx context.Context, cfg tiles.Config) error {
	schema, table, err := parseLayer(cli.Show.Layer)
	if err != nil {
		return err
	}
	bucket, err := pmtiles.OpenBucket(ctx, cfg.TilesRoot, "")
	if err != nil {
		return err
	}
	defer bucket.Close()
	key := tiles.ArchiveKey(schema, table)
	header, metadata, err := pmtiles.ReadHeaderMetadata(ctx, bucket, key)
	if err != nil {
		return err
	}
	pmtiles.Show(os.Stdout, key, header, metadata)
	return nil
}

func verify(ctx context.Context, cfg tiles.Config) error {
	schema, table, err := parseLayer(cli.Verify.Layer)
	if err != nil {
		return err
	}
	bucket, err := pmtiles.OpenBucket(ctx, cfg.TilesRoot, "")
	if err != nil {
		return err
	}
	defer bucket.Close()
	start := time.Now()
	result, err := pmtiles.Verify(ctx, bucket, tiles.ArchiveKey(schema, table))
	if err != nil {
		return err
	}
	for _, p := range result.Problems {
		fmt.Println(p)
	}
	if err := result.Err(); err != nil {
		return err
	}
	fmt.Printf("%s: %d addressed tiles, %d entries, %d contents, valid (%s)\n",
		result.Key, result.AddressedTiles, result.TileEntries, result.TileContents, time.Since(start))
	return nil
}

// localRoot returns tiles_root as a directory; builds write local files.
func localRoot(root string) (string, error) {
	u, err := pmtiles.NormalizeBucketURL(root)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(u, "file://") {
		return "", fmt.Errorf("building needs a local tiles_root, got %s", root)
	}
	return filepath.FromSlash(strings.TrimPrefix(u, "file://")), nil
}

func newBuilder(cfg tiles.Config, engine *tiles.Engine, logger *zap.Logger) (*build.Builder, error) {
	root, err := localRoot(cfg.TilesRoot)
	if err != nil {
		return nil, err
	}
	format, err := build.ParseExportFormat(cfg.ExportFormat)
	if err != nil {
		return nil, err
	}
	opts := build.BuilderOptions{
		TilesRoot:    root,
		Runner:       build.Tippecanoe{Path: cfg.TippecanoePath, Logger: logger.Named("tippecanoe")},
		Format:       format,
		HiddenFields: cfg.HiddenFields,
		MinZoom:      cfg.MinZoom,
		MaxZoom:      cfg.MaxZoom,
		Invalidator:  engine,
		Metrics:      engine.Metrics,
		Logger:       logger.Named("builder"),
	}
	if engine.Bus != nil {
		opts.Publisher = engine.Bus
	}
	return build.NewBuilder(engine.Store, opts)
}

func buildLayer(ctx context.Context, cfg tiles.Config, logger *zap.Logger) error {
	schema, table, err := parseLayer(cli.Build.Layer)
	if err != nil {
		return err
	}
	engine, err := tiles.NewEngine(ctx, cfg, tiles.EngineOptions{Registerer: prometheus.NewRegistry(), Logger: logger})
	if err != nil {
		return err
	}
	defer engine.Close()
	builder, err := newBuilder(cfg, engine, logger)
	if err != nil {
		return err
	}
	if cli.Build.Delete {
		return builder.Delete(ctx, schema, table)
	}

	opts := build.BuildOptions{SnapshotID: cli.Build.Snapshot}
	if cli.Build.MinZoom >= 0 {
		opts.MinZoom = &cli.Build.MinZoom
	}
	if cli.Build.MaxZoom >= 0 {
		opts.MaxZoom = &cli.Build.MaxZoom
	}
	result, err := builder.Build(ctx, schema, table, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s archive, %s, %s\n", result.Path, result.Family, humanize.Bytes(uint64(result.SizeBytes)), result.Duration.Round(time.Millisecond))
	return nil
}

func syncLayers(ctx context.Context, cfg tiles.Config, logger *zap.Logger) error {
	engine, err := tiles.NewEngine(ctx, cfg, tiles.EngineOptions{Registerer: prometheus.NewRegistry(), Logger: logger})
	if err != nil {
		return err
	}
	defer engine.Close()
	builder, err := newBuilder(cfg, engine, logger)
	if err != nil {
		return err
	}
	root, _ := localRoot(cfg.TilesRoot)

	progress := build.BarProgress()
	if cli.Sync.Quiet {
		progress = build.QuietProgress()
	}
	syncer := build.NewSyncer(build.NewStoreCatalog(engine.Store, cfg.DuckLakeCatalog), builder, build.SyncerOptions{
		TilesRoot:   root,
		Concurrency: cfg.SyncConcurrency,
		Progress:    progress,
		Logger:      logger.Named("sync"),
	})
	stats, err := syncer.Sync(ctx, build.SyncParams{
		Schema:      cli.Sync.Schema,
		Force:       cli.Sync.Force,
		MissingOnly: cli.Sync.MissingOnly,
		DryRun:      cli.Sync.DryRun,
		SmallFirst:  cli.Sync.SmallFirst,
		Limit:       cli.Sync.Limit,
		Concurrency: cli.Sync.Concurrency,
	})
	logger.Info("sync finished",
		zap.Int("total", stats.Total),
		zap.Int("in_sync", stats.InSync),
		zap.Int("missing", stats.Missing),
		zap.Int("stale", stats.Stale),
		zap.Int("corrupted", stats.Corrupted),
		zap.Int("generated", stats.Generated),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped))
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d builds failed", stats.Failed, stats.Failed+stats.Generated)
	}
	return nil
}
