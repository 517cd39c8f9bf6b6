package caddy

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/protomaps/go-hybridtiles/tiles"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("hybridtiles", parseCaddyfile)
}

// Middleware serves static and dynamic vector tiles for
// /{schema}/{table}/{z}/{x}/{y}.mvt and TileJSON for /{schema}/{table}.json.
type Middleware struct {
	// Config is an optional engine configuration file; the fields below override it.
	Config    string `json:"config,omitempty"`
	TilesRoot string `json:"tiles_root,omitempty"`
	DuckDBDSN string `json:"duckdb_dsn,omitempty"`
	RedisURL  string `json:"redis_url,omitempty"`
	CacheSize int    `json:"cache_size,omitempty"`
	PublicURL string `json:"public_url,omitempty"`

	logger *zap.Logger
	engine *tiles.Engine
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.hybridtiles",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) config() (tiles.Config, error) {
	cfg, err := tiles.LoadConfig(m.Config)
	if err != nil {
		return cfg, err
	}
	if m.TilesRoot != "" {
		cfg.TilesRoot = m.TilesRoot
	}
	if m.DuckDBDSN != "" {
		cfg.DuckDBDSN = m.DuckDBDSN
	}
	if m.RedisURL != "" {
		cfg.RedisURL = m.RedisURL
	}
	if m.CacheSize > 0 {
		cfg.CacheSizeMB = m.CacheSize
	}
	return cfg, cfg.Validate()
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	cfg, err := m.config()
	if err != nil {
		return err
	}
	engine, err := tiles.NewEngine(ctx, cfg, tiles.EngineOptions{
		PublicURL:  m.PublicURL,
		Registerer: prometheus.NewRegistry(),
		Logger:     m.logger,
	})
	if err != nil {
		return err
	}
	if err := engine.Listen(ctx); err != nil {
		engine.Close()
		return err
	}
	m.engine = engine
	return nil
}

func (m *Middleware) Validate() error {
	if m.Config == "" && m.TilesRoot == "" {
		return fmt.Errorf("no tiles_root")
	}
	if m.CacheSize < 0 {
		return fmt.Errorf("negative cache_size")
	}
	return nil
}

// Cleanup closes the engine when the config is unloaded.
func (m *Middleware) Cleanup() error {
	if m.engine == nil {
		return nil
	}
	return m.engine.Close()
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	statusCode, headers, body := m.engine.Server.Get(r.Context(), r.URL.Path, r.URL.Query())
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
	m.logger.Info("response",
		zap.Int("status", statusCode),
		zap.String("path", r.URL.Path),
		zap.String("source", headers["X-Tile-Source"]),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "config":
				if !d.Args(&m.Config) {
					return d.ArgErr()
				}
			case "tiles_root":
				if !d.Args(&m.TilesRoot) {
					return d.ArgErr()
				}
			case "duckdb_dsn":
				if !d.Args(&m.DuckDBDSN) {
					return d.ArgErr()
				}
			case "redis_url":
				if !d.Args(&m.RedisURL) {
					return d.ArgErr()
				}
			case "cache_size":
				var cacheSize string
				if !d.Args(&cacheSize) {
					return d.ArgErr()
				}
				num, err := strconv.Atoi(cacheSize)
				if err != nil {
					return d.ArgErr()
				}
				m.CacheSize = num
			case "public_url":
				if !d.Args(&m.PublicURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown hybridtiles option %q", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
