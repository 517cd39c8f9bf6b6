package tiles

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine settings.
type Config struct {
	TilesRoot           string        `mapstructure:"tiles_root"`
	DuckDBDSN           string        `mapstructure:"duckdb_dsn"`
	DuckDBInit          []string      `mapstructure:"duckdb_init"`
	DuckLakeCatalog     string        `mapstructure:"ducklake_catalog"`
	MaxFeaturesPerTile  int           `mapstructure:"max_features_per_tile"`
	TileBuffer          int           `mapstructure:"tile_buffer"`
	DefaultExtent       int           `mapstructure:"default_extent"`
	HiddenFields        []string      `mapstructure:"hidden_fields"`
	MinZoom             int           `mapstructure:"min_zoom"`
	MaxZoom             int           `mapstructure:"max_zoom"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout"`
	QueryPoolSize       int           `mapstructure:"query_pool_size"`
	IOPoolSize          int           `mapstructure:"io_pool_size"`
	ConnMaxLifetime     time.Duration `mapstructure:"conn_max_lifetime"`
	CacheSizeMB         int           `mapstructure:"cache_size_mb"`
	ExistenceCacheSize  int           `mapstructure:"existence_cache_size"`
	ResolverCacheTTL    time.Duration `mapstructure:"resolver_cache_ttl"`
	DynamicFallback     bool          `mapstructure:"dynamic_fallback"`
	RedisURL            string        `mapstructure:"redis_url"`
	InvalidationChannel string        `mapstructure:"invalidation_channel"`
	TippecanoePath      string        `mapstructure:"tippecanoe_path"`
	ExportFormat        string        `mapstructure:"export_format"`
	SyncConcurrency     int           `mapstructure:"sync_concurrency"`
}

var configDefaults = map[string]any{
	"tiles_root":            "./tiles",
	"duckdb_dsn":            "",
	"duckdb_init":           []string{"INSTALL spatial", "LOAD spatial"},
	"ducklake_catalog":      "",
	"max_features_per_tile": 15000,
	"tile_buffer":           256,
	"default_extent":        4096,
	"hidden_fields":         []string{"bbox"},
	"min_zoom":              0,
	"max_zoom":              14,
	"query_timeout":         30 * time.Second,
	"query_pool_size":       4,
	"io_pool_size":          32,
	"conn_max_lifetime":     time.Hour,
	"cache_size_mb":         64,
	"existence_cache_size":  65536,
	"resolver_cache_ttl":    5 * time.Minute,
	"dynamic_fallback":      false,
	"redis_url":             "",
	"invalidation_channel":  "hybridtiles:invalidate",
	"tippecanoe_path":       "tippecanoe",
	"export_format":         "flatgeobuf",
	"sync_concurrency":      2,
}

// NewViper returns a viper instance with defaults and HYBRIDTILES_ env
// bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, d := range configDefaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix("HYBRIDTILES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads defaults, then the optional config file at path
// (yaml, toml or json by extension), then environment variables.
func LoadConfig(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.TilesRoot == "" {
		errs = append(errs, errors.New("tiles_root is required"))
	}
	if c.MinZoom < 0 || c.MaxZoom > MaxZoom || c.MinZoom > c.MaxZoom {
		errs = append(errs, fmt.Errorf("zoom range %d..%d invalid", c.MinZoom, c.MaxZoom))
	}
	if c.MaxFeaturesPerTile <= 0 {
		errs = append(errs, errors.New("max_features_per_tile must be positive"))
	}
	if c.DefaultExtent <= 0 {
		errs = append(errs, errors.New("default_extent must be positive"))
	}
	if c.TileBuffer <= 0 {
		errs = append(errs, errors.New("tile_buffer must be positive"))
	}
	if c.QueryPoolSize <= 0 || c.IOPoolSize <= 0 {
		errs = append(errs, errors.New("pool sizes must be positive"))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}
	if c.SyncConcurrency <= 0 {
		errs = append(errs, errors.New("sync_concurrency must be positive"))
	}
	switch c.ExportFormat {
	case "flatgeobuf", "geojson":
	default:
		errs = append(errs, fmt.Errorf("unknown export_format %q", c.ExportFormat))
	}
	return errors.Join(errs...)
}

// QueryOptions returns the generator settings of the config.
func (c Config) QueryOptions() QueryOptions {
	return QueryOptions{
		Extent:       c.DefaultExtent,
		Buffer:       c.TileBuffer,
		MaxFeatures:  c.MaxFeaturesPerTile,
		HiddenFields: c.HiddenFields,
	}
}

// StoreOptions returns the store settings of the config.
func (c Config) StoreOptions() StoreOptions {
	return StoreOptions{
		DSN:             c.DuckDBDSN,
		Init:            c.DuckDBInit,
		PoolSize:        c.QueryPoolSize,
		QueryTimeout:    c.QueryTimeout,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}
