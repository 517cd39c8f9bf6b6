package tiles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/protomaps/go-hybridtiles/pmtiles"
)

// TileSource serves tiles of a layer. *Router implements it.
type TileSource interface {
	Tile(ctx context.Context, layer LayerDescriptor, addr TileAddress, filter TileFilter) (TileResult, error)
}

// ArchiveInfo reads archive headers and metadata. *pmtiles.Reader implements it.
type ArchiveInfo interface {
	HeaderMetadata(ctx context.Context, key string) (pmtiles.HeaderV3, map[string]interface{}, error)
}

// ServerOptions configure a Server.
type ServerOptions struct {
	// PublicURL prefixes tile urls in TileJSON; TileJSON is disabled without it.
	PublicURL    string
	CORS         string
	CacheControl string
	MinZoom      uint8
	MaxZoom      uint8
	HiddenFields []string
	// RetryAfter is sent with 503 responses to timed out queries, in seconds.
	RetryAfter int
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Server answers tile and TileJSON requests for every layer of the store.
type Server struct {
	tiles     TileSource
	layers    LayerResolver
	archives  ArchiveInfo
	existence ExistenceChecker
	opts      ServerOptions
	metrics   *Metrics
	logger    *zap.Logger
}

func NewServer(tiles TileSource, layers LayerResolver, archives ArchiveInfo, existence ExistenceChecker, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheControl == "" {
		opts.CacheControl = "public, max-age=3600"
	}
	if opts.MaxZoom == 0 {
		opts.MaxZoom = 14
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5
	}
	return &Server{
		tiles:     tiles,
		layers:    layers,
		archives:  archives,
		existence: existence,
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

const mvtContentType = "application/vnd.mapbox-vector-tile"

var tilePattern = regexp.MustCompile(`^/([A-Za-z0-9_\-]+)/([A-Za-z0-9_\-]+)/(\d+)/(\d+)/(\d+)\.(mvt|pbf)$`)
var tileJSONPattern = regexp.MustCompile(`^/([A-Za-z0-9_\-]+)/([A-Za-z0-9_\-]+)\.json$`)

func parseTilePath(path string) (ok bool, schema, table string, addr TileAddress, err error) {
	res := tilePattern.FindStringSubmatch(path)
	if res == nil {
		return false, "", "", TileAddress{}, nil
	}
	z, err := strconv.ParseUint(res[3], 10, 8)
	if err != nil || z > MaxZoom {
		return true, "", "", TileAddress{}, fmt.Errorf("%w: zoom %s", ErrInvalidAddress, res[3])
	}
	x, errX := strconv.ParseUint(res[4], 10, 32)
	y, errY := strconv.ParseUint(res[5], 10, 32)
	if errX != nil || errY != nil {
		return true, "", "", TileAddress{}, fmt.Errorf("%w: %s/%s/%s", ErrInvalidAddress, res[3], res[4], res[5])
	}
	addr = TileAddress{Z: uint8(z), X: uint32(x), Y: uint32(y)}
	return true, res[1], res[2], addr, addr.Validate()
}

func parseTileJSONPath(path string) (bool, string, string) {
	if res := tileJSONPattern.FindStringSubmatch(path); res != nil {
		return true, res[1], res[2]
	}
	return false, "", ""
}

// ParseTileFilter reads the properties, bbox, limit, filter and
// filter-lang query parameters.
func ParseTileFilter(query url.Values) (TileFilter, error) {
	var filter TileFilter
	if p := query.Get("properties"); p != "" {
		for _, name := range strings.Split(p, ",") {
			if name = strings.TrimSpace(name); name != "" {
				filter.Properties = append(filter.Properties, name)
			}
		}
	}
	if b := query.Get("bbox"); b != "" {
		parts := strings.Split(b, ",")
		if len(parts) != 4 {
			return TileFilter{}, fmt.Errorf("%w: bbox needs 4 numbers", ErrInvalidFilter)
		}
		var v [4]float64
		for i, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return TileFilter{}, fmt.Errorf("%w: bbox %q", ErrInvalidFilter, part)
			}
			v[i] = f
		}
		if v[0] > v[2] || v[1] > v[3] {
			return TileFilter{}, fmt.Errorf("%w: bbox min above max", ErrInvalidFilter)
		}
		filter.BBox = &orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	}
	if l := query.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return TileFilter{}, fmt.Errorf("%w: limit %q", ErrInvalidFilter, l)
		}
		filter.Limit = n
	}
	if f := query.Get("filter"); f != "" {
		lang := query.Get("filter-lang")
		if lang != "" && lang != "cql2-json" {
			return TileFilter{}, fmt.Errorf("%w: unsupported filter-lang %q", ErrInvalidFilter, lang)
		}
		filter.CQL = f
	}
	return filter, nil
}

func (s *Server) resolve(ctx context.Context, schema, table string) (LayerDescriptor, int, []byte) {
	layer, err := s.layers.Resolve(ctx, schema, table)
	if err == nil {
		return layer, 0, nil
	}
	if errors.Is(err, ErrLayerNotFound) {
		return LayerDescriptor{}, 404, []byte("Layer not found")
	}
	s.logger.Error("resolving layer", zap.String("layer", schema+"/"+table), zap.Error(err))
	return LayerDescriptor{}, 500, []byte("Error resolving layer")
}

func (s *Server) getTile(ctx context.Context, httpHeaders map[string]string, schema, table string, addr TileAddress, query url.Values) (int, map[string]string, []byte, Source) {
	filter, err := ParseTileFilter(query)
	if err != nil {
		return 400, httpHeaders, []byte(err.Error()), SourceNone
	}
	layer, status, body := s.resolve(ctx, schema, table)
	if status != 0 {
		return status, httpHeaders, body, SourceNone
	}

	res, err := s.tiles.Tile(ctx, layer, addr, filter)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidFilter):
			return 400, httpHeaders, []byte(err.Error()), SourceNone
		case errors.Is(err, ErrTimeout):
			httpHeaders["Retry-After"] = strconv.Itoa(s.opts.RetryAfter)
			return 503, httpHeaders, []byte("Tile query timed out"), SourceDynamic
		case errors.Is(err, pmtiles.ErrArchiveUnreadable):
			s.logger.Error("archive unreadable", zap.String("layer", layer.Key()), zap.Error(err))
			return 500, httpHeaders, []byte("I/O error"), SourceStatic
		default:
			return 500, httpHeaders, []byte("Error generating tile"), SourceDynamic
		}
	}

	if res.Source == SourceNone {
		return 404, httpHeaders, []byte("Layer has no tiles"), SourceNone
	}
	httpHeaders["X-Tile-Source"] = res.Source.String()
	if res.Empty() {
		return 204, httpHeaders, nil, res.Source
	}
	httpHeaders["Content-Type"] = mvtContentType
	if res.Precompressed {
		httpHeaders["Content-Encoding"] = "gzip"
	}
	httpHeaders["ETag"] = pmtiles.GenerateEtag(res.Data)
	httpHeaders["Cache-Control"] = s.opts.CacheControl
	return 200, httpHeaders, res.Data, res.Source
}

// vectorLayerFields describes the attributes of a dynamic tile for TileJSON.
func vectorLayerFields(layer LayerDescriptor, hidden []string) map[string]string {
	fields := make(map[string]string)
	if !layer.IDColumn() {
		fields["id"] = "Number"
	}
	for _, c := range tileProperties(layer, nil, hidden) {
		switch strings.ToUpper(c.Type) {
		case "BOOLEAN", "BOOL":
			fields[c.Name] = "Boolean"
		case "VARCHAR", "TEXT", "STRING":
			fields[c.Name] = "String"
		default:
			if Classify(c.Type) == CastVarchar {
				fields[c.Name] = "String"
			} else {
				fields[c.Name] = "Number"
			}
		}
	}
	return fields
}

func (s *Server) getTileJSON(ctx context.Context, httpHeaders map[string]string, schema, table string) (int, map[string]string, []byte) {
	if s.opts.PublicURL == "" {
		return 501, httpHeaders, []byte("public url must be set for TileJSON")
	}
	layer, status, body := s.resolve(ctx, schema, table)
	if status != 0 {
		return status, httpHeaders, body
	}

	exists, err := s.existence.Exists(ctx, schema, table)
	if err != nil {
		return 500, httpHeaders, []byte("I/O error")
	}

	var header pmtiles.HeaderV3
	var metadata map[string]interface{}
	if exists {
		header, metadata, err = s.archives.HeaderMetadata(ctx, layer.ArchiveKey())
		if err != nil {
			s.logger.Error("reading archive metadata", zap.String("layer", layer.Key()), zap.Error(err))
			return 500, httpHeaders, []byte("I/O error")
		}
	} else {
		header = pmtiles.HeaderV3{
			TileType: pmtiles.Mvt,
			MinZoom:  s.opts.MinZoom,
			MaxZoom:  s.opts.MaxZoom,
			MinLonE7: -1800000000,
			MinLatE7: -850511287,
			MaxLonE7: 1800000000,
			MaxLatE7: 850511287,
		}
		metadata = map[string]interface{}{
			"name": layer.Key(),
			"vector_layers": []map[string]interface{}{{
				"id":     LayerName,
				"fields": vectorLayerFields(layer, s.opts.HiddenFields),
			}},
		}
	}

	tilejson, err := pmtiles.CreateTileJSON(header, metadata, s.opts.PublicURL+"/"+schema+"/"+table)
	if err != nil {
		return 500, httpHeaders, []byte("Error generating tilejson")
	}
	httpHeaders["Content-Type"] = "application/json"
	return 200, httpHeaders, tilejson
}

// Get answers one request for path with the given query parameters.
func (s *Server) Get(ctx context.Context, path string, query url.Values) (int, map[string]string, []byte) {
	tracker := s.metrics.startRequest()
	httpHeaders := make(map[string]string)
	if len(s.opts.CORS) > 0 {
		httpHeaders["Access-Control-Allow-Origin"] = s.opts.CORS
	}

	if ok, schema, table, addr, err := parseTilePath(path); ok {
		if err != nil {
			tracker.finish(ctx, "tile", SourceNone, 400, 0)
			return 400, httpHeaders, []byte(err.Error())
		}
		status, headers, body, source := s.getTile(ctx, httpHeaders, schema, table, addr, query)
		tracker.finish(ctx, "tile", source, status, len(body))
		return status, headers, body
	}
	if ok, schema, table := parseTileJSONPath(path); ok {
		status, headers, body := s.getTileJSON(ctx, httpHeaders, schema, table)
		tracker.finish(ctx, "tilejson", SourceNone, status, len(body))
		return status, headers, body
	}
	if path == "/" {
		return 204, httpHeaders, []byte{}
	}
	tracker.finish(ctx, "404", SourceNone, 404, 0)
	return 404, httpHeaders, []byte("Path not found")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status, headers, body := s.Get(r.Context(), r.URL.Path, r.URL.Query())
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if status == 200 {
		if etag := headers["ETag"]; etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	if r.Method == http.MethodGet {
		w.Write(body)
	}
}
