package tiles

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protomaps/go-hybridtiles/pmtiles"
)

type stubTileSource struct {
	res    TileResult
	err    error
	last   TileFilter
	addr   TileAddress
	layer  LayerDescriptor
	called bool
}

func (s *stubTileSource) Tile(_ context.Context, layer LayerDescriptor, addr TileAddress, filter TileFilter) (TileResult, error) {
	s.called = true
	s.layer = layer
	s.addr = addr
	s.last = filter
	return s.res, s.err
}

type stubResolver struct {
	layers map[string]LayerDescriptor
	err    error
}

func (s stubResolver) Resolve(_ context.Context, schema, table string) (LayerDescriptor, error) {
	if s.err != nil {
		return LayerDescriptor{}, s.err
	}
	layer, ok := s.layers[schema+"/"+table]
	if !ok {
		return LayerDescriptor{}, ErrLayerNotFound
	}
	return layer, nil
}

type stubArchiveInfo struct {
	header   pmtiles.HeaderV3
	metadata map[string]interface{}
}

func (s stubArchiveInfo) HeaderMetadata(context.Context, string) (pmtiles.HeaderV3, map[string]interface{}, error) {
	return s.header, s.metadata, nil
}

func newTestServer(source *stubTileSource, exists bool, opts ServerOptions) *Server {
	resolver := stubResolver{layers: map[string]LayerDescriptor{"public/roads": roadsLayer()}}
	archives := stubArchiveInfo{
		header:   pmtiles.HeaderV3{TileType: pmtiles.Mvt, MinZoom: 2, MaxZoom: 12},
		metadata: map[string]interface{}{"name": "roads archive"},
	}
	return NewServer(source, resolver, archives, &stubExistence{exists: exists}, opts)
}

func TestServerStaticTile(t *testing.T) {
	source := &stubTileSource{res: TileResult{Data: []byte("gz"), Precompressed: true, Source: SourceStatic}}
	s := newTestServer(source, true, ServerOptions{CORS: "*"})

	status, headers, body := s.Get(context.Background(), "/public/roads/3/1/2.mvt", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "gz", string(body))
	assert.Equal(t, "gzip", headers["Content-Encoding"])
	assert.Equal(t, "static", headers["X-Tile-Source"])
	assert.Equal(t, mvtContentType, headers["Content-Type"])
	assert.Equal(t, pmtiles.GenerateEtag([]byte("gz")), headers["ETag"])
	assert.Equal(t, "public, max-age=3600", headers["Cache-Control"])
	assert.Equal(t, "*", headers["Access-Control-Allow-Origin"])
	assert.Equal(t, TileAddress{3, 1, 2}, source.addr)
	assert.Equal(t, "public/roads", source.layer.Key())
}

func TestServerDynamicTileFilter(t *testing.T) {
	source := &stubTileSource{res: TileResult{Data: []byte("raw"), Source: SourceDynamic}}
	s := newTestServer(source, false, ServerOptions{})

	query := url.Values{
		"properties":  {"name, id"},
		"bbox":        {"0,51,0.5,51.5"},
		"limit":       {"10"},
		"filter":      {`{"op":"=","args":[{"property":"name"},"A1"]}`},
		"filter-lang": {"cql2-json"},
	}
	status, headers, body := s.Get(context.Background(), "/public/roads/10/512/341.pbf", query)
	assert.Equal(t, 200, status)
	assert.Equal(t, "raw", string(body))
	assert.Empty(t, headers["Content-Encoding"])
	assert.Equal(t, "dynamic", headers["X-Tile-Source"])

	assert.Equal(t, []string{"name", "id"}, source.last.Properties)
	require.NotNil(t, source.last.BBox)
	assert.Equal(t, 0.5, source.last.BBox.Max[0])
	assert.Equal(t, 10, source.last.Limit)
	assert.NotNil(t, source.last.CQL)
}

func TestServerStatuses(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		query  url.Values
		res    TileResult
		err    error
		status int
	}{
		{name: "empty", path: "/public/roads/0/0/0.mvt", res: TileResult{Source: SourceStatic}, status: 204},
		{name: "no tiles", path: "/public/roads/0/0/0.mvt", res: TileResult{Source: SourceNone}, status: 404},
		{name: "unknown layer", path: "/public/rivers/0/0/0.mvt", status: 404},
		{name: "bad path", path: "/public/roads/0/0.mvt", status: 404},
		{name: "x out of range", path: "/public/roads/1/2/0.mvt", status: 400},
		{name: "zoom too deep", path: "/public/roads/25/0/0.mvt", status: 400},
		{name: "bad bbox", path: "/public/roads/0/0/0.mvt", query: url.Values{"bbox": {"1,2,3"}}, status: 400},
		{name: "inverted bbox", path: "/public/roads/0/0/0.mvt", query: url.Values{"bbox": {"3,2,1,4"}}, status: 400},
		{name: "bad limit", path: "/public/roads/0/0/0.mvt", query: url.Values{"limit": {"-1"}}, status: 400},
		{name: "bad filter lang", path: "/public/roads/0/0/0.mvt", query: url.Values{"filter": {"x"}, "filter-lang": {"cql2-text"}}, status: 400},
		{name: "invalid filter", path: "/public/roads/0/0/0.mvt", err: ErrInvalidFilter, status: 400},
		{name: "timeout", path: "/public/roads/0/0/0.mvt", err: ErrTimeout, status: 503},
		{name: "unreadable", path: "/public/roads/0/0/0.mvt", err: &pmtiles.ArchiveError{Key: "k", Err: errors.New("x")}, status: 500},
		{name: "generation", path: "/public/roads/0/0/0.mvt", err: &GenerationError{Err: errors.New("x")}, status: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubTileSource{res: tt.res, err: tt.err}, true, ServerOptions{})
			status, headers, _ := s.Get(context.Background(), tt.path, tt.query)
			assert.Equal(t, tt.status, status)
			if tt.status == 503 {
				assert.Equal(t, "5", headers["Retry-After"])
			}
		})
	}
}

func TestServerTileJSONFromArchive(t *testing.T) {
	s := newTestServer(&stubTileSource{}, true, ServerOptions{PublicURL: "http://example.com"})
	status, headers, body := s.Get(context.Background(), "/public/roads.json", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])

	var tj map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &tj))
	assert.Equal(t, "roads archive", tj["name"])
	assert.Equal(t, []interface{}{"http://example.com/public/roads/{z}/{x}/{y}.mvt"}, tj["tiles"])
	assert.Equal(t, 2.0, tj["minzoom"])
}

func TestServerTileJSONDynamic(t *testing.T) {
	s := newTestServer(&stubTileSource{}, false, ServerOptions{PublicURL: "http://example.com", MaxZoom: 16})
	status, _, body := s.Get(context.Background(), "/public/roads.json", nil)
	require.Equal(t, 200, status)

	var tj struct {
		Name         string `json:"name"`
		MaxZoom      int    `json:"maxzoom"`
		VectorLayers []struct {
			ID     string            `json:"id"`
			Fields map[string]string `json:"fields"`
		} `json:"vector_layers"`
	}
	require.NoError(t, json.Unmarshal(body, &tj))
	assert.Equal(t, "public/roads", tj.Name)
	assert.Equal(t, 16, tj.MaxZoom)
	require.Len(t, tj.VectorLayers, 1)
	assert.Equal(t, LayerName, tj.VectorLayers[0].ID)
	assert.Equal(t, map[string]string{"id": "Number", "name": "String"}, tj.VectorLayers[0].Fields)
}

func TestServerTileJSONNeedsPublicURL(t *testing.T) {
	s := newTestServer(&stubTileSource{}, true, ServerOptions{})
	status, _, _ := s.Get(context.Background(), "/public/roads.json", nil)
	assert.Equal(t, 501, status)
}

func TestServerServeHTTP(t *testing.T) {
	source := &stubTileSource{res: TileResult{Data: []byte("tile"), Source: SourceDynamic}}
	s := newTestServer(source, false, ServerOptions{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public/roads/0/0/0.mvt?limit=3", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "tile", rec.Body.String())
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, 3, source.last.Limit)

	etag := rec.Header().Get("ETag")
	req := httptest.NewRequest(http.MethodGet, "/public/roads/0/0/0.mvt", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/public/roads/0/0/0.mvt", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil)
	source := &stubTileSource{res: TileResult{Data: []byte("x"), Source: SourceStatic}}
	s := newTestServer(source, true, ServerOptions{Metrics: metrics})

	s.Get(context.Background(), "/public/roads/0/0/0.mvt", nil)
	s.Get(context.Background(), "/public/roads/0/0/0.mvt", nil)
	s.Get(context.Background(), "/nothing", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues("tile", "static", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("404", "none", "404")))
}
