package build

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/protomaps/go-hybridtiles/pmtiles"
	"github.com/protomaps/go-hybridtiles/tiles"
	"github.com/stretchr/testify/require"
)

func mvtTile(t *testing.T, layer string) []byte {
	t.Helper()
	data, err := mvt.Marshal(mvt.Layers{{
		Name:     layer,
		Version:  2,
		Extent:   4096,
		Features: []*geojson.Feature{geojson.NewFeature(orb.Point{100, 100})},
	}})
	require.NoError(t, err)
	return data
}

func writeTestArchive(t *testing.T, path string, tile []byte, metadata map[string]interface{}) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = pmtiles.WriteArchive(f, pmtiles.ArchiveOptions{
		TileType:    pmtiles.Mvt,
		Compression: pmtiles.NoCompression,
		MaxZoom:     2,
		Metadata:    metadata,
	}, []pmtiles.ArchiveTile{{Z: 0, X: 0, Y: 0, Data: tile}})
	require.NoError(t, err)
}

type stubQuerier struct {
	columns      []tiles.Column
	geometryType string
	mu           sync.Mutex
	execs        []string
	execErr      error
}

func (q *stubQuerier) Columns(context.Context, string, string) ([]tiles.Column, error) {
	return q.columns, nil
}

func (q *stubQuerier) Get(_ context.Context, dest any, _ string, _ ...any) error {
	if q.geometryType == "" {
		return sql.ErrNoRows
	}
	*dest.(*string) = q.geometryType
	return nil
}

func (q *stubQuerier) Exec(_ context.Context, query string, _ ...any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.execs = append(q.execs, query)
	return q.execErr
}

// stubRunner writes a one-tile archive to the -o path instead of running tippecanoe.
type stubRunner struct {
	t    *testing.T
	tile []byte
	err  error
	mu   sync.Mutex
	args [][]string
}

func (r *stubRunner) Run(_ context.Context, args []string) error {
	r.mu.Lock()
	r.args = append(r.args, args)
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	writeTestArchive(r.t, args[1], r.tile, map[string]interface{}{"generator": "tippecanoe"})
	return nil
}

type recordingInvalidator struct {
	mu     sync.Mutex
	layers []string
}

func (r *recordingInvalidator) Invalidate(schema, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers = append(r.layers, schema+"/"+table)
}

func (r *recordingInvalidator) InvalidateAll() {}

type recordingPublisher struct {
	mu     sync.Mutex
	events []tiles.InvalidationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev tiles.InvalidationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

var pointColumns = []tiles.Column{
	{Name: "geom", Type: "GEOMETRY"},
	{Name: "name", Type: "VARCHAR"},
	{Name: "bbox", Type: "STRUCT(xmin DOUBLE, ymin DOUBLE, xmax DOUBLE, ymax DOUBLE)"},
}

func zoom(z int) *int {
	return &z
}
