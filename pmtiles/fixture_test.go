package pmtiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixtureTile struct {
	z    uint8
	x, y uint32
	data []byte
}

type fixtureOptions struct {
	MinZoom     uint8
	MaxZoom     uint8
	Compression Compression
	Metadata    map[string]interface{}
	// LeafSize splits the entries into leaf directories when > 0.
	LeafSize int
}

func buildArchive(t *testing.T, opts fixtureOptions, tiles []fixtureTile) []byte {
	t.Helper()
	if opts.Compression == UnknownCompression {
		opts.Compression = NoCompression
	}
	sort.Slice(tiles, func(i, j int) bool {
		return ZxyToID(tiles[i].z, tiles[i].x, tiles[i].y) < ZxyToID(tiles[j].z, tiles[j].x, tiles[j].y)
	})

	var tileData bytes.Buffer
	entries := make([]EntryV3, 0, len(tiles))
	for _, tile := range tiles {
		entries = append(entries, EntryV3{
			TileID:    ZxyToID(tile.z, tile.x, tile.y),
			Offset:    uint64(tileData.Len()),
			Length:    uint32(len(tile.data)),
			RunLength: 1,
		})
		tileData.Write(tile.data)
	}

	var root []EntryV3
	var leaves bytes.Buffer
	if opts.LeafSize > 0 {
		for i := 0; i < len(entries); i += opts.LeafSize {
			end := min(i+opts.LeafSize, len(entries))
			leaf := serializeEntries(entries[i:end])
			root = append(root, EntryV3{TileID: entries[i].TileID, Offset: uint64(leaves.Len()), Length: uint32(len(leaf))})
			leaves.Write(leaf)
		}
	} else {
		root = entries
	}
	rootBytes := serializeEntries(root)

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{"name": "fixture"}
	}
	metadataBytes, err := SerializeMetadata(metadata, Gzip)
	require.NoError(t, err)

	header := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3LenBytes,
		RootLength:          uint64(len(rootBytes)),
		AddressedTilesCount: uint64(len(entries)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(entries)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     opts.Compression,
		TileType:            Mvt,
		MinZoom:             opts.MinZoom,
		MaxZoom:             opts.MaxZoom,
		MinLonE7:            -1800000000,
		MinLatE7:            -850000000,
		MaxLonE7:            1800000000,
		MaxLatE7:            850000000,
	}
	header.MetadataOffset = header.RootOffset + header.RootLength
	header.MetadataLength = uint64(len(metadataBytes))
	header.LeafDirectoryOffset = header.MetadataOffset + header.MetadataLength
	header.LeafDirectoryLength = uint64(leaves.Len())
	header.TileDataOffset = header.LeafDirectoryOffset + header.LeafDirectoryLength
	header.TileDataLength = uint64(tileData.Len())

	var out bytes.Buffer
	out.Write(serializeHeader(header))
	out.Write(rootBytes)
	out.Write(metadataBytes)
	out.Write(leaves.Bytes())
	out.Write(tileData.Bytes())
	return out.Bytes()
}

func writeArchive(t *testing.T, dir, key string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// mockBucket keeps archives in memory and counts range reads.
type mockBucket struct {
	mu    sync.Mutex
	items map[string][]byte
	reads map[string]int
	fail  error
}

func newMockBucket() *mockBucket {
	return &mockBucket{items: map[string][]byte{}, reads: map[string]int{}}
}

func (m *mockBucket) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = data
}

func (m *mockBucket) readCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[key]
}

func (m *mockBucket) Close() error {
	return nil
}

func (m *mockBucket) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	_, ok := m.items[key]
	return ok, nil
}

func (m *mockBucket) NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error) {
	body, _, _, err := m.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (m *mockBucket) NewRangeReaderEtag(_ context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[key]++
	if m.fail != nil {
		return nil, "", 500, m.fail
	}
	data, ok := m.items[key]
	if !ok {
		return nil, "", 404, fmt.Errorf("%s not found", key)
	}
	newEtag := GenerateEtag(data)
	if etag != "" && etag != newEtag {
		return nil, "", 412, &RefreshRequiredError{412}
	}
	if offset >= int64(len(data)) {
		return io.NopCloser(bytes.NewReader(nil)), newEtag, 206, nil
	}
	end := min(offset+length, int64(len(data)))
	return io.NopCloser(bytes.NewReader(data[offset:end])), newEtag, 206, nil
}
