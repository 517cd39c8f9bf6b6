package tiles

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/protomaps/go-hybridtiles/pmtiles"
)

func newMemBucket(t *testing.T) pmtiles.BucketAdapter {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return pmtiles.BucketAdapter{Bucket: bucket}
}

func putArchive(t *testing.T, bucket pmtiles.BucketAdapter, key string, maxZoom uint8, addr TileAddress, data []byte) {
	t.Helper()
	var b bytes.Buffer
	_, err := pmtiles.WriteArchive(&b, pmtiles.ArchiveOptions{
		TileType: pmtiles.Mvt,
		MaxZoom:  maxZoom,
		MinLonE7: -1800000000,
		MinLatE7: -850000000,
		MaxLonE7: 1800000000,
		MaxLatE7: 850000000,
		Metadata: map[string]interface{}{"name": key},
	}, []pmtiles.ArchiveTile{{Z: addr.Z, X: addr.X, Y: addr.Y, Data: data}})
	require.NoError(t, err)
	require.NoError(t, bucket.Bucket.WriteAll(context.Background(), key, b.Bytes(), &blob.WriterOptions{}))
}
