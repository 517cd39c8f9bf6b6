package pmtiles

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyValid(t *testing.T) {
	bucket := newMockBucket()
	bucket.put("a.pmtiles", buildArchive(t, fixtureOptions{MaxZoom: 1, LeafSize: 2}, []fixtureTile{
		{0, 0, 0, []byte("a")},
		{1, 0, 0, []byte("bb")},
		{1, 0, 1, []byte("ccc")},
		{1, 1, 1, []byte("dddd")},
	}))

	result, err := Verify(context.Background(), bucket, "a.pmtiles")
	require.NoError(t, err)
	assert.True(t, result.Valid(), result.Problems)
	assert.NoError(t, result.Err())
	assert.Equal(t, uint64(4), result.AddressedTiles)
	assert.Equal(t, uint64(4), result.TileEntries)
	assert.Equal(t, uint64(4), result.TileContents)
}

func TestVerifyCounterMismatch(t *testing.T) {
	data := buildArchive(t, fixtureOptions{MaxZoom: 1}, []fixtureTile{
		{0, 0, 0, []byte("a")},
		{1, 0, 0, []byte("b")},
	})
	// AddressedTilesCount
	binary.LittleEndian.PutUint64(data[72:80], 99)
	bucket := newMockBucket()
	bucket.put("a.pmtiles", data)

	result, err := Verify(context.Background(), bucket, "a.pmtiles")
	require.NoError(t, err)
	assert.False(t, result.Valid())
	assert.Len(t, result.Problems, 1)
	assert.ErrorIs(t, result.Err(), ErrArchiveUnreadable)
}

func TestVerifyZoomMismatch(t *testing.T) {
	bucket := newMockBucket()
	bucket.put("a.pmtiles", buildArchive(t, fixtureOptions{MinZoom: 1, MaxZoom: 1}, []fixtureTile{
		{0, 0, 0, []byte("a")},
		{2, 0, 0, []byte("b")},
	}))
	result, err := Verify(context.Background(), bucket, "a.pmtiles")
	require.NoError(t, err)
	assert.Len(t, result.Problems, 2)
}

func TestVerifyUnreadable(t *testing.T) {
	bucket := newMockBucket()
	bucket.put("a.pmtiles", []byte("nope"))
	_, err := Verify(context.Background(), bucket, "a.pmtiles")
	assert.ErrorIs(t, err, ErrArchiveUnreadable)
}
