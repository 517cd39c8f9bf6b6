package pmtiles

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/memblob"
)

func TestNormalizeLocalDirectory(t *testing.T) {
	bucketURL, err := NormalizeBucketURL("../foo")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(bucketURL, "/foo"))
	assert.True(t, strings.HasPrefix(bucketURL, "file://"))
}

func TestNormalizeURL(t *testing.T) {
	bucketURL, err := NormalizeBucketURL("s3://tiles-bucket/")
	require.NoError(t, err)
	assert.Equal(t, "s3://tiles-bucket", bucketURL)

	bucketURL, err = NormalizeBucketURL("http://example.com/tiles")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/tiles", bucketURL)
}

func TestOpenBucketKinds(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBucket(ctx, t.TempDir(), "")
	require.NoError(t, err)
	assert.IsType(t, &FileBucket{}, b)

	b, err = OpenBucket(ctx, "https://example.com/tiles", "")
	require.NoError(t, err)
	assert.IsType(t, HTTPBucket{}, b)

	b, err = OpenBucket(ctx, "mem://", "archives")
	require.NoError(t, err)
	assert.IsType(t, BucketAdapter{}, b)
	require.NoError(t, b.Close())
}

func TestFileBucketRange(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "public/roads.pmtiles", []byte("0123456789"))
	bucket := NewFileBucket(dir)
	ctx := context.Background()

	ok, err := bucket.Exists(ctx, "public/roads.pmtiles")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = bucket.Exists(ctx, "public/missing.pmtiles")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = bucket.Exists(ctx, "public")
	require.NoError(t, err)
	assert.False(t, ok)

	r, etag, status, err := bucket.NewRangeReaderEtag(ctx, "public/roads.pmtiles", 2, 3, "")
	require.NoError(t, err)
	b, _ := io.ReadAll(r)
	assert.Equal(t, "234", string(b))
	assert.Equal(t, 206, status)
	assert.NotEmpty(t, etag)

	// reads past the end are truncated
	r, err = bucket.NewRangeReader(ctx, "public/roads.pmtiles", 8, 100)
	require.NoError(t, err)
	b, _ = io.ReadAll(r)
	assert.Equal(t, "89", string(b))

	_, _, status, err = bucket.NewRangeReaderEtag(ctx, "public/roads.pmtiles", 0, 1, `"stale"`)
	assert.Equal(t, 412, status)
	var refresh *RefreshRequiredError
	assert.ErrorAs(t, err, &refresh)
}

func TestFileBucketEtagChangesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	p := writeArchive(t, dir, "a.pmtiles", []byte("one"))
	bucket := NewFileBucket(dir)
	_, etag1, _, err := bucket.NewRangeReaderEtag(context.Background(), "a.pmtiles", 0, 3, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("two!"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, later, later))
	_, etag2, _, err := bucket.NewRangeReaderEtag(context.Background(), "a.pmtiles", 0, 3, "")
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)
	assert.Equal(t, filepath.Join(dir, "a.pmtiles"), bucket.Path("a.pmtiles"))
}

func TestHTTPBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tiles/a.pmtiles":
			if r.Header.Get("If-Match") == `"old"` {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.Header().Set("ETag", `"new"`)
			if r.Method == http.MethodHead {
				return
			}
			assert.Equal(t, "bytes=1-2", r.Header.Get("Range"))
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("bc"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	bucket := HTTPBucket{srv.URL + "/tiles", srv.Client()}
	ctx := context.Background()

	ok, err := bucket.Exists(ctx, "a.pmtiles")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = bucket.Exists(ctx, "b.pmtiles")
	require.NoError(t, err)
	assert.False(t, ok)

	r, etag, _, err := bucket.NewRangeReaderEtag(ctx, "a.pmtiles", 1, 2, "")
	require.NoError(t, err)
	b, _ := io.ReadAll(r)
	r.Close()
	assert.Equal(t, "bc", string(b))
	assert.Equal(t, `"new"`, etag)

	_, _, status, err := bucket.NewRangeReaderEtag(ctx, "a.pmtiles", 1, 2, `"old"`)
	assert.Equal(t, 412, status)
	var refresh *RefreshRequiredError
	assert.ErrorAs(t, err, &refresh)
}

func TestBucketAdapterMissing(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBucket(ctx, "mem://", "")
	require.NoError(t, err)
	defer b.Close()

	ok, err := b.Exists(ctx, "nope.pmtiles")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, status, err := b.NewRangeReaderEtag(ctx, "nope.pmtiles", 0, 10, "")
	assert.Error(t, err)
	assert.Equal(t, 404, status)
}

func TestGenerateEtag(t *testing.T) {
	assert.Equal(t, GenerateEtag([]byte("abc")), GenerateEtag([]byte("abc")))
	assert.NotEqual(t, GenerateEtag([]byte("abc")), GenerateEtag([]byte("abd")))
	assert.True(t, strings.HasPrefix(GenerateEtag(nil), `"`))
}
