package pmtiles

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"google.golang.org/api/googleapi"
)

// Bucket is the read side of wherever archives live: a local directory,
// an HTTP prefix or a gocloud bucket (s3, gs, azblob).
type Bucket interface {
	Close() error
	Exists(ctx context.Context, key string) (bool, error)
	NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error)
	NewRangeReaderEtag(ctx context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error)
}

// RefreshRequiredError means the object changed since its etag was recorded.
type RefreshRequiredError struct {
	StatusCode int
}

func (m *RefreshRequiredError) Error() string {
	return fmt.Sprintf("archive changed since last read (HTTP %d)", m.StatusCode)
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

func hasherToEtag(hasher *xxhash.Digest) string {
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(uintToBytes(hasher.Sum64())))
}

// GenerateEtag returns a quoted xxhash etag for a byte slice.
func GenerateEtag(data []byte) string {
	hasher := xxhash.New()
	hasher.Write(data)
	return hasherToEtag(hasher)
}

func generateEtagFromInts(ns ...int64) string {
	hasher := xxhash.New()
	for _, n := range ns {
		hasher.Write(uintToBytes(uint64(n)))
	}
	return hasherToEtag(hasher)
}

// FileBucket reads archives from a directory on disk.
type FileBucket struct {
	path string
}

// NewFileBucket returns a bucket rooted at a local directory.
func NewFileBucket(path string) *FileBucket {
	return &FileBucket{path: path}
}

// Path returns the local file path for key.
func (b FileBucket) Path(key string) string {
	return filepath.Join(b.path, filepath.FromSlash(key))
}

func (b FileBucket) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(b.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (b FileBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b FileBucket) NewRangeReaderEtag(_ context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	file, err := os.Open(b.Path(key))
	if err != nil {
		return nil, "", 404, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, "", 404, err
	}
	newEtag := generateEtagFromInts(info.ModTime().UnixNano(), info.Size())
	if len(etag) > 0 && etag != newEtag {
		return nil, "", 412, &RefreshRequiredError{412}
	}
	if offset >= info.Size() && length > 0 {
		return nil, "", 416, &RefreshRequiredError{416}
	}

	result := make([]byte, length)
	read, err := file.ReadAt(result, offset)
	if err == io.EOF {
		return io.NopCloser(bytes.NewReader(result[:read])), newEtag, 206, nil
	}
	if err != nil {
		return nil, "", 500, err
	}
	return io.NopCloser(bytes.NewReader(result)), newEtag, 206, nil
}

func (b FileBucket) Close() error {
	return nil
}

// HTTPClient lets tests swap out the default client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBucket reads archives below a base URL with range requests.
type HTTPBucket struct {
	baseURL string
	client  HTTPClient
}

func (b HTTPBucket) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.baseURL+"/"+key, nil)
	if err != nil {
		return false, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}
}

func (b HTTPBucket) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b HTTPBucket) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/"+key, nil)
	if err != nil {
		return nil, "", 500, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if len(etag) > 0 {
		req.Header.Set("If-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", 500, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		if isRefreshRequiredCode(resp.StatusCode) {
			err = &RefreshRequiredError{resp.StatusCode}
		} else {
			err = fmt.Errorf("HTTP error: %d", resp.StatusCode)
		}
		return nil, "", resp.StatusCode, err
	}

	return resp.Body, resp.Header.Get("ETag"), resp.StatusCode, nil
}

func (b HTTPBucket) Close() error {
	return nil
}

func isRefreshRequiredCode(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable
}

// BucketAdapter wraps a gocloud bucket.
type BucketAdapter struct {
	Bucket *blob.Bucket
}

func (ba BucketAdapter) Exists(ctx context.Context, key string) (bool, error) {
	return ba.Bucket.Exists(ctx, key)
}

func (ba BucketAdapter) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, _, err := ba.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func etagToGeneration(etag string) int64 {
	i, _ := strconv.ParseInt(etag, 10, 64)
	return i
}

func generationToEtag(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

func setProviderEtag(asFunc func(interface{}) bool, etag string) {
	var awsV2Req *s3.GetObjectInput
	var azblobReq *azblob.DownloadStreamOptions
	var gcsHandle **storage.ObjectHandle
	if asFunc(&awsV2Req) {
		awsV2Req.IfMatch = aws.String(etag)
	} else if asFunc(&azblobReq) {
		azEtag := azcore.ETag(etag)
		azblobReq.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &container.ModifiedAccessConditions{
				IfMatch: &azEtag,
			},
		}
	} else if asFunc(&gcsHandle) {
		*gcsHandle = (*gcsHandle).If(storage.Conditions{
			GenerationMatch: etagToGeneration(etag),
		})
	}
}

func getProviderErrorStatusCode(err error) int {
	var awsV2Err *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error

	switch {
	case errors.As(err, &awsV2Err):
		return awsV2Err.HTTPStatusCode()
	case errors.As(err, &azureErr):
		return azureErr.StatusCode
	case errors.As(err, &gcpErr):
		return gcpErr.Code
	case gcerrors.Code(err) == gcerrors.NotFound:
		return 404
	}
	return 500
}

func getProviderEtag(reader *blob.Reader) string {
	var awsV2Resp s3.GetObjectOutput
	var azureResp azblob.DownloadStreamResponse
	var gcpResp *storage.Reader

	if reader.As(&awsV2Resp) && awsV2Resp.ETag != nil {
		return *awsV2Resp.ETag
	} else if reader.As(&azureResp) && azureResp.ETag != nil {
		return string(*azureResp.ETag)
	} else if reader.As(&gcpResp) {
		return generationToEtag(gcpResp.Attrs.Generation)
	}

	return ""
}

func (ba BucketAdapter) NewRangeReaderEtag(ctx context.Context, key string, offset, length int64, etag string) (io.ReadCloser, string, int, error) {
	reader, err := ba.Bucket.NewRangeReader(ctx, key, offset, length, &blob.ReaderOptions{
		BeforeRead: func(asFunc func(interface{}) bool) error {
			if len(etag) > 0 {
				setProviderEtag(asFunc, etag)
			}
			return nil
		},
	})
	if err != nil {
		status := getProviderErrorStatusCode(err)
		if isRefreshRequiredCode(status) {
			return nil, "", status, &RefreshRequiredError{status}
		}
		return nil, "", status, err
	}

	return reader, getProviderEtag(reader), 206, nil
}

func (ba BucketAdapter) Close() error {
	return ba.Bucket.Close()
}

// NormalizeBucketURL turns a plain directory path into a file:// url and leaves urls alone.
func NormalizeBucketURL(root string) (string, error) {
	if strings.Contains(root, "://") {
		return strings.TrimSuffix(root, "/"), nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fileprotocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileprotocol += "/"
	}
	return fileprotocol + filepath.ToSlash(abs), nil
}

// OpenBucket opens the bucket for a tiles root given as path or url.
// Local directories and http(s) prefixes are read directly, anything else goes through gocloud.
func OpenBucket(ctx context.Context, root string, prefix string) (Bucket, error) {
	bucketURL, err := NormalizeBucketURL(root)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(bucketURL, "http") {
		return HTTPBucket{bucketURL, http.DefaultClient}, nil
	}
	if strings.HasPrefix(bucketURL, "file") {
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		dir := strings.Replace(bucketURL, fileprotocol, "", 1)
		return NewFileBucket(filepath.FromSlash(dir)), nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	if prefix != "" && prefix != "/" && prefix != "." {
		bucket = blob.PrefixedBucket(bucket, path.Clean(prefix)+"/")
	}
	return BucketAdapter{bucket}, nil
}
