package pmtiles

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// rootFetchLength covers the header plus the root directory, which the format keeps in the first 16 KiB.
const rootFetchLength = 16384

// maxDirectoryDepth bounds the leaf directory walk below the root.
const maxDirectoryDepth = 3

// CacheObserver receives cache and bucket statistics from a Reader.
type CacheObserver interface {
	CacheRequest(archive, kind, status string)
	CacheStats(sizeBytes, entries int)
	BucketRequest(archive, kind, status string, elapsed time.Duration)
	Reload(archive string)
}

type nopObserver struct{}

func (nopObserver) CacheRequest(string, string, string)                 {}
func (nopObserver) CacheStats(int, int)                                 {}
func (nopObserver) BucketRequest(string, string, string, time.Duration) {}
func (nopObserver) Reload(string)                                       {}

type cacheKey struct {
	name   string
	offset uint64 // 0 for header
	length uint64 // 0 for header
}

type cachedValue struct {
	header    HeaderV3
	directory []EntryV3
	etag      string
	err       error
}

type request struct {
	key   cacheKey
	etag  string
	value chan cachedValue
}

type response struct {
	key   cacheKey
	value cachedValue
	size  int
	ok    bool
}

// TileData is the outcome of a tile lookup. Found is false for sparse
// tiles and for zooms below the archive's floor; Z/X/Y is the address that
// was actually served, which differs from the request when overzooming.
type TileData struct {
	Data        []byte
	Compression Compression
	Found       bool
	Z           uint8
	X           uint32
	Y           uint32
}

// Precompressed reports whether Data is gzip-compressed.
func (t TileData) Precompressed() bool {
	return t.Compression == Gzip
}

// Reader serves tiles out of archives in a bucket. Headers and directories
// are cached by a single goroutine started with Start; all bucket reads go
// through a bounded pool.
type Reader struct {
	reqs      chan request
	purges    chan string
	done      chan struct{}
	bucket    Bucket
	logger    *zap.Logger
	cacheSize int
	ioSlots   *semaphore.Weighted
	observer  CacheObserver
}

// ReaderOptions configure a Reader.
type ReaderOptions struct {
	// CacheSizeBytes bounds the directory cache.
	CacheSizeBytes int
	// IOPoolSize bounds concurrent bucket reads.
	IOPoolSize int
	Observer   CacheObserver
	Logger     *zap.Logger
}

// NewReader creates a Reader over bucket. Call Start before use.
func NewReader(bucket Bucket, opts ReaderOptions) *Reader {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = 64 * 1000 * 1000
	}
	if opts.IOPoolSize <= 0 {
		opts.IOPoolSize = 32
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reader{
		reqs:      make(chan request, 8),
		purges:    make(chan string),
		done:      make(chan struct{}),
		bucket:    bucket,
		logger:    opts.Logger,
		cacheSize: opts.CacheSizeBytes,
		ioSlots:   semaphore.NewWeighted(int64(opts.IOPoolSize)),
		observer:  opts.Observer,
	}
}

// Start runs the cache loop until Close.
func (r *Reader) Start() {
	go r.loop()
}

// Close stops the cache loop. Pending lookups fail with context errors from their callers.
func (r *Reader) Close() error {
	close(r.done)
	return r.bucket.Close()
}

// Exists reports whether an archive is present in the bucket.
func (r *Reader) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.ioSlots.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer r.ioSlots.Release(1)
	return r.bucket.Exists(ctx, key)
}

// Purge drops every cached header and directory of an archive.
func (r *Reader) Purge(key string) {
	select {
	case r.purges <- key:
	case <-r.done:
	}
}

func (r *Reader) loop() {
	cache := make(map[cacheKey]*list.Element)
	inflight := make(map[cacheKey][]request)
	resps := make(chan response, 8)
	evictList := list.New()
	totalSize := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-r.done:
			return
		case name := <-r.purges:
			for key, el := range cache {
				if key.name == name {
					totalSize -= el.Value.(*response).size
					evictList.Remove(el)
					delete(cache, key)
				}
			}
			r.observer.CacheStats(totalSize, len(cache))
		case req := <-r.reqs:
			key := req.key
			kind := "leaf"
			if key.offset == 0 && key.length == 0 {
				kind = "root"
			}
			if val, ok := cache[key]; ok {
				evictList.MoveToFront(val)
				req.value <- val.Value.(*response).value
				r.observer.CacheRequest(key.name, kind, "hit")
			} else if _, ok := inflight[key]; ok {
				inflight[key] = append(inflight[key], req)
				r.observer.CacheRequest(key.name, kind, "hit")
			} else {
				inflight[key] = []request{req}
				r.observer.CacheRequest(key.name, kind, "miss")
				go r.fetch(ctx, key, req.etag, kind, resps)
			}
		case resp := <-resps:
			key := resp.key
			for _, v := range inflight[key] {
				v.value <- resp.value
			}
			delete(inflight, key)

			if resp.ok {
				if old, ok := cache[key]; ok {
					totalSize -= old.Value.(*response).size
					evictList.Remove(old)
				}
				totalSize += resp.size
				ent := resp
				cache[key] = evictList.PushFront(&ent)

				for totalSize > r.cacheSize {
					back := evictList.Back()
					if back == nil {
						break
					}
					evictList.Remove(back)
					kv := back.Value.(*response)
					delete(cache, kv.key)
					totalSize -= kv.size
				}
				r.observer.CacheStats(totalSize, len(cache))
			}
		}
	}
}

func (r *Reader) fetch(ctx context.Context, key cacheKey, etag string, kind string, resps chan<- response) {
	isRoot := key.offset == 0 && key.length == 0
	offset, length := int64(key.offset), int64(key.length)
	if isRoot {
		offset, length = 0, rootFetchLength
	}

	send := func(resp response) {
		select {
		case resps <- resp:
		case <-r.done:
		}
	}
	fail := func(err error) {
		r.logger.Warn("archive fetch failed", zap.String("archive", key.name), zap.Uint64("offset", key.offset), zap.Uint64("length", key.length), zap.Error(err))
		send(response{key: key, value: cachedValue{err: unreadable(key.name, err)}})
	}

	b, newEtag, err := r.readRange(ctx, key.name, kind, offset, length, etag)
	if err != nil {
		fail(err)
		return
	}

	if !isRoot {
		directory, err := deserializeEntries(b)
		if err != nil {
			fail(err)
			return
		}
		send(response{key: key, value: cachedValue{directory: directory, etag: etag}, size: 24 * len(directory), ok: true})
		return
	}

	header, err := deserializeHeader(b)
	if err != nil {
		fail(err)
		return
	}
	if header.RootOffset+header.RootLength > uint64(len(b)) {
		fail(fmt.Errorf("root directory at %d+%d is outside the first %d bytes", header.RootOffset, header.RootLength, len(b)))
		return
	}
	rootEntries, err := deserializeEntries(b[header.RootOffset : header.RootOffset+header.RootLength])
	if err != nil {
		fail(err)
		return
	}

	// populate the root directory before the header so a header hit always finds its root
	rootKey := cacheKey{name: key.name, offset: header.RootOffset, length: header.RootLength}
	send(response{key: rootKey, value: cachedValue{directory: rootEntries, etag: newEtag}, size: 24 * len(rootEntries), ok: true})
	send(response{key: key, value: cachedValue{header: header, etag: newEtag}, size: HeaderV3LenBytes, ok: true})
	r.logger.Debug("loaded archive header", zap.String("archive", key.name), zap.Uint8("minzoom", header.MinZoom), zap.Uint8("maxzoom", header.MaxZoom))
}

func (r *Reader) readRange(ctx context.Context, name, kind string, offset, length int64, etag string) ([]byte, string, error) {
	if err := r.ioSlots.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer r.ioSlots.Release(1)

	start := time.Now()
	rc, newEtag, status, err := r.bucket.NewRangeReaderEtag(ctx, name, offset, length, etag)
	if err != nil {
		r.observer.BucketRequest(name, kind, fmt.Sprint(status), time.Since(start))
		return nil, "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		r.observer.BucketRequest(name, kind, "error", time.Since(start))
		return nil, "", err
	}
	r.observer.BucketRequest(name, kind, fmt.Sprint(status), time.Since(start))
	if newEtag == "" {
		newEtag = etag
	}
	return b, newEtag, nil
}

func (r *Reader) lookup(ctx context.Context, key cacheKey, etag string) (cachedValue, error) {
	req := request{key: key, etag: etag, value: make(chan cachedValue, 1)}
	select {
	case r.reqs <- req:
	case <-ctx.Done():
		return cachedValue{}, ctx.Err()
	case <-r.done:
		return cachedValue{}, errors.New("reader closed")
	}
	select {
	case v := <-req.value:
		return v, v.err
	case <-ctx.Done():
		return cachedValue{}, ctx.Err()
	}
}

// Header returns the cached header of an archive and the etag it was read with.
func (r *Reader) Header(ctx context.Context, key string) (HeaderV3, string, error) {
	v, err := r.lookup(ctx, cacheKey{name: key}, "")
	if err != nil {
		return HeaderV3{}, "", err
	}
	return v.header, v.etag, nil
}

// HeaderMetadata returns the header and decoded JSON metadata of an archive.
func (r *Reader) HeaderMetadata(ctx context.Context, key string) (HeaderV3, map[string]interface{}, error) {
	header, etag, err := r.Header(ctx, key)
	if err != nil {
		return HeaderV3{}, nil, err
	}
	if err := r.ioSlots.Acquire(ctx, 1); err != nil {
		return HeaderV3{}, nil, err
	}
	defer r.ioSlots.Release(1)
	metadata, err := readMetadata(ctx, r.bucket, key, header, etag)
	if err != nil {
		return HeaderV3{}, nil, err
	}
	return header, metadata, nil
}

// Tile returns the tile at z/x/y. Requests above the archive's max zoom are
// served from the ancestor at max zoom; requests below its min zoom and
// sparse tiles come back with Found false. Errors always wrap ErrArchiveUnreadable
// unless they come from ctx.
func (r *Reader) Tile(ctx context.Context, key string, z uint8, x, y uint32) (TileData, error) {
	result, err := r.tile(ctx, key, z, x, y)
	var refresh *RefreshRequiredError
	if errors.As(err, &refresh) {
		r.logger.Info("archive changed, reloading", zap.String("archive", key))
		r.observer.Reload(key)
		r.Purge(key)
		result, err = r.tile(ctx, key, z, x, y)
	}
	return result, err
}

func (r *Reader) tile(ctx context.Context, key string, z uint8, x, y uint32) (TileData, error) {
	if err := ctx.Err(); err != nil {
		return TileData{}, err
	}
	header, etag, err := r.Header(ctx, key)
	if err != nil {
		return TileData{}, err
	}
	result := TileData{Compression: header.TileCompression, Z: z, X: x, Y: y}

	if z < header.MinZoom {
		return result, nil
	}
	if z > header.MaxZoom {
		shift := z - header.MaxZoom
		result.Z, result.X, result.Y = header.MaxZoom, x>>shift, y>>shift
	}

	tileID := ZxyToID(result.Z, result.X, result.Y)
	dirOffset, dirLen := header.RootOffset, header.RootLength

	for depth := 0; depth <= maxDirectoryDepth; depth++ {
		dir, err := r.lookup(ctx, cacheKey{name: key, offset: dirOffset, length: dirLen}, etag)
		if err != nil {
			return TileData{}, err
		}
		entry, ok := findTile(dir.directory, tileID)
		if !ok {
			return result, nil
		}
		if entry.RunLength == 0 {
			dirOffset = header.LeafDirectoryOffset + entry.Offset
			dirLen = uint64(entry.Length)
			continue
		}

		b, _, err := r.readRange(ctx, key, "tile", int64(header.TileDataOffset+entry.Offset), int64(entry.Length), etag)
		if err != nil {
			if ctx.Err() != nil {
				return TileData{}, ctx.Err()
			}
			return TileData{}, unreadable(key, err)
		}
		if len(b) != int(entry.Length) {
			return TileData{}, unreadable(key, fmt.Errorf("short tile read: %d of %d bytes", len(b), entry.Length))
		}
		result.Data = b
		result.Found = true
		return result, nil
	}

	return TileData{}, unreadable(key, fmt.Errorf("directory nesting deeper than %d levels", maxDirectoryDepth))
}
