package pmtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SnapshotKey is the metadata field holding the store snapshot an archive was built from.
const SnapshotKey = "snapshot_id"

// DeserializeMetadata decodes the JSON metadata section.
func DeserializeMetadata(r io.Reader, compression Compression) (map[string]interface{}, error) {
	var err error
	switch compression {
	case Gzip:
		gz, gzErr := gzip.NewReader(r)
		if gzErr != nil {
			return nil, gzErr
		}
		defer gz.Close()
		r = gz
	case NoCompression, UnknownCompression:
	default:
		return nil, fmt.Errorf("unsupported metadata compression %s", compression)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]interface{})
	if len(bytes.TrimSpace(data)) == 0 {
		return metadata, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// SerializeMetadata encodes metadata as JSON, compressed like the archive's internal sections.
func SerializeMetadata(metadata map[string]interface{}, compression Compression) ([]byte, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	switch compression {
	case Gzip:
		var b bytes.Buffer
		w, _ := gzip.NewWriterLevel(&b, gzip.BestCompression)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case NoCompression, UnknownCompression:
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported metadata compression %s", compression)
	}
}

// ReadHeaderMetadata reads the header and decoded JSON metadata of an archive.
func ReadHeaderMetadata(ctx context.Context, bucket Bucket, key string) (HeaderV3, map[string]interface{}, error) {
	r, err := bucket.NewRangeReader(ctx, key, 0, HeaderV3LenBytes)
	if err != nil {
		return HeaderV3{}, nil, unreadable(key, err)
	}
	b, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return HeaderV3{}, nil, unreadable(key, err)
	}
	header, err := deserializeHeader(b)
	if err != nil {
		return HeaderV3{}, nil, unreadable(key, err)
	}
	metadata, err := readMetadata(ctx, bucket, key, header, "")
	if err != nil {
		return HeaderV3{}, nil, err
	}
	return header, metadata, nil
}

func readMetadata(ctx context.Context, bucket Bucket, key string, header HeaderV3, etag string) (map[string]interface{}, error) {
	if header.MetadataLength == 0 {
		return map[string]interface{}{}, nil
	}
	r, _, _, err := bucket.NewRangeReaderEtag(ctx, key, int64(header.MetadataOffset), int64(header.MetadataLength), etag)
	if err != nil {
		return nil, unreadable(key, err)
	}
	defer r.Close()
	metadata, err := DeserializeMetadata(r, header.InternalCompression)
	if err != nil {
		return nil, unreadable(key, fmt.Errorf("metadata: %w", err))
	}
	return metadata, nil
}

// SnapshotID returns the snapshot recorded in archive metadata.
func SnapshotID(metadata map[string]interface{}) (int64, bool) {
	switch v := metadata[SnapshotKey].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// RewriteMetadata merges fields into the JSON metadata of a local archive.
// The archive is rewritten to a sibling temp file and renamed into place;
// directories and tile data are copied unchanged.
func RewriteMetadata(archivePath string, fields map[string]interface{}) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, HeaderV3LenBytes)
	if _, err := io.ReadFull(file, buf); err != nil {
		return err
	}
	oldHeader, err := deserializeHeader(buf)
	if err != nil {
		return err
	}

	metadata, err := DeserializeMetadata(io.NewSectionReader(file, int64(oldHeader.MetadataOffset), int64(oldHeader.MetadataLength)), oldHeader.InternalCompression)
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	for k, v := range fields {
		metadata[k] = v
	}
	metadataBytes, err := SerializeMetadata(metadata, oldHeader.InternalCompression)
	if err != nil {
		return err
	}

	newHeader := oldHeader
	newHeader.RootOffset = HeaderV3LenBytes
	newHeader.MetadataOffset = newHeader.RootOffset + newHeader.RootLength
	newHeader.MetadataLength = uint64(len(metadataBytes))
	newHeader.LeafDirectoryOffset = newHeader.MetadataOffset + newHeader.MetadataLength
	newHeader.TileDataOffset = newHeader.LeafDirectoryOffset + newHeader.LeafDirectoryLength

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".meta_*.pmtiles")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	sections := []io.Reader{
		bytes.NewReader(serializeHeader(newHeader)),
		io.NewSectionReader(file, int64(oldHeader.RootOffset), int64(oldHeader.RootLength)),
		bytes.NewReader(metadataBytes),
		io.NewSectionReader(file, int64(oldHeader.LeafDirectoryOffset), int64(oldHeader.LeafDirectoryLength)),
		io.NewSectionReader(file, int64(oldHeader.TileDataOffset), int64(oldHeader.TileDataLength)),
	}
	for _, section := range sections {
		if _, err := io.Copy(tmp, section); err != nil {
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	file.Close()
	return os.Rename(tmpPath, archivePath)
}
