package pmtiles

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// VerifyResult summarizes a full directory walk of an archive.
type VerifyResult struct {
	Key            string
	Header         HeaderV3
	AddressedTiles uint64
	TileEntries    uint64
	TileContents   uint64
	Problems       []string
}

// Valid reports whether the walk found no inconsistencies.
func (v VerifyResult) Valid() bool {
	return len(v.Problems) == 0
}

// Err returns nil for a valid archive and an ErrArchiveUnreadable otherwise.
func (v VerifyResult) Err() error {
	if v.Valid() {
		return nil
	}
	return &ArchiveError{Key: v.Key, Err: fmt.Errorf("invalid: %s", strings.Join(v.Problems, "; "))}
}

// Verify walks every directory of an archive and cross-checks the header
// counters, zoom range and tile data bounds. A returned error means the
// archive could not be read at all; inconsistencies are reported in the result.
func Verify(ctx context.Context, bucket Bucket, key string) (VerifyResult, error) {
	result := VerifyResult{Key: key}

	r, err := bucket.NewRangeReader(ctx, key, 0, rootFetchLength)
	if err != nil {
		return result, unreadable(key, err)
	}
	b, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return result, unreadable(key, err)
	}

	header, err := deserializeHeader(b)
	if err != nil {
		return result, unreadable(key, err)
	}
	result.Header = header

	problem := func(format string, args ...interface{}) {
		result.Problems = append(result.Problems, fmt.Sprintf(format, args...))
	}

	var collect func(offset, length uint64, depth int, f func(EntryV3)) error
	collect = func(offset, length uint64, depth int, f func(EntryV3)) error {
		if depth > maxDirectoryDepth {
			return fmt.Errorf("directory nesting deeper than %d levels", maxDirectoryDepth)
		}
		dr, err := bucket.NewRangeReader(ctx, key, int64(offset), int64(length))
		if err != nil {
			return err
		}
		data, err := io.ReadAll(dr)
		dr.Close()
		if err != nil {
			return err
		}
		directory, err := deserializeEntries(data)
		if err != nil {
			return err
		}
		for _, entry := range directory {
			if entry.RunLength > 0 {
				f(entry)
			} else if err := collect(header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length), depth+1, f); err != nil {
				return err
			}
		}
		return nil
	}

	minTileID := uint64(math.MaxUint64)
	maxTileID := uint64(0)
	offsets := roaring64.New()
	var currentOffset uint64

	err = collect(header.RootOffset, header.RootLength, 0, func(e EntryV3) {
		if header.Clustered && !offsets.Contains(e.Offset) {
			if e.Offset != currentOffset {
				problem("out-of-order entry %v in clustered archive", e)
			}
			currentOffset += uint64(e.Length)
		}
		offsets.Add(e.Offset)
		result.AddressedTiles += uint64(e.RunLength)
		result.TileEntries++

		if e.TileID < minTileID {
			minTileID = e.TileID
		}
		if e.TileID > maxTileID {
			maxTileID = e.TileID
		}
		if e.Offset+uint64(e.Length) > header.TileDataLength {
			problem("entry %v outside of tile data section", e)
		}
	})
	if err != nil {
		return result, unreadable(key, err)
	}
	result.TileContents = offsets.GetCardinality()

	if result.AddressedTiles != header.AddressedTilesCount {
		problem("header AddressedTilesCount=%d but %d tiles addressed", header.AddressedTilesCount, result.AddressedTiles)
	}
	if result.TileEntries != header.TileEntriesCount {
		problem("header TileEntriesCount=%d but %d tile entries", header.TileEntriesCount, result.TileEntries)
	}
	if result.TileContents != header.TileContentsCount {
		problem("header TileContentsCount=%d but %d tile contents", header.TileContentsCount, result.TileContents)
	}
	if result.TileEntries > 0 {
		if z, _, _ := IDToZxy(minTileID); z < header.MinZoom {
			problem("header MinZoom=%d above lowest tile zoom %d", header.MinZoom, z)
		}
		if z, _, _ := IDToZxy(maxTileID); z > header.MaxZoom {
			problem("header MaxZoom=%d below highest tile zoom %d", header.MaxZoom, z)
		}
	}
	if header.MinZoom > header.MaxZoom {
		problem("header MinZoom=%d above MaxZoom=%d", header.MinZoom, header.MaxZoom)
	}

	return result, nil
}
