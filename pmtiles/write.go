package pmtiles

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ArchiveTile is one tile handed to WriteArchive.
type ArchiveTile struct {
	Z    uint8
	X, Y uint32
	Data []byte
}

// ArchiveOptions describe the archive written by WriteArchive. Tile data is
// stored as given; Compression only declares it.
type ArchiveOptions struct {
	TileType    TileType
	Compression Compression
	MinZoom     uint8
	MaxZoom     uint8
	MinLonE7    int32
	MinLatE7    int32
	MaxLonE7    int32
	MaxLatE7    int32
	Metadata    map[string]interface{}
}

func buildRootsLeaves(entries []EntryV3, leafSize int) ([]byte, []byte, int) {
	rootEntries := make([]EntryV3, 0)
	leavesBytes := make([]byte, 0)
	numLeaves := 0

	for idx := 0; idx < len(entries); idx += leafSize {
		numLeaves++
		end := min(idx+leafSize, len(entries))
		serialized := serializeEntries(entries[idx:end])

		rootEntries = append(rootEntries, EntryV3{entries[idx].TileID, uint64(len(leavesBytes)), uint32(len(serialized)), 0})
		leavesBytes = append(leavesBytes, serialized...)
	}

	return serializeEntries(rootEntries), leavesBytes, numLeaves
}

func optimizeDirectories(entries []EntryV3, targetRootLen int) ([]byte, []byte, int) {
	if len(entries) < 16384 {
		testRootBytes := serializeEntries(entries)
		if len(testRootBytes) <= targetRootLen {
			return testRootBytes, make([]byte, 0), 0
		}
	}

	// root directory holds leaf pointers only; grow the leaves until it fits
	leafSize := float32(len(entries)) / 3500
	if leafSize < 4096 {
		leafSize = 4096
	}
	for {
		rootBytes, leavesBytes, numLeaves := buildRootsLeaves(entries, int(leafSize))
		if len(rootBytes) <= targetRootLen {
			return rootBytes, leavesBytes, numLeaves
		}
		leafSize *= 1.2
	}
}

// WriteArchive writes a clustered v3 archive holding tiles to w. Identical
// tile contents are stored once, and runs of consecutive identical tiles
// share one directory entry.
func WriteArchive(w io.Writer, opts ArchiveOptions, tiles []ArchiveTile) (HeaderV3, error) {
	if opts.MinZoom > opts.MaxZoom {
		return HeaderV3{}, fmt.Errorf("min zoom %d above max zoom %d", opts.MinZoom, opts.MaxZoom)
	}
	if opts.Compression == UnknownCompression {
		opts.Compression = NoCompression
	}
	sorted := make([]ArchiveTile, len(tiles))
	copy(sorted, tiles)
	sort.Slice(sorted, func(i, j int) bool {
		return ZxyToID(sorted[i].Z, sorted[i].X, sorted[i].Y) < ZxyToID(sorted[j].Z, sorted[j].X, sorted[j].Y)
	})

	var tileData bytes.Buffer
	entries := make([]EntryV3, 0, len(sorted))
	offsets := make(map[uint64]EntryV3)
	var contents uint64
	var addressed uint64
	for _, tile := range sorted {
		if tile.Z < opts.MinZoom || tile.Z > opts.MaxZoom {
			return HeaderV3{}, fmt.Errorf("tile %d/%d/%d outside zoom range", tile.Z, tile.X, tile.Y)
		}
		if len(tile.Data) == 0 {
			continue
		}
		id := ZxyToID(tile.Z, tile.X, tile.Y)
		sum := xxhash.Sum64(tile.Data)
		addressed++

		if n := len(entries); n > 0 {
			last := &entries[n-1]
			if last.TileID == id {
				return HeaderV3{}, fmt.Errorf("duplicate tile %d/%d/%d", tile.Z, tile.X, tile.Y)
			}
			if prev, ok := offsets[sum]; ok && prev.Offset == last.Offset && last.TileID+uint64(last.RunLength) == id {
				last.RunLength++
				continue
			}
		}
		if prev, ok := offsets[sum]; ok {
			entries = append(entries, EntryV3{TileID: id, Offset: prev.Offset, Length: prev.Length, RunLength: 1})
			continue
		}
		entry := EntryV3{TileID: id, Offset: uint64(tileData.Len()), Length: uint32(len(tile.Data)), RunLength: 1}
		offsets[sum] = entry
		entries = append(entries, entry)
		tileData.Write(tile.Data)
		contents++
	}

	rootBytes, leavesBytes, _ := optimizeDirectories(entries, 16384-HeaderV3LenBytes)

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataBytes, err := SerializeMetadata(metadata, Gzip)
	if err != nil {
		return HeaderV3{}, err
	}

	header := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3LenBytes,
		RootLength:          uint64(len(rootBytes)),
		AddressedTilesCount: addressed,
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   contents,
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     opts.Compression,
		TileType:            opts.TileType,
		MinZoom:             opts.MinZoom,
		MaxZoom:             opts.MaxZoom,
		MinLonE7:            opts.MinLonE7,
		MinLatE7:            opts.MinLatE7,
		MaxLonE7:            opts.MaxLonE7,
		MaxLatE7:            opts.MaxLatE7,
		CenterZoom:          opts.MinZoom,
		CenterLonE7:         (opts.MinLonE7 + opts.MaxLonE7) / 2,
		CenterLatE7:         (opts.MinLatE7 + opts.MaxLatE7) / 2,
	}
	header.MetadataOffset = header.RootOffset + header.RootLength
	header.MetadataLength = uint64(len(metadataBytes))
	header.LeafDirectoryOffset = header.MetadataOffset + header.MetadataLength
	header.LeafDirectoryLength = uint64(len(leavesBytes))
	header.TileDataOffset = header.LeafDirectoryOffset + header.LeafDirectoryLength
	header.TileDataLength = uint64(tileData.Len())

	for _, part := range [][]byte{serializeHeader(header), rootBytes, metadataBytes, leavesBytes, tileData.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return HeaderV3{}, err
		}
	}
	return header, nil
}
