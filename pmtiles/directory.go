package pmtiles

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Compression is the compression applied to tile contents or to the archive's internal sections.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "br"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// TileType is the format of individual tile contents.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

func (t TileType) String() string {
	switch t {
	case Mvt:
		return "mvt"
	case Png:
		return "png"
	case Jpeg:
		return "jpg"
	case Webp:
		return "webp"
	case Avif:
		return "avif"
	default:
		return "unknown"
	}
}

// HeaderV3LenBytes is the fixed size of a version 3 header.
const HeaderV3LenBytes = 127

// HeaderV3 is the binary header of a PMTiles version 3 archive.
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// Precompressed reports whether tile bytes are stored gzip-compressed.
// Every other compression value is passed through undecoded.
func (h HeaderV3) Precompressed() bool {
	return h.TileCompression == Gzip
}

// ContentEncoding returns the HTTP Content-Encoding for stored tiles, if any.
func (h HeaderV3) ContentEncoding() (string, bool) {
	switch h.TileCompression {
	case Gzip:
		return "gzip", true
	case Brotli:
		return "br", true
	case Zstd:
		return "zstd", true
	default:
		return "", false
	}
}

// EntryV3 is an entry in a version 3 directory. RunLength 0 marks a leaf directory pointer.
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

func serializeEntries(entries []EntryV3) []byte {
	var b bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)
	w, _ := gzip.NewWriterLevel(&b, gzip.BestCompression)

	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		w.Write(tmp[:n])
	}

	put(uint64(len(entries)))

	lastID := uint64(0)
	for _, entry := range entries {
		put(entry.TileID - lastID)
		lastID = entry.TileID
	}
	for _, entry := range entries {
		put(uint64(entry.RunLength))
	}
	for _, entry := range entries {
		put(uint64(entry.Length))
	}
	for i, entry := range entries {
		if i > 0 && entry.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(entry.Offset + 1)
		}
	}

	w.Close()
	return b.Bytes()
}

func deserializeEntries(data []byte) ([]EntryV3, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("directory is not gzip: %w", err)
	}
	defer gz.Close()
	r := bufio.NewReader(gz)

	numEntries, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading directory length: %w", err)
	}
	// a directory entry takes at least 4 varint bytes, reject absurd counts before allocating
	if numEntries > uint64(len(data))*64 {
		return nil, fmt.Errorf("directory claims %d entries", numEntries)
	}

	entries := make([]EntryV3, numEntries)
	read := func(field string) (uint64, error) {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("reading directory %s: %w", field, err)
		}
		return v, nil
	}

	lastID := uint64(0)
	for i := range entries {
		delta, err := read("tile id")
		if err != nil {
			return nil, err
		}
		lastID += delta
		entries[i].TileID = lastID
	}
	for i := range entries {
		v, err := read("run length")
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := read("length")
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := read("offset")
		if err != nil {
			return nil, err
		}
		if i > 0 && v == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}

	return entries, nil
}

func findTile(entries []EntryV3, tileID uint64) (EntryV3, bool) {
	m := 0
	n := len(entries) - 1
	for m <= n {
		k := (n + m) >> 1
		switch {
		case tileID > entries[k].TileID:
			m = k + 1
		case tileID < entries[k].TileID:
			n = k - 1
		default:
			return entries[k], true
		}
	}

	// m > n: entries[n] is the closest entry before tileID
	if n >= 0 {
		if entries[n].RunLength == 0 {
			return entries[n], true
		}
		if tileID-entries[n].TileID < uint64(entries[n].RunLength) {
			return entries[n], true
		}
	}
	return EntryV3{}, false
}

func serializeHeader(header HeaderV3) []byte {
	b := make([]byte, HeaderV3LenBytes)
	copy(b[0:7], "PMTiles")

	b[7] = 3
	le := binary.LittleEndian
	le.PutUint64(b[8:16], header.RootOffset)
	le.PutUint64(b[16:24], header.RootLength)
	le.PutUint64(b[24:32], header.MetadataOffset)
	le.PutUint64(b[32:40], header.MetadataLength)
	le.PutUint64(b[40:48], header.LeafDirectoryOffset)
	le.PutUint64(b[48:56], header.LeafDirectoryLength)
	le.PutUint64(b[56:64], header.TileDataOffset)
	le.PutUint64(b[64:72], header.TileDataLength)
	le.PutUint64(b[72:80], header.AddressedTilesCount)
	le.PutUint64(b[80:88], header.TileEntriesCount)
	le.PutUint64(b[88:96], header.TileContentsCount)
	if header.Clustered {
		b[96] = 0x1
	}
	b[97] = uint8(header.InternalCompression)
	b[98] = uint8(header.TileCompression)
	b[99] = uint8(header.TileType)
	b[100] = header.MinZoom
	b[101] = header.MaxZoom
	le.PutUint32(b[102:106], uint32(header.MinLonE7))
	le.PutUint32(b[106:110], uint32(header.MinLatE7))
	le.PutUint32(b[110:114], uint32(header.MaxLonE7))
	le.PutUint32(b[114:118], uint32(header.MaxLatE7))
	b[118] = header.CenterZoom
	le.PutUint32(b[119:123], uint32(header.CenterLonE7))
	le.PutUint32(b[123:127], uint32(header.CenterLatE7))
	return b
}

func deserializeHeader(d []byte) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < HeaderV3LenBytes {
		return h, fmt.Errorf("header is %d bytes, expected %d", len(d), HeaderV3LenBytes)
	}
	if string(d[0:7]) != "PMTiles" {
		if string(d[0:2]) == "PM" {
			return h, fmt.Errorf("archive is PMTiles spec version %d, only version 3 is supported", d[2])
		}
		return h, fmt.Errorf("magic number not detected, not a PMTiles archive")
	}

	specVersion := d[7]
	if specVersion != 3 {
		return h, fmt.Errorf("archive is spec version %d, only version 3 is supported", specVersion)
	}

	le := binary.LittleEndian
	h.SpecVersion = specVersion
	h.RootOffset = le.Uint64(d[8:16])
	h.RootLength = le.Uint64(d[16:24])
	h.MetadataOffset = le.Uint64(d[24:32])
	h.MetadataLength = le.Uint64(d[32:40])
	h.LeafDirectoryOffset = le.Uint64(d[40:48])
	h.LeafDirectoryLength = le.Uint64(d[48:56])
	h.TileDataOffset = le.Uint64(d[56:64])
	h.TileDataLength = le.Uint64(d[64:72])
	h.AddressedTilesCount = le.Uint64(d[72:80])
	h.TileEntriesCount = le.Uint64(d[80:88])
	h.TileContentsCount = le.Uint64(d[88:96])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(le.Uint32(d[102:106]))
	h.MinLatE7 = int32(le.Uint32(d[106:110]))
	h.MaxLonE7 = int32(le.Uint32(d[110:114]))
	h.MaxLatE7 = int32(le.Uint32(d[114:118]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(le.Uint32(d[119:123]))
	h.CenterLatE7 = int32(le.Uint32(d[123:127]))

	return h, nil
}
