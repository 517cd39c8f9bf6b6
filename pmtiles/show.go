package pmtiles

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

func tileTypeDescription(t TileType) string {
	switch t {
	case Mvt:
		return "Vector Protobuf (MVT)"
	case Png:
		return "Raster PNG"
	case Jpeg:
		return "Raster Jpeg"
	case Webp:
		return "Raster WebP"
	case Avif:
		return "Raster AVIF"
	default:
		return "Unknown"
	}
}

// Show writes a human readable summary of an archive header and its metadata.
func Show(w io.Writer, key string, header HeaderV3, metadata map[string]interface{}) {
	e7 := 10000000.0
	totalSize := header.TileDataOffset + header.TileDataLength
	fmt.Fprintf(w, "archive: %s\n", key)
	fmt.Fprintf(w, "total size: %s\n", humanize.Bytes(totalSize))
	fmt.Fprintf(w, "tile type: %s\n", tileTypeDescription(header.TileType))
	fmt.Fprintf(w, "tile compression: %s\n", header.TileCompression)
	fmt.Fprintf(w, "bounds: (long: %f, lat: %f) (long: %f, lat: %f)\n", float64(header.MinLonE7)/e7, float64(header.MinLatE7)/e7, float64(header.MaxLonE7)/e7, float64(header.MaxLatE7)/e7)
	fmt.Fprintf(w, "min zoom: %d\n", header.MinZoom)
	fmt.Fprintf(w, "max zoom: %d\n", header.MaxZoom)
	fmt.Fprintf(w, "center: (long: %f, lat: %f)\n", float64(header.CenterLonE7)/e7, float64(header.CenterLatE7)/e7)
	fmt.Fprintf(w, "center zoom: %d\n", header.CenterZoom)
	fmt.Fprintf(w, "addressed tiles count: %d\n", header.AddressedTilesCount)
	fmt.Fprintf(w, "tile entries count: %d\n", header.TileEntriesCount)
	fmt.Fprintf(w, "tile contents count: %d\n", header.TileContentsCount)
	fmt.Fprintf(w, "clustered: %t\n", header.Clustered)
	if snapshot, ok := SnapshotID(metadata); ok {
		fmt.Fprintf(w, "snapshot: %d\n", snapshot)
	}
	for _, k := range []string{"name", "generator", "description"} {
		if v, ok := metadata[k]; ok {
			fmt.Fprintf(w, "%s: %v\n", k, v)
		}
	}
}
