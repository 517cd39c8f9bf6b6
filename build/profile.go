package build

import (
	"fmt"
	"strings"

	"github.com/protomaps/go-hybridtiles/tiles"
)

// Family is the geometry family that selects a tippecanoe profile.
type Family int

const (
	Polygon Family = iota
	Point
	Line
)

func (f Family) String() string {
	switch f {
	case Point:
		return "point"
	case Line:
		return "line"
	default:
		return "polygon"
	}
}

// FamilyOf maps an ST_GeometryType result to its family. Anything that is
// not a point or line type, including collections, builds as polygons.
func FamilyOf(geometryType string) Family {
	t := strings.ToUpper(geometryType)
	switch {
	case strings.Contains(t, "POINT"):
		return Point
	case strings.Contains(t, "LINE"):
		return Line
	default:
		return Polygon
	}
}

var profiles = map[Family][]string{
	Point: {
		"-r1",
		"--coalesce-smallest-as-needed",
		"--extend-zooms-if-still-dropping",
	},
	Line: {
		"-M", "2000000",
		"-O", "300000",
		"--drop-smallest-as-needed",
		"--extend-zooms-if-still-dropping",
	},
	Polygon: {
		"-M", "2000000",
		"-O", "300000",
		"--no-tiny-polygon-reduction",
		"--coalesce-densest-as-needed",
		"--drop-densest-as-needed",
		"--extend-zooms-if-still-dropping",
	},
}

// Profile returns the tippecanoe flags tuned for a geometry family.
func Profile(f Family) []string {
	return append([]string(nil), profiles[f]...)
}

// TippecanoeArgs returns the full tippecanoe argument list for one build.
func TippecanoeArgs(input, output string, minZoom, maxZoom int, f Family) []string {
	args := []string{
		"-o", output,
		input,
		"--force",
		"-l", tiles.LayerName,
		fmt.Sprintf("-Z%d", minZoom),
		fmt.Sprintf("-z%d", maxZoom),
		"--full-detail=16",
	}
	return append(args, profiles[f]...)
}
