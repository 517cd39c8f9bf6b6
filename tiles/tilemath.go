package tiles

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level accepted for tile requests.
const MaxZoom = 24

// mercatorExtent is half the width of the EPSG:3857 world square in meters.
const mercatorExtent = 20037508.342789244

// TileAddress identifies a tile in the XYZ scheme.
type TileAddress struct {
	Z uint8
	X uint32
	Y uint32
}

func (a TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Z, a.X, a.Y)
}

// Validate checks that x and y lie inside the zoom level.
func (a TileAddress) Validate() error {
	if a.Z > MaxZoom {
		return fmt.Errorf("%w: zoom %d above %d", ErrInvalidAddress, a.Z, MaxZoom)
	}
	n := uint64(1) << a.Z
	if uint64(a.X) >= n || uint64(a.Y) >= n {
		return fmt.Errorf("%w: %s outside zoom %d", ErrInvalidAddress, a, a.Z)
	}
	return nil
}

// Ancestor returns the tile at zoom z containing a. z must not exceed a.Z.
func (a TileAddress) Ancestor(z uint8) TileAddress {
	if z >= a.Z {
		return a
	}
	shift := a.Z - z
	return TileAddress{Z: z, X: a.X >> shift, Y: a.Y >> shift}
}

func (a TileAddress) maptile() maptile.Tile {
	return maptile.New(a.X, a.Y, maptile.Zoom(a.Z))
}

// GeographicBounds returns the lon/lat bounds (EPSG:4326) of a tile.
func GeographicBounds(a TileAddress) orb.Bound {
	return a.maptile().Bound()
}

// ProjectedBounds returns the Web Mercator bounds (EPSG:3857) of a tile in meters.
func ProjectedBounds(a TileAddress) orb.Bound {
	n := float64(uint64(1) << a.Z)
	size := 2 * mercatorExtent / n
	minX := -mercatorExtent + float64(a.X)*size
	maxY := mercatorExtent - float64(a.Y)*size
	return orb.Bound{
		Min: orb.Point{minX, maxY - size},
		Max: orb.Point{minX + size, maxY},
	}
}

// TileAt returns the tile at zoom z containing a lon/lat point.
func TileAt(p orb.Point, z uint8) TileAddress {
	t := maptile.At(p, maptile.Zoom(z))
	return TileAddress{Z: uint8(t.Z), X: t.X, Y: t.Y}
}
