package pmtiles

// Tile ids enumerate every tile of every zoom level along a Hilbert curve,
// level by level: id 0 is 0/0/0, ids 1..4 are zoom 1, and so on.

func rotate(n uint64, x, y *uint64, rx, ry uint64) {
	if ry != 0 {
		return
	}
	if rx == 1 {
		*x = n - 1 - *x
		*y = n - 1 - *y
	}
	*x, *y = *y, *x
}

// levelStart returns the id of the first tile at zoom z.
func levelStart(z uint8) uint64 {
	// sum of 4^i for i < z
	return ((uint64(1) << (2 * uint64(z))) - 1) / 3
}

// ZxyToID converts a tile address to its Hilbert tile id.
func ZxyToID(z uint8, x, y uint32) uint64 {
	var d uint64
	tx, ty := uint64(x), uint64(y)
	for s := (uint64(1) << z) / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		rotate(s, &tx, &ty, rx, ry)
	}
	return levelStart(z) + d
}

// IDToZxy converts a Hilbert tile id back to its tile address.
func IDToZxy(id uint64) (uint8, uint32, uint32) {
	var z uint8
	for levelStart(z+1) <= id {
		z++
	}
	pos := id - levelStart(z)

	n := uint64(1) << z
	var tx, ty uint64
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (pos / 2)
		ry := 1 & (pos ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		pos /= 4
	}
	return z, uint32(tx), uint32(ty)
}
