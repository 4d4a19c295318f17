package pmtiles

import "math"

// MaxZoom is the highest zoom level a TileId can address.
const MaxZoom uint8 = 31

// MaxTileID is the largest valid TileId (the last tile at MaxZoom).
const MaxTileID uint64 = 6148914691236517204

// pyramidBase[z] is the cumulative tile count of zooms [0,z), i.e. the
// TileId of (z,0,0). pyramidBase[z+1]-pyramidBase[z] == 4^z.
var pyramidBase = func() [33]uint64 {
	var base [33]uint64
	var acc uint64
	for z := 0; z < 33; z++ {
		base[z] = acc
		acc += uint64(1) << uint(2*z)
	}
	return base
}()

// TileCoord is the (z,x,y) view of a tile address.
type TileCoord struct {
	Z uint8
	X uint32
	Y uint32
}

func validCoord(z uint8, x, y uint32) bool {
	if z > MaxZoom {
		return false
	}
	dim := uint32(1) << uint(z)
	return x < dim && y < dim
}

func rotate(n uint64, x, y *uint64, rx, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

func hilbertXYToH(z uint8, x, y uint32) uint64 {
	n := uint64(1) << uint(z)
	tx, ty := uint64(x), uint64(y)
	var d uint64
	for s := n / 2; s > 0; s /= 2 {
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
	return d
}

func hilbertHToXY(z uint8, h uint64) (uint32, uint32) {
	n := uint64(1) << uint(z)
	var tx, ty uint64
	t := h
	for s := uint64(1); s < n; s *= 2 {
		rx := uint64(1) & (t / 2)
		ry := uint64(1) & (t ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return uint32(tx), uint32(ty)
}

// CoordToID converts (z,x,y) to its TileId. Returns InvalidCoordinate if the
// coordinate is out of range for the zoom level.
func CoordToID(z uint8, x, y uint32) (uint64, error) {
	if !validCoord(z, x, y) {
		return 0, invalidCoordinateError(z, x, y)
	}
	if z == 0 {
		return 0, nil
	}
	return pyramidBase[z] + hilbertXYToH(z, x, y), nil
}

// ZxyToID is an unchecked convenience wrapper over CoordToID, kept for
// callers (tests, directory construction) that already know the coordinate
// is in range.
func ZxyToID(z uint8, x, y uint32) uint64 {
	id, err := CoordToID(z, x, y)
	if err != nil {
		panic(err)
	}
	return id
}

// IDToCoord converts a TileId back to (z,x,y). Returns InvalidTileId if id
// exceeds MaxTileID.
func IDToCoord(id uint64) (TileCoord, error) {
	if id > MaxTileID {
		return TileCoord{}, invalidTileIDError(id)
	}
	var z uint8
	for pyramidBase[z+1] <= id {
		z++
	}
	x, y := hilbertHToXY(z, id-pyramidBase[z])
	return TileCoord{Z: z, X: x, Y: y}, nil
}

// IDToZxy is the unchecked convenience form of IDToCoord.
func IDToZxy(id uint64) (uint8, uint32, uint32) {
	c, err := IDToCoord(id)
	if err != nil {
		panic(err)
	}
	return c.Z, c.X, c.Y
}

// ParentID returns the TileId of the parent tile. For a zoom-0 id it returns 0.
func ParentID(id uint64) uint64 {
	var z uint8
	for pyramidBase[z+1] <= id {
		z++
	}
	if z == 0 {
		return 0
	}
	return pyramidBase[z-1] + (id-pyramidBase[z])/4
}

// HasParent reports whether id is not a zoom-0 tile.
func HasParent(id uint64) bool {
	return id != 0
}

// FromLonLatZoom maps a longitude/latitude (WGS84 degrees) to the covering
// Web Mercator tile at zoom z.
func FromLonLatZoom(lon, lat float64, z uint8) TileCoord {
	dim := float64(uint64(1) << uint(z))

	x := int64((lon + 180.0) / 360.0 * dim)
	latRad := lat * math.Pi / 180.0
	y := int64((1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * dim)

	maxIdx := int64(dim) - 1
	if x < 0 {
		x = 0
	} else if x > maxIdx {
		x = maxIdx
	}
	if y < 0 {
		y = 0
	} else if y > maxIdx {
		y = maxIdx
	}
	return TileCoord{Z: z, X: uint32(x), Y: uint32(y)}
}

// ToLonLat returns the longitude/latitude of the tile's northwest corner.
func ToLonLat(c TileCoord) (float64, float64) {
	dim := float64(uint64(1) << uint(c.Z))
	lon := float64(c.X)/dim*360.0 - 180.0
	n := math.Pi - 2.0*math.Pi*float64(c.Y)/dim
	lat := 180.0 / math.Pi * math.Atan(0.5*(math.Exp(n)-math.Exp(-n)))
	return lon, lat
}
