package pmtiles

import (
	"testing"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBboxRelevantSetContainsCornerTilesAndAncestors(t *testing.T) {
	// A small box entirely inside tile (z=2, x=2, y=1); at z=2 the set
	// should contain exactly that one tile, and at every lower zoom its
	// ancestor.
	coord := FromLonLatZoom(10, 45, 2)
	lon, lat := ToLonLat(coord)

	set := bboxRelevantSet(int32(lon*1e7)+1000, int32(lat*1e7)-2000, int32(lon*1e7)+2000, int32(lat*1e7)-1000, 2)

	leafID, err := CoordToID(2, coord.X, coord.Y)
	require.NoError(t, err)
	assert.True(t, set.Contains(leafID))

	id := leafID
	for HasParent(id) {
		id = ParentID(id)
		assert.True(t, set.Contains(id))
	}
	assert.True(t, set.Contains(0))
}

func TestBboxRelevantSetSpansMultipleTilesAtZoomOne(t *testing.T) {
	set := bboxRelevantSet(-1800000000, -850000000, 1800000000, 850000000, 1)
	// whole-world bbox at z=1 must include all four z=1 tiles.
	for x := uint32(0); x < 2; x++ {
		for y := uint32(0); y < 2; y++ {
			id, err := CoordToID(1, x, y)
			require.NoError(t, err)
			assert.True(t, set.Contains(id))
		}
	}
}

func TestBitmapMultiPolygonCoversBoundaryTiles(t *testing.T) {
	square := orb.MultiPolygon{{{{-10, -10}, {10, -10}, {10, 10}, {-10, 10}, {-10, -10}}}}
	boundary, interior := bitmapMultiPolygon(2, square)
	assert.True(t, boundary.GetCardinality() > 0)
	// interior may be empty at coarse zoom but must never exceed all tiles
	// covered at this zoom.
	assert.True(t, interior.GetCardinality() <= uint64(1<<(2*2)))
}

func TestGeneralizeOrFillsAncestors(t *testing.T) {
	id, err := CoordToID(3, 2, 2)
	require.NoError(t, err)
	r := roaring64.New()
	r.Add(id)
	generalizeOr(r, 0)

	anc := id
	for HasParent(anc) {
		anc = ParentID(anc)
		assert.True(t, r.Contains(anc))
	}
}

func TestGeneralizeAndRequiresAllFourSiblings(t *testing.T) {
	parent := ParentID(ZxyToID(2, 0, 0))
	// only one of the four z=2 children under this z=1 parent is present,
	// so the z=1 parent must not be filled in.
	r := roaring64.New()
	r.Add(ZxyToID(2, 0, 0))
	generalizeAnd(r)
	assert.False(t, r.Contains(parent))
}
