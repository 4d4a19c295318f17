package pmtiles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeVerifiableFixture writes an archive with non-degenerate bounds, since
// writeFixtureArchive's default all-zero bbox fails Verify's bounds check.
func writeVerifiableFixture(t *testing.T, tiles map[uint64][]byte) (*seekBuffer, Header) {
	t.Helper()
	sink := &seekBuffer{}
	w, err := NewWriter(sink, WriterOptions{
		TileType:        Mvt,
		TileCompression: NoCompression,
		MinZoom:         0,
		MaxZoom:         3,
		MinLonE7:        -1800000000,
		MinLatE7:        -850000000,
		MaxLonE7:        1800000000,
		MaxLatE7:        850000000,
		Metadata:        map[string]interface{}{"name": "fixture"},
	})
	require.NoError(t, err)

	ids := make([]uint64, 0, len(tiles))
	for id := range tiles {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	for _, id := range ids {
		coord, err := IDToCoord(id)
		require.NoError(t, err)
		require.NoError(t, w.AddTile(coord, tiles[id]))
	}

	header, err := w.Finalize()
	require.NoError(t, err)
	return sink, header
}

func TestVerifyAcceptsWellFormedArchive(t *testing.T) {
	// writeVerifiableFixture always sets header MinZoom=0/MaxZoom=3, so the
	// tile set must actually span that range for Verify's zoom cross-check
	// to agree with the header.
	sink, _ := writeVerifiableFixture(t, fullZoomRangeFixtureTiles())

	backend := NewMemoryBackend(sink.buf)
	require.NoError(t, Verify(context.Background(), backend, int64(len(sink.buf))))
}

func fullZoomRangeFixtureTiles() map[uint64][]byte {
	return map[uint64][]byte{
		ZxyToID(0, 0, 0): []byte("root"),
		ZxyToID(1, 0, 0): []byte("a"),
		ZxyToID(2, 0, 0): []byte("c"),
		ZxyToID(3, 0, 0): []byte("d"),
	}
}

func TestVerifyRejectsMismatchedFileSize(t *testing.T) {
	sink, _ := writeVerifiableFixture(t, fullZoomRangeFixtureTiles())

	backend := NewMemoryBackend(sink.buf)
	err := Verify(context.Background(), backend, int64(len(sink.buf))+1)
	require.Error(t, err)
	assert.True(t, isKind(err, KindInvalidHeader))
}

func TestVerifySkipsLengthCheckWhenFileSizeNegative(t *testing.T) {
	sink, _ := writeVerifiableFixture(t, fullZoomRangeFixtureTiles())

	backend := NewMemoryBackend(sink.buf)
	require.NoError(t, Verify(context.Background(), backend, -1))
}

func TestVerifyDetectsHeaderCountMismatch(t *testing.T) {
	sink, header := writeVerifiableFixture(t, fullZoomRangeFixtureTiles())

	// Corrupt the header's addressed-tiles count in place without touching
	// the directory tree, so Verify's cross-check must catch the lie.
	header.AddressedTilesCount++
	copy(sink.buf[:HeaderLenBytes], SerializeHeader(header))

	backend := NewMemoryBackend(sink.buf)
	err := Verify(context.Background(), backend, int64(len(sink.buf)))
	require.Error(t, err)
	assert.True(t, isKind(err, KindInvalidHeader))
}

// TestVerifyAcceptsDedupedClusteredArchive guards against a regression where
// a deduped entry (same offset as an earlier, non-contiguous entry) was
// mistaken for an out-of-order write: a dedup reuse carries no ordering
// information of its own and must not advance or be checked against the
// clustered-order cursor.
func TestVerifyAcceptsDedupedClusteredArchive(t *testing.T) {
	tiles := map[uint64][]byte{
		ZxyToID(0, 0, 0): []byte("shared"),
		ZxyToID(1, 0, 0): []byte("distinct"),
		ZxyToID(2, 0, 0): []byte("shared"), // dedups against the z0 tile, non-contiguous TileID
		ZxyToID(3, 0, 0): []byte("shared"), // dedups again
	}
	sink, _ := writeVerifiableFixture(t, tiles)

	backend := NewMemoryBackend(sink.buf)
	require.NoError(t, Verify(context.Background(), backend, int64(len(sink.buf))))
}

func TestVerifyRejectsOutOfOrderClusteredEntries(t *testing.T) {
	low := ZxyToID(1, 0, 0)
	high := ZxyToID(2, 3, 3)

	// TileIDs are stored ascending (the directory format requires it), but
	// the offsets they point at do not follow in ascending order, which is
	// what Clustered=true promises.
	root := []DirEntry{
		{TileID: low, Offset: 3, Length: 4, RunLength: 1},
		{TileID: high, Offset: 0, Length: 3, RunLength: 1},
	}
	archive := buildManualArchive(t, root, nil, []byte("highlow"), nil)
	// buildManualArchive always marks Clustered true.

	backend := NewMemoryBackend(archive)
	err := Verify(context.Background(), backend, int64(len(archive)))
	require.Error(t, err)
}
