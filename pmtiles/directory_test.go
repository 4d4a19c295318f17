package pmtiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTileIDFixture(t *testing.T) {
	dir := Directory{
		{TileID: 0, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 5, Offset: 10, Length: 10, RunLength: 3},
	}

	entry, ok := dir.FindTileID(5)
	require.True(t, ok)
	assert.Equal(t, dir[1], entry)

	entry, ok = dir.FindTileID(7)
	require.True(t, ok)
	assert.Equal(t, dir[1], entry)

	_, ok = dir.FindTileID(8)
	assert.False(t, ok)

	_, ok = dir.FindTileID(3)
	assert.False(t, ok)
}

func TestFindTileIDOnLeafEntryAlwaysMatchesPredecessor(t *testing.T) {
	dir := Directory{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 0}, // leaf
	}
	entry, ok := dir.FindTileID(999)
	require.True(t, ok)
	assert.Equal(t, dir[0], entry)
}

func TestSerializeDeserializeEntriesRoundTrip(t *testing.T) {
	entries := []DirEntry{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 1, Offset: 100, Length: 50, RunLength: 2},
		{TileID: 10, Offset: 150, Length: 200, RunLength: 1},
	}

	serialized, err := SerializeEntries(entries, NoCompression)
	require.NoError(t, err)

	back, err := DeserializeEntries(serialized, NoCompression)
	require.NoError(t, err)

	assert.Equal(t, Directory(entries), back)
}

func TestSerializeDeserializeEntriesContiguousOffsetSentinel(t *testing.T) {
	entries := []DirEntry{
		{TileID: 0, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 1, Offset: 10, Length: 10, RunLength: 1}, // contiguous: offset sentinel
		{TileID: 2, Offset: 40, Length: 10, RunLength: 1}, // gap: explicit offset
	}

	serialized, err := SerializeEntries(entries, Gzip)
	require.NoError(t, err)

	back, err := DeserializeEntries(serialized, Gzip)
	require.NoError(t, err)
	assert.Equal(t, Directory(entries), back)
}

func TestDeserializeEntriesTruncatedStream(t *testing.T) {
	_, err := DeserializeEntries([]byte{0xFF}, NoCompression)
	require.Error(t, err)
	assert.True(t, isKind(err, KindInvalidEntry))
}

func TestOptimizeDirectoriesSingleRoot(t *testing.T) {
	entries := make([]DirEntry, 100)
	for i := range entries {
		entries[i] = DirEntry{TileID: uint64(i), Offset: uint64(i) * 10, Length: 10, RunLength: 1}
	}

	rootBytes, leavesBytes, numLeaves, err := optimizeDirectories(entries, 16384, NoCompression)
	require.NoError(t, err)
	assert.Empty(t, leavesBytes)
	assert.Equal(t, 0, numLeaves)

	back, err := DeserializeEntries(rootBytes, NoCompression)
	require.NoError(t, err)
	assert.Len(t, back, len(entries))
}

func TestOptimizeDirectoriesSpillsToLeaves(t *testing.T) {
	entries := make([]DirEntry, 20000)
	for i := range entries {
		entries[i] = DirEntry{TileID: uint64(i), Offset: uint64(i) * 100, Length: 100, RunLength: 1}
	}

	rootBytes, leavesBytes, numLeaves, err := optimizeDirectories(entries, 4096, NoCompression)
	require.NoError(t, err)
	assert.NotEmpty(t, leavesBytes)
	assert.Greater(t, numLeaves, 0)

	root, err := DeserializeEntries(rootBytes, NoCompression)
	require.NoError(t, err)
	assert.Len(t, root, numLeaves)
	for _, e := range root {
		assert.True(t, e.IsLeaf())
	}
}

func TestIterateEntriesWalksRootAndLeaves(t *testing.T) {
	leafEntries := []DirEntry{
		{TileID: 5, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 6, Offset: 10, Length: 10, RunLength: 1},
	}
	leafBytes, err := SerializeEntries(leafEntries, NoCompression)
	require.NoError(t, err)

	rootEntries := []DirEntry{
		{TileID: 5, Offset: 0, Length: uint32(len(leafBytes)), RunLength: 0}, // leaf pointer
	}
	rootBytes, err := SerializeEntries(rootEntries, NoCompression)
	require.NoError(t, err)

	header := Header{
		InternalCompression: NoCompression,
		RootOffset:          0,
		RootLength:          uint64(len(rootBytes)),
		LeafDirectoryOffset: 1000,
		LeafDirectoryLength: uint64(len(leafBytes)),
	}

	fetch := func(offset, length uint64) ([]byte, error) {
		switch offset {
		case header.RootOffset:
			return rootBytes[:length], nil
		case header.LeafDirectoryOffset:
			return leafBytes[:length], nil
		default:
			t.Fatalf("unexpected fetch offset %d", offset)
			return nil, nil
		}
	}

	var seen []DirEntry
	err = IterateEntries(header, fetch, func(e DirEntry) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, leafEntries, seen)
}
