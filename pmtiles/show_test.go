package pmtiles

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShowPrintsHeaderAndMetadata(t *testing.T) {
	tiles := map[uint64][]byte{ZxyToID(1, 0, 0): []byte("tile-bytes")}
	sink, _ := writeFixtureArchive(t, tiles)

	ctx := context.Background()
	reader, err := Open(ctx, NewMemoryBackend(sink.buf), NoCache{})
	require.NoError(t, err)
	defer reader.Close()

	var buf bytes.Buffer
	require.NoError(t, Show(ctx, &buf, reader))

	out := buf.String()
	assert.Contains(t, out, "tile type: ")
	assert.Contains(t, out, "min zoom: 0")
	assert.Contains(t, out, "max zoom: 3")
	assert.Contains(t, out, "clustered: true")
	assert.Contains(t, out, "name fixture")
}

func TestShowPrintsUnknownForZeroCounts(t *testing.T) {
	sink := &seekBuffer{}
	w, err := NewWriter(sink, WriterOptions{TileType: Png, TileCompression: NoCompression, MaxZoom: 3})
	require.NoError(t, err)
	_, err = w.Finalize()
	require.NoError(t, err)

	ctx := context.Background()
	reader, err := Open(ctx, NewMemoryBackend(sink.buf), NoCache{})
	require.NoError(t, err)
	defer reader.Close()

	var buf bytes.Buffer
	require.NoError(t, Show(ctx, &buf, reader))

	out := buf.String()
	assert.Contains(t, out, "addressed tiles count: unknown")
	assert.Contains(t, out, "tile entries count: unknown")
	assert.Contains(t, out, "tile contents count: unknown")
}

func TestShowTileWritesRawBytesWhenPresent(t *testing.T) {
	tiles := map[uint64][]byte{ZxyToID(1, 1, 0): []byte("raw-tile-bytes")}
	sink, _ := writeFixtureArchive(t, tiles)

	ctx := context.Background()
	reader, err := Open(ctx, NewMemoryBackend(sink.buf), NoCache{})
	require.NoError(t, err)
	defer reader.Close()

	var buf bytes.Buffer
	ok, err := ShowTile(ctx, &buf, reader, 1, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "raw-tile-bytes", buf.String())
}

func TestShowTileReportsMissing(t *testing.T) {
	tiles := map[uint64][]byte{ZxyToID(1, 0, 0): []byte("only")}
	sink, _ := writeFixtureArchive(t, tiles)

	ctx := context.Background()
	reader, err := Open(ctx, NewMemoryBackend(sink.buf), NoCache{})
	require.NoError(t, err)
	defer reader.Close()

	var buf bytes.Buffer
	ok, err := ShowTile(ctx, &buf, reader, 1, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, strings.TrimSpace(buf.String()) == "")
}
