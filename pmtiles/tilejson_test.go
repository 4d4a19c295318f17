package pmtiles

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExtensionKnownTypes(t *testing.T) {
	assert.Equal(t, ".mvt", fileExtension(Mvt))
	assert.Equal(t, ".png", fileExtension(Png))
	assert.Equal(t, ".jpg", fileExtension(Jpeg))
	assert.Equal(t, ".webp", fileExtension(Webp))
	assert.Equal(t, ".avif", fileExtension(Avif))
	assert.Equal(t, "", fileExtension(UnknownTileType))
}

func TestBuildTileJSONDerivesFieldsFromHeaderAndMetadata(t *testing.T) {
	tiles := map[uint64][]byte{ZxyToID(1, 0, 0): []byte("t")}
	sink, _ := writeFixtureArchive(t, tiles)

	ctx := context.Background()
	reader, err := Open(ctx, NewMemoryBackend(sink.buf), NoCache{})
	require.NoError(t, err)
	defer reader.Close()

	data, err := BuildTileJSON(ctx, reader, "https://example.test/my-archive")
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "3.0.0", doc["tilejson"])
	assert.Equal(t, "xyz", doc["scheme"])
	tilesField, ok := doc["tiles"].([]interface{})
	require.True(t, ok)
	require.Len(t, tilesField, 1)
	assert.Equal(t, "https://example.test/my-archive/{z}/{x}/{y}.mvt", tilesField[0])
	assert.EqualValues(t, 0, doc["minzoom"])
	assert.EqualValues(t, 3, doc["maxzoom"])
	assert.Equal(t, "fixture", doc["name"])
}
