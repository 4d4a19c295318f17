package pmtiles

import (
	"context"
	"encoding/json"
)

// fileExtension returns the conventional extension (including the leading
// dot) for a tile payload, empty for unknown types.
func fileExtension(t TileType) string {
	switch t {
	case Mvt:
		return ".mvt"
	case Png:
		return ".png"
	case Jpeg:
		return ".jpg"
	case Webp:
		return ".webp"
	case Avif:
		return ".avif"
	default:
		return ""
	}
}

// BuildTileJSON derives a TileJSON 3.0.0 document for an open archive. The
// tiles URL template is built from tileURL (e.g. "https://example.com/my-archive").
func BuildTileJSON(ctx context.Context, reader *Reader, tileURL string) ([]byte, error) {
	header := reader.Header()
	metadata, err := reader.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{
		"tilejson": "3.0.0",
		"scheme":   "xyz",
		"tiles":    []string{tileURL + "/{z}/{x}/{y}" + fileExtension(header.TileType)},
		"minzoom":  header.MinZoom,
		"maxzoom":  header.MaxZoom,
		"bounds":   []float64{header.MinLon(), header.MinLat(), header.MaxLon(), header.MaxLat()},
		"center":   []interface{}{header.CenterLon(), header.CenterLat(), header.CenterZoom},
	}

	for _, key := range []string{"vector_layers", "attribution", "description", "name", "version"} {
		if v, ok := metadata[key]; ok {
			doc[key] = v
		}
	}

	return json.Marshal(doc)
}
