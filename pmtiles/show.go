package pmtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Show prints header fields and parsed metadata key/value pairs to w,
// matching the reference tool's output bit-exactly.
func Show(ctx context.Context, w io.Writer, reader *Reader) error {
	h := reader.Header()

	fmt.Fprintf(w, "pmtiles spec version: %d\n", h.SpecVersion)
	fmt.Fprintf(w, "tile type: %s\n", h.TileType)
	fmt.Fprintf(w, "bounds: (long: %.6f, lat: %.6f) (long: %.6f, lat: %.6f)\n", h.MinLon(), h.MinLat(), h.MaxLon(), h.MaxLat())
	fmt.Fprintf(w, "min zoom: %d\n", h.MinZoom)
	fmt.Fprintf(w, "max zoom: %d\n", h.MaxZoom)
	fmt.Fprintf(w, "center: (long: %.6f, lat: %.6f)\n", h.CenterLon(), h.CenterLat())
	fmt.Fprintf(w, "center zoom: %d\n", h.CenterZoom)
	fmt.Fprintf(w, "addressed tiles count: %s\n", countOrUnknown(h.AddressedTilesCount))
	fmt.Fprintf(w, "tile entries count: %s\n", countOrUnknown(h.TileEntriesCount))
	fmt.Fprintf(w, "tile contents count: %s\n", countOrUnknown(h.TileContentsCount))
	fmt.Fprintf(w, "clustered: %t\n", h.Clustered)
	fmt.Fprintf(w, "internal compression: %s\n", h.InternalCompression)
	fmt.Fprintf(w, "tile compression: %s\n", h.TileCompression)

	metadata, err := reader.GetMetadata(ctx)
	if err != nil {
		return err
	}
	for k, v := range metadata {
		switch v := v.(type) {
		case string:
			fmt.Fprintln(w, k, v)
		case json.Number:
			fmt.Fprintln(w, k, v.String())
		default:
			fmt.Fprintln(w, k, "<object...>")
		}
	}

	return nil
}

// countOrUnknown renders a header tile-count field the way spec zero-means-
// unknown encoding requires: a literal 0 means the count was never recorded.
func countOrUnknown(count uint64) string {
	if count == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d", count)
}

// ShowTile resolves a single tile by z/x/y and writes its raw (still
// tile-compressed) bytes to w, or reports the tile as absent.
func ShowTile(ctx context.Context, w io.Writer, reader *Reader, z uint8, x, y uint32) (bool, error) {
	id, err := CoordToID(z, x, y)
	if err != nil {
		return false, err
	}
	data, ok, err := reader.GetTile(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	_, err = w.Write(data)
	return true, err
}
