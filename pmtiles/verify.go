package pmtiles

import (
	"context"
	"math"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Verify checks an archive's header statistics against its directory tree:
// total byte length (the end of the furthest section), addressed/entries/
// contents counts, min/max zoom, and (for clustered archives) that each
// newly seen tile data offset starts exactly where the previous one ended. It
// returns the first inconsistency found, or nil if the archive is
// internally consistent.
func Verify(ctx context.Context, backend Backend, fileSize int64) error {
	headerBytes, err := ReadExact(ctx, backend, 0, HeaderLenBytes)
	if err != nil {
		return err
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return err
	}

	// Sections may be separated by padding (Writer reserves MaxInitialBytes
	// for header+root), so the file ends where its furthest section ends.
	expectedLength := int64(HeaderLenBytes)
	for _, end := range []uint64{
		header.RootOffset + header.RootLength,
		header.MetadataOffset + header.MetadataLength,
		header.LeafDirectoryOffset + header.LeafDirectoryLength,
		header.TileDataOffset + header.TileDataLength,
	} {
		if int64(end) > expectedLength {
			expectedLength = int64(end)
		}
	}
	if fileSize >= 0 && fileSize != expectedLength {
		return wrapError(KindInvalidHeader, "archive length does not match header-derived length", nil)
	}

	minTileID := uint64(math.MaxUint64)
	maxTileID := uint64(0)
	addressedTiles := 0
	tileEntries := 0
	offsets := roaring64.New()
	currentOffset := uint64(0)
	outOfOrder := false
	outOfBounds := false

	fetch := func(offset, length uint64) ([]byte, error) {
		return ReadExact(ctx, backend, offset, length)
	}

	err = IterateEntries(header, fetch, func(e DirEntry) error {
		alreadySeen := offsets.Contains(e.Offset)
		offsets.Add(e.Offset)
		addressedTiles += int(e.RunLength)
		tileEntries++

		if e.TileID < minTileID {
			minTileID = e.TileID
		}
		if e.TileID > maxTileID {
			maxTileID = e.TileID
		}

		if e.Offset+uint64(e.Length) > header.TileDataLength {
			outOfBounds = true
		}

		// A deduped entry reuses an earlier entry's offset and carries no
		// ordering information of its own; only first-seen offsets advance
		// the clustered-order cursor.
		if header.Clustered && !alreadySeen {
			if e.Offset != currentOffset {
				outOfOrder = true
			}
			currentOffset = e.Offset + uint64(e.Length)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if outOfBounds {
		return newError(KindInvalidEntry, "entry offset+length falls outside the tile data section")
	}
	if outOfOrder {
		return newError(KindInvalidEntry, "out-of-order entry in a clustered archive")
	}
	if uint64(addressedTiles) != header.AddressedTilesCount {
		return newError(KindInvalidHeader, "header AddressedTilesCount does not match directory tree")
	}
	if uint64(tileEntries) != header.TileEntriesCount {
		return newError(KindInvalidHeader, "header TileEntriesCount does not match directory tree")
	}
	if offsets.GetCardinality() != header.TileContentsCount {
		return newError(KindInvalidHeader, "header TileContentsCount does not match directory tree")
	}
	if tileEntries > 0 {
		if minZoom, _, _ := IDToZxy(minTileID); minZoom != header.MinZoom {
			return newError(KindInvalidHeader, "header MinZoom does not match min tile zoom")
		}
		if maxZoom, _, _ := IDToZxy(maxTileID); maxZoom != header.MaxZoom {
			return newError(KindInvalidHeader, "header MaxZoom does not match max tile zoom")
		}
	}
	if !(header.CenterZoom >= header.MinZoom && header.CenterZoom <= header.MaxZoom) {
		return newError(KindInvalidHeader, "header CenterZoom is outside MinZoom/MaxZoom")
	}
	if header.MinLonE7 >= header.MaxLonE7 || header.MinLatE7 >= header.MaxLatE7 {
		return newError(KindInvalidHeader, "header bounds has non-positive area")
	}

	return nil
}
