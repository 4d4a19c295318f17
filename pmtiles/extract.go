package pmtiles

import (
	"container/list"
	"context"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SrcDstRange describes a contiguous span of bytes: its location in the
// source archive, its location in the archive being assembled, and its
// length.
type SrcDstRange struct {
	SrcOffset uint64
	DstOffset uint64
	Length    uint64
}

// RelevantEntries filters dir (one directory level) down to entries that
// intersect bitmap. Entries with RunLength > 1 are trimmed to exactly the
// relevant sub-run. Returns tile entries and leaf-pointer entries
// separately; the caller is responsible for recursing into the leaves.
func RelevantEntries(bitmap *roaring64.Bitmap, maxZoom uint8, dir Directory) ([]DirEntry, []DirEntry) {
	lastTile, _ := CoordToID(maxZoom+1, 0, 0)
	leaves := make([]DirEntry, 0)
	tiles := make([]DirEntry, 0)

	for idx, entry := range dir {
		switch {
		case entry.IsLeaf():
			span := roaring64.New()
			if idx == len(dir)-1 {
				span.AddRange(entry.TileID, lastTile)
			} else {
				span.AddRange(entry.TileID, dir[idx+1].TileID)
			}
			if bitmap.Intersects(span) {
				leaves = append(leaves, entry)
			}
		case entry.RunLength == 1:
			if bitmap.Contains(entry.TileID) {
				tiles = append(tiles, entry)
			}
		default:
			currentID := entry.TileID
			currentRun := uint32(0)
			for y := entry.TileID; y < entry.TileID+uint64(entry.RunLength); y++ {
				if bitmap.Contains(y) {
					if currentRun == 0 {
						currentRun = 1
						currentID = y
					} else {
						currentRun++
					}
				} else {
					if currentRun > 0 {
						tiles = append(tiles, DirEntry{TileID: currentID, Offset: entry.Offset, Length: entry.Length, RunLength: currentRun})
					}
					currentRun = 0
				}
			}
			if currentRun > 0 {
				tiles = append(tiles, DirEntry{TileID: currentID, Offset: entry.Offset, Length: entry.Length, RunLength: currentRun})
			}
		}
	}
	return tiles, leaves
}

// ReencodeEntries takes tile entries from a source archive, sorted by
// TileID, and returns entries whose offsets are contiguous in a new
// archive, the source byte ranges required to fill it, the new tile data
// section's total size, the addressed tile count, and the unique tile
// content count.
func ReencodeEntries(dir []DirEntry) ([]DirEntry, []SrcDstRange, uint64, uint64, uint64) {
	reencoded := make([]DirEntry, 0, len(dir))
	seenOffsets := make(map[uint64]uint64)
	ranges := make([]SrcDstRange, 0)
	addressedTiles := uint64(0)
	dstOffset := uint64(0)

	for _, entry := range dir {
		if val, ok := seenOffsets[entry.Offset]; ok {
			reencoded = append(reencoded, DirEntry{TileID: entry.TileID, Offset: val, Length: entry.Length, RunLength: entry.RunLength})
		} else {
			if len(ranges) > 0 {
				last := &ranges[len(ranges)-1]
				if last.SrcOffset+last.Length == entry.Offset {
					last.Length += uint64(entry.Length)
				} else {
					ranges = append(ranges, SrcDstRange{SrcOffset: entry.Offset, DstOffset: dstOffset, Length: uint64(entry.Length)})
				}
			} else {
				ranges = append(ranges, SrcDstRange{SrcOffset: entry.Offset, DstOffset: dstOffset, Length: uint64(entry.Length)})
			}

			reencoded = append(reencoded, DirEntry{TileID: entry.TileID, Offset: dstOffset, Length: entry.Length, RunLength: entry.RunLength})
			seenOffsets[entry.Offset] = dstOffset
			dstOffset += uint64(entry.Length)
		}
		addressedTiles += uint64(entry.RunLength)
	}
	return reencoded, ranges, dstOffset, addressedTiles, uint64(len(seenOffsets))
}

// CopyDiscard is "want the next N bytes, then discard N bytes" within one
// merged fetch.
type CopyDiscard struct {
	Wanted  uint64
	Discard uint64
}

// OverfetchRange is one merged fetch, built from one or more adjacent
// SrcDstRanges.
type OverfetchRange struct {
	Rng          SrcDstRange
	CopyDiscards []CopyDiscard
}

type overfetchListItem struct {
	rng          SrcDstRange
	copyDiscards []CopyDiscard
	bytesToNext  uint64
	prev, next   *overfetchListItem
}

// MergeRanges merges a non-contiguous, new-offset-sorted slice of
// SrcDstRanges into OverfetchRanges, spending at most overfetch extra bytes
// (0.2 = 20% extra; 1.0 = double the transfer) to reduce request count,
// merging the smallest gaps first. The result list is sorted descending by
// length. Returns the merged ranges and their total byte count.
func MergeRanges(ranges []SrcDstRange, overfetch float32) (*list.List, uint64) {
	totalSize := 0
	items := make([]*overfetchListItem, len(ranges))

	for i, rng := range ranges {
		var bytesToNext uint64
		if i == len(ranges)-1 {
			bytesToNext = math.MaxUint64
		} else {
			if ranges[i+1].SrcOffset < rng.SrcOffset+rng.Length {
				// out-of-order range: treat as unmergeable, same as the
				// explicit MaxUint64 case above.
				bytesToNext = math.MaxUint64
			} else {
				bytesToNext = ranges[i+1].SrcOffset - (rng.SrcOffset + rng.Length)
			}
		}
		items[i] = &overfetchListItem{
			rng:          rng,
			bytesToNext:  bytesToNext,
			copyDiscards: []CopyDiscard{{Wanted: rng.Length, Discard: 0}},
		}
		totalSize += int(rng.Length)
	}

	for i, item := range items {
		if i > 0 {
			item.prev = items[i-1]
		}
		if i < len(items)-1 {
			item.next = items[i+1]
		}
	}

	overfetchBudget := int(float32(totalSize) * overfetch)

	sort.Slice(items, func(i, j int) bool {
		return items[i].bytesToNext < items[j].bytesToNext
	})

	for len(items) > 1 && items[0].bytesToNext <= uint64(overfetchBudget) {
		item := items[0]
		newLength := item.rng.Length + item.bytesToNext + item.next.rng.Length
		item.next.rng = SrcDstRange{SrcOffset: item.rng.SrcOffset, DstOffset: item.rng.DstOffset, Length: newLength}
		item.next.prev = item.prev
		if item.prev != nil {
			item.prev.next = item.next
		}
		item.copyDiscards[len(item.copyDiscards)-1].Discard = item.bytesToNext
		item.next.copyDiscards = append(item.copyDiscards, item.next.copyDiscards...)

		items = items[1:]
		overfetchBudget -= int(item.bytesToNext)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].rng.Length > items[j].rng.Length
	})

	totalBytes := uint64(0)
	result := list.New()
	for _, item := range items {
		result.PushBack(OverfetchRange{Rng: item.rng, CopyDiscards: item.copyDiscards})
		totalBytes += item.rng.Length
	}
	return result, totalBytes
}

// ExtractOptions configures Extract.
type ExtractOptions struct {
	MaxZoom         int8
	RegionGeoJSON   []byte
	Bbox            string
	DownloadThreads int
	Overfetch       float32
	DryRun          bool
	// Progress is called with a value in [0, 1] combining request and
	// byte progress, 0.3*requests_done/total_requests +
	// 0.7*bytes_done/total_bytes.
	Progress func(fraction float64)
}

type extractProgress struct {
	mu             sync.Mutex
	totalRequests  int
	doneRequests   int
	totalBytes     uint64
	doneBytes      uint64
	cb             func(float64)
}

func (p *extractProgress) report() {
	if p.cb == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	reqFrac, byteFrac := 0.0, 0.0
	if p.totalRequests > 0 {
		reqFrac = float64(p.doneRequests) / float64(p.totalRequests)
	}
	if p.totalBytes > 0 {
		byteFrac = float64(p.doneBytes) / float64(p.totalBytes)
	}
	p.cb(0.3*reqFrac + 0.7*byteFrac)
}

func (p *extractProgress) addRequest() {
	p.mu.Lock()
	p.doneRequests++
	p.mu.Unlock()
	p.report()
}

func (p *extractProgress) addBytes(n uint64) {
	p.mu.Lock()
	p.doneBytes += n
	p.mu.Unlock()
	p.report()
}

// fetchAndSplit walks a directory tree (root then, recursively, every
// relevant leaf level) collecting tile entries that intersect relevant.
// Unlike a single-level-only walk, this recurses to whatever depth the
// source archive actually uses.
func fetchAndSplit(ctx context.Context, backend Backend, header Header, relevant *roaring64.Bitmap, maxZoom uint8, entries []DirEntry, prog *extractProgress) ([]DirEntry, error) {
	tiles, leaves := RelevantEntries(relevant, maxZoom, Directory(entries))
	if len(leaves) == 0 {
		return tiles, nil
	}

	leafRanges := make([]SrcDstRange, len(leaves))
	for i, leaf := range leaves {
		leafRanges[i] = SrcDstRange{SrcOffset: header.LeafDirectoryOffset + leaf.Offset, Length: uint64(leaf.Length)}
	}
	merged, total := MergeRanges(leafRanges, 0)
	prog.mu.Lock()
	prog.totalRequests += merged.Len()
	prog.totalBytes += total
	prog.mu.Unlock()

	var mu sync.Mutex
	var out []DirEntry
	g, gctx := errgroup.WithContext(ctx)

	for e := merged.Front(); e != nil; e = e.Next() {
		or := e.Value.(OverfetchRange)
		g.Go(func() error {
			data, err := ReadExact(gctx, backend, or.Rng.SrcOffset, or.Rng.Length)
			if err != nil {
				return err
			}
			prog.addRequest()
			prog.addBytes(uint64(len(data)))

			pos := 0
			for _, cd := range or.CopyDiscards {
				chunk := data[pos : pos+int(cd.Wanted)]
				pos += int(cd.Wanted) + int(cd.Discard)

				dir, err := DeserializeEntries(chunk, header.InternalCompression)
				if err != nil {
					return err
				}
				sub, err := fetchAndSplit(gctx, backend, header, relevant, maxZoom, dir, prog)
				if err != nil {
					return err
				}
				mu.Lock()
				out = append(out, sub...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return append(tiles, out...), nil
}

// Extract builds a new, self-contained archive covering only the tiles
// relevant to a bbox or GeoJSON region (or the whole archive, if neither is
// given), reusing tile data bytes from the source via merged range reads.
func Extract(ctx context.Context, logger *zap.Logger, backend Backend, opts ExtractOptions, output io.WriteSeeker) error {
	start := time.Now()

	if opts.Progress != nil {
		opts.Progress(0)
	}

	headerBytes, err := ReadExact(ctx, backend, 0, HeaderLenBytes)
	if err != nil {
		return err
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return err
	}
	if !header.Clustered {
		return newError(KindInvalidHeader, "source archive must be clustered for extraction")
	}

	sourceMetadataOffset := header.MetadataOffset
	sourceTileDataOffset := header.TileDataOffset

	maxZoom := opts.MaxZoom
	if maxZoom == -1 || int8(header.MaxZoom) < maxZoom {
		maxZoom = int8(header.MaxZoom)
	}

	var relevant *roaring64.Bitmap
	if len(opts.RegionGeoJSON) > 0 && opts.Bbox != "" {
		return newError(KindInvalidHeader, "only one of region and bbox may be specified")
	}

	if len(opts.RegionGeoJSON) > 0 {
		multipolygon, err := UnmarshalRegion(opts.RegionGeoJSON)
		if err != nil {
			return err
		}

		bound := multipolygon.Bound()
		boundary, interior := bitmapMultiPolygon(uint8(maxZoom), multipolygon)
		relevant = boundary
		relevant.Or(interior)
		generalizeOr(relevant, 0)

		header.MinLonE7 = int32(bound.Left() * 1e7)
		header.MinLatE7 = int32(bound.Bottom() * 1e7)
		header.MaxLonE7 = int32(bound.Right() * 1e7)
		header.MaxLatE7 = int32(bound.Top() * 1e7)
		header.CenterLonE7 = int32(bound.Center().X() * 1e7)
		header.CenterLatE7 = int32(bound.Center().Y() * 1e7)
	} else if opts.Bbox != "" {
		minLonE7, minLatE7, maxLonE7, maxLatE7, err := parseBboxE7(opts.Bbox)
		if err != nil {
			return err
		}

		// core algorithm per spec.md §4.8 step 1: per-zoom corner rectangle
		// plus ancestor fill, rather than the polygon/tilecover path above.
		relevant = bboxRelevantSet(minLonE7, minLatE7, maxLonE7, maxLatE7, uint8(maxZoom))

		header.MinLonE7 = minLonE7
		header.MinLatE7 = minLatE7
		header.MaxLonE7 = maxLonE7
		header.MaxLatE7 = maxLatE7
		header.CenterLonE7 = (minLonE7 + maxLonE7) / 2
		header.CenterLatE7 = (minLatE7 + maxLatE7) / 2
	} else {
		relevant = roaring64.New()
		last, _ := CoordToID(uint8(maxZoom)+1, 0, 0)
		relevant.AddRange(0, last)
	}

	rootBytes, err := ReadExact(ctx, backend, header.RootOffset, header.RootLength)
	if err != nil {
		return err
	}
	root, err := DeserializeEntries(rootBytes, header.InternalCompression)
	if err != nil {
		return err
	}

	prog := &extractProgress{totalRequests: 2, doneRequests: 2, cb: opts.Progress} // header + root already done
	tileEntries, err := fetchAndSplit(ctx, backend, header, relevant, uint8(maxZoom), root, prog)
	if err != nil {
		return err
	}

	sort.Slice(tileEntries, func(i, j int) bool {
		return tileEntries[i].TileID < tileEntries[j].TileID
	})

	reencoded, tileParts, tileDataLength, addressedTiles, tileContents := ReencodeEntries(tileEntries)

	overfetchRanges, totalBytes := MergeRanges(tileParts, opts.Overfetch)
	numOverfetchRanges := overfetchRanges.Len()

	prog.mu.Lock()
	prog.totalRequests += numOverfetchRanges
	prog.totalBytes += totalBytes
	prog.mu.Unlock()

	newRootBytes, newLeavesBytes, _, err := optimizeDirectories(reencoded, MaxInitialBytes-HeaderLenBytes, header.InternalCompression)
	if err != nil {
		return err
	}

	header.RootOffset = HeaderLenBytes
	header.RootLength = uint64(len(newRootBytes))
	header.MetadataOffset = header.RootOffset + header.RootLength
	header.LeafDirectoryOffset = header.MetadataOffset + header.MetadataLength
	header.LeafDirectoryLength = uint64(len(newLeavesBytes))
	header.TileDataOffset = header.LeafDirectoryOffset + header.LeafDirectoryLength

	header.TileDataLength = tileDataLength
	header.AddressedTilesCount = addressedTiles
	header.TileEntriesCount = uint64(len(tileEntries))
	header.TileContentsCount = tileContents
	header.MaxZoom = uint8(maxZoom)

	headerOut := SerializeHeader(header)

	totalActualBytes := uint64(0)
	for _, r := range tileParts {
		totalActualBytes += r.Length
	}

	if opts.DryRun {
		logger.Info("dry run complete", zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	if f, ok := output.(*os.File); ok {
		f.Truncate(int64(HeaderLenBytes) + int64(len(newRootBytes)) + int64(header.MetadataLength) + int64(len(newLeavesBytes)) + int64(totalActualBytes))
	}

	if _, err := output.Write(headerOut); err != nil {
		return err
	}
	if _, err := output.Write(newRootBytes); err != nil {
		return err
	}

	metadataBytes, err := ReadExact(ctx, backend, sourceMetadataOffset, header.MetadataLength)
	if err != nil {
		return err
	}
	if _, err := output.Write(metadataBytes); err != nil {
		return err
	}
	if _, err := output.Write(newLeavesBytes); err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(int64(totalBytes), "fetching chunks")

	var writeMu sync.Mutex
	downloadPart := func(dctx context.Context, or OverfetchRange) error {
		data, err := ReadExact(dctx, backend, sourceTileDataOffset+or.Rng.SrcOffset, or.Rng.Length)
		if err != nil {
			return err
		}
		prog.addRequest()
		prog.addBytes(uint64(len(data)))

		writeMu.Lock()
		defer writeMu.Unlock()

		pos := 0
		writeOffset := int64(header.TileDataOffset) + int64(or.Rng.DstOffset)
		for _, cd := range or.CopyDiscards {
			if _, err := writeAt(output, data[pos:pos+int(cd.Wanted)], writeOffset); err != nil {
				return err
			}
			bar.Add(int(cd.Wanted))
			pos += int(cd.Wanted) + int(cd.Discard)
			writeOffset += int64(cd.Wanted)
			bar.Add(int(cd.Discard))
		}
		return nil
	}

	var listMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.DownloadThreads; i++ {
		fromBack := i == 0 && opts.DownloadThreads > 1
		g.Go(func() error {
			for {
				listMu.Lock()
				if overfetchRanges.Len() == 0 {
					listMu.Unlock()
					return nil
				}
				var el *list.Element
				if fromBack {
					el = overfetchRanges.Back()
				} else {
					el = overfetchRanges.Front()
				}
				overfetchRanges.Remove(el)
				listMu.Unlock()

				if err := downloadPart(gctx, el.Value.(OverfetchRange)); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	totalRequests := prog.totalRequests + 1 /* metadata */
	logger.Info("extract complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("threads", opts.DownloadThreads),
		zap.Int("total_requests", totalRequests),
		zap.String("transferred", humanize.Bytes(totalBytes)),
		zap.Float32("overfetch", opts.Overfetch),
		zap.String("archive_size", humanize.Bytes(totalActualBytes)),
	)

	return nil
}

func writeAt(w io.Writer, data []byte, offset int64) (int, error) {
	if wa, ok := w.(io.WriterAt); ok {
		return wa.WriteAt(data, offset)
	}
	if ws, ok := w.(io.WriteSeeker); ok {
		if _, err := ws.Seek(offset, io.SeekStart); err != nil {
			return 0, err
		}
		return w.Write(data)
	}
	return w.Write(data)
}
