package pmtiles

import (
	"io"

	"github.com/cespare/xxhash/v2"
)

type contentLoc struct {
	offset uint64
	length uint32
}

// WriterOptions configures a new Writer.
type WriterOptions struct {
	TileType            TileType
	TileCompression     Compression
	InternalCompression Compression
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
	Metadata            map[string]interface{}

	// Progress, if set, is called once per AddTile call with a running
	// count of tiles written so far, matching the way cluster/convert
	// report progress via a progressbar in this codebase's history.
	Progress func(addressed uint64)
}

// Writer streams tiles in TileId order into a seekable sink, deduplicating
// identical payloads by content hash, run-length-encoding consecutive
// duplicates, and finally emitting an optimized root+leaf directory pair.
type Writer struct {
	sink   io.WriteSeeker
	header Header
	opts   WriterOptions

	entries     []DirEntry
	contentMap  map[uint64]contentLoc
	dataCursor  uint64
	metaLength  uint64
	hasPrevious bool
	prevHash    uint64
}

// NewWriter initializes a Writer: it reserves the 16 KiB header+root-dir
// region, then writes compressed metadata immediately after it.
func NewWriter(sink io.WriteSeeker, opts WriterOptions) (*Writer, error) {
	if opts.InternalCompression == UnknownCompression {
		opts.InternalCompression = Gzip
	}
	if opts.TileCompression == UnknownCompression {
		opts.TileCompression = Gzip
	}

	if _, err := sink.Write(make([]byte, MaxInitialBytes)); err != nil {
		return nil, wrapError(KindReading, "reserving header region", err)
	}

	metaBytes, err := SerializeMetadata(opts.Metadata, opts.InternalCompression)
	if err != nil {
		return nil, err
	}
	if _, err := sink.Write(metaBytes); err != nil {
		return nil, err
	}

	header := Header{
		Clustered:           true,
		InternalCompression: opts.InternalCompression,
		TileCompression:     opts.TileCompression,
		TileType:            opts.TileType,
		MinZoom:             opts.MinZoom,
		MaxZoom:             opts.MaxZoom,
		MinLonE7:            opts.MinLonE7,
		MinLatE7:            opts.MinLatE7,
		MaxLonE7:            opts.MaxLonE7,
		MaxLatE7:            opts.MaxLatE7,
		CenterZoom:          opts.CenterZoom,
		CenterLonE7:         opts.CenterLonE7,
		CenterLatE7:         opts.CenterLatE7,
	}

	return &Writer{
		sink:       sink,
		header:     header,
		opts:       opts,
		contentMap: make(map[uint64]contentLoc),
		metaLength: uint64(len(metaBytes)),
	}, nil
}

func tileDigest(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// AddTile appends one tile in strictly-increasing TileId order. Empty
// payloads are silently ignored. Out-of-order ids flip header.Clustered to
// false (Finalize will then sort before building directories).
func (w *Writer) AddTile(coord TileCoord, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	id, err := CoordToID(coord.Z, coord.X, coord.Y)
	if err != nil {
		return err
	}

	w.header.AddressedTilesCount++
	if w.opts.Progress != nil {
		w.opts.Progress(w.header.AddressedTilesCount)
	}

	hash := tileDigest(data)

	if w.hasPrevious {
		last := &w.entries[len(w.entries)-1]
		if id == last.TileID+uint64(last.RunLength) && hash == w.prevHash {
			last.RunLength++
			return nil
		}
		if id < last.TileID+uint64(last.RunLength) {
			w.header.Clustered = false
		}
	}

	if loc, ok := w.contentMap[hash]; ok {
		w.entries = append(w.entries, DirEntry{TileID: id, Offset: loc.offset, Length: loc.length, RunLength: 1})
	} else {
		compressed, err := compressBytes(data, w.header.TileCompression)
		if err != nil {
			return err
		}
		if len(compressed) > int(^uint32(0)) {
			return ErrIndexEntryOverflow
		}
		if _, err := w.sink.Write(compressed); err != nil {
			return wrapError(KindReading, "writing tile data", err)
		}
		loc := contentLoc{offset: w.dataCursor, length: uint32(len(compressed))}
		w.contentMap[hash] = loc
		w.entries = append(w.entries, DirEntry{TileID: id, Offset: loc.offset, Length: loc.length, RunLength: 1})
		w.dataCursor += uint64(len(compressed))
	}

	w.header.TileEntriesCount++
	w.hasPrevious = true
	w.prevHash = hash
	return nil
}

// Finalize sorts entries if the stream arrived out of order, builds the
// optimized root+leaf directories, writes them and the final header, and
// returns the completed header.
func (w *Writer) Finalize() (Header, error) {
	w.header.TileDataLength = w.dataCursor
	w.header.TileContentsCount = uint64(len(w.contentMap))

	if !w.header.Clustered {
		sortEntriesByTileID(w.entries)
	}

	rootBytes, leavesBytes, _, err := optimizeDirectories(w.entries, MaxInitialBytes-HeaderLenBytes, w.header.InternalCompression)
	if err != nil {
		return Header{}, err
	}

	if _, err := w.sink.Write(leavesBytes); err != nil {
		return Header{}, err
	}

	// Physical layout on disk, in write order: [0,MaxInitialBytes) reserved
	// for header+root, then metadata (written by NewWriter), then tile data
	// (written by AddTile), then leaves (written just above). Root and
	// header are backpatched into the reserved region below, but metadata,
	// tile data and leaves already sit at the offsets computed here.
	w.header.RootOffset = HeaderLenBytes
	w.header.RootLength = uint64(len(rootBytes))
	w.header.MetadataOffset = MaxInitialBytes
	w.header.MetadataLength = w.metaLength
	w.header.TileDataOffset = w.header.MetadataOffset + w.header.MetadataLength
	w.header.LeafDirectoryOffset = w.header.TileDataOffset + w.header.TileDataLength
	w.header.LeafDirectoryLength = uint64(len(leavesBytes))

	if _, err := w.sink.Seek(0, io.SeekStart); err != nil {
		return Header{}, err
	}
	if _, err := w.sink.Write(SerializeHeader(w.header)); err != nil {
		return Header{}, err
	}
	if _, err := w.sink.Write(rootBytes); err != nil {
		return Header{}, err
	}

	return w.header, nil
}

func sortEntriesByTileID(entries []DirEntry) {
	// plain insertion sort: out-of-order input is the exceptional path and
	// is typically already nearly sorted.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].TileID > entries[j].TileID; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
