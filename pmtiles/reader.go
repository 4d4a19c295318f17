package pmtiles

import (
	"context"
)

const maxLeafRecursionDepth = 4

// Reader is a backend-agnostic, concurrency-safe view onto a PMTiles
// archive. It owns its Backend and DirectoryCache; Header and the root
// Directory are parsed once at Open and are immutable thereafter.
type Reader struct {
	backend Backend
	cache   DirectoryCache
	header  Header
	root    Directory
}

// Open bootstraps a Reader with a single MaxInitialBytes read: it parses the
// header, then the root directory, which the archive layout guarantees fits
// within the same prefix.
func Open(ctx context.Context, backend Backend, cache DirectoryCache) (*Reader, error) {
	if cache == nil {
		cache = NoCache{}
	}

	prefix, err := backend.Read(ctx, 0, MaxInitialBytes)
	if err != nil {
		return nil, err
	}
	if len(prefix) < HeaderLenBytes {
		return nil, ErrInvalidHeader
	}

	header, err := DeserializeHeader(prefix[:HeaderLenBytes])
	if err != nil {
		return nil, err
	}

	if header.RootOffset+header.RootLength > uint64(len(prefix)) {
		return nil, wrapError(KindInvalidHeader, "root directory not contained in bootstrap prefix", nil)
	}

	rootBytes := prefix[header.RootOffset : header.RootOffset+header.RootLength]
	root, err := DeserializeEntries(rootBytes, header.InternalCompression)
	if err != nil {
		return nil, err
	}

	return &Reader{backend: backend, cache: cache, header: header, root: root}, nil
}

// Header returns the parsed archive header.
func (r *Reader) Header() Header {
	return r.header
}

// Close releases the underlying backend.
func (r *Reader) Close() error {
	return r.backend.Close()
}

func (r *Reader) fetchLeaf(ctx context.Context, offset, length uint64) (Directory, error) {
	data, err := ReadExact(ctx, r.backend, offset, length)
	if err != nil {
		return nil, err
	}
	return DeserializeEntries(data, r.header.InternalCompression)
}

// findEntry resolves id against the root directory, recursing into leaves
// (bounded at maxLeafRecursionDepth) through the directory cache.
func (r *Reader) findEntry(ctx context.Context, id uint64) (DirEntry, bool, error) {
	entry, ok := r.root.FindTileID(id)
	if !ok {
		return DirEntry{}, false, nil
	}
	if !entry.IsLeaf() {
		return entry, true, nil
	}
	return r.findInLeaf(ctx, id, entry, 0)
}

func (r *Reader) findInLeaf(ctx context.Context, id uint64, entry DirEntry, depth int) (DirEntry, bool, error) {
	offset := r.header.LeafDirectoryOffset + entry.Offset
	length := uint64(entry.Length)

	fetch := func(ctx context.Context) (Directory, error) {
		return r.fetchLeaf(ctx, offset, length)
	}

	found, ok, err := r.cache.GetOrInsert(ctx, offset, id, fetch)
	if err != nil {
		return DirEntry{}, false, err
	}
	if !ok {
		return DirEntry{}, false, nil
	}
	if found.IsLeaf() {
		if depth >= maxLeafRecursionDepth {
			return DirEntry{}, false, nil
		}
		return r.findInLeaf(ctx, id, found, depth+1)
	}
	return found, true, nil
}

// GetTile resolves a tile by id, returning (bytes, true, nil) on a hit,
// (nil, false, nil) when the tile is legitimately absent, and a non-nil
// error for anything else. The returned bytes are still tile-compressed.
func (r *Reader) GetTile(ctx context.Context, id uint64) ([]byte, bool, error) {
	entry, ok, err := r.findEntry(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	data, err := ReadExact(ctx, r.backend, r.header.TileDataOffset+entry.Offset, uint64(entry.Length))
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// GetTileDecompressed is GetTile followed by tile-compression removal.
func (r *Reader) GetTileDecompressed(ctx context.Context, id uint64) ([]byte, bool, error) {
	data, ok, err := r.GetTile(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	out, err := decompressBytes(data, r.header.TileCompression)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// GetMetadata fetches, decompresses, and parses the archive's metadata
// object.
func (r *Reader) GetMetadata(ctx context.Context) (map[string]interface{}, error) {
	data, err := ReadExact(ctx, r.backend, r.header.MetadataOffset, r.header.MetadataLength)
	if err != nil {
		return nil, err
	}
	return DeserializeMetadata(data, r.header.InternalCompression)
}

// EntryStream lazily yields every tile entry in the archive (leaves
// transparently traversed), starting from the root's entries. It is
// restartable by calling Entries again; a single stream must not be shared
// across goroutines.
type EntryStream struct {
	reader *Reader
	ctx    context.Context
	queue  []DirEntry
	err    error
}

// Entries starts a new lazy traversal of every tile entry in the archive.
func (r *Reader) Entries(ctx context.Context) *EntryStream {
	queue := make([]DirEntry, len(r.root))
	copy(queue, r.root)
	return &EntryStream{reader: r, ctx: ctx, queue: queue}
}

// Next advances the stream, returning the next tile entry. ok is false once
// the stream is exhausted or an error occurred; check Err() to distinguish
// the two.
func (s *EntryStream) Next() (DirEntry, bool) {
	for len(s.queue) > 0 {
		entry := s.queue[0]
		s.queue = s.queue[1:]

		if !entry.IsLeaf() {
			return entry, true
		}

		offset := s.reader.header.LeafDirectoryOffset + entry.Offset
		leaf, err := s.reader.fetchLeaf(s.ctx, offset, uint64(entry.Length))
		if err != nil {
			s.err = err
			return DirEntry{}, false
		}
		s.queue = append(leaf, s.queue...)
	}
	return DirEntry{}, false
}

// Err returns the first error encountered during traversal, if any.
func (s *EntryStream) Err() error {
	return s.err
}
