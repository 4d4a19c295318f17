package pmtiles

import (
	"bufio"
	"bytes"
	"encoding/binary"
)

// DirEntry is one entry in a PMTiles directory.
type DirEntry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// IsLeaf reports whether this entry points at a leaf directory rather than
// tile data.
func (e DirEntry) IsLeaf() bool {
	return e.RunLength == 0
}

// Directory is an ordered sequence of DirEntry, sorted ascending by TileID.
type Directory []DirEntry

// SerializeEntries packs entries into the four-parallel-varint-array wire
// format, then applies internal compression.
func SerializeEntries(entries []DirEntry, compression Compression) ([]byte, error) {
	var raw bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)

	n := binary.PutUvarint(tmp, uint64(len(entries)))
	raw.Write(tmp[:n])

	lastID := uint64(0)
	for _, entry := range entries {
		n = binary.PutUvarint(tmp, entry.TileID-lastID)
		raw.Write(tmp[:n])
		lastID = entry.TileID
	}
	for _, entry := range entries {
		n = binary.PutUvarint(tmp, uint64(entry.RunLength))
		raw.Write(tmp[:n])
	}
	for _, entry := range entries {
		n = binary.PutUvarint(tmp, uint64(entry.Length))
		raw.Write(tmp[:n])
	}
	for i, entry := range entries {
		if i > 0 && entry.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			n = binary.PutUvarint(tmp, 0)
		} else {
			n = binary.PutUvarint(tmp, entry.Offset+1)
		}
		raw.Write(tmp[:n])
	}

	return compressBytes(raw.Bytes(), compression)
}

// DeserializeEntries unpacks a compressed directory byte stream. A truncated
// varint stream, or a first offset of 0 (meaning "relative to a
// non-existent previous entry"), is reported as InvalidEntry.
func DeserializeEntries(data []byte, compression Compression) (Directory, error) {
	raw, err := decompressBytes(data, compression)
	if err != nil {
		return nil, err
	}
	byteReader := bufio.NewReader(bytes.NewReader(raw))

	numEntries, err := binary.ReadUvarint(byteReader)
	if err != nil {
		return nil, wrapError(KindInvalidEntry, "truncated entry count", err)
	}

	entries := make(Directory, numEntries)

	lastID := uint64(0)
	for i := uint64(0); i < numEntries; i++ {
		delta, err := binary.ReadUvarint(byteReader)
		if err != nil {
			return nil, wrapError(KindInvalidEntry, "truncated tile_id stream", err)
		}
		lastID += delta
		entries[i].TileID = lastID
	}
	for i := uint64(0); i < numEntries; i++ {
		rl, err := binary.ReadUvarint(byteReader)
		if err != nil {
			return nil, wrapError(KindInvalidEntry, "truncated run_length stream", err)
		}
		entries[i].RunLength = uint32(rl)
	}
	for i := uint64(0); i < numEntries; i++ {
		length, err := binary.ReadUvarint(byteReader)
		if err != nil {
			return nil, wrapError(KindInvalidEntry, "truncated length stream", err)
		}
		entries[i].Length = uint32(length)
	}
	for i := uint64(0); i < numEntries; i++ {
		stored, err := binary.ReadUvarint(byteReader)
		if err != nil {
			return nil, wrapError(KindInvalidEntry, "truncated offset stream", err)
		}
		if i > 0 && stored == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			if stored == 0 {
				return nil, newError(KindInvalidEntry, "first offset cannot be the contiguous sentinel")
			}
			entries[i].Offset = stored - 1
		}
	}

	return entries, nil
}

// FindTileID performs the binary-search lookup described by the directory
// invariants: an exact match wins outright; otherwise the predecessor wins
// iff it is a leaf, or the query falls inside its run.
func (d Directory) FindTileID(tileID uint64) (DirEntry, bool) {
	m, n := 0, len(d)-1
	for m <= n {
		k := (n + m) >> 1
		switch {
		case tileID > d[k].TileID:
			m = k + 1
		case tileID < d[k].TileID:
			n = k - 1
		default:
			return d[k], true
		}
	}

	if n >= 0 {
		if d[n].IsLeaf() {
			return d[n], true
		}
		if tileID-d[n].TileID < uint64(d[n].RunLength) {
			return d[n], true
		}
	}
	return DirEntry{}, false
}

func buildRootsLeaves(entries []DirEntry, leafSize int, compression Compression) ([]byte, []byte, int, error) {
	rootEntries := make([]DirEntry, 0)
	leavesBytes := make([]byte, 0)
	numLeaves := 0

	for idx := 0; idx < len(entries); idx += leafSize {
		numLeaves++
		end := idx + leafSize
		if end > len(entries) {
			end = len(entries)
		}
		serialized, err := SerializeEntries(entries[idx:end], compression)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(serialized) > int(^uint32(0)) {
			return nil, nil, 0, ErrIndexEntryOverflow
		}

		rootEntries = append(rootEntries, DirEntry{
			TileID: entries[idx].TileID,
			Offset: uint64(len(leavesBytes)),
			Length: uint32(len(serialized)),
		})
		leavesBytes = append(leavesBytes, serialized...)
	}

	rootBytes, err := SerializeEntries(rootEntries, compression)
	if err != nil {
		return nil, nil, 0, err
	}
	return rootBytes, leavesBytes, numLeaves, nil
}

// optimizeDirectories implements the iterative directory-optimization
// algorithm: try a single root directory first, then fall back to leaf
// pointers with a growing leaf size until the root fits targetRootLen.
func optimizeDirectories(entries []DirEntry, targetRootLen int, compression Compression) ([]byte, []byte, int, error) {
	if len(entries) < 16384 {
		testRootBytes, err := SerializeEntries(entries, compression)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(testRootBytes) <= targetRootLen {
			return testRootBytes, make([]byte, 0), 0, nil
		}
	}

	leafSize := float64(len(entries)) / 3500
	if leafSize < 4096 {
		leafSize = 4096
	}

	for {
		rootBytes, leavesBytes, numLeaves, err := buildRootsLeaves(entries, int(leafSize), compression)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(rootBytes) <= targetRootLen {
			return rootBytes, leavesBytes, numLeaves, nil
		}
		leafSize += leafSize / 5
	}
}

// IterateEntries lazily walks every tile entry in a directory tree (root
// plus however many leaf levels exist), fetching leaves on demand via fetch.
// It is restartable by calling it again; a single call is not safe to use
// from more than one goroutine concurrently.
func IterateEntries(header Header, fetch func(offset, length uint64) ([]byte, error), yield func(DirEntry) error) error {
	var walk func(offset, length uint64) error
	walk = func(offset, length uint64) error {
		data, err := fetch(offset, length)
		if err != nil {
			return err
		}
		directory, err := DeserializeEntries(data, header.InternalCompression)
		if err != nil {
			return err
		}
		for _, entry := range directory {
			if entry.RunLength > 0 {
				if err := yield(entry); err != nil {
					return err
				}
			} else {
				if err := walk(header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(header.RootOffset, header.RootLength)
}
