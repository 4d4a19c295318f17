package pmtiles

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DirectoryCache caches parsed leaf Directory values keyed by their absolute
// byte offset in the archive, and guarantees that concurrent callers for the
// same offset trigger exactly one fetch.
type DirectoryCache interface {
	// GetOrInsert returns the DirEntry for tileID within the directory at
	// offset. If the directory isn't cached, fetch is invoked exactly once
	// even under concurrent callers for the same offset, and its result is
	// cached before lookup.
	GetOrInsert(ctx context.Context, offset uint64, tileID uint64, fetch func(ctx context.Context) (Directory, error)) (DirEntry, bool, error)
}

// NoCache forwards every call to the fetcher and caches nothing, the
// baseline conformance implementation: correct, but pays for a fetch on
// every leaf lookup.
type NoCache struct{}

func (NoCache) GetOrInsert(ctx context.Context, _ uint64, tileID uint64, fetch func(context.Context) (Directory, error)) (DirEntry, bool, error) {
	dir, err := fetch(ctx)
	if err != nil {
		return DirEntry{}, false, err
	}
	entry, ok := dir.FindTileID(tileID)
	return entry, ok, nil
}

// lruEntry is a cache slot: the cached directory and its approximate byte
// footprint (entries * 24, per the collaborator contract).
type lruEntry struct {
	offset    uint64
	directory Directory
	size      int
}

// LRUCache is a DirectoryCache bounded by approximate total directory size,
// evicting least-recently-used leaves first. Single-flight coalescing is
// delegated to golang.org/x/sync/singleflight, already a direct dependency
// for the extractor's bounded fetch pool; the cache itself only needs a
// mutex-guarded map plus an LRU list, mirroring the evict-by-size cache the
// HTTP-facing server in this codebase's history kept for the same purpose.
type LRUCache struct {
	maxBytes int

	mu        sync.Mutex
	curBytes  int
	index     map[uint64]*list.Element // offset -> element holding *lruEntry
	order     *list.List               // front = most recently used
	flight    singleflight.Group
}

// NewLRUCache creates a cache bounded by maxBytes of approximate directory
// size (entries * 24 per directory).
func NewLRUCache(maxBytes int) *LRUCache {
	return &LRUCache{
		maxBytes: maxBytes,
		index:    make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

func (c *LRUCache) lookup(offset uint64) (Directory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[offset]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).directory, true
}

func (c *LRUCache) insert(offset uint64, dir Directory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[offset]; ok {
		entry := el.Value.(*lruEntry)
		c.curBytes -= entry.size
		c.order.Remove(el)
		delete(c.index, offset)
	}

	size := len(dir) * 24
	entry := &lruEntry{offset: offset, directory: dir, size: size}
	el := c.order.PushFront(entry)
	c.index[offset] = el
	c.curBytes += size

	for c.curBytes > c.maxBytes && c.order.Len() > 1 {
		back := c.order.Back()
		if back == nil {
			break
		}
		oldest := back.Value.(*lruEntry)
		c.curBytes -= oldest.size
		c.order.Remove(back)
		delete(c.index, oldest.offset)
	}
}

func (c *LRUCache) GetOrInsert(ctx context.Context, offset uint64, tileID uint64, fetch func(context.Context) (Directory, error)) (DirEntry, bool, error) {
	if dir, ok := c.lookup(offset); ok {
		entry, found := dir.FindTileID(tileID)
		return entry, found, nil
	}

	key := uint64Key(offset)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		if dir, ok := c.lookup(offset); ok {
			return dir, nil
		}
		dir, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.insert(offset, dir)
		return dir, nil
	})
	if err != nil {
		return DirEntry{}, false, err
	}

	dir := v.(Directory)
	entry, found := dir.FindTileID(tileID)
	return entry, found, nil
}

func uint64Key(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
