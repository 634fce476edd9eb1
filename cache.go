package bpcpool

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultDirCacheSize is the section 4.6 default capacity for the
// directory-listing cache.
const defaultDirCacheSize = 256

// defaultWindowCacheSize bounds how many decompressed chunks a single
// File Reader handle keeps around for cheap sequential re-reads and
// small random reads (section 4.3 point 4).
const defaultWindowCacheSize = 8

// dirCacheKey is the (host, backup#, canonicalPath) triple section 4.6
// keys the directory-listing cache on.
type dirCacheKey struct {
	host   string
	backup int
	path   string
}

// dirCache wraps a golang-lru Cache the way hashtree.Cache wraps theirs
// in the pachyderm corpus: a thin named type so callers never touch the
// underlying generic cache directly. Entries are immutable once stored
// (section 4.6: "Cache entries are immutable"), and the cache's own
// mutex (built into golang-lru) is the only synchronization the view
// needs for concurrent listers (section 5).
type dirCache struct {
	c *lru.Cache[dirCacheKey, []FileAttr]
}

func newDirCache(size int) (*dirCache, error) {
	if size <= 0 {
		size = defaultDirCacheSize
	}
	c, err := lru.New[dirCacheKey, []FileAttr](size)
	if err != nil {
		return nil, err
	}
	return &dirCache{c: c}, nil
}

func (d *dirCache) get(key dirCacheKey) ([]FileAttr, bool) {
	return d.c.Get(key)
}

func (d *dirCache) put(key dirCacheKey, entries []FileAttr) {
	d.c.Add(key, entries)
}

// windowCache holds the most recently decompressed chunks of one
// logical file, keyed by chunk index. It belongs to a single ReadHandle
// and is never shared across goroutines (section 5: "A single File
// Reader handle is NOT safe for parallel use").
type windowCache struct {
	c *lru.Cache[int, []byte]
}

func newWindowCache(size int) (*windowCache, error) {
	if size <= 0 {
		size = defaultWindowCacheSize
	}
	c, err := lru.New[int, []byte](size)
	if err != nil {
		return nil, err
	}
	return &windowCache{c: c}, nil
}

func (w *windowCache) get(idx int) ([]byte, bool) {
	return w.c.Get(idx)
}

func (w *windowCache) put(idx int, data []byte) {
	w.c.Add(idx, data)
}
