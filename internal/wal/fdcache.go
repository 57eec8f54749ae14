package wal

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"

	"github.com/segstore/segstore/internal/obs"
)

// DefaultFDCacheSize bounds the number of simultaneously open read handles,
// mirroring the original's lrucache.LRUCache(capacity=get_segments_fd_cache_size()).
const DefaultFDCacheSize = 90

// FDCache is a bounded LRU of read-only segment file descriptors. Evicted
// handles are advised FADV_DONTNEED before being closed, so the OS page
// cache doesn't hoard pages for segments this process is no longer reading.
type FDCache struct {
	mu     sync.Mutex
	root   string
	perDir uint64
	cache  *lru.Cache[uint64, *os.File]
}

// NewFDCache builds a cache rooted at a repository directory.
func NewFDCache(root string, segmentsPerDir uint64, capacity int) (*FDCache, error) {
	if capacity <= 0 {
		capacity = DefaultFDCacheSize
	}
	fc := &FDCache{root: root, perDir: segmentsPerDir}
	c, err := lru.NewWithEvict[uint64, *os.File](capacity, fc.onEvict)
	if err != nil {
		return nil, err
	}
	fc.cache = c
	return fc, nil
}

func (fc *FDCache) onEvict(segment uint64, f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
	_ = f.Close()
	obs.Logger("wal").Debug().Uint64("segment", segment).Msg("evicted segment fd from cache")
}

// Get returns an open read handle for segment, opening and caching it on a
// miss.
func (fc *FDCache) Get(segment uint64) (*os.File, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if f, ok := fc.cache.Get(segment); ok {
		return f, nil
	}
	f, err := os.Open(segmentPath(fc.root, fc.perDir, segment))
	if err != nil {
		return nil, err
	}
	fc.cache.Add(segment, f)
	return f, nil
}

// Evict drops segment from the cache, e.g. after it has been deleted by
// compaction.
func (fc *FDCache) Evict(segment uint64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.cache.Remove(segment)
}

// Close evicts and closes every cached handle.
func (fc *FDCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.cache.Purge()
}
