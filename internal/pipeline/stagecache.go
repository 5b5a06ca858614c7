package pipeline

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TileState is the cache membership of a tile.
type TileState int

const (
	TileAbsent TileState = iota
	TilePending
	TileReady
	TileMissing
)

func (s TileState) String() string {
	switch s {
	case TilePending:
		return "pending"
	case TileReady:
		return "ready"
	case TileMissing:
		return "missing"
	default:
		return "absent"
	}
}

// StageCache maps tile index to one stage's output at a single parameter version.
// Moving to a newer version drops every entry; reads and writes carrying an
// older version are ignored.
type StageCache[T any] struct {
	mu      sync.Mutex
	version uint64
	entries *lru.Cache[int, T]
}

// NewStageCache creates a cache bounded to size tiles.
func NewStageCache[T any](size int) *StageCache[T] {
	if size <= 0 {
		size = 1
	}
	entries, _ := lru.New[int, T](size)
	return &StageCache[T]{entries: entries}
}

// sync adopts version when it is newer. Callers hold c.mu.
func (c *StageCache[T]) sync(version uint64) bool {
	if version > c.version {
		c.entries.Purge()
		c.version = version
	}
	return version == c.version
}

// Invalidate moves the cache to version, dropping all entries if it is newer.
func (c *StageCache[T]) Invalidate(version uint64) {
	c.mu.Lock()
	c.sync(version)
	c.mu.Unlock()
}

// Get returns the entry for index if it was stored at version.
func (c *StageCache[T]) Get(version uint64, index int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if !c.sync(version) {
		return zero, false
	}
	return c.entries.Get(index)
}

// Put stores v for index and reports whether the write was accepted.
func (c *StageCache[T]) Put(version uint64, index int, v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sync(version) {
		return false
	}
	c.entries.Add(index, v)
	return true
}

// Len counts the entries held for version.
func (c *StageCache[T]) Len(version uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.version {
		return 0
	}
	return c.entries.Len()
}
