package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// CacheMap is a multimap: {insert, append, get_clone, remove, contains_key}.
// The in-memory variant backs "InMemory" CacheType. The on-disk variant
// creates a unique map_<UUID> subdirectory and removes it on CleanUp; its
// values are held in memory as well, and nothing is written into that
// subdirectory.
type CacheMap[K comparable, V any] struct {
	mu       sync.RWMutex
	values   map[K][]V
	diskRoot string
}

// NewInMemoryCacheMap returns a CacheMap backed purely by memory.
func NewInMemoryCacheMap[K comparable, V any]() *CacheMap[K, V] {
	return &CacheMap[K, V]{values: make(map[K][]V)}
}

// NewDiskCacheMap returns a CacheMap that also persists a marker directory
// on disk at baseDir/map_<uuid>; values themselves still live in memory in
// this implementation (persisting arbitrary V to disk is the concern of the
// specific writer using the map), matching the teacher's pattern of
// scoping on-disk cache lifetime to a directory rather than a serialization
// format.
func NewDiskCacheMap[K comparable, V any](baseDir string) (*CacheMap[K, V], error) {
	dir := filepath.Join(baseDir, "map_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachemap: create %s: %w", dir, err)
	}
	return &CacheMap[K, V]{values: make(map[K][]V), diskRoot: dir}, nil
}

// Insert replaces key's value list with a single value.
func (c *CacheMap[K, V]) Insert(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = []V{value}
}

// Append adds value to key's value list without displacing existing values.
func (c *CacheMap[K, V]) Append(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = append(c.values[key], value)
}

// GetClone returns a copy of key's value list.
func (c *CacheMap[K, V]) GetClone(key K) ([]V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok {
		return nil, false
	}
	out := make([]V, len(v))
	copy(out, v)
	return out, true
}

// Remove deletes key's entry entirely.
func (c *CacheMap[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// ContainsKey reports whether key has any values.
func (c *CacheMap[K, V]) ContainsKey(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// CleanUp removes the on-disk subdirectory, if any. Safe to call on a
// purely in-memory CacheMap (a no-op).
func (c *CacheMap[K, V]) CleanUp() error {
	if c.diskRoot == "" {
		return nil
	}
	return os.RemoveAll(c.diskRoot)
}
