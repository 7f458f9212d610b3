// Package kernel implements the kernel cache: an in-memory map keyed by
// exact backend source bytes, plus an optional disk-backed layer that
// records a hash-named completion marker after each compile (see DiskCache).
package kernel

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/traceir/enginejit/backend"
)

// entry is one cached compiled kernel.
type entry struct {
	source   []byte
	artifact backend.Artifact
	compiler backend.Compiler
	hits     uint64
}

// Cache is the in-memory kernel cache. It never evicts on its own; callers
// that want an eviction policy wrap Cache with their own cap check using
// Len().
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // insertion order of keys; nothing in this package evicts.
	disk    *DiskCache
}

// NewCache creates an empty cache. disk may be nil to disable on-disk
// persistence.
func NewCache(disk *DiskCache) *Cache {
	return &Cache{entries: make(map[string]*entry), disk: disk}
}

// GetOrCompile looks up source in the cache; on a miss it compiles via comp,
// consults the disk layer (if any) purely to record a completion marker for
// future process restarts, and stores the result.
func (c *Cache) GetOrCompile(source []byte, comp backend.Compiler) (backend.Artifact, error) {
	key := string(source)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.hits++
		art := e.artifact
		c.mu.Unlock()
		klog.V(4).Infof("kernel: cache hit (%d bytes, %d hits)", len(source), e.hits)
		return art, nil
	}
	c.mu.Unlock()

	art, err := comp.Compile(source)
	if err != nil {
		return nil, errors.Wrap(err, "kernel: compile")
	}

	if c.disk != nil {
		if _, err := c.disk.MarkCompiled(source); err != nil {
			klog.Warningf("kernel: disk cache marker write failed: %v", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		// Lost a compile race against a concurrent caller; keep the winner,
		// unload ours.
		_ = comp.Unload(art)
		e.hits++
		return e.artifact, nil
	}
	c.entries[key] = &entry{source: source, artifact: art, compiler: comp}
	c.order = append(c.order, key)
	klog.V(4).Infof("kernel: cache miss, compiled %d bytes", len(source))
	return art, nil
}

// Len reports the number of distinct cached kernels.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Teardown unloads every cached artifact through its originating compiler.
// Called once at engine shutdown.
func (c *Cache) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for key, e := range c.entries {
		if err := e.compiler.Unload(e.artifact); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "kernel: unload %x", key)
		}
		delete(c.entries, key)
	}
	c.order = nil
	return firstErr
}
