// Package registry implements the external collaborator spec.md §6 calls the
// "Registry contract": a mapping from a domain string to opaque callee
// pointers. The engine reads only GetMax from it, to size vcall's bucket
// count; vcall's views carry the bucket key, and nothing in the module calls
// GetPtr to turn that key into an address. The actual registry -- whatever maps
// a domain's ids to function or kernel pointers in a full deployment -- is
// explicitly out of scope (spec §1: "the registry mapping domain strings to
// opaque pointers"). This package only fixes the interface the core depends
// on, plus a map-backed reference implementation for tests and the smoke CLI.
package registry

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry resolves callee ids within a domain to opaque pointers (spec §6:
// "registry_get_max(domain) -> u32", "registry_get_ptr(domain, id) -> ptr").
// Ids in [1, GetMax(domain)] are valid callees; 0 means absent and must
// never be looked up.
type Registry interface {
	GetMax(domain string) uint32
	GetPtr(domain string, id uint32) (uintptr, error)
}

// InMemory is a map-backed reference Registry. Not a spec requirement on its
// own -- it exists so vcall and the engine package have something concrete
// to exercise the contract against without a real domain-specific registry
// present.
type InMemory struct {
	mu      sync.RWMutex
	domains map[string][]uintptr // domains[d][i] is the pointer for callee id i+1.
}

// NewInMemory returns an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{domains: make(map[string][]uintptr)}
}

// Register appends ptr as the next callee id within domain and returns the
// id it was assigned (always >= 1).
func (r *InMemory) Register(domain string, ptr uintptr) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[domain] = append(r.domains[domain], ptr)
	return uint32(len(r.domains[domain]))
}

// GetMax implements Registry.
func (r *InMemory) GetMax(domain string) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint32(len(r.domains[domain]))
}

// GetPtr implements Registry.
func (r *InMemory) GetPtr(domain string, id uint32) (uintptr, error) {
	if id == 0 {
		return 0, errors.Errorf("registry: id 0 is reserved as absent in domain %q", domain)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ptrs := r.domains[domain]
	if int(id) > len(ptrs) {
		return 0, errors.Errorf("registry: invalid callee id %d for domain %q (max %d)", id, domain, len(ptrs))
	}
	return ptrs[id-1], nil
}
