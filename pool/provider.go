package pool

import "github.com/pkg/errors"

// Provider is the underlying OS/device allocator a Pool falls back to on a
// freelist miss. The real device-memory provider lives behind the driver
// shim; DefaultProvider simulates it with plain Go memory so the
// allocator's ownership and ordering contract can be exercised without a
// real accelerator present.
type Provider interface {
	// Alloc returns capacity bytes of zeroed backing memory for class.
	Alloc(class Class, capacity int) ([]byte, error)
}

type defaultProvider struct{}

// DefaultProvider is the in-process Provider used when none is supplied.
var DefaultProvider Provider = defaultProvider{}

func (defaultProvider) Alloc(class Class, capacity int) ([]byte, error) {
	if capacity < 0 {
		return nil, errors.Errorf("pool: negative allocation size %d for class %s", capacity, class)
	}
	return make([]byte, capacity), nil
}
