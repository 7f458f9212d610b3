// Package pool implements a typed memory pool over five allocation classes,
// with a size-bucketed freelist and deferred free via per-stream release
// chains.
package pool

import "fmt"

// Class is an allocation class.
type Class int8

const (
	Device Class = iota
	Host
	HostPinned
	HostAsync
	Managed
)

func (c Class) String() string {
	switch c {
	case Device:
		return "device"
	case Host:
		return "host"
	case HostPinned:
		return "host-pinned"
	case HostAsync:
		return "host-async"
	case Managed:
		return "managed"
	default:
		return fmt.Sprintf("class(%d)", c)
	}
}

// synchronous reports whether frees of this class must be visible
// immediately (Host), as opposed to needing to wait on a stream (everything
// else, which may still be in flight on a device or async copy engine).
func (c Class) synchronous() bool {
	return c == Host
}
