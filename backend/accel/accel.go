// Package accel implements the accelerator execution backend: a simulated
// device standing in for the real driver shim (PTX/LLVM codegen and a
// GPU/accelerator driver are an external collaborator this contract only
// describes the shape of). It still exercises the genuine
// block/thread launch-configuration math of stream.Device.LaunchConfig and
// runs each block on its own goroutine, rather than delegating to
// internal/workerpool the way backend/cpu does -- a device's grid of blocks
// is a different execution shape than a CPU task-parallel pool, and keeping
// them distinct is what makes the stream ordering contract worth exercising
// on both backends.
package accel

import (
	"sync"

	"github.com/traceir/enginejit/backend"
	"github.com/traceir/enginejit/stream"
)

// Backend is the simulated accelerator execution target.
type Backend struct {
	device *stream.Device
}

// New creates an accelerator backend bound to device.
func New(device *stream.Device) *Backend {
	return &Backend{device: device}
}

func (b *Backend) Tag() stream.BackendTag { return stream.Accel }
func (b *Backend) Name() string           { return "accel" }
func (b *Backend) Compiler() backend.Compiler {
	return &compiler{device: b.device}
}

type artifact struct {
	source []byte
}

type compiler struct {
	device *stream.Device
}

func (c *compiler) Compile(source []byte) (backend.Artifact, error) {
	return &artifact{source: append([]byte(nil), source...)}, nil
}

// Launch partitions the output buffer into LaunchConfig-sized blocks and
// runs each block on its own goroutine -- a grid-of-blocks execution shape,
// as opposed to backend/cpu's pool-bounded chunking. The per-thread body
// does not interpret the kernel's traced semantics: it broadcasts/copies
// whichever input buffer matches the output's shape, same as backend/cpu,
// just with device-shaped partitioning.
func (c *compiler) Launch(_ backend.Artifact, args backend.LaunchArgs) error {
	out := args.Output
	if out == nil {
		return nil
	}
	data := out.Data()
	if len(data) == 0 {
		return nil
	}

	width := args.Kind.ByteWidth()
	if width <= 0 {
		width = 1
	}
	elems := len(data) / width
	if elems == 0 {
		elems = 1
	}
	blocks, threads := c.device.LaunchConfig(elems, 0, 0)
	elemsPerBlock := threads
	if elemsPerBlock <= 0 {
		elemsPerBlock = 1
	}

	var source []byte
	broadcast := false
	for _, in := range args.Inputs {
		if in == nil {
			continue
		}
		d := in.Data()
		if len(d) == len(data) {
			source = d
			break
		}
		if len(d) == width {
			source = d
			broadcast = true
		}
	}
	if source == nil {
		return nil
	}

	var wg sync.WaitGroup
	for block := 0; block < blocks; block++ {
		loElem := block * elemsPerBlock
		if loElem >= elems {
			break
		}
		hiElem := loElem + elemsPerBlock
		if hiElem > elems {
			hiElem = elems
		}
		lo, hi := loElem*width, hiElem*width
		if hi > len(data) {
			hi = len(data)
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			if broadcast {
				for off := lo; off < hi; off += width {
					end := off + width
					if end > hi {
						end = hi
					}
					copy(data[off:end], source)
				}
				return
			}
			copy(data[lo:hi], source[lo:hi])
		}(lo, hi)
	}
	wg.Wait()
	return nil
}

func (c *compiler) Unload(backend.Artifact) error { return nil }
