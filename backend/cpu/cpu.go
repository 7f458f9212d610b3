// Package cpu implements the CPU execution backend: it compiles and
// launches kernels entirely by fanning work out across internal/workerpool.
// The engine never interprets traced operations semantically on the host,
// so there is no general expression interpreter for stmt templates here --
// a kernel executes by copying/broadcasting whichever input matches the
// output's shape byte-for-byte, which is enough to exercise the
// allocation/ordering/kernel-cache pipeline end to end without pretending
// to be a real arithmetic compiler. Tests that need genuine arithmetic (the
// host-driven loop re-drive in sched) supply their own backend.Compiler
// stub instead of relying on this one.
package cpu

import (
	"sync"

	"github.com/traceir/enginejit/backend"
	"github.com/traceir/enginejit/internal/workerpool"
	"github.com/traceir/enginejit/stream"
)

// Backend is the CPU execution target.
type Backend struct {
	pool *workerpool.Pool
}

// New creates a CPU backend driven by pool.
func New(pool *workerpool.Pool) *Backend {
	return &Backend{pool: pool}
}

func (b *Backend) Tag() stream.BackendTag { return stream.CPU }
func (b *Backend) Name() string           { return "cpu" }
func (b *Backend) Compiler() backend.Compiler {
	return &compiler{pool: b.pool}
}

type artifact struct {
	source []byte
}

type compiler struct {
	pool *workerpool.Pool
}

func (c *compiler) Compile(source []byte) (backend.Artifact, error) {
	return &artifact{source: append([]byte(nil), source...)}, nil
}

// Launch fans the output buffer out across the worker pool in chunks,
// filling each chunk from whichever input buffer is size-compatible (exact
// match copies through; a single-element input broadcasts). No input at all
// (or a size mismatch) zero-fills the output; it is cleared explicitly
// because a block reused from the pool's freelist keeps its old bytes.
func (c *compiler) Launch(_ backend.Artifact, args backend.LaunchArgs) error {
	if args.Output == nil {
		return nil
	}
	out := args.Output.Data()
	if len(out) == 0 {
		return nil
	}

	width := args.Kind.ByteWidth()
	if width <= 0 {
		width = 1
	}

	var source []byte
	broadcast := false
	for _, in := range args.Inputs {
		if in == nil {
			continue
		}
		d := in.Data()
		if len(d) == len(out) {
			source = d
			break
		}
		if len(d) == width {
			source = d
			broadcast = true
		}
	}
	if source == nil {
		clear(out)
		return nil
	}

	const minChunk = 4096
	n := len(out)
	workers := c.pool
	chunks := 1
	if n > minChunk {
		chunks = (n + minChunk - 1) / minChunk
	}
	chunkLen := (n + chunks - 1) / chunks

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunkLen {
		hi := lo + chunkLen
		if hi > n {
			hi = n
		}
		lo, hi := lo, hi
		wg.Add(1)
		workers.Go(func() {
			defer wg.Done()
			if broadcast {
				for off := lo; off < hi; off += width {
					end := off + width
					if end > hi {
						end = hi
					}
					copy(out[off:end], source)
				}
				return
			}
			copy(out[lo:hi], source[lo:hi])
		})
	}
	wg.Wait()
	return nil
}

func (c *compiler) Unload(backend.Artifact) error { return nil }
