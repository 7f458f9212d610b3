// Package backend defines the compiler/execution contract the engine
// delegates to: given backend source bytes, produce an opaque compiled
// handle; given that handle and a set of input/output buffers on a stream,
// launch it. Nothing in this package or its implementations (backend/cpu,
// backend/accel) interprets arithmetic on the host -- real PTX/LLVM codegen
// and the device driver are the external piece this contract stands in
// for.
package backend

import (
	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// Artifact is an opaque compiled-kernel handle, owned entirely by the
// Compiler that produced it.
type Artifact = any

// LaunchArgs carries everything a Compiler needs to run a compiled kernel for
// one scheduler-emitted node.
type LaunchArgs struct {
	Stream  *stream.Stream
	Inputs  []*pool.Block
	Output  *pool.Block
	Size    uint64
	Kind    dtype.Kind
}

// Compiler is the per-backend-tag compile/launch/unload contract.
type Compiler interface {
	Compile(source []byte) (Artifact, error)
	Launch(artifact Artifact, args LaunchArgs) error
	Unload(artifact Artifact) error
}

// Backend names one concrete execution target: a tag, a human name, and
// its Compiler.
type Backend interface {
	Tag() stream.BackendTag
	Name() string
	Compiler() Compiler
}
