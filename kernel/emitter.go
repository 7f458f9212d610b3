package kernel

import "github.com/traceir/enginejit/ir"

// SourceEmitter turns a post-order slice of IR nodes destined for one kernel
// into backend source bytes. Real code generation belongs to the external
// backend collaborator, so this is deliberately an interface sched depends
// on rather than a concrete codegen implementation -- the engine gives each
// backend tag a TextEmitter (this package), differing only in its dialect
// Tag, producing a readable, stable-under-equality text used only as the
// kernel-cache key and for debugging.
type SourceEmitter interface {
	Emit(nodes []*ir.Variable, outputs []ir.ID) ([]byte, error)
}
