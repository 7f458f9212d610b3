// Package ir implements the tracing dataflow IR: the Variable Table, its
// two reference counts, the CSE cache, and the pointer-literal interning
// table.
//
// Table itself is not internally synchronized. The engine package serializes
// every table mutation under its single coarse-grained mutex, so duplicating
// a lock here would just be dead weight.
package ir

import (
	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// ID is a dense, monotonically assigned 32-bit variable id. 0 ("NoID") is
// reserved to mean "absent".
type ID uint32

// NoID is the reserved "none" id.
const NoID ID = 0

// MaxOperands is the number of operand slots a Variable carries.
const MaxOperands = 3

// Flags holds a Variable's boolean attributes.
type Flags struct {
	RetainData  bool // don't free data on last drop; data is borrowed from the client.
	Dirty       bool // pending writes not yet visible.
	Placeholder bool // symbolic loop/record input; CSE-ineligible; created without data, BindPlaceholder then lends it the initial state's buffer.
	SideEffect  bool // evaluating this must run even with no external refs.
	Unaligned   bool // data pointer may not satisfy the backend's natural alignment.
	VCallCached bool // this node has a cached vcall dispatch layout (see package vcall).
}

// Variable is one node of the tracing IR.
type Variable struct {
	id   ID
	kind dtype.Kind
	size uint64

	deps   [MaxOperands]ID
	numDep int

	stmt       string
	stmtStatic bool
	unique     bool // stmt is flagged "unique": scatter/gather, loop, calls with external handles.

	data           *pool.Block
	producerStream *stream.Stream // the stream that materialized data, for correctly-ordered frees.

	refInt, refExt uint32

	backendTag stream.BackendTag
	flags      Flags
	label      string
}

// ID returns this variable's id.
func (v *Variable) ID() ID { return v.id }

// Kind returns the element kind.
func (v *Variable) Kind() dtype.Kind { return v.kind }

// Size returns the element count.
func (v *Variable) Size() uint64 { return v.size }

// Deps returns the (up to MaxOperands) non-zero operand ids, in order.
func (v *Variable) Deps() []ID { return append([]ID(nil), v.deps[:v.numDep]...) }

// Stmt returns the backend-agnostic operation template.
func (v *Variable) Stmt() string { return v.stmt }

// StmtStatic reports whether Stmt is a shared string literal (not owned).
func (v *Variable) StmtStatic() bool { return v.stmtStatic }

// Unique reports whether this node's stmt is CSE-ineligible by construction.
func (v *Variable) Unique() bool { return v.unique }

// Data returns the materialized backing block, or nil if unevaluated.
func (v *Variable) Data() *pool.Block { return v.data }

// Materialized reports whether Data() != nil and the node isn't Dirty.
func (v *Variable) Materialized() bool { return v.data != nil && !v.flags.Dirty }

// RefInt returns the internal reference count (held by other IR nodes).
func (v *Variable) RefInt() uint32 { return v.refInt }

// RefExt returns the external reference count (held by client handles).
func (v *Variable) RefExt() uint32 { return v.refExt }

// BackendTag returns which backend owns this node.
func (v *Variable) BackendTag() stream.BackendTag { return v.backendTag }

// Flags returns the variable's boolean attributes.
func (v *Variable) Flags() Flags { return v.flags }

// Label returns the descriptive label assigned via SetLabel, if any.
func (v *Variable) Label() string { return v.label }

// Reachable reports whether the node is still referenced: a node is alive
// iff refInt+refExt > 0.
func (v *Variable) Reachable() bool { return v.refInt+v.refExt > 0 }

// cseEligible reports whether this node may fold against / be folded from an
// equivalent future append. Side-effect nodes, placeholders, unique stmts and
// already-materialized nodes never fold.
func (v *Variable) cseEligible() bool {
	return v.data == nil && !v.flags.SideEffect && !v.flags.Placeholder && !v.unique
}
