package ir

import (
	"github.com/pkg/errors"
	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// Table is the Variable Table: the exclusive owner of every Variable record,
// the CSE cache, the pointer-literal interning table, and the engine-wide
// scheduled-side-effects list.
type Table struct {
	pool *pool.Pool

	nextID ID
	vars   []*Variable // vars[id-1] is the record for id; nil once finalized.

	cse       map[cseBucket][]*Variable
	ptrIntern map[uintptr]ID

	// consumers[d] is every live id that names d as an operand -- the
	// reverse edges used to propagate Dirty transitively.
	consumers map[ID][]ID

	// sideEffects is the engine-wide list of side-effect nodes kept alive
	// independent of refcount, so a client may drop its handle yet the
	// write still runs at the next eval.
	sideEffects map[ID]bool

	// scheduled is the set of ids marked via Schedule, consumed by sched.Evaluator.
	scheduled map[ID]bool
}

// New creates an empty Table backed by p for freeing materialized data.
func New(p *pool.Pool) *Table {
	return &Table{
		pool:        p,
		cse:         make(map[cseBucket][]*Variable),
		ptrIntern:   make(map[uintptr]ID),
		consumers:   make(map[ID][]ID),
		sideEffects: make(map[ID]bool),
		scheduled:   make(map[ID]bool),
	}
}

// Len returns the number of ids ever assigned (finalized ones included).
func (t *Table) Len() int { return len(t.vars) }

// Get looks up a live variable by id.
func (t *Table) Get(id ID) (*Variable, error) {
	if id == NoID || int(id) > len(t.vars) {
		return nil, errors.Errorf("ir: invalid variable id %d", id)
	}
	v := t.vars[id-1]
	if v == nil {
		return nil, errors.Errorf("ir: operation on destroyed id %d", id)
	}
	return v, nil
}

func (t *Table) mustGet(id ID) *Variable {
	v, err := t.Get(id)
	if err != nil {
		panic(err)
	}
	return v
}

// allocID assigns and records a brand-new Variable.
func (t *Table) allocID(v *Variable) ID {
	t.nextID++
	v.id = t.nextID
	t.vars = append(t.vars, v)
	return v.id
}

// TraceAppend records a pending operation: it CSE-folds when the resulting
// node would be eligible and an equal node already exists; otherwise it
// allocates a fresh id, wires refInt on each non-zero operand, and records
// the node. Size is the max of non-1-sized operands; mismatched non-1 sizes
// are rejected before any mutation.
func (t *Table) TraceAppend(kind dtype.Kind, tag stream.BackendTag, stmt string, stmtStatic, unique, sideEffect bool, deps ...ID) (ID, error) {
	if len(deps) > MaxOperands {
		return NoID, errors.Errorf("ir: trace_append: %d operands exceeds MaxOperands=%d", len(deps), MaxOperands)
	}
	for _, d := range deps {
		if d != NoID {
			if _, err := t.Get(d); err != nil {
				return NoID, errors.Wrap(err, "ir: trace_append")
			}
		}
	}
	size, err := t.combinedSize(deps)
	if err != nil {
		return NoID, err
	}

	eligible := !sideEffect && !unique
	if eligible {
		if found := t.cseLookup(stmt, deps, kind); found != nil {
			return found.id, nil
		}
	}

	v := &Variable{
		kind:       kind,
		size:       size,
		stmt:       stmt,
		stmtStatic: stmtStatic,
		unique:     unique,
		backendTag: tag,
		flags:      Flags{SideEffect: sideEffect},
	}
	copy(v.deps[:], deps)
	v.numDep = len(deps)

	id := t.allocID(v)
	for _, d := range deps {
		if d == NoID {
			continue
		}
		dep := t.mustGet(d)
		dep.refInt++
		t.consumers[d] = append(t.consumers[d], id)
	}
	if eligible {
		t.cseInsert(v)
	}
	if sideEffect {
		t.sideEffects[id] = true
	}
	return id, nil
}

// combinedSize implements the size-propagation rule: the max of all
// non-1-sized operands, rejecting mismatched non-1 sizes.
func (t *Table) combinedSize(deps []ID) (uint64, error) {
	var size uint64 = 1
	set := false
	for _, d := range deps {
		if d == NoID {
			continue
		}
		dv := t.mustGet(d)
		if dv.size == 1 {
			continue
		}
		if !set {
			size = dv.size
			set = true
			continue
		}
		if dv.size != size {
			return 0, errors.Errorf("ir: shape mismatch: operand sizes %d and %d are incompatible", size, dv.size)
		}
	}
	return size, nil
}

// RegisterPtr interns a pointer literal: it returns an existing id if ptr
// was already interned, otherwise creates a new size-1, Ptr-typed,
// RetainData node. The node has no data buffer (the pointer value is kept
// only as its intern key), so Materialized reports false for it.
func (t *Table) RegisterPtr(ptr uintptr, tag stream.BackendTag) ID {
	if id, ok := t.ptrIntern[ptr]; ok {
		if _, err := t.Get(id); err == nil {
			return id
		}
	}
	v := &Variable{
		kind:       dtype.Ptr,
		size:       1,
		stmtStatic: true,
		backendTag: tag,
		flags:      Flags{RetainData: true},
	}
	id := t.allocID(v)
	t.ptrIntern[ptr] = id
	return id
}

// RegisterExternal wraps an already-materialized buffer in a new node.
// When freeOnLastDrop is set the table owns the block and releases it at
// finalization; otherwise the bytes stay borrowed from the caller.
func (t *Table) RegisterExternal(kind dtype.Kind, data *pool.Block, size uint64, freeOnLastDrop bool, tag stream.BackendTag) ID {
	v := &Variable{
		kind:       kind,
		size:       size,
		stmtStatic: true,
		data:       data,
		backendTag: tag,
		flags:      Flags{RetainData: !freeOnLastDrop},
	}
	return t.allocID(v)
}

// RegisterDerivedView creates an already-materialized node that borrows its
// data from another live node, recording a normal internal-reference edge to
// it. RetainData is always set because the bytes are owned by dep's
// allocation, never this node's.
func (t *Table) RegisterDerivedView(kind dtype.Kind, data *pool.Block, size uint64, dep ID, unaligned bool, tag stream.BackendTag) (ID, error) {
	if _, err := t.Get(dep); err != nil {
		return NoID, errors.Wrap(err, "ir: register_derived_view")
	}
	v := &Variable{
		kind:       kind,
		size:       size,
		stmtStatic: true,
		data:       data,
		backendTag: tag,
		flags:      Flags{RetainData: true, Unaligned: unaligned},
	}
	v.deps[0] = dep
	v.numDep = 1
	id := t.allocID(v)
	t.mustGet(dep).refInt++
	t.consumers[dep] = append(t.consumers[dep], id)
	return id, nil
}

// IncRefExt increments the external reference count held by a client handle.
func (t *Table) IncRefExt(id ID) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	v.refExt++
	return nil
}

// DecRefExt decrements the external reference count, finalizing the node if
// both counts reach zero.
func (t *Table) DecRefExt(id ID) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	if v.refExt == 0 {
		return errors.Errorf("ir: dec_ref_ext underflow on id %d", id)
	}
	v.refExt--
	if t.shouldFinalize(v) {
		t.finalize(id)
	}
	return nil
}

// shouldFinalize reports whether id has become unreachable AND isn't a
// side-effect node still awaiting its next eval. A pending side-effect node
// survives hitting refInt==refExt==0 so a client may drop its handle yet
// still have the write executed.
func (t *Table) shouldFinalize(v *Variable) bool {
	return !v.Reachable() && !(v.flags.SideEffect && t.sideEffects[v.id])
}

// ConsumeSideEffect marks id as evaluated: it stops holding the node alive
// independent of refcount, finalizing it immediately if it has since become
// unreachable. Called by sched once a side-effect node's kernel has launched.
func (t *Table) ConsumeSideEffect(id ID) {
	delete(t.sideEffects, id)
	if v, err := t.Get(id); err == nil && !v.Reachable() {
		t.finalize(id)
	}
}

// incRefInt increments the internal reference count (an IR node pointing at id).
func (t *Table) incRefInt(id ID) {
	t.mustGet(id).refInt++
}

// decRefInt decrements the internal reference count, finalizing id if both
// counts reach zero. Exported as DecRefInt for callers (e.g. the scheduler
// dropping a materialized node's operand edges) that must manage refcounts
// directly rather than through TraceAppend/DecRefExt.
func (t *Table) DecRefInt(id ID) error {
	if id == NoID {
		return nil
	}
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	if v.refInt == 0 {
		return errors.Errorf("ir: dec_ref_int underflow on id %d", id)
	}
	v.refInt--
	if t.shouldFinalize(v) {
		t.finalize(id)
	}
	return nil
}

// SetSize overrides a variable's element count directly.
func (t *Table) SetSize(id ID, size uint64) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	v.size = size
	return nil
}

// SetLabel assigns a descriptive label.
func (t *Table) SetLabel(id ID, label string) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	v.label = label
	return nil
}

// MarkSideEffect flags id as a side-effect node held live independent of
// refcount until the next eval.
func (t *Table) MarkSideEffect(id ID) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	if !v.flags.SideEffect {
		v.flags.SideEffect = true
		t.cseRemove(v)
	}
	t.sideEffects[id] = true
	return nil
}

// MarkVCallCached flags id as carrying a cached vcall dispatch layout, so
// repeated indirect calls on the same index array skip the bucketization.
func (t *Table) MarkVCallCached(id ID) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	v.flags.VCallCached = true
	return nil
}

// MarkDirty flags id, and every transitive consumer reachable through the
// reverse operand edges, as Dirty.
func (t *Table) MarkDirty(id ID) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	if v.flags.Dirty {
		return nil
	}
	queue := []ID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cv := t.mustGet(cur)
		if cv.flags.Dirty {
			continue
		}
		cv.flags.Dirty = true
		queue = append(queue, t.consumers[cur]...)
	}
	return nil
}

// ClearDirty clears id's Dirty flag without touching its data. Called by the
// evaluator for a node whose data is already present and whose pending write
// is already visible, so "evaluation" amounts to acknowledging the write.
func (t *Table) ClearDirty(id ID) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	v.flags.Dirty = false
	return nil
}

// ScheduledSideEffects returns the ids of every currently live side-effect node.
func (t *Table) ScheduledSideEffects() []ID {
	out := make([]ID, 0, len(t.sideEffects))
	for id := range t.sideEffects {
		out = append(out, id)
	}
	return out
}

// Schedule marks id as "to evaluate" at the next Eval pass.
func (t *Table) Schedule(id ID) error {
	if _, err := t.Get(id); err != nil {
		return err
	}
	t.scheduled[id] = true
	return nil
}

// ScheduledRoots returns every id marked via Schedule and clears the set --
// sched.Evaluator calls this once per eval() pass to collect its roots.
func (t *Table) ScheduledRoots() []ID {
	out := make([]ID, 0, len(t.scheduled))
	for id := range t.scheduled {
		out = append(out, id)
	}
	t.scheduled = make(map[ID]bool)
	return out
}

// LiveVariables returns every variable still present in the table, in id
// order. Used by the engine's shutdown leak report.
func (t *Table) LiveVariables() []*Variable {
	out := make([]*Variable, 0, len(t.vars))
	for _, v := range t.vars {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Empty reports whether the table, the CSE cache and the pointer-intern
// table are all empty, as they must be after shutdown.
func (t *Table) Empty() bool {
	return len(t.LiveVariables()) == 0 && t.CSESize() == 0 && t.PtrInternSize() == 0
}
