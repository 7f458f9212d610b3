package engine

import (
	"context"

	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/internal/exc"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// TraceAppend implements spec §4.2's trace_append, CSE-folding when eligible.
func (e *Engine) TraceAppend(kind dtype.Kind, tag stream.BackendTag, stmt string, stmtStatic, unique, sideEffect bool, deps ...ir.ID) (ir.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.TraceAppend(kind, tag, stmt, stmtStatic, unique, sideEffect, deps...)
}

// RegisterPtr interns a pointer literal (spec's register_ptr).
func (e *Engine) RegisterPtr(ptr uintptr, tag stream.BackendTag) ir.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.RegisterPtr(ptr, tag)
}

// RegisterExternal wraps an already-materialized buffer (spec's
// register_external).
func (e *Engine) RegisterExternal(kind dtype.Kind, data *pool.Block, size uint64, freeOnLastDrop bool, tag stream.BackendTag) ir.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.RegisterExternal(kind, data, size, freeOnLastDrop, tag)
}

// IncRefExt increments id's external refcount.
func (e *Engine) IncRefExt(id ir.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.IncRefExt(id)
}

// DecRefExt decrements id's external refcount, finalizing it if both
// refcounts reach zero (unless it is a still-pending side-effect node).
func (e *Engine) DecRefExt(id ir.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.DecRefExt(id)
}

// SetSize overrides id's element count (spec's set_size).
func (e *Engine) SetSize(id ir.ID, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.SetSize(id, size)
}

// SetLabel assigns id a descriptive label (spec's set_label).
func (e *Engine) SetLabel(id ir.ID, label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.SetLabel(id, label)
}

// MarkSideEffect flags id as a side-effect node, held live independent of
// refcount until its next eval (spec's mark_side_effect).
func (e *Engine) MarkSideEffect(id ir.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.MarkSideEffect(id)
}

// MarkDirty flags id, and every transitive consumer reachable
// through ref_int edges, as pending re-evaluation (spec's mark_dirty).
func (e *Engine) MarkDirty(id ir.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.MarkDirty(id)
}

// Schedule marks id "to evaluate" at the next Eval call (spec's schedule(id)).
func (e *Engine) Schedule(id ir.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.Schedule(id)
}

// BeginLoop captures state variables as fresh placeholders for loop-body
// tracing (Design Notes' recorded loop-tracing idiom).
func (e *Engine) BeginLoop(state []ir.ID, tag stream.BackendTag) ([]ir.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	placeholders, err := e.table.BeginLoop(state, tag)
	if err != nil {
		return nil, err
	}
	for i, ph := range placeholders {
		st, serr := e.streamForLocked(tag)
		if serr != nil {
			return nil, serr
		}
		if err := e.table.BindPlaceholder(ph, state[i], st); err != nil {
			return nil, err
		}
	}
	return placeholders, nil
}

// EndLoop closes a loop begun with BeginLoop, emitting one loop_output node
// per state variable.
func (e *Engine) EndLoop(cond ir.ID, placeholders, bodyOutputs []ir.ID, tag stream.BackendTag) ([]ir.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.EndLoop(cond, placeholders, bodyOutputs, tag)
}

// EvalOne forces id to materialize if it is unevaluated or dirty (spec's
// eval(id)): idempotent on an already-materialized, non-dirty node.
func (e *Engine) EvalOne(ctx context.Context, id ir.ID) error {
	e.mu.Lock()
	v, err := e.table.Get(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if v.Materialized() {
		e.mu.Unlock()
		return nil
	}
	if err := e.table.Schedule(id); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()
	return e.Eval(ctx)
}

// Read implements spec's read(id, offset, out): evaluates id if needed, then
// copies one element's bytes at the given offset into out (which must be at
// least id's element width long).
func (e *Engine) Read(ctx context.Context, id ir.ID, offset uint64, out []byte) error {
	if err := e.EvalOne(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.table.Get(id)
	if err != nil {
		return err
	}
	if v.Data() == nil {
		return exc.Usagef("engine: read: id %d is not materialized", id)
	}
	width := v.Kind().ByteWidth()
	data := v.Data().Data()
	lo := offset * uint64(width)
	hi := lo + uint64(width)
	if hi > uint64(len(data)) {
		return exc.Usagef("engine: read: id %d offset %d out of range (size=%d)", id, offset, v.Size())
	}
	n := copy(out, data[lo:hi])
	if n < width {
		return exc.Usagef("engine: read: out buffer shorter than element width %d", width)
	}
	return nil
}

// Write implements spec's write(id, offset, in): evaluates id if needed,
// copies in's bytes into the element at offset, then marks id dirty so any
// unevaluated consumer is invalidated (spec: "dirty propagates transitively
// through ref_int edges until evaluation clears it").
func (e *Engine) Write(ctx context.Context, id ir.ID, offset uint64, in []byte) error {
	if err := e.EvalOne(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	v, err := e.table.Get(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if v.Data() == nil {
		e.mu.Unlock()
		return exc.Usagef("engine: write: id %d is not materialized", id)
	}
	width := v.Kind().ByteWidth()
	data := v.Data().Data()
	lo := offset * uint64(width)
	hi := lo + uint64(width)
	if hi > uint64(len(data)) || len(in) < width {
		e.mu.Unlock()
		return exc.Usagef("engine: write: id %d offset %d out of range (size=%d)", id, offset, v.Size())
	}
	copy(data[lo:hi], in[:width])
	e.mu.Unlock()
	return e.MarkDirty(id)
}
