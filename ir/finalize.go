package ir

import (
	"github.com/pkg/errors"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

func errInvariant(id ID, refInt, want uint32) error {
	return errors.Errorf("ir: ref_int invariant violated for id %d: ref_int=%d, expected=%d", id, refInt, want)
}

// finalize destroys id once both refcounts have reached zero: it removes
// the CSE entry (if any), decrements each operand's ref_int (recursively
// finalizing as they drop), frees owned data via the allocator (unless
// RetainData), and erases the id. Cycles are impossible by construction
// (every dep names a strictly smaller id), so an explicit worklist is enough
// -- no cycle detection is needed.
func (t *Table) finalize(id ID) {
	work := []ID{id}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		idx := int(cur) - 1
		if idx < 0 || idx >= len(t.vars) || t.vars[idx] == nil {
			continue
		}
		v := t.vars[idx]
		if v.Reachable() {
			continue
		}

		t.cseRemove(v)
		delete(t.sideEffects, cur)
		delete(t.consumers, cur)

		for i := 0; i < v.numDep; i++ {
			d := v.deps[i]
			if d == NoID {
				continue
			}
			dv := t.vars[d-1]
			if dv == nil {
				continue
			}
			dv.refInt--
			// Drop the reverse edge.
			cs := t.consumers[d]
			for j, c := range cs {
				if c == cur {
					t.consumers[d] = append(cs[:j], cs[j+1:]...)
					break
				}
			}
			if t.shouldFinalize(dv) {
				work = append(work, d)
			}
		}

		if v.data != nil && !v.flags.RetainData {
			t.pool.Free(v.data, v.producerStream)
		}
		for ptr, pid := range t.ptrIntern {
			if pid == cur {
				delete(t.ptrIntern, ptr)
			}
		}
		t.vars[idx] = nil
	}
}

// Materialize records id's evaluation result: sets data, drops the operand
// edges the (now-obsolete) stmt held, removes the CSE entry, and clears
// Dirty. Called by sched.Evaluator's kernel-launch epilogue.
func (t *Table) Materialize(id ID, data *pool.Block, producer *stream.Stream) error {
	v, err := t.Get(id)
	if err != nil {
		return err
	}
	t.cseRemove(v)
	for i := 0; i < v.numDep; i++ {
		d := v.deps[i]
		v.deps[i] = NoID
		if d == NoID {
			continue
		}
		cs := t.consumers[d]
		for j, c := range cs {
			if c == id {
				t.consumers[d] = append(cs[:j], cs[j+1:]...)
				break
			}
		}
		_ = t.DecRefInt(d)
	}
	v.numDep = 0
	v.stmt = ""
	v.stmtStatic = true
	v.data = data
	v.producerStream = producer
	v.flags.Dirty = false
	return nil
}

// ForceFinalizeAll destroys every remaining variable regardless of its
// refcounts. Called once by the engine's shutdown path after it has logged
// the leak report: a non-zero external ref at shutdown is a reported
// condition, not a reason to refuse teardown, and shutdown must leave the
// table, CSE cache and pointer-intern table all empty.
// Ids are processed high-to-low so a node is always
// zeroed before any lower-numbered operand it names -- safe because every
// dep id is strictly less than its referrer's id by construction.
func (t *Table) ForceFinalizeAll() {
	for id := ID(len(t.vars)); id >= 1; id-- {
		idx := int(id) - 1
		v := t.vars[idx]
		if v == nil {
			continue
		}
		v.refInt = 0
		v.refExt = 0
		delete(t.sideEffects, id)
		t.finalize(id)
	}
}

// CheckRefInvariant verifies that for every live id i, refInt(i) equals the
// number of live nodes naming i as an operand.
func (t *Table) CheckRefInvariant() error {
	counts := make(map[ID]uint32)
	for _, v := range t.vars {
		if v == nil {
			continue
		}
		for i := 0; i < v.numDep; i++ {
			if v.deps[i] != NoID {
				counts[v.deps[i]]++
			}
		}
	}
	for _, v := range t.vars {
		if v == nil {
			continue
		}
		if v.refInt != counts[v.id] {
			return errInvariant(v.id, v.refInt, counts[v.id])
		}
	}
	return nil
}
