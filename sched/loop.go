package sched

import (
	"context"

	"github.com/pkg/errors"

	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// evalLoopOutput re-drives a traced loop body host-side until its condition
// reads false, then materializes the loop_output node with the last
// iteration's buffer.
//
// cond/body's internal nodes are deliberately evaluated into a per-call
// scratch map rather than through the normal Table.Materialize path: the same
// traced cond/body recipe must run again next iteration, and Materialize
// permanently erases a node's stmt/deps once it records a result. Only once
// the loop exits does this function touch Table bookkeeping, via a single
// Materialize(outID, ...) call on the loop_output node itself -- which
// correctly cascades DecRefInt across placeholder/cond/bodyOutput and (by
// construction, since nothing outside the loop references them) their entire
// internal subgraph, exactly as if they had been evaluated once rather than
// replayed. The intermediate buffers this function computes along the way
// are scratch-owned and freed directly here as they're superseded.
func (e *Evaluator) evalLoopOutput(ctx context.Context, outID ir.ID) error {
	ph, cond, body, ok := e.Table.LoopOutputOperands(outID)
	if !ok {
		return errors.Errorf("sched: id %d is not a loop_output node", outID)
	}
	phv, err := e.Table.Get(ph)
	if err != nil {
		return err
	}
	if phv.Data() == nil {
		return errors.Errorf("sched: loop placeholder %d was never bound (missing BindPlaceholder)", ph)
	}
	tag := phv.BackendTag()
	st, err := e.streamFor(tag)
	if err != nil {
		return err
	}

	// phOwned tracks whether phBuf is a scratch allocation this function is
	// responsible for: the initial binding is borrowed from the state
	// variable, and a body that reduces to the placeholder or to a
	// table-materialized leaf hands back a borrowed buffer too.
	phBuf := phv.Data()
	phOwned := false
	for {
		scratch := make(map[ir.ID]*pool.Block)
		condBuf, err := e.scratchEval(cond, ph, phBuf, scratch, st)
		if err != nil {
			return err
		}
		if !readBool(condBuf) {
			e.freeScratch(scratch, st, phBuf, nil)
			break
		}

		next, err := e.scratchEval(body, ph, phBuf, scratch, st)
		if err != nil {
			return err
		}
		nextOwned := scratch[body] == next
		e.freeScratch(scratch, st, phBuf, next)
		if next != phBuf {
			if phOwned {
				e.Pool.Free(phBuf, st)
			}
			phBuf, phOwned = next, nextOwned
		}
	}

	if !phOwned {
		// The final state still lives in a borrowed buffer; the loop_output
		// node must own its data, so copy it out.
		class, ok := e.Classes[tag]
		if !ok {
			return errors.Errorf("sched: no allocation class for backend tag %s", tag)
		}
		out, err := e.Pool.Alloc(class, len(phBuf.Data()))
		if err != nil {
			return errors.Wrap(err, "sched: loop output allocation")
		}
		copy(out.Data(), phBuf.Data())
		phBuf = out
	}
	return e.Table.Materialize(outID, phBuf, st)
}

// scratchEval evaluates target's subgraph, treating ph as a bound leaf with
// buffer phBuf, memoizing every computed intermediate into scratch. Nodes
// already materialized in the Table (genuine external leaves registered
// before the loop) are read directly, never copied into scratch.
func (e *Evaluator) scratchEval(target, ph ir.ID, phBuf *pool.Block, scratch map[ir.ID]*pool.Block, st *stream.Stream) (*pool.Block, error) {
	if target == ph {
		return phBuf, nil
	}
	if buf, ok := scratch[target]; ok {
		return buf, nil
	}
	v, err := e.Table.Get(target)
	if err != nil {
		return nil, err
	}
	if v.Materialized() {
		return v.Data(), nil
	}
	deps := v.Deps()
	inputs := make([]*pool.Block, len(deps))
	for i, d := range deps {
		b, err := e.scratchEval(d, ph, phBuf, scratch, st)
		if err != nil {
			return nil, err
		}
		inputs[i] = b
	}
	out, err := e.launchOne(v, inputs, st)
	if err != nil {
		return nil, err
	}
	scratch[target] = out
	return out, nil
}

// freeScratch recycles every scratch buffer not equal to keep1/keep2 (the
// placeholder's current buffer and the freshly computed next-iteration
// buffer, neither of which scratchEval itself should free).
func (e *Evaluator) freeScratch(scratch map[ir.ID]*pool.Block, st *stream.Stream, keep1, keep2 *pool.Block) {
	for _, buf := range scratch {
		if buf == keep1 || buf == keep2 {
			continue
		}
		e.Pool.Free(buf, st)
	}
}

// readBool interprets a materialized condition buffer's first byte as a
// boolean, the one bit of host-side interpretation the loop re-drive model
// cannot avoid: deciding whether to continue is orchestration, not
// arithmetic semantics.
func readBool(buf *pool.Block) bool {
	d := buf.Data()
	if len(d) == 0 {
		return false
	}
	return d[0] != 0
}
