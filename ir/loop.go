package ir

import (
	"github.com/pkg/errors"
	"github.com/traceir/enginejit/stream"
)

// BeginLoop starts recording a traced loop: it captures the given state
// variables and returns a fresh placeholder id per state variable --
// symbolic, CSE-ineligible, carrying no data -- for the caller to trace the
// loop body and condition against.
func (t *Table) BeginLoop(state []ID, tag stream.BackendTag) ([]ID, error) {
	placeholders := make([]ID, len(state))
	for i, s := range state {
		sv, err := t.Get(s)
		if err != nil {
			return nil, errors.Wrapf(err, "ir: begin_loop: state #%d", i)
		}
		v := &Variable{
			kind:       sv.kind,
			size:       sv.size,
			stmtStatic: true,
			backendTag: tag,
			flags:      Flags{Placeholder: true},
		}
		placeholders[i] = t.allocID(v)
	}
	return placeholders, nil
}

// EndLoop closes the loop: for each state variable it emits a single
// loop-kernel node (stmt "loop_output", CSE-ineligible like all loop
// primitives) whose operands are (placeholder, cond, bodyOutput) -- the
// triple the evaluator needs to re-drive the loop at eval time. The
// returned ids replace the caller's previous state handles.
func (t *Table) EndLoop(cond ID, placeholders, bodyOutputs []ID, tag stream.BackendTag) ([]ID, error) {
	if len(placeholders) != len(bodyOutputs) {
		return nil, errors.Errorf("ir: end_loop: %d placeholders vs %d body outputs", len(placeholders), len(bodyOutputs))
	}
	outputs := make([]ID, len(placeholders))
	for i, ph := range placeholders {
		phv, err := t.Get(ph)
		if err != nil {
			return nil, errors.Wrapf(err, "ir: end_loop: placeholder #%d", i)
		}
		id, err := t.TraceAppend(phv.kind, tag, "loop_output", true, true, false, ph, cond, bodyOutputs[i])
		if err != nil {
			return nil, err
		}
		outputs[i] = id
	}
	return outputs, nil
}

// LoopOutputOperands returns (placeholder, cond, bodyOutput) for a node
// created by EndLoop, for the evaluator to re-drive the loop.
func (t *Table) LoopOutputOperands(id ID) (placeholder, cond, bodyOutput ID, ok bool) {
	v, err := t.Get(id)
	if err != nil || v.stmt != "loop_output" {
		return 0, 0, 0, false
	}
	return v.deps[0], v.deps[1], v.deps[2], true
}

// BindPlaceholder seeds a placeholder with the current materialized data of
// its initial state variable, so the evaluator can re-drive the loop body in
// place. Used once, right after BeginLoop.
func (t *Table) BindPlaceholder(placeholder, initial ID, producer *stream.Stream) error {
	ph, err := t.Get(placeholder)
	if err != nil {
		return err
	}
	iv, err := t.Get(initial)
	if err != nil {
		return err
	}
	if iv.data == nil {
		return errors.Errorf("ir: bind_placeholder: initial state id %d is not materialized", initial)
	}
	ph.data = iv.data
	ph.producerStream = producer
	// The buffer stays owned by the initial state variable; the placeholder
	// only borrows it, so finalizing the placeholder must not free it.
	ph.flags.RetainData = true
	return nil
}
