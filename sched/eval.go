// Package sched implements the evaluator: the post-order topological walk
// over scheduled roots, kernel partitioning, backend source emission
// (delegated to kernel.SourceEmitter), kernel-cache lookup/launch, and the
// post-launch node mutation that drops a materialized node's operand edges.
//
// Kernel partitioning here is deliberately granular: one compiled kernel per
// traced node rather than fusing a maximal run of same-backend-tag nodes
// into a single emitted source blob. kernel.SourceEmitter.Emit already
// accepts an arbitrary node slice so a real fusing backend could batch them;
// this evaluator keeps the 1:1 shape because multi-output kernel source
// emission belongs to the external codegen collaborator, and fusing brings
// no benefit when execution itself never interprets the fused program's
// semantics either.
package sched

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/traceir/enginejit/backend"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/kernel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// Evaluator wires the Variable Table to the backends, kernel caches, and
// source emitters needed to drive Eval.
type Evaluator struct {
	Table    *ir.Table
	Pool     *pool.Pool
	Registry *stream.Registry

	Backends map[stream.BackendTag]backend.Backend
	Emitters map[stream.BackendTag]kernel.SourceEmitter
	Caches   map[stream.BackendTag]*kernel.Cache
	Classes  map[stream.BackendTag]pool.Class
	Devices  map[stream.BackendTag]int
}

// New builds an Evaluator. backends/emitters/caches/classes/devices must all
// carry an entry for every backend tag the traced program uses.
func New(table *ir.Table, p *pool.Pool, reg *stream.Registry,
	backends map[stream.BackendTag]backend.Backend,
	emitters map[stream.BackendTag]kernel.SourceEmitter,
	caches map[stream.BackendTag]*kernel.Cache,
	classes map[stream.BackendTag]pool.Class,
	devices map[stream.BackendTag]int) *Evaluator {
	return &Evaluator{
		Table: table, Pool: p, Registry: reg,
		Backends: backends, Emitters: emitters, Caches: caches, Classes: classes, Devices: devices,
	}
}

// streamFor returns the (single, index-0) stream this evaluator drives work
// for tag on.
func (e *Evaluator) streamFor(tag stream.BackendTag) (*stream.Stream, error) {
	device, ok := e.Devices[tag]
	if !ok {
		return nil, errors.Errorf("sched: no device registered for backend tag %s", tag)
	}
	return e.Registry.Stream(device, 0, tag)
}

// Eval materializes the transitive closure of every node marked via
// Table.Schedule plus every pending side-effect node.
func (e *Evaluator) Eval(ctx context.Context) error {
	roots := append(e.Table.ScheduledRoots(), e.Table.ScheduledSideEffects()...)
	if len(roots) == 0 {
		return nil
	}
	pending, err := e.collect(roots)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	return e.run(ctx, pending)
}

// collect returns every unmaterialized, non-placeholder id reachable from
// roots, each listed only once, with no ordering guarantee -- run() derives
// the actual execution order from live dependency counts. It does not
// descend into a loop_output node's operands: evalLoopOutput evaluates the
// cond/body subgraph itself, off the Table.
func (e *Evaluator) collect(roots []ir.ID) ([]ir.ID, error) {
	seen := make(map[ir.ID]bool)
	var out []ir.ID
	var walk func(id ir.ID) error
	walk = func(id ir.ID) error {
		if id == ir.NoID || seen[id] {
			return nil
		}
		v, err := e.Table.Get(id)
		if err != nil {
			return err
		}
		seen[id] = true
		if v.Materialized() || v.Flags().Placeholder {
			return nil
		}
		if v.Stmt() != "loop_output" {
			for _, d := range v.Deps() {
				if err := walk(d); err != nil {
					return err
				}
			}
		}
		out = append(out, id)
		return nil
	}
	for _, r := range roots {
		if err := walk(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// run launches pending in dependency-respecting waves: each wave is every
// remaining id whose operands are all already materialized, originally or by
// an earlier wave of this same call.
func (e *Evaluator) run(ctx context.Context, pending []ir.ID) error {
	pendingSet := make(map[ir.ID]bool, len(pending))
	for _, id := range pending {
		pendingSet[id] = true
	}

	remaining := append([]ir.ID(nil), pending...)
	for len(remaining) > 0 {
		var wave []ir.ID
		var next []ir.ID
		for _, id := range remaining {
			v, err := e.Table.Get(id)
			if err != nil {
				return err
			}
			ready := true
			for _, d := range v.Deps() {
				if pendingSet[d] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			} else {
				next = append(next, id)
			}
		}
		if len(wave) == 0 {
			return errors.Errorf("sched: eval: dependency cycle among ids %v (impossible by construction, indicates a bookkeeping bug)", remaining)
		}

		if err := e.runWave(ctx, wave); err != nil {
			return err
		}
		for _, id := range wave {
			delete(pendingSet, id)
		}
		remaining = next
	}
	return nil
}

// runWave executes one wave of mutually independent nodes. Kernel
// compile/launch runs concurrently, one goroutine per node; the Table
// mutations (Materialize, ConsumeSideEffect) happen serially after the wave
// joins, because the Table is not internally synchronized.
func (e *Evaluator) runWave(ctx context.Context, wave []ir.ID) error {
	var generic []*ir.Variable
	for _, id := range wave {
		v, err := e.Table.Get(id)
		if err != nil {
			return err
		}
		if v.Data() != nil && v.Stmt() == "" {
			// Dirty but already materialized with no recipe left (a synchronous
			// Write landed on it): the bytes are already in place, so
			// evaluation amounts to acknowledging the write.
			if err := e.Table.ClearDirty(id); err != nil {
				return err
			}
			continue
		}
		if v.Stmt() == "loop_output" {
			// Loop re-drive interleaves launches with host-side reads of the
			// condition; run it on its own, off the concurrent batch.
			if err := e.evalLoopOutput(ctx, id); err != nil {
				return err
			}
			if v.Flags().SideEffect {
				e.Table.ConsumeSideEffect(id)
			}
			continue
		}
		generic = append(generic, v)
	}

	type launch struct {
		out *pool.Block
		st  *stream.Stream
	}
	results := make([]launch, len(generic))
	g, _ := errgroup.WithContext(ctx)
	for i, v := range generic {
		i, v := i, v
		st, err := e.streamFor(v.BackendTag())
		if err != nil {
			return err
		}
		inputs, err := e.resolveInputs(v)
		if err != nil {
			return err
		}
		g.Go(func() error {
			out, err := e.launchOne(v, inputs, st)
			if err != nil {
				return err
			}
			results[i] = launch{out: out, st: st}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, v := range generic {
		if err := e.Table.Materialize(v.ID(), results[i].out, results[i].st); err != nil {
			return err
		}
		if v.Flags().SideEffect {
			e.Table.ConsumeSideEffect(v.ID())
		}
	}
	return nil
}

// resolveInputs returns each operand's already-materialized buffer. Callers
// only invoke this once every dependency has been confirmed materialized
// (run()'s wave ordering, or scratchEval's recursive descent).
func (e *Evaluator) resolveInputs(v *ir.Variable) ([]*pool.Block, error) {
	deps := v.Deps()
	inputs := make([]*pool.Block, len(deps))
	for i, d := range deps {
		dv, err := e.Table.Get(d)
		if err != nil {
			return nil, err
		}
		inputs[i] = dv.Data()
	}
	return inputs, nil
}

// launchOne emits a single-node kernel source, resolves it through the
// per-tag kernel cache, allocates an output buffer, and launches.
func (e *Evaluator) launchOne(v *ir.Variable, inputs []*pool.Block, st *stream.Stream) (*pool.Block, error) {
	tag := v.BackendTag()
	emitter, ok := e.Emitters[tag]
	if !ok {
		return nil, errors.Errorf("sched: no source emitter for backend tag %s", tag)
	}
	cache, ok := e.Caches[tag]
	if !ok {
		return nil, errors.Errorf("sched: no kernel cache for backend tag %s", tag)
	}
	be, ok := e.Backends[tag]
	if !ok {
		return nil, errors.Errorf("sched: no backend for tag %s", tag)
	}
	class, ok := e.Classes[tag]
	if !ok {
		return nil, errors.Errorf("sched: no allocation class for backend tag %s", tag)
	}

	source, err := emitter.Emit([]*ir.Variable{v}, []ir.ID{v.ID()})
	if err != nil {
		return nil, errors.Wrap(err, "sched: emit")
	}
	compiler := be.Compiler()
	artifact, err := cache.GetOrCompile(source, compiler)
	if err != nil {
		return nil, err
	}

	width := v.Kind().ByteWidth()
	out, err := e.Pool.Alloc(class, int(v.Size())*width)
	if err != nil {
		return nil, errors.Wrap(err, "sched: output allocation")
	}

	args := backend.LaunchArgs{Stream: st, Inputs: inputs, Output: out, Size: v.Size(), Kind: v.Kind()}
	var launchErr error
	st.Submit(func() {
		launchErr = compiler.Launch(artifact, args)
	})
	st.Sync()
	if launchErr != nil {
		return nil, errors.Wrap(launchErr, "sched: launch")
	}
	klog.V(5).Infof("sched: launched id=%d tag=%s size=%d", v.ID(), tag, v.Size())
	return out, nil
}
