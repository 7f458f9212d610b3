package sched_test

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/traceir/enginejit/backend"
	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/internal/workerpool"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/kernel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/sched"
	"github.com/traceir/enginejit/stream"
)

// fixture wires one Evaluator against a single CPU-tagged stream, using
// whatever backend.Compiler the test supplies -- the default cpu.Backend for
// the copy/broadcast-only tests, a small arithmetic stub for the loop test
// that needs genuine semantics (Non-goals: the real backends never interpret
// stmt text, so a test exercising real arithmetic supplies its own compiler).
type fixture struct {
	table *ir.Table
	pool  *pool.Pool
	eval  *sched.Evaluator
}

func newFixture(t *testing.T, compiler backend.Compiler) *fixture {
	t.Helper()
	p := pool.New(nil)
	table := ir.New(p)
	reg := stream.NewRegistry()
	device := stream.DefaultCPUDevice()
	reg.RegisterDevice(device)

	backends := map[stream.BackendTag]backend.Backend{stream.CPU: stubBackend{compiler}}
	emitters := map[stream.BackendTag]kernel.SourceEmitter{stream.CPU: kernel.TextEmitter{Tag: "cpu"}}
	caches := map[stream.BackendTag]*kernel.Cache{stream.CPU: kernel.NewCache(nil)}
	classes := map[stream.BackendTag]pool.Class{stream.CPU: pool.Host}
	devices := map[stream.BackendTag]int{stream.CPU: device.ID}

	return &fixture{
		table: table,
		pool:  p,
		eval:  sched.New(table, p, reg, backends, emitters, caches, classes, devices),
	}
}

func (f *fixture) registerU32(t *testing.T, val uint32) ir.ID {
	t.Helper()
	blk, err := f.pool.Alloc(pool.Host, 4)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(blk.Data(), val)
	id := f.table.RegisterExternal(dtype.U32, blk, 1, true, stream.CPU)
	require.NoError(t, f.table.IncRefExt(id))
	return id
}

type stubBackend struct{ compiler backend.Compiler }

func (s stubBackend) Tag() stream.BackendTag     { return stream.CPU }
func (s stubBackend) Name() string               { return "stub" }
func (s stubBackend) Compiler() backend.Compiler { return s.compiler }

// TestEvalLaunchesIndependentWaveAndMaterializes traces two independent
// copy-shaped nodes from two leaves and confirms eval() materializes both in
// one concurrent wave and drops their operand edges (spec §4.3 step 7).
func TestEvalLaunchesIndependentWaveAndMaterializes(t *testing.T) {
	f := newFixture(t, cpuCompiler(t))
	a := f.registerU32(t, 11)
	b := f.registerU32(t, 22)

	copyA, err := f.table.TraceAppend(dtype.U32, stream.CPU, "$out = $0", true, false, false, a)
	require.NoError(t, err)
	copyB, err := f.table.TraceAppend(dtype.U32, stream.CPU, "$out = $0", true, false, false, b)
	require.NoError(t, err)
	require.NoError(t, f.table.IncRefExt(copyA))
	require.NoError(t, f.table.IncRefExt(copyB))

	require.NoError(t, f.table.Schedule(copyA))
	require.NoError(t, f.table.Schedule(copyB))
	require.NoError(t, f.eval.Eval(context.Background()))

	va, err := f.table.Get(copyA)
	require.NoError(t, err)
	require.True(t, va.Materialized())
	require.Equal(t, uint32(11), binary.LittleEndian.Uint32(va.Data().Data()))
	require.Empty(t, va.Deps(), "Materialize drops operand edges")

	vb, err := f.table.Get(copyB)
	require.NoError(t, err)
	require.Equal(t, uint32(22), binary.LittleEndian.Uint32(vb.Data().Data()))
}

// TestEvalLoopReDrivesArithmetic drives a BeginLoop/EndLoop counting loop
// (x starts at 0, incremented while x < 3) through evalLoopOutput's host-side
// re-drive, using an arithmetic stub compiler since the default cpu/accel
// backends only copy or broadcast (Non-goals).
func TestEvalLoopReDrivesArithmetic(t *testing.T) {
	f := newFixture(t, arithCompiler{})
	x0 := f.registerU32(t, 0)

	placeholders, err := f.table.BeginLoop([]ir.ID{x0}, stream.CPU)
	require.NoError(t, err)
	ph := placeholders[0]
	require.NoError(t, f.table.BindPlaceholder(ph, x0, nil))

	cond, err := f.table.TraceAppend(dtype.Bool, stream.CPU, "lt3", true, false, false, ph)
	require.NoError(t, err)
	body, err := f.table.TraceAppend(dtype.U32, stream.CPU, "inc", true, false, false, ph)
	require.NoError(t, err)

	outs, err := f.table.EndLoop(cond, placeholders, []ir.ID{body}, stream.CPU)
	require.NoError(t, err)
	out := outs[0]
	require.NoError(t, f.table.IncRefExt(out))

	require.NoError(t, f.table.Schedule(out))
	require.NoError(t, f.eval.Eval(context.Background()))

	v, err := f.table.Get(out)
	require.NoError(t, err)
	require.True(t, v.Materialized())
	require.EqualValues(t, 3, binary.LittleEndian.Uint32(v.Data().Data()))
}

func cpuCompiler(t *testing.T) backend.Compiler {
	t.Helper()
	return copyCompiler{pool: workerpool.New()}
}

// copyCompiler mirrors backend/cpu's copy-only semantics closely enough for
// a single-dependency "$out = $0" node, without pulling in the concurrency
// chunking that package's test coverage already exercises directly.
type copyCompiler struct{ pool *workerpool.Pool }

func (c copyCompiler) Compile(source []byte) (backend.Artifact, error) {
	return append([]byte(nil), source...), nil
}

func (c copyCompiler) Launch(_ backend.Artifact, args backend.LaunchArgs) error {
	if len(args.Inputs) == 0 || args.Inputs[0] == nil {
		return nil
	}
	copy(args.Output.Data(), args.Inputs[0].Data())
	return nil
}

func (c copyCompiler) Unload(backend.Artifact) error { return nil }

// arithCompiler interprets exactly the two stmt templates the loop test
// above traces ("inc" and "lt3"), reading which one ran out of the emitted
// source text the same way a real backend would read its compiled program.
type arithCompiler struct{}

func (arithCompiler) Compile(source []byte) (backend.Artifact, error) {
	return append([]byte(nil), source...), nil
}

func (arithCompiler) Launch(artifact backend.Artifact, args backend.LaunchArgs) error {
	source := string(artifact.([]byte))
	in := args.Inputs[0].Data()
	out := args.Output.Data()
	switch {
	case strings.Contains(source, "= inc "):
		binary.LittleEndian.PutUint32(out, binary.LittleEndian.Uint32(in)+1)
	case strings.Contains(source, "= lt3 "):
		if binary.LittleEndian.Uint32(in) < 3 {
			out[0] = 1
		} else {
			out[0] = 0
		}
	default:
		return errors.Errorf("sched_test: arith stub: unrecognized stmt in %q", source)
	}
	return nil
}

func (arithCompiler) Unload(backend.Artifact) error { return nil }
