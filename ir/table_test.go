package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

func newTable(t *testing.T) (*ir.Table, *pool.Pool) {
	t.Helper()
	p := pool.New(nil)
	return ir.New(p), p
}

func leaf(t *testing.T, tbl *ir.Table, kind dtype.Kind) ir.ID {
	t.Helper()
	id, err := tbl.TraceAppend(kind, stream.CPU, "leaf", true, true, false)
	require.NoError(t, err)
	require.NoError(t, tbl.IncRefExt(id))
	return id
}

func TestCSEIdempotence(t *testing.T) {
	tbl, _ := newTable(t)
	a := leaf(t, tbl, dtype.F32)
	b := leaf(t, tbl, dtype.F32)

	id1, err := tbl.TraceAppend(dtype.F32, stream.CPU, "$out = $0 + $1", true, false, false, a, b)
	require.NoError(t, err)
	id2, err := tbl.TraceAppend(dtype.F32, stream.CPU, "$out = $0 + $1", true, false, false, a, b)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "identical appends must fold via CSE")
	require.Equal(t, 1, tbl.CSESize())

	va, err := tbl.Get(a)
	require.NoError(t, err)
	require.EqualValues(t, 1, va.RefInt(), "CSE fold must not double-increment operand ref_int")
}

func TestRefcountFinalization(t *testing.T) {
	tbl, _ := newTable(t)
	a := leaf(t, tbl, dtype.I32)
	b := leaf(t, tbl, dtype.I32)

	sum, err := tbl.TraceAppend(dtype.I32, stream.CPU, "$out = $0 + $1", true, false, false, a, b)
	require.NoError(t, err)
	require.NoError(t, tbl.IncRefExt(sum))

	va, _ := tbl.Get(a)
	require.EqualValues(t, 1, va.RefInt())

	require.NoError(t, tbl.CheckRefInvariant())

	require.NoError(t, tbl.DecRefExt(sum))
	_, err = tbl.Get(sum)
	require.Error(t, err, "dropping the only external ref to sum must finalize it")

	// The operands lose sum's ref_int contribution but stay alive on their
	// own external refs.
	va, err = tbl.Get(a)
	require.NoError(t, err)
	require.EqualValues(t, 0, va.RefInt())

	require.NoError(t, tbl.DecRefExt(a))
	require.NoError(t, tbl.DecRefExt(b))
	_, err = tbl.Get(a)
	require.Error(t, err)
	_, err = tbl.Get(b)
	require.Error(t, err)
}

func TestShapeMismatchRejected(t *testing.T) {
	tbl, _ := newTable(t)
	a, err := tbl.TraceAppend(dtype.F32, stream.CPU, "a", true, true, false)
	require.NoError(t, err)
	require.NoError(t, tbl.SetSize(a, 10))
	b, err := tbl.TraceAppend(dtype.F32, stream.CPU, "b", true, true, false)
	require.NoError(t, err)
	require.NoError(t, tbl.SetSize(b, 7))

	_, err = tbl.TraceAppend(dtype.F32, stream.CPU, "$out = $0 + $1", true, false, false, a, b)
	require.Error(t, err, "mismatched non-1 sizes must be rejected")

	// The rejected append must not have mutated the table.
	va, _ := tbl.Get(a)
	require.EqualValues(t, 0, va.RefInt())
}

func TestBroadcastSize(t *testing.T) {
	tbl, _ := newTable(t)
	scalar, err := tbl.TraceAppend(dtype.F32, stream.CPU, "s", true, true, false)
	require.NoError(t, err)
	require.NoError(t, tbl.SetSize(scalar, 1))
	vec, err := tbl.TraceAppend(dtype.F32, stream.CPU, "v", true, true, false)
	require.NoError(t, err)
	require.NoError(t, tbl.SetSize(vec, 100))

	out, err := tbl.TraceAppend(dtype.F32, stream.CPU, "$out = $0 + $1", true, false, false, scalar, vec)
	require.NoError(t, err)
	ov, _ := tbl.Get(out)
	require.EqualValues(t, 100, ov.Size())
}

func TestCSEIneligibleForSideEffectAndPlaceholder(t *testing.T) {
	tbl, _ := newTable(t)
	a := leaf(t, tbl, dtype.I32)

	s1, err := tbl.TraceAppend(dtype.I32, stream.CPU, "scatter", true, false, true, a)
	require.NoError(t, err)
	s2, err := tbl.TraceAppend(dtype.I32, stream.CPU, "scatter", true, false, true, a)
	require.NoError(t, err)
	require.NotEqual(t, s1, s2, "side-effect nodes must never CSE-fold")

	ph, err := tbl.BeginLoop([]ir.ID{a}, stream.CPU)
	require.NoError(t, err)
	require.Len(t, ph, 1)
	phv, _ := tbl.Get(ph[0])
	require.True(t, phv.Flags().Placeholder)
	require.Equal(t, 0, tbl.CSESize(), "placeholders never get inserted into cse")
}

func TestDirtyPropagatesTransitively(t *testing.T) {
	tbl, _ := newTable(t)
	a := leaf(t, tbl, dtype.I32)
	b, err := tbl.TraceAppend(dtype.I32, stream.CPU, "$out = $0 + 1", true, false, false, a)
	require.NoError(t, err)
	c, err := tbl.TraceAppend(dtype.I32, stream.CPU, "$out = $0 + 1", true, false, false, b)
	require.NoError(t, err)

	require.NoError(t, tbl.MarkDirty(a))
	av, _ := tbl.Get(a)
	bv, _ := tbl.Get(b)
	cv, _ := tbl.Get(c)
	require.True(t, av.Flags().Dirty)
	require.True(t, bv.Flags().Dirty)
	require.True(t, cv.Flags().Dirty)
}
