package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/engine"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/parallel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/registry"
	"github.com/traceir/enginejit/stream"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New()
	require.NoError(t, e.Init(true, false))
	return e
}

func registerU32(t *testing.T, e *engine.Engine, vals []uint32) ir.ID {
	t.Helper()
	blk, err := e.Pool().Alloc(pool.Host, len(vals)*4)
	require.NoError(t, err)
	data := blk.Data()
	for i, v := range vals {
		data[i*4] = byte(v)
		data[i*4+1] = byte(v >> 8)
		data[i*4+2] = byte(v >> 16)
		data[i*4+3] = byte(v >> 24)
	}
	id := e.RegisterExternal(dtype.U32, blk, uint64(len(vals)), true, stream.CPU)
	require.NoError(t, e.IncRefExt(id))
	return id
}

func TestInitIsIdempotentAndAdditive(t *testing.T) {
	e := engine.New()
	require.NoError(t, e.Init(true, false))
	require.NoError(t, e.Init(true, false)) // re-enabling cpu is a no-op
	require.NoError(t, e.Init(false, true))
	st, err := e.StreamFor(stream.CPU)
	require.NoError(t, err)
	require.NotNil(t, st)
	st, err = e.StreamFor(stream.Accel)
	require.NoError(t, err)
	require.NotNil(t, st)
}

func TestTraceAppendFoldsViaCSE(t *testing.T) {
	e := newEngine(t)
	a := registerU32(t, e, []uint32{1})
	b := registerU32(t, e, []uint32{2})

	id1, err := e.TraceAppend(dtype.U32, stream.CPU, "$out = $0 + $1", true, false, false, a, b)
	require.NoError(t, err)
	id2, err := e.TraceAppend(dtype.U32, stream.CPU, "$out = $0 + $1", true, false, false, a, b)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestReduceAddMatchesScenario3(t *testing.T) {
	e := newEngine(t)
	xs := make([]uint32, 1024)
	for i := range xs {
		xs[i] = uint32(i + 1)
	}
	id := registerU32(t, e, xs)

	out, err := e.Reduce(context.Background(), parallel.OpAdd, id)
	require.NoError(t, err)
	require.Len(t, out, 4)
	got := uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24
	require.EqualValues(t, 524800, got)
}

func TestScanExclusiveMatchesScenario4(t *testing.T) {
	e := newEngine(t)
	id := registerU32(t, e, []uint32{1, 1, 1, 1, 1})
	out, err := e.ScanExclusiveU32(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, out)
}

func TestMkpermMatchesScenario5(t *testing.T) {
	e := newEngine(t)
	id := registerU32(t, e, []uint32{2, 0, 2, 1, 0, 2})
	perm, offsets, unique, err := e.Mkperm(context.Background(), id, 3)
	require.NoError(t, err)
	require.Equal(t, 3, unique)
	require.Equal(t, []uint32{1, 4, 3, 0, 2, 5}, perm)
	require.Equal(t, []parallel.Bucket{
		{Key: 0, Start: 0, Count: 2},
		{Key: 1, Start: 2, Count: 1},
		{Key: 2, Start: 3, Count: 3},
		{Key: 3, Start: 6},
	}, offsets)
}

func TestVCallCoversEveryNonZeroIndex(t *testing.T) {
	e := newEngine(t)
	reg := registry.NewInMemory()
	reg.Register("kernels", 0xAAAA) // callee id 1
	reg.Register("kernels", 0xBBBB) // callee id 2
	e.SetRegistry(reg)

	idx := registerU32(t, e, []uint32{1, 0, 2, 1, 0, 2})
	res, err := e.VCall(context.Background(), idx, "kernels", stream.CPU, pool.Host)
	require.NoError(t, err)

	var total uint32
	for _, view := range res.Views {
		total += view.Count
	}
	require.EqualValues(t, 4, total, "sum over buckets of size = |{i : idx[i] != 0}|")
}

func TestShutdownReportsLeaksAndEmptiesTable(t *testing.T) {
	e := engine.New()
	require.NoError(t, e.Init(true, false))
	id := registerU32(t, e, []uint32{7}) // never released: a deliberate leak
	_ = id

	require.NoError(t, e.Shutdown(true))
	require.True(t, e.Table().Empty())
}

func TestShutdownIdempotent(t *testing.T) {
	e := engine.New()
	require.NoError(t, e.Init(true, false))
	require.NoError(t, e.Shutdown(false))
	require.NoError(t, e.Shutdown(false))
}

func TestGlobalSingletonInitShutdown(t *testing.T) {
	require.NoError(t, engine.Init(true, false))
	require.NotNil(t, engine.Default())
	require.NoError(t, engine.Shutdown(true))
	require.Nil(t, engine.Default())
}
