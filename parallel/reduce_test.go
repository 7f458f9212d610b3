package parallel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceir/enginejit/internal/workerpool"
	"github.com/traceir/enginejit/parallel"
)

func TestReduceAddSum1024(t *testing.T) {
	pool := workerpool.New()
	xs := make([]uint32, 1024)
	for i := range xs {
		xs[i] = uint32(i + 1)
	}
	got := parallel.Reduce(pool, parallel.OpAdd, xs)
	require.EqualValues(t, 524800, got)
}

func TestReduceEmptyIsIdentity(t *testing.T) {
	pool := workerpool.New()
	require.EqualValues(t, 0, parallel.Reduce(pool, parallel.OpAdd, []int32{}))
	require.EqualValues(t, 1, parallel.Reduce(pool, parallel.OpMul, []int32{}))
}

func TestReduceMinUsesMinNotMax(t *testing.T) {
	pool := workerpool.New()
	xs := []int32{5, -3, 9, 0, 2}
	require.EqualValues(t, -3, parallel.Reduce(pool, parallel.OpMin, xs))
	require.EqualValues(t, 9, parallel.Reduce(pool, parallel.OpMax, xs))
}

func TestReduceMinMaxFloatIdentity(t *testing.T) {
	pool := workerpool.New()
	xs := []float64{3.5, -1.25, 8.0}
	require.InDelta(t, -1.25, parallel.Reduce(pool, parallel.OpMin, xs), 1e-9)
	require.InDelta(t, 8.0, parallel.Reduce(pool, parallel.OpMax, xs), 1e-9)
}

func TestReduceAndOr(t *testing.T) {
	pool := workerpool.New()
	xs := []uint8{0b1111, 0b1010, 0b1100}
	require.EqualValues(t, 0b1000, parallel.Reduce(pool, parallel.OpAnd, xs))
	require.EqualValues(t, 0b1111, parallel.Reduce(pool, parallel.OpOr, xs))
}

func TestReduceLargeParallelChunking(t *testing.T) {
	pool := workerpool.New()
	n := 1 << 16
	xs := make([]int64, n)
	for i := range xs {
		xs[i] = 1
	}
	require.EqualValues(t, n, parallel.Reduce(pool, parallel.OpAdd, xs))
}
