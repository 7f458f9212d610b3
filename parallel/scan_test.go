package parallel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceir/enginejit/internal/workerpool"
	"github.com/traceir/enginejit/parallel"
)

func TestScanExclusiveSmall(t *testing.T) {
	pool := workerpool.New()
	out := parallel.ScanExclusiveU32(pool, []uint32{1, 1, 1, 1, 1})
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, out)
}

func TestScanExclusiveRoundTrip(t *testing.T) {
	pool := workerpool.New()
	in := []uint32{4, 2, 7, 0, 9, 1, 3}
	out := parallel.ScanExclusiveU32(pool, in)
	require.Equal(t, uint32(0), out[0])
	for k := 1; k < len(in); k++ {
		require.Equal(t, out[k-1]+in[k-1], out[k])
	}
}

func TestScanExclusiveRecursesAboveBlockCapacity(t *testing.T) {
	pool := workerpool.New()
	n := 5000
	in := make([]uint32, n)
	for i := range in {
		in[i] = 1
	}
	out := parallel.ScanExclusiveU32(pool, in)
	require.Equal(t, uint32(0), out[0])
	require.Equal(t, uint32(n-1), out[n-1])
	for k := 1; k < n; k++ {
		require.Equal(t, out[k-1]+in[k-1], out[k])
	}
}

func TestScanExclusiveEmpty(t *testing.T) {
	pool := workerpool.New()
	require.Empty(t, parallel.ScanExclusiveU32(pool, nil))
}
