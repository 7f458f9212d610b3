package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// requireParity asserts the allocator's accounting identity: every byte ever
// obtained from the provider is in exactly one of freelist, release chains,
// or callers' hands.
func requireParity(t *testing.T, p *pool.Pool) {
	t.Helper()
	s := p.Stats()
	require.Equal(t, s.ProvidedBytes, s.FreelistBytes+s.InFlightBytes+s.LiveBytes)
}

func TestFreelistReuseWithinBucket(t *testing.T) {
	p := pool.New(nil)

	blk, err := p.Alloc(pool.Host, 100)
	require.NoError(t, err)
	id := blk.ID()
	requireParity(t, p)

	p.Free(blk, nil)
	requireParity(t, p)

	// 100 and 200 both round up to the 256-byte bucket, so the second alloc
	// must come back from the freelist, not the provider.
	blk2, err := p.Alloc(pool.Host, 200)
	require.NoError(t, err)
	require.Equal(t, id, blk2.ID())
	require.Equal(t, 200, blk2.Bytes())

	s := p.Stats()
	require.EqualValues(t, 1, s.FreelistHits)
	require.EqualValues(t, 1, s.FreelistMisses)
	requireParity(t, p)

	// A different bucket misses.
	blk3, err := p.Alloc(pool.Host, 300)
	require.NoError(t, err)
	require.NotEqual(t, id, blk3.ID())
	require.EqualValues(t, 2, p.Stats().FreelistMisses)
	requireParity(t, p)
}

func TestReleaseChainGatesOnStreamPoint(t *testing.T) {
	p := pool.New(nil)
	st := stream.New(stream.DefaultCPUDevice(), 0, stream.CPU)

	blk, err := p.Alloc(pool.Device, 64)
	require.NoError(t, err)
	id := blk.ID()

	gate := make(chan struct{})
	st.Submit(func() { <-gate })
	p.Free(blk, st)

	s := p.Stats()
	require.EqualValues(t, 256, s.InFlightBytes, "async-class free must park on the release chain")
	require.Zero(t, s.FreelistBytes)
	requireParity(t, p)

	// Flushing before the gating point is reached must not recycle anything.
	p.Flush(st)
	require.EqualValues(t, 256, p.Stats().InFlightBytes)

	close(gate)
	st.Sync()
	p.Flush(st)

	s = p.Stats()
	require.Zero(t, s.InFlightBytes)
	require.EqualValues(t, 256, s.FreelistBytes)
	requireParity(t, p)

	blk2, err := p.Alloc(pool.Device, 64)
	require.NoError(t, err)
	require.Equal(t, id, blk2.ID(), "flushed block must be reusable")
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	p := pool.New(nil)

	blk, err := p.Alloc(pool.Host, 32)
	require.NoError(t, err)
	p.Free(blk, nil)
	p.Free(blk, nil)

	s := p.Stats()
	require.EqualValues(t, 256, s.FreelistBytes, "second free must not recycle the block again")
	requireParity(t, p)

	// Freeing a derived view is a silent no-op: it was never handed out by
	// Alloc.
	owner, err := p.Alloc(pool.Host, 64)
	require.NoError(t, err)
	view := owner.View(0, 16)
	before := p.Stats()
	p.Free(view, nil)
	require.Equal(t, before, p.Stats())
}

func TestMigrateCopies(t *testing.T) {
	p := pool.New(nil)

	src, err := p.Alloc(pool.Host, 8)
	require.NoError(t, err)
	copy(src.Data(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	dst, err := p.Migrate(src, pool.Device)
	require.NoError(t, err)
	require.NotEqual(t, src.ID(), dst.ID())
	require.Equal(t, pool.Device, dst.Class())
	require.Equal(t, src.Data(), dst.Data())
	requireParity(t, p)

	same, err := p.Migrate(src, pool.Host)
	require.NoError(t, err)
	require.Same(t, src, same, "same-class migrate returns the block unchanged")
}

func TestOversizeAllocationPoolsByExactSize(t *testing.T) {
	p := pool.New(nil)

	// 257 MiB exceeds the largest bucket, so it pools by exact size.
	const n = 257 << 20
	blk, err := p.Alloc(pool.Host, n)
	require.NoError(t, err)
	id := blk.ID()
	require.Equal(t, n, blk.Bytes())
	p.Free(blk, nil)

	blk2, err := p.Alloc(pool.Host, n)
	require.NoError(t, err)
	require.Equal(t, id, blk2.ID(), "oversize blocks reuse on exact length")
	requireParity(t, p)
}
