package engine

import (
	"context"

	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/internal/exc"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/parallel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
	"github.com/traceir/enginejit/vcall"
)

// Reduce implements spec §4.5's reduce(type, op, in, n, out): evaluates in
// if necessary, then combines its elements with op, returning the scalar
// result as the bytes of one element of in's kind.
func (e *Engine) Reduce(ctx context.Context, op parallel.Op, in ir.ID) ([]byte, error) {
	if err := e.EvalOne(ctx, in); err != nil {
		return nil, err
	}
	e.mu.Lock()
	v, err := e.table.Get(in)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	kind, data := v.Kind(), v.Data().Data()
	workers := e.workers
	e.mu.Unlock()
	return parallel.ReduceBytes(workers, kind, op, data)
}

// ScanExclusiveU32 implements spec §4.5's scan_exclusive_u32(in, out, n):
// evaluates in (which must be u32) if necessary and returns its exclusive
// prefix sum.
func (e *Engine) ScanExclusiveU32(ctx context.Context, in ir.ID) ([]uint32, error) {
	if err := e.EvalOne(ctx, in); err != nil {
		return nil, err
	}
	e.mu.Lock()
	v, err := e.table.Get(in)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if v.Kind() != dtype.U32 {
		e.mu.Unlock()
		return nil, exc.Usagef("engine: scan_exclusive_u32: id %d must be u32, got %s", in, v.Kind())
	}
	keys := u32View(v.Data().Data())
	workers := e.workers
	e.mu.Unlock()
	return parallel.ScanExclusiveU32(workers, keys), nil
}

// Mkperm implements spec §4.5's mkperm(keys, n, B, perm_out, offsets_out):
// evaluates keys (which must be u32) if necessary, then bucketizes it into
// B contiguous ranges.
func (e *Engine) Mkperm(ctx context.Context, keys ir.ID, buckets int) ([]uint32, []parallel.Bucket, int, error) {
	if err := e.EvalOne(ctx, keys); err != nil {
		return nil, nil, 0, err
	}
	e.mu.Lock()
	v, err := e.table.Get(keys)
	if err != nil {
		e.mu.Unlock()
		return nil, nil, 0, err
	}
	if v.Kind() != dtype.U32 {
		e.mu.Unlock()
		return nil, nil, 0, exc.Usagef("engine: mkperm: id %d must be u32, got %s", keys, v.Kind())
	}
	ks := u32View(v.Data().Data())
	workers := e.workers
	e.mu.Unlock()
	perm, offsets, unique := parallel.Mkperm(workers, ks, buckets)
	return perm, offsets, unique, nil
}

// Transpose implements spec §4.5's transpose(in, out, rows, cols): evaluates
// in if necessary, then returns its rows x cols -> cols x rows transpose.
func (e *Engine) Transpose(ctx context.Context, in ir.ID, rows, cols int) ([]byte, error) {
	if err := e.EvalOne(ctx, in); err != nil {
		return nil, err
	}
	e.mu.Lock()
	v, err := e.table.Get(in)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	kind, data := v.Kind(), v.Data().Data()
	workers := e.workers
	e.mu.Unlock()

	out := make([]byte, len(data))
	if err := parallel.TransposeBytes(workers, kind, data, out, rows, cols); err != nil {
		return nil, err
	}
	return out, nil
}

// VCall implements spec §4.7's indirect call: evaluates idx if necessary,
// bucketizes it by the registry's callee id space for domain, and returns
// the per-bucket derived IR views (cached on idx for repeated dispatch).
func (e *Engine) VCall(ctx context.Context, idx ir.ID, domain string, tag stream.BackendTag, class pool.Class) (*vcall.Result, error) {
	if err := e.EvalOne(ctx, idx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	maxID := e.registry.GetMax(domain)
	table, workers, memPool, vcalls := e.table, e.workers, e.pool, e.vcalls
	e.mu.Unlock()
	return vcalls.Dispatch(table, workers, memPool, idx, int(maxID)+1, tag, class)
}

func u32View(data []byte) []uint32 {
	n := len(data) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
	}
	return out
}
