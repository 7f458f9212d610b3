// Package vcall implements spec.md §4.7: bucketizing an indirect-call
// callee-id array into contiguous permutation ranges via parallel.Mkperm, so
// a caller can dispatch one real kernel launch per distinct callee instead of
// branching per element.
package vcall

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/internal/workerpool"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/parallel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// View is one non-empty, non-reserved bucket's derived IR node plus the
// permutation range it covers.
type View struct {
	Key   uint32
	ID    ir.ID
	Start uint32
	Count uint32
}

// Result is the full cached dispatch layout for one idx node.
type Result struct {
	PermVar ir.ID
	Views   []View
}

// Cache is the vcall_cache of spec §4.7, keyed by idx.id so repeated vcalls
// on the same tensor are free.
type Cache struct {
	mu      sync.Mutex
	results map[ir.ID]*Result
}

// NewCache returns an empty vcall cache.
func NewCache() *Cache {
	return &Cache{results: make(map[ir.ID]*Result)}
}

// Dispatch implements the §4.7 algorithm. idx must already be materialized
// (step 1, "evaluate idx if necessary", is the caller's responsibility via
// sched.Evaluator before calling Dispatch). buckets is B+1: id 0 is reserved
// as "no callee" and never gets a View. class is the allocation class perm's
// backing buffer is obtained from.
func (c *Cache) Dispatch(table *ir.Table, workers *workerpool.Pool, mem *pool.Pool, idx ir.ID, buckets int, tag stream.BackendTag, class pool.Class) (*Result, error) {
	c.mu.Lock()
	if r, ok := c.results[idx]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	idxVar, err := table.Get(idx)
	if err != nil {
		return nil, errors.Wrap(err, "vcall: dispatch")
	}
	if idxVar.Data() == nil {
		return nil, errors.Errorf("vcall: idx node %d is not materialized", idx)
	}
	if idxVar.Kind() != dtype.U32 {
		return nil, errors.Errorf("vcall: idx node %d must be u32, got %s", idx, idxVar.Kind())
	}

	keys := bytesToU32(idxVar.Data().Data())
	perm, offsets, _ := parallel.Mkperm(workers, keys, buckets)

	permBlock, err := mem.Alloc(class, len(perm)*4)
	if err != nil {
		return nil, errors.Wrap(err, "vcall: allocate perm buffer")
	}
	writeU32(permBlock.Data(), perm)

	permVar := table.RegisterExternal(dtype.U32, permBlock, uint64(len(perm)), true, tag)
	if err := table.IncRefExt(permVar); err != nil {
		return nil, err
	}

	res := &Result{PermVar: permVar}
	for _, b := range offsets {
		if b.Count == 0 || b.Key == 0 {
			continue
		}
		view := permBlock.View(int(b.Start)*4, int(b.Count)*4)
		viewID, err := table.RegisterDerivedView(dtype.U32, view, uint64(b.Count), permVar, true, tag)
		if err != nil {
			return nil, err
		}
		res.Views = append(res.Views, View{Key: b.Key, ID: viewID, Start: b.Start, Count: b.Count})
	}

	if err := table.MarkVCallCached(idx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.results[idx] = res
	c.mu.Unlock()
	return res, nil
}

func bytesToU32(data []byte) []uint32 {
	n := len(data) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
	}
	return out
}

func writeU32(buf []byte, vals []uint32) {
	for i, v := range vals {
		buf[i*4] = byte(v)
		buf[i*4+1] = byte(v >> 8)
		buf[i*4+2] = byte(v >> 16)
		buf[i*4+3] = byte(v >> 24)
	}
}
