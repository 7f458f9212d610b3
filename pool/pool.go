package pool

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/traceir/enginejit/stream"
)

// Stats reports the allocator's byte accounting. At any quiescent moment,
// FreelistBytes + InFlightBytes + LiveBytes == ProvidedBytes.
type Stats struct {
	ProvidedBytes  int64 // total ever obtained from Provider
	FreelistBytes  int64 // currently sitting in the freelist
	InFlightBytes  int64 // freed but gated on a release chain
	LiveBytes      int64 // currently handed out to callers
	FreelistHits   int64
	FreelistMisses int64
}

// Pool is the typed memory pool: a size-bucketed freelist per allocation
// class, with per-stream deferred frees.
type Pool struct {
	provider Provider

	mu       sync.Mutex
	freelist map[freeKey][]*Block
	chains   map[*stream.Stream]*chain

	nextID     uint32
	allocFwd   map[uint32]*Block // alloc_id_fwd
	allocRev   map[*Block]uint32 // alloc_id_rev
	used       map[uint32]bool   // alloc_used
	stats      Stats
}

// New creates a Pool backed by provider (DefaultProvider if nil).
func New(provider Provider) *Pool {
	if provider == nil {
		provider = DefaultProvider
	}
	return &Pool{
		provider: provider,
		freelist: make(map[freeKey][]*Block),
		chains:   make(map[*stream.Stream]*chain),
		allocFwd: make(map[uint32]*Block),
		allocRev: make(map[*Block]uint32),
		used:     make(map[uint32]bool),
	}
}

// Alloc returns bytes of memory from class, preferring an exact-class/size
// match already in the freelist before falling back to the Provider.
func (p *Pool) Alloc(class Class, bytes int) (*Block, error) {
	if bytes < 0 {
		return nil, errors.Errorf("pool: invalid allocation size %d", bytes)
	}
	bucket := sizeClassOf(bytes)
	key := freeKey{class: class, bucket: bucket}
	if bucket < 0 {
		key.exactSize = bytes
	}

	p.mu.Lock()
	if stack := p.freelist[key]; len(stack) > 0 {
		blk := stack[len(stack)-1]
		p.freelist[key] = stack[:len(stack)-1]
		blk.bytes = bytes
		p.stats.FreelistBytes -= int64(blk.capacity)
		p.stats.LiveBytes += int64(blk.capacity)
		p.stats.FreelistHits++
		p.markUsedLocked(blk)
		p.mu.Unlock()
		return blk, nil
	}
	p.stats.FreelistMisses++
	p.mu.Unlock()

	capacity := bytes
	if bucket >= 0 {
		capacity = sizeClassCapacity(bucket)
	}
	data, err := p.provider.Alloc(class, capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "pool: AllocFailure for class %s, %d bytes", class, bytes)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	blk := &Block{
		id:       p.nextID,
		class:    class,
		bytes:    bytes,
		bucket:   bucket,
		capacity: capacity,
		data:     data,
	}
	p.allocFwd[blk.id] = blk
	p.allocRev[blk] = blk.id
	p.stats.ProvidedBytes += int64(capacity)
	p.stats.LiveBytes += int64(capacity)
	p.markUsedLocked(blk)
	return blk, nil
}

func (p *Pool) markUsedLocked(blk *Block) { p.used[blk.id] = true }

// Free releases blk. If st is non-nil and the class is not inherently
// synchronous, the block was last used by an async backend: it is appended
// to st's release chain instead of being returned to the freelist
// immediately, and Flush(st) must be called (typically after st reaches the
// recorded point) to actually recycle it.
func (p *Pool) Free(blk *Block, st *stream.Stream) {
	if blk == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.allocFwd[blk.id]; !ok || !p.used[blk.id] {
		return // already freed / unknown block: no-op, matches idempotent finalize paths.
	}

	if st == nil || blk.class.synchronous() {
		p.stats.LiveBytes -= int64(blk.capacity)
		p.recycleLocked(blk)
		return
	}

	c := p.chains[st]
	if c == nil {
		c = &chain{}
		p.chains[st] = c
	}
	c.push(st.LastPoint(), blk)
	p.stats.LiveBytes -= int64(blk.capacity)
	p.stats.InFlightBytes += int64(blk.capacity)
	p.used[blk.id] = false
}

// recycleLocked returns blk to the freelist. Caller holds p.mu and has
// already debited the counter (LiveBytes or InFlightBytes) blk came from.
func (p *Pool) recycleLocked(blk *Block) {
	key := freeKey{class: blk.class, bucket: blk.bucket}
	if blk.bucket < 0 {
		key.exactSize = blk.capacity
	}
	p.freelist[key] = append(p.freelist[key], blk)
	p.stats.FreelistBytes += int64(blk.capacity)
	p.used[blk.id] = false
}

// Flush drains st's release chain, moving every entry whose gating point st
// has reached back into the freelist. No block is recycled while a
// still-in-flight kernel may read or write it.
func (p *Pool) Flush(st *stream.Stream) {
	p.mu.Lock()
	c := p.chains[st]
	if c == nil {
		p.mu.Unlock()
		return
	}
	ready := c.drain(st)
	for _, blk := range ready {
		p.stats.InFlightBytes -= int64(blk.capacity)
		p.recycleLocked(blk)
	}
	p.mu.Unlock()
}

// Migrate copies blk to newClass, returning a new Block (or blk unchanged if
// the class is already newClass). Host<->device copies are expected to be
// routed through the active stream by the caller; Migrate itself performs
// the copy synchronously once invoked (the out-of-scope driver shim is what
// would make a real device copy asynchronous).
func (p *Pool) Migrate(blk *Block, newClass Class) (*Block, error) {
	if blk == nil {
		return nil, errors.New("pool: migrate of nil block")
	}
	if blk.class == newClass {
		return blk, nil
	}
	dst, err := p.Alloc(newClass, blk.bytes)
	if err != nil {
		return nil, err
	}
	copy(dst.Data(), blk.Data())
	return dst, nil
}

// Stats returns a snapshot of the allocator's byte accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
