// Package workerpool provides the soft-capped goroutine pool that the CPU
// backend (backend/cpu) and the CPU path of the parallel primitives
// (parallel) submit tasks to.
//
// Adapted from GoMLX's backends/simplego workersPool: a soft target on
// parallelism is kept (the number of goroutines in flight can briefly exceed
// it, since workers that are themselves waiting on sub-tasks mark themselves
// asleep to avoid deadlocking the pool).
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a soft-capped goroutine pool.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// 0 disables parallelism (tasks run inline); negative means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond
	numRunning int

	// extraParallelism is temporarily increased when a worker goes to sleep
	// waiting on sub-tasks it submitted to this same pool.
	extraParallelism atomic.Int32
}

// New creates a Pool sized to runtime.NumCPU().
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// NewWithParallelism creates a Pool with an explicit soft target.
func NewWithParallelism(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

func (p *Pool) isUnlimited() bool { return p.maxParallelism < 0 }

const goroutineToParallelismRatio = 2

// lockedIsFull must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	}
	if p.isUnlimited() {
		return false
	}
	return p.numRunning >= goroutineToParallelismRatio*p.maxParallelism+int(p.extraParallelism.Load())
}

func (p *Pool) lockedRunInGoroutine(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// Go waits until a worker slot is available, then runs task in a goroutine.
// If parallelism is disabled it runs task inline, synchronously.
func (p *Pool) Go(task func()) {
	if p.isUnlimited() {
		go task()
		return
	}
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedRunInGoroutine(task)
}

// TryGo starts task in a new goroutine if a slot is immediately available,
// returning whether it did. The caller is responsible for synchronizing
// completion (e.g. with a sync.WaitGroup) of any task it starts this way.
func (p *Pool) TryGo(task func()) bool {
	if p.isUnlimited() {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedRunInGoroutine(task)
	return true
}

// Asleep marks the calling worker as blocked on other work submitted to this
// same pool (e.g. the recursive block-sum pass of scan_exclusive_u32),
// temporarily freeing up a slot so the pool doesn't deadlock waiting on
// itself. Pair with Awake.
func (p *Pool) Asleep() { p.extraParallelism.Add(1) }

// Awake undoes Asleep.
func (p *Pool) Awake() { p.extraParallelism.Add(-1) }
