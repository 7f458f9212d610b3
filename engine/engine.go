// Package engine wires the leaf packages (pool, stream, ir, sched, kernel,
// backend/cpu, backend/accel, parallel, vcall) into the process-wide
// singleton spec.md §6 describes: initialization/shutdown, the engine-wide
// mutex of §5, device/stream selection, and the public client API surface
// (variable-table operations, schedule/eval, the parallel primitives, and
// vcall).
//
// Per the Design Notes ("Global state -- the engine is a process-wide
// singleton"), most callers should use the package-level Init/Shutdown/
// Default functions, which operate on one shared *Engine. Engine itself is
// exported, and New is exported too, so tests can construct independent
// instances instead of fighting over global state.
package engine

import (
	"context"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/traceir/enginejit/backend"
	"github.com/traceir/enginejit/backend/accel"
	"github.com/traceir/enginejit/backend/cpu"
	"github.com/traceir/enginejit/internal/exc"
	"github.com/traceir/enginejit/internal/workerpool"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/kernel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/registry"
	"github.com/traceir/enginejit/sched"
	"github.com/traceir/enginejit/stream"
	"github.com/traceir/enginejit/vcall"
)

// Engine is the process-wide singleton state: the variable table, the
// allocator, the stream registry, the per-backend kernel caches, and the
// scheduler wired against all of it. All exported methods take Engine's
// mutex for the duration of their table/cache mutations, per spec §5;
// Sync* methods release it across the blocking wait.
type Engine struct {
	mu sync.Mutex

	pool     *pool.Pool
	table    *ir.Table
	streams  *stream.Registry
	workers  *workerpool.Pool
	vcalls   *vcall.Cache
	registry registry.Registry

	backends map[stream.BackendTag]backend.Backend
	emitters map[stream.BackendTag]kernel.SourceEmitter
	caches   map[stream.BackendTag]*kernel.Cache
	classes  map[stream.BackendTag]pool.Class
	devices  map[stream.BackendTag]int

	evaluator *sched.Evaluator

	cpuEnabled, accelEnabled bool
}

// New constructs an independent Engine with no backend enabled yet. Most
// callers want the package-level Init/Default/Shutdown singleton instead;
// New exists for tests that need isolation from global state.
func New() *Engine {
	p := pool.New(nil)
	table := ir.New(p)
	streams := stream.NewRegistry()
	e := &Engine{
		pool:     p,
		table:    table,
		streams:  streams,
		workers:  workerpool.New(),
		vcalls:   vcall.NewCache(),
		registry: registry.NewInMemory(),
		backends: make(map[stream.BackendTag]backend.Backend),
		emitters: make(map[stream.BackendTag]kernel.SourceEmitter),
		caches:   make(map[stream.BackendTag]*kernel.Cache),
		classes:  make(map[stream.BackendTag]pool.Class),
		devices:  make(map[stream.BackendTag]int),
	}
	e.evaluator = sched.New(table, p, streams, e.backends, e.emitters, e.caches, e.classes, e.devices)
	return e
}

// SetRegistry overrides the registry.Registry vcall dispatch resolves
// callee ids through. Optional -- New defaults to an empty registry.InMemory.
func (e *Engine) SetRegistry(r registry.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = r
}

// Init implements spec §6's init(enable_cpu, enable_accel): idempotent per
// backend, and additive -- calling Init again with a backend already
// enabled leaves it untouched rather than reinitializing it (Design Notes:
// "multiple initialize calls with subsets of enabled backends are additive
// but will not reinitialize an already-enabled backend").
func (e *Engine) Init(enableCPU, enableAccel bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enableCPU && !e.cpuEnabled {
		e.enableCPULocked()
	}
	if enableAccel && !e.accelEnabled {
		e.enableAccelLocked()
	}
	return nil
}

func (e *Engine) enableCPULocked() {
	device := stream.DefaultCPUDevice()
	e.streams.RegisterDevice(device)
	e.backends[stream.CPU] = cpu.New(e.workers)
	e.emitters[stream.CPU] = kernel.TextEmitter{Tag: "cpu"}
	e.caches[stream.CPU] = kernel.NewCache(nil)
	e.classes[stream.CPU] = pool.Host
	e.devices[stream.CPU] = device.ID
	e.cpuEnabled = true
	klog.V(2).Infof("engine: cpu backend enabled (%s)", device)
}

func (e *Engine) enableAccelLocked() {
	libPath, found := DiscoverAccelLib(defaultAccelLibDir)
	if found {
		klog.V(2).Infof("engine: accel backend library discovered at %s", libPath)
	} else {
		klog.V(2).Infof("engine: no accel backend library found, using simulated device")
	}
	device := &stream.Device{ID: e.streams.NumDevices(), SMCount: 16, SharedMemBytes: 48 * 1024}
	e.streams.RegisterDevice(device)
	e.backends[stream.Accel] = accel.New(device)
	e.emitters[stream.Accel] = kernel.TextEmitter{Tag: "ptx"}
	e.caches[stream.Accel] = kernel.NewCache(nil)
	e.classes[stream.Accel] = pool.Device
	e.devices[stream.Accel] = device.ID
	e.accelEnabled = true
	klog.V(2).Infof("engine: accel backend enabled (%s)", device)
}

// Table returns the underlying Variable Table, for callers that need direct
// access beyond the wrapper methods below (e.g. tests asserting invariants).
func (e *Engine) Table() *ir.Table { return e.table }

// Pool returns the underlying allocator.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Streams returns the stream/device registry.
func (e *Engine) Streams() *stream.Registry { return e.streams }

// Workers returns the CPU task-parallel pool the parallel primitives and
// backend/cpu drive work through.
func (e *Engine) Workers() *workerpool.Pool { return e.workers }

// StreamFor returns the (single, index-0) stream this engine drives tag's
// backend work on. Fails with a UsageError if tag's backend was never
// enabled -- spec §4.6: "operations without an active stream fail with a
// usage error".
func (e *Engine) StreamFor(tag stream.BackendTag) (*stream.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamForLocked(tag)
}

func (e *Engine) streamForLocked(tag stream.BackendTag) (*stream.Stream, error) {
	device, ok := e.devices[tag]
	if !ok {
		return nil, exc.Usagef("engine: backend %s is not enabled", tag)
	}
	return e.streams.Stream(device, 0, tag)
}

// SyncStream drains tag's active stream. Per spec §5, the engine-wide mutex
// is released across the wait.
func (e *Engine) SyncStream(tag stream.BackendTag) error {
	e.mu.Lock()
	st, err := e.streamForLocked(tag)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	st.Sync()
	e.pool.Flush(st)
	return nil
}

// SyncDevice drains every stream registered against tag's device.
func (e *Engine) SyncDevice(tag stream.BackendTag) error {
	e.mu.Lock()
	device, ok := e.devices[tag]
	e.mu.Unlock()
	if !ok {
		return exc.Usagef("engine: backend %s is not enabled", tag)
	}
	e.streams.SyncDevice(device)
	return nil
}

// Eval implements spec §4.3's eval(): materializes the transitive closure of
// every id marked via Schedule plus every pending side-effect node.
func (e *Engine) Eval(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluator.Eval(ctx)
}

// Shutdown implements spec §6's shutdown(light): reports leaked external
// references (spec §7 Leak, truncated at 10), force-finalizes every
// remaining variable so testable property 3 holds even for a client that
// dropped handles without releasing them, tears down every kernel cache, and
// -- when light is false -- additionally logs each backend's teardown as
// "unloading backend libraries" (spec §6). Idempotent: calling Shutdown on
// an already-torn-down Engine is a no-op.
func (e *Engine) Shutdown(light bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cpuEnabled && !e.accelEnabled {
		return nil
	}

	for _, device := range e.devices {
		e.streams.SyncDevice(device)
	}

	e.reportLeaksLocked()
	e.table.ForceFinalizeAll()
	if !e.table.Empty() {
		exc.Fatalf("engine: shutdown: variable table, CSE cache or var_from_ptr not empty after ForceFinalizeAll -- bookkeeping bug")
	}

	for tag, cache := range e.caches {
		if err := cache.Teardown(); err != nil {
			klog.Warningf("engine: kernel cache teardown for backend %s: %v", tag, err)
		}
	}

	if !light {
		for tag, be := range e.backends {
			klog.V(2).Infof("engine: unloading backend library for %s (%s)", tag, be.Name())
		}
	}

	e.cpuEnabled = false
	e.accelEnabled = false
	return nil
}

// reportLeaksLocked implements spec §7's Leak reporting: every variable
// still carrying a non-zero external ref at shutdown is logged, truncated at
// 10 entries, before ForceFinalizeAll destroys it.
func (e *Engine) reportLeaksLocked() {
	vars := e.table.LiveVariables()
	sort.Slice(vars, func(i, j int) bool { return vars[i].ID() < vars[j].ID() })

	var leaked []*ir.Variable
	for _, v := range vars {
		if v.RefExt() > 0 {
			leaked = append(leaked, v)
		}
	}
	if len(leaked) == 0 {
		return
	}
	klog.Warningf("engine: shutdown: %d variable(s) still externally referenced", len(leaked))
	n := len(leaked)
	if n > 10 {
		n = 10
	}
	for _, v := range leaked[:n] {
		klog.Warningf("engine: leak: id=%d ref_int=%d ref_ext=%d label=%q", v.ID(), v.RefInt(), v.RefExt(), v.Label())
	}
	if len(leaked) > 10 {
		klog.Warningf("engine: leak: %d additional leaked ids omitted", len(leaked)-10)
	}
}

var (
	globalMu sync.Mutex
	global   *Engine
)

// Init initializes the process-wide singleton Engine, creating it on first
// call. See Engine.Init for the idempotent/additive semantics.
func Init(enableCPU, enableAccel bool) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global.Init(enableCPU, enableAccel)
}

// Default returns the process-wide singleton Engine, or nil if Init has
// never been called.
func Default() *Engine {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Shutdown tears down the process-wide singleton Engine and clears it, so a
// subsequent Init starts fresh. A nil singleton makes this a no-op.
func Shutdown(light bool) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil
	}
	err := global.Shutdown(light)
	global = nil
	return err
}
