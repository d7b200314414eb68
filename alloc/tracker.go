package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/internal/fatal"
)

// DefaultCacheSize bounds the op cache before it is flushed to the host.
const DefaultCacheSize = 20_000

// sentinel is the allocation made at Init; its presence in the host store at
// unload proves the tracker was wired.
var sentinel = abi.Layout{Size: 1, Align: 1}

// Tracker is the module side of allocation tracking. Every allocation a module
// makes goes through it; the host learns about them through the Imports callbacks.
//
// Until Init, operations only accumulate in the cache. Afterwards allocations are
// sent to the host immediately or in batches, and deallocations are always batched.
type Tracker struct {
	backend abi.Allocator

	id      abi.ModuleID
	imports *abi.Imports
	owner   uint64
	thread  func() uint64

	initialized atomic.Bool
	tracking    bool
	immediate   bool
	validate    bool

	replaying atomic.Bool
	locked    atomic.Bool

	mu        sync.Mutex
	cache     map[uintptr]abi.Op
	cacheSize int
	transport []abi.Op
}

// NewTracker wraps backend; nil means Default().
func NewTracker(backend abi.Allocator) *Tracker {
	if backend == nil {
		backend = Default()
	}
	return &Tracker{
		backend:   backend,
		tracking:  true,
		cacheSize: DefaultCacheSize,
		cache:     make(map[uintptr]abi.Op),
	}
}

// Init connects the tracker to its host. thread reports the calling OS thread and is
// used for the locked-allocator check.
func (t *Tracker) Init(ctx abi.InitContext, thread func() uint64) {
	t.mu.Lock()
	if ctx.Allocator != nil && ctx.Allocator != t.backend {
		if len(t.cache) > 0 {
			t.mu.Unlock()
			fatal.Abort("module allocated memory before init with a different allocator than the host configured")
			return
		}
		t.backend = ctx.Allocator
	}
	t.id = ctx.ID
	t.imports = ctx.Imports
	t.owner = ctx.OwnerThread
	t.thread = thread
	t.tracking = ctx.TrackAllocs
	t.immediate = ctx.ImmediateAllocs
	t.validate = ctx.ValidateDeallocs
	if ctx.CacheSize > 0 {
		t.cacheSize = ctx.CacheSize
	}
	if !t.tracking {
		t.cache = make(map[uintptr]abi.Op)
	}
	t.transport = make([]abi.Op, 0, t.cacheSize)
	t.mu.Unlock()
	t.initialized.Store(true)

	if t.tracking {
		if _, err := t.Alloc(sentinel); err != nil {
			fatal.Abortf("tracker sentinel allocation: %v", err)
		}
	}
}

// Backend is the allocator memory comes from.
func (t *Tracker) Backend() abi.Allocator {
	return t.backend
}

// Alloc allocates through the backend and records the allocation.
func (t *Tracker) Alloc(l abi.Layout) (abi.Allocation, error) {
	t.assertAccessible()
	ptr, err := t.backend.Allocate(l)
	if err != nil {
		return abi.Allocation{}, err
	}
	a := abi.Allocation{Ptr: ptr, Layout: l}
	if !t.tracking {
		return a, nil
	}
	if t.immediate && t.initialized.Load() {
		// a dealloc still cached for a reused address must not outlive this alloc
		t.RemoveFromCache(ptr)
		t.imports.OnAlloc(t.id, a)
	} else {
		t.push(abi.AllocOp(a))
	}
	return a, nil
}

// Free releases a and records the deallocation unless a replay is running.
func (t *Tracker) Free(a abi.Allocation) {
	t.assertAccessible()
	if t.validate && !t.IsAllocated(a) {
		fatal.Abortf("invalid allocation %s was passed to dealloc of module %d", a, t.id)
	}
	t.backend.Free(a)
	if t.tracking && !t.replaying.Load() {
		t.push(abi.DeallocOp(a))
	}
}

// IsAllocated reports whether a is live: either cached as an alloc or present in the host store.
func (t *Tracker) IsAllocated(a abi.Allocation) bool {
	t.mu.Lock()
	op, ok := t.cache[a.Ptr]
	t.mu.Unlock()
	if ok {
		return op.Kind == abi.OpAlloc && op.Allocation == a
	}
	if !t.initialized.Load() {
		return false
	}
	return t.imports.IsPtrAllocated(t.id, a)
}

func (t *Tracker) push(op abi.Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[op.Allocation.Ptr] = op
	if len(t.cache) >= t.cacheSize && t.initialized.Load() {
		t.flush()
	}
}

// SendCachedAllocs drains the cache into the host store.
func (t *Tracker) SendCachedAllocs() {
	if !t.initialized.Load() {
		fatal.Abort("cached allocations sent before the tracker was initialized")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flush()
}

func (t *Tracker) flush() {
	if len(t.cache) == 0 {
		return
	}
	for ptr, op := range t.cache {
		t.transport = append(t.transport, op)
		delete(t.cache, ptr)
	}
	t.imports.OnCachedAllocs(t.id, t.transport)
	clear(t.transport)
	t.transport = t.transport[:0]
}

// Cached is the number of ops not yet sent.
func (t *Tracker) Cached() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cache)
}

// RemoveFromCache forgets a pending op for ptr; the allocation now belongs to the other side.
func (t *Tracker) RemoveFromCache(ptr uintptr) {
	t.mu.Lock()
	delete(t.cache, ptr)
	t.mu.Unlock()
}

// Lock rejects any further access from threads other than the owner.
func (t *Tracker) Lock() {
	t.locked.Store(true)
}

// Locked reports whether Lock was called.
func (t *Tracker) Locked() bool {
	return t.locked.Load()
}

// DeallocReplay frees allocs through the backend without recording anything.
// It is the host-driven cleanup at unload.
func (t *Tracker) DeallocReplay(allocs []abi.Allocation) {
	t.replaying.Store(true)
	defer t.replaying.Store(false)
	for _, a := range allocs {
		t.backend.Free(a)
	}
	t.mu.Lock()
	clear(t.cache)
	t.mu.Unlock()
}

func (t *Tracker) assertAccessible() {
	if !t.locked.Load() || t.thread == nil {
		return
	}
	if t.thread() != t.owner {
		fatal.Abort("module allocator was invoked while module was in the process of unloading\n" +
			"note: before unloading the module, make sure that all goroutines it started are finished\n" +
			"note: a module can export \"before_unload\" to wait for them")
	}
}
