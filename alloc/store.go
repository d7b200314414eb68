package alloc

import (
	"sort"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/internal/fatal"
)

// Store is the host side record of what every loaded module still owns.
//
// The outer lock only guards the set of buckets; each module's bucket has its own
// lock, so modules on different threads only contend while looking up their bucket.
// Go mutexes are not poisoned: a missing bucket is the only inconsistency detected,
// and it aborts.
type Store struct {
	mu      sync.RWMutex
	modules map[abi.ModuleID]*bucket
}

type bucket struct {
	mu              sync.Mutex
	allocs          map[uintptr]abi.Allocation
	removeFromCache func(ptr uintptr)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{modules: make(map[abi.ModuleID]*bucket)}
}

// Add registers a module. removeFromCache is the module tracker's cache eviction,
// used when an allocation is transferred to the module.
func (s *Store) Add(id abi.ModuleID, removeFromCache func(ptr uintptr)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; ok {
		fatal.Abortf("module %d registered twice in the allocation store", id)
	}
	s.modules[id] = &bucket{allocs: make(map[uintptr]abi.Allocation), removeFromCache: removeFromCache}
}

// SetRemoveFromCache replaces the cache eviction callback of a registered module.
func (s *Store) SetRemoveFromCache(id abi.ModuleID, fn func(ptr uintptr)) {
	b := s.bucket(id, "set remove from cache")
	b.mu.Lock()
	b.removeFromCache = fn
	b.mu.Unlock()
}

// Remove unregisters a module and returns every allocation it still owns.
func (s *Store) Remove(id abi.ModuleID) []abi.Allocation {
	s.mu.Lock()
	b, ok := s.modules[id]
	delete(s.modules, id)
	s.mu.Unlock()
	if !ok {
		fatal.Abortf("failed to take allocations of module with id: %d", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]abi.Allocation, 0, len(b.allocs))
	for _, a := range b.allocs {
		out = append(out, a)
	}
	b.allocs = nil
	return out
}

// Has reports whether id is registered.
func (s *Store) Has(id abi.ModuleID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.modules[id]
	return ok
}

func (s *Store) bucket(id abi.ModuleID, op string) *bucket {
	s.mu.RLock()
	b, ok := s.modules[id]
	s.mu.RUnlock()
	if !ok {
		fatal.Abortf("%s: module %d is not registered in the allocation store", op, id)
	}
	return b
}

// OnAlloc records a single allocation.
func (s *Store) OnAlloc(id abi.ModuleID, a abi.Allocation) {
	b := s.bucket(id, "on alloc")
	b.mu.Lock()
	b.allocs[a.Ptr] = a
	b.mu.Unlock()
}

// OnCachedAllocs applies a batch of ops. A dealloc of an unknown pointer is ignored:
// its alloc may have been transferred or batched away in the same flush.
func (s *Store) OnCachedAllocs(id abi.ModuleID, ops []abi.Op) {
	b := s.bucket(id, "on cached allocs")
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case abi.OpAlloc:
			b.allocs[op.Allocation.Ptr] = op.Allocation
		case abi.OpDealloc:
			delete(b.allocs, op.Allocation.Ptr)
		default:
			fatal.Abortf("unknown allocator op %s from module %d", op.Kind, id)
		}
	}
}

// IsAllocated reports whether a is recorded with exactly this layout.
func (s *Store) IsAllocated(id abi.ModuleID, a abi.Allocation) bool {
	b := s.bucket(id, "is ptr allocated")
	b.mu.Lock()
	defer b.mu.Unlock()
	got, ok := b.allocs[a.Ptr]
	return ok && got == a
}

// TransferToHost forgets ptr; the host is now responsible for freeing it.
func (s *Store) TransferToHost(id abi.ModuleID, ptr uintptr) bool {
	b := s.bucket(id, "transfer to host")
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.allocs[ptr]
	delete(b.allocs, ptr)
	return ok
}

// TransferToModule attributes a to the module; its unload will free it.
func (s *Store) TransferToModule(id abi.ModuleID, a abi.Allocation) {
	b := s.bucket(id, "transfer to module")
	b.mu.Lock()
	evict := b.removeFromCache
	b.mu.Unlock()
	if evict != nil {
		// outside the bucket lock: the tracker may be flushing into this bucket
		evict(a.Ptr)
	}
	b.mu.Lock()
	b.allocs[a.Ptr] = a
	b.mu.Unlock()
}

// Outstanding returns a snapshot of a module's allocations ordered by pointer.
func (s *Store) Outstanding(id abi.ModuleID) []abi.Allocation {
	b := s.bucket(id, "outstanding")
	b.mu.Lock()
	out := make([]abi.Allocation, 0, len(b.allocs))
	for _, a := range b.allocs {
		out = append(out, a)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ptr < out[j].Ptr })
	return out
}

// Len is the number of allocations recorded for id.
func (s *Store) Len(id abi.ModuleID) int {
	b := s.bucket(id, "len")
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.allocs)
}

// Modules lists registered ids in ascending order.
func (s *Store) Modules() []abi.ModuleID {
	s.mu.RLock()
	ids := make([]abi.ModuleID, 0, len(s.modules))
	for id := range s.modules {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WriteStats writes one object per module with its allocation count and bytes.
func (s *Store) WriteStats(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()
	for _, id := range s.Modules() {
		allocs := s.Outstanding(id)
		var bytes uintptr
		for _, a := range allocs {
			bytes += a.Layout.Size
		}
		obj := arr.Object()
		obj.Name("ModuleID").Float64(float64(id))
		obj.Name("Allocations").Int(len(allocs))
		obj.Name("Bytes").Float64(float64(bytes))
		obj.End()
	}
}
