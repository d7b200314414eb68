package alloc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"

	"github.com/ZenLiuCN/hotmod/abi"
)

var (
	// ErrInvalidLayout is returned for a zero or non power of two alignment.
	ErrInvalidLayout = errors.New("invalid allocation layout")
	// ErrUnknownPointer is returned by a backend asked to free memory it never handed out.
	ErrUnknownPointer = errors.New("pointer not allocated by this backend")
)

func alignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// Heap hands out memory carved from Go byte slices. A slice stays reachable from
// the live map until Free, so the garbage collector only reclaims it afterwards.
type Heap struct {
	mu    sync.Mutex
	live  map[uintptr][]byte
	inUse atomic.Uintptr
}

var defaultHeap = NewHeap()

// Default is the process-wide heap used when no allocator is configured.
func Default() *Heap {
	return defaultHeap
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{live: make(map[uintptr][]byte)}
}

// Allocate returns zeroed memory of l.Size bytes aligned to l.Align.
func (h *Heap) Allocate(l abi.Layout) (uintptr, error) {
	if !l.Valid() {
		return 0, errors.Wrapf(ErrInvalidLayout, "%s", l)
	}
	size := l.Size
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size+l.Align-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	ptr := alignUp(base, l.Align)
	h.mu.Lock()
	h.live[ptr] = buf
	h.mu.Unlock()
	h.inUse.Add(l.Size)
	return ptr, nil
}

// Free releases a. Freeing an unknown pointer panics with ErrUnknownPointer.
func (h *Heap) Free(a abi.Allocation) {
	h.mu.Lock()
	_, ok := h.live[a.Ptr]
	delete(h.live, a.Ptr)
	h.mu.Unlock()
	if !ok {
		panic(errors.Wrapf(ErrUnknownPointer, "%s", a))
	}
	h.inUse.Add(^(a.Layout.Size - 1))
}

// InUse reports the requested bytes not yet freed.
func (h *Heap) InUse() uintptr {
	return h.inUse.Load()
}

// Live is the number of outstanding allocations.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Bytes views n bytes at ptr. The memory must have been returned by an Allocator
// and not yet freed.
func Bytes(ptr uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}
