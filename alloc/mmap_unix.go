//go:build unix

package alloc

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/ZenLiuCN/hotmod/abi"
)

// Mmap hands out anonymous private mappings, one per allocation, rounded up to
// the page size. It suits large buffers; memory goes straight back to the kernel on Free.
type Mmap struct {
	mu       sync.Mutex
	live     map[uintptr][]byte
	inUse    atomic.Uintptr
	pageSize uintptr
}

// NewMmap returns an empty mapping allocator.
func NewMmap() *Mmap {
	return &Mmap{live: make(map[uintptr][]byte), pageSize: uintptr(os.Getpagesize())}
}

// Allocate maps a fresh region. Alignments above the page size are rejected.
func (m *Mmap) Allocate(l abi.Layout) (uintptr, error) {
	if !l.Valid() || l.Align > m.pageSize {
		return 0, errors.Wrapf(ErrInvalidLayout, "%s (page size %d)", l, m.pageSize)
	}
	n := alignUp(max(l.Size, 1), m.pageSize)
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrapf(err, "mmap %d bytes", n)
	}
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	m.mu.Lock()
	m.live[ptr] = b
	m.mu.Unlock()
	m.inUse.Add(l.Size)
	return ptr, nil
}

// Free unmaps a. Unknown pointers and munmap failures panic.
func (m *Mmap) Free(a abi.Allocation) {
	m.mu.Lock()
	b, ok := m.live[a.Ptr]
	delete(m.live, a.Ptr)
	m.mu.Unlock()
	if !ok {
		panic(errors.Wrapf(ErrUnknownPointer, "%s", a))
	}
	if err := unix.Munmap(b); err != nil {
		panic(errors.Wrapf(err, "munmap %s", a))
	}
	m.inUse.Add(^(a.Layout.Size - 1))
}

// InUse reports the requested bytes not yet freed.
func (m *Mmap) InUse() uintptr {
	return m.inUse.Load()
}

// Mapped is the number of live mappings.
func (m *Mmap) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
