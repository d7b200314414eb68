package transfer

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/bridge"
)

// ErrNotRelocatable is returned when a container would hold Go pointers in
// memory the garbage collector does not scan.
var ErrNotRelocatable = errors.New("element type is not trivially relocatable")

// Bytes is a tracked byte buffer. It is itself relocatable, so it can be
// returned from an export as is.
type Bytes struct {
	Allocation abi.Allocation
	Len        int
}

// NewBytes allocates n zeroed bytes from a.
func NewBytes(a Allocator, n int) (Bytes, error) {
	al, err := a.Alloc(abi.Layout{Size: uintptr(n), Align: 1})
	if err != nil {
		return Bytes{}, err
	}
	b := Bytes{Allocation: al, Len: n}
	clear(b.Data())
	return b, nil
}

// BytesOf allocates a copy of src.
func BytesOf(a Allocator, src []byte) (Bytes, error) {
	b, err := NewBytes(a, len(src))
	if err != nil {
		return Bytes{}, err
	}
	copy(b.Data(), src)
	return b, nil
}

// Data views the buffer.
func (b Bytes) Data() []byte {
	if b.Len == 0 || b.Allocation.Ptr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b.Allocation.Ptr)), b.Len)
}

func (b Bytes) String() string {
	return string(b.Data())
}

func (b Bytes) Transfer(to Target) {
	if b.Allocation.Ptr != 0 {
		to.Move(b.Allocation)
	}
}

// Free releases the buffer through a, which must be the side that owns it.
func (b Bytes) Free(a Allocator) {
	if b.Allocation.Ptr != 0 {
		a.Free(b.Allocation)
	}
}

// Box is a single tracked value of a relocatable type.
type Box[T any] struct {
	Allocation abi.Allocation
}

// NewBox allocates room for v and stores it.
func NewBox[T any](a Allocator, v T) (Box[T], error) {
	if !bridge.RelocatableOf[T]() {
		return Box[T]{}, errors.Wrapf(ErrNotRelocatable, "%T", v)
	}
	al, err := a.Alloc(abi.Layout{Size: unsafe.Sizeof(v), Align: unsafe.Alignof(v)})
	if err != nil {
		return Box[T]{}, err
	}
	b := Box[T]{Allocation: al}
	*b.Get() = v
	return b, nil
}

// Get points at the boxed value.
func (b Box[T]) Get() *T {
	return (*T)(unsafe.Pointer(b.Allocation.Ptr))
}

func (b Box[T]) Transfer(to Target) {
	if b.Allocation.Ptr != 0 {
		to.Move(b.Allocation)
	}
}

func (b Box[T]) Free(a Allocator) {
	if b.Allocation.Ptr != 0 {
		a.Free(b.Allocation)
	}
}

// Slice is a tracked fixed-length array of a relocatable type.
type Slice[T any] struct {
	Allocation abi.Allocation
	Len        int
}

// NewSlice allocates n zeroed elements.
func NewSlice[T any](a Allocator, n int) (Slice[T], error) {
	var zero T
	if !bridge.RelocatableOf[T]() {
		return Slice[T]{}, errors.Wrapf(ErrNotRelocatable, "%T", zero)
	}
	if n == 0 {
		return Slice[T]{}, nil
	}
	al, err := a.Alloc(abi.Layout{Size: unsafe.Sizeof(zero) * uintptr(n), Align: unsafe.Alignof(zero)})
	if err != nil {
		return Slice[T]{}, err
	}
	s := Slice[T]{Allocation: al, Len: n}
	clear(s.Items())
	return s, nil
}

// SliceOf allocates a copy of src.
func SliceOf[T any](a Allocator, src []T) (Slice[T], error) {
	s, err := NewSlice[T](a, len(src))
	if err != nil {
		return s, err
	}
	copy(s.Items(), src)
	return s, nil
}

// Items views the elements.
func (s Slice[T]) Items() []T {
	if s.Len == 0 || s.Allocation.Ptr == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(s.Allocation.Ptr)), s.Len)
}

func (s Slice[T]) Transfer(to Target) {
	if s.Allocation.Ptr != 0 {
		to.Move(s.Allocation)
	}
}

func (s Slice[T]) Free(a Allocator) {
	if s.Allocation.Ptr != 0 {
		a.Free(s.Allocation)
	}
}
