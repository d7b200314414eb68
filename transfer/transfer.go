// Package transfer moves ownership of tracked allocations between a module and the host.
//
// A value returned from a module that holds tracked memory is still attributed to
// the module, and unloading the module frees it. Transferring the value to the host
// detaches every allocation it owns from the module; transferring to a module does
// the opposite for memory the host passes in.
package transfer

import (
	"reflect"
	"unsafe"

	"github.com/ZenLiuCN/hotmod/abi"
)

// Target receives every allocation owned by a transferred value.
type Target interface {
	Move(a abi.Allocation)
}

// Transferable is implemented by values that own tracked allocations.
type Transferable interface {
	Transfer(to Target)
}

// Allocator is the tracked allocation surface values are created from: the module
// SDK inside a module, the host allocator on the host.
type Allocator interface {
	Alloc(l abi.Layout) (abi.Allocation, error)
	Free(a abi.Allocation)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(a abi.Allocation)

func (f TargetFunc) Move(a abi.Allocation) { f(a) }

// Collect returns a Target appending to dst.
func Collect(dst *[]abi.Allocation) Target {
	return TargetFunc(func(a abi.Allocation) { *dst = append(*dst, a) })
}

var transferableType = reflect.TypeOf((*Transferable)(nil)).Elem()

// Walk transfers every Transferable reachable from v: through pointers, interfaces,
// struct fields (exported or not), arrays, slices and map keys and values. Each
// pointer is followed once, so cycles terminate. Values without owned memory are
// no-ops.
func Walk(v any, to Target) {
	if v == nil {
		return
	}
	w := walker{to: to, seen: make(map[unsafe.Pointer]struct{})}
	w.walk(reflect.ValueOf(v))
}

type walker struct {
	to   Target
	seen map[unsafe.Pointer]struct{}
}

func (w *walker) walk(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Type().Implements(transferableType) {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return
		}
		v.Interface().(Transferable).Transfer(w.to)
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() || !w.visit(v.UnsafePointer()) {
			return
		}
		w.walk(v.Elem())
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem())
		}
	case reflect.Struct:
		v = addressable(v)
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				f = reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
			}
			w.walk(f)
		}
	case reflect.Array:
		v = addressable(v)
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	case reflect.Slice:
		if v.IsNil() || (v.Len() > 0 && !w.visit(v.UnsafePointer())) {
			return
		}
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	case reflect.Map:
		if v.IsNil() || !w.visit(v.UnsafePointer()) {
			return
		}
		it := v.MapRange()
		for it.Next() {
			w.walk(it.Key())
			w.walk(it.Value())
		}
	default:
	}
}

func (w *walker) visit(p unsafe.Pointer) bool {
	if _, ok := w.seen[p]; ok {
		return false
	}
	w.seen[p] = struct{}{}
	return true
}

func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v
	}
	c := reflect.New(v.Type()).Elem()
	c.Set(v)
	return c
}
