package bridge

import (
	"fmt"
	"reflect"
	"unsafe"
)

// ReleaseSuffix is appended to a boxed export's name to form its release stub name.
const ReleaseSuffix = "__release"

// Args2 carries two arguments through a single pointer.
type Args2[A, B any] struct {
	A A
	B B
}

// Str is a relocatable view of a string owned by the caller for the duration of a call.
type Str struct {
	Ptr unsafe.Pointer
	Len int
}

// StrOf views s. The view must not outlive the call it is passed to.
func StrOf(s string) Str {
	return Str{Ptr: unsafe.Pointer(unsafe.StringData(s)), Len: len(s)}
}

// String copies the viewed bytes into a new string.
func (s Str) String() string {
	if s.Len == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(s.Ptr), s.Len))
}

func mustRelocate(name, what string, t reflect.Type) {
	if !Relocatable(t) {
		panic(fmt.Sprintf("bridge: %s of export %q has type %s which is not trivially relocatable", what, name, t))
	}
}

func write[R any](ret unsafe.Pointer, v R) {
	if ret != nil {
		*(*R)(ret) = v
	}
}

// ExportUnit registers fn, which returns nothing.
func ExportUnit(t *Table, name string, fn func()) {
	Export0(t, name, func() Unit {
		fn()
		return Unit{}
	})
}

// Export0 registers a function without arguments.
func Export0[R any](t *Table, name string, fn func() R) {
	rt := typeOf[R]()
	mustRelocate(name, "return", rt)
	t.Register(name, Export{
		Ret: rt,
		Stub: func(_, ret unsafe.Pointer) bool {
			return t.Contain(func() { write(ret, fn()) })
		},
	})
}

// Export1 registers a function of one argument.
func Export1[A, R any](t *Table, name string, fn func(A) R) {
	at, rt := typeOf[A](), typeOf[R]()
	mustRelocate(name, "argument", at)
	mustRelocate(name, "return", rt)
	t.Register(name, Export{
		Args: []reflect.Type{at},
		Ret:  rt,
		Stub: func(args, ret unsafe.Pointer) bool {
			return t.Contain(func() { write(ret, fn(*(*A)(args))) })
		},
	})
}

// Export2 registers a function of two arguments, passed as Args2.
func Export2[A, B, R any](t *Table, name string, fn func(A, B) R) {
	at, bt, rt := typeOf[A](), typeOf[B](), typeOf[R]()
	mustRelocate(name, "first argument", at)
	mustRelocate(name, "second argument", bt)
	mustRelocate(name, "return", rt)
	t.Register(name, Export{
		Args: []reflect.Type{at, bt},
		Ret:  rt,
		Stub: func(args, ret unsafe.Pointer) bool {
			return t.Contain(func() {
				a := (*Args2[A, B])(args)
				write(ret, fn(a.A, a.B))
			})
		},
	})
}

// ExportBoxed0 registers a function whose return value needs cleanup logic.
// The value is kept in the table's Boxes until the caller invokes the release stub.
func ExportBoxed0[R any](t *Table, name string, fn func() R) {
	registerBoxed(t, name, nil, typeOf[R](), func(_ unsafe.Pointer) any {
		v := fn()
		return &v
	})
}

// ExportBoxed1 is ExportBoxed0 for a function of one argument.
func ExportBoxed1[A, R any](t *Table, name string, fn func(A) R) {
	at := typeOf[A]()
	mustRelocate(name, "argument", at)
	registerBoxed(t, name, []reflect.Type{at}, typeOf[R](), func(args unsafe.Pointer) any {
		v := fn(*(*A)(args))
		return &v
	})
}

func registerBoxed(t *Table, name string, args []reflect.Type, rt reflect.Type, produce func(args unsafe.Pointer) any) {
	t.Register(name, Export{
		Args:  args,
		Ret:   rt,
		Boxed: true,
		Stub: func(args, ret unsafe.Pointer) bool {
			return t.Contain(func() {
				box := produce(args)
				p := reflect.ValueOf(box).UnsafePointer()
				t.boxes.put(p, box)
				write(ret, p)
			})
		},
	})
	t.Register(name+ReleaseSuffix, Export{
		Args: []reflect.Type{reflect.TypeOf(unsafe.Pointer(nil))},
		Ret:  unitType,
		Stub: func(args, _ unsafe.Pointer) bool {
			return t.Contain(func() { t.boxes.release(*(*unsafe.Pointer)(args)) })
		},
	})
}
