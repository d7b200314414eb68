package bridge

import (
	"reflect"
	"sync"
)

// Unit is the return type of functions returning nothing.
type Unit = struct{}

var (
	unitType    = reflect.TypeOf(Unit{})
	relocatable sync.Map // reflect.Type -> bool
)

// Relocatable reports whether values of t may be copied across the boundary as raw
// bytes: booleans, numbers, uintptr, unsafe.Pointer, and arrays or structs made only
// of those. Strings, slices, maps, channels, funcs, interfaces and Go pointers carry
// runtime-managed state and need a box.
func Relocatable(t reflect.Type) bool {
	if t == nil {
		return true
	}
	if v, ok := relocatable.Load(t); ok {
		return v.(bool)
	}
	r := classify(t)
	relocatable.Store(t, r)
	return r
}

// RelocatableOf is Relocatable for a type parameter.
func RelocatableOf[T any]() bool {
	return Relocatable(reflect.TypeOf((*T)(nil)).Elem())
}

func classify(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.UnsafePointer:
		return true
	case reflect.Array:
		return classify(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !classify(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
