package bridge

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ErrSignatureMismatch is returned by Check when an export does not have the expected Go type.
var ErrSignatureMismatch = errors.New("export signature mismatch")

// Check verifies that e was registered with the given argument and return types.
// Types are compared by name so a module linked at runtime matches the host.
func Check(e Export, boxed bool, ret reflect.Type, args ...reflect.Type) error {
	want := Export{Args: args, Ret: ret, Boxed: boxed}
	if e.Boxed != boxed || len(e.Args) != len(args) || name(e.Ret) != name(ret) {
		return errors.Wrapf(ErrSignatureMismatch, "have %s, want %s", e.Signature(), want.Signature())
	}
	for i := range args {
		if name(e.Args[i]) != name(args[i]) {
			return errors.Wrapf(ErrSignatureMismatch, "have %s, want %s", e.Signature(), want.Signature())
		}
	}
	return nil
}

func name(t reflect.Type) string {
	if t == nil {
		return unitType.String()
	}
	return t.String()
}

// Call0 invokes a stub of no arguments. ok is false when the callee panicked.
func Call0[R any](s Stub) (r R, ok bool) {
	ok = s(nil, unsafe.Pointer(&r))
	return
}

// Call1 invokes a stub of one argument.
func Call1[A, R any](s Stub, a A) (r R, ok bool) {
	ok = s(unsafe.Pointer(&a), unsafe.Pointer(&r))
	return
}

// Call2 invokes a stub of two arguments.
func Call2[A, B, R any](s Stub, a A, b B) (r R, ok bool) {
	args := Args2[A, B]{A: a, B: b}
	ok = s(unsafe.Pointer(&args), unsafe.Pointer(&r))
	return
}

// CallBoxed0 invokes a boxed stub, copies the value out through clone (identity when
// nil) and releases the callee's box exactly once.
func CallBoxed0[R any](s, release Stub, clone func(R) R) (r R, ok bool) {
	var p unsafe.Pointer
	if !s(nil, unsafe.Pointer(&p)) {
		return r, false
	}
	return unbox(p, release, clone)
}

// CallBoxed1 is CallBoxed0 for a stub of one argument.
func CallBoxed1[A, R any](s, release Stub, clone func(R) R, a A) (r R, ok bool) {
	var p unsafe.Pointer
	if !s(unsafe.Pointer(&a), unsafe.Pointer(&p)) {
		return r, false
	}
	return unbox(p, release, clone)
}

func unbox[R any](p unsafe.Pointer, release Stub, clone func(R) R) (r R, ok bool) {
	r = *(*R)(p)
	if clone != nil {
		r = clone(r)
	}
	if !release(unsafe.Pointer(&p), nil) {
		var zero R
		return zero, false
	}
	return r, true
}
