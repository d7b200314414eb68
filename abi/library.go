package abi

import "unsafe"

// Library is one opened module image.
type Library interface {
	Path() string
	// Lookup returns the address of the exported variable name.
	Lookup(name string) (unsafe.Pointer, bool)
	// Base identifies the image to the platform symbol subsystem.
	Base() uintptr
	Close() error
}

// Opener opens module images of one kind.
type Opener interface {
	Open(path string) (Library, error)
	// IsLoaded reports whether any image for path is still open.
	IsLoaded(path string) bool
}

// ReadVar reads the variable of type T a Library exported.
func ReadVar[T any](lib Library, name string) (v T, ok bool) {
	p, ok := lib.Lookup(name)
	if !ok || p == nil {
		return v, false
	}
	return *(*T)(p), true
}
