// Package platform holds what differs between operating systems when a module is
// attached and torn down.
//
// Eager follows the linux model: the host runs a module's destructors and cleanup
// itself, then closes the library. Detach follows the windows model: destructors run
// as part of the module's process detach, and the host's own teardown is a callback
// the module invokes after them. Default picks the model of the running OS.
package platform

import (
	"github.com/ZenLiuCN/hotmod/abi"
)

// Unloading is the part of an unload an Adapter orders.
type Unloading struct {
	Base     uintptr
	Path     string
	Internal abi.Internal
	// Lock locks the module allocator; the module is unusable afterwards.
	Lock func()
	// RemoveAllocs drains the module's allocations from the host store and replays them.
	RemoveAllocs func()
	// Close closes the library.
	Close func() error
}

// Adapter performs the platform specific steps of attaching and tearing down a module.
type Adapter interface {
	Name() string
	// InterceptDestructors reports whether module destructors are collected for the
	// host to run, instead of running on process detach.
	InterceptDestructors() bool
	// Init prepares process wide state, such as the symbol subsystem, ahead of the first load.
	Init() error
	Attach(base uintptr, path string) error
	// Teardown locks the module, runs its destructors, removes its allocations and
	// closes the library, in the order the platform requires.
	Teardown(u Unloading) error
}
