// Package abi holds the types both sides of the module boundary agree on.
//
// A host and a module only interact through the values declared here, the
// fingerprint string and the stubs of package bridge. Everything is plain data
// or function values so that a module linked by goloader and the host agree on
// memory layout as long as the fingerprints match.
package abi

import (
	"fmt"

	"github.com/ZenLiuCN/hotmod/bridge"
)

// ModuleID is unique for the life of the process. Zero is never assigned.
type ModuleID uint64

// InvalidModuleID is the zero ModuleID.
const InvalidModuleID ModuleID = 0

// Well-known names looked up in every module.
const (
	// SymCompatibilityInfo is the string variable holding the module fingerprint.
	SymCompatibilityInfo = "CompatibilityInfo"
	// SymModule is the variable holding the module capability table (a value implementing Internal).
	SymModule = "Module"

	ExportMain         = "main"
	ExportBeforeUnload = "before_unload"
)

// Layout is the size and alignment of one allocation.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// Valid reports whether the alignment is a non-zero power of two.
func (l Layout) Valid() bool {
	return l.Align != 0 && l.Align&(l.Align-1) == 0
}

func (l Layout) String() string {
	return fmt.Sprintf("size: %d align: %d", l.Size, l.Align)
}

// Allocation is identified by Ptr while it is live.
type Allocation struct {
	Ptr    uintptr
	Layout Layout
}

func (a Allocation) String() string {
	return fmt.Sprintf("(%#x, %s)", a.Ptr, a.Layout)
}

// OpKind tags an Op.
type OpKind uint8

const (
	OpAlloc OpKind = iota + 1
	OpDealloc
)

func (k OpKind) String() string {
	switch k {
	case OpAlloc:
		return "alloc"
	case OpDealloc:
		return "dealloc"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op is one notification sent from a module tracker to the host store.
type Op struct {
	Kind       OpKind
	Allocation Allocation
}

// AllocOp builds an alloc notification.
func AllocOp(a Allocation) Op { return Op{Kind: OpAlloc, Allocation: a} }

// DeallocOp builds a dealloc notification.
func DeallocOp(a Allocation) Op { return Op{Kind: OpDealloc, Allocation: a} }

// Allocator is the real memory source shared by the host and its modules.
type Allocator interface {
	Allocate(layout Layout) (ptr uintptr, err error)
	Free(a Allocation)
	// InUse is the number of bytes currently handed out.
	InUse() uintptr
}

// Imports is the table of host functions installed into a module at load.
type Imports struct {
	OnAlloc        func(id ModuleID, a Allocation)
	OnCachedAllocs func(id ModuleID, ops []Op)
	IsPtrAllocated func(id ModuleID, a Allocation) bool
	TransferToHost func(id ModuleID, ptr uintptr) bool
	Eprintln       func(id ModuleID, message string)
	Unrecoverable  func(id ModuleID, message string)
	// Host are user defined host functions callable from the module.
	Host map[string]bridge.Export
}

// InitContext is passed to Internal.Init once, on the loading thread.
type InitContext struct {
	ID          ModuleID
	OwnerThread uint64
	Imports     *Imports
	Allocator   Allocator

	TrackAllocs      bool
	ValidateDeallocs bool
	CacheSize        int
	// ImmediateAllocs sends every allocation to the host as it happens instead of batching.
	ImmediateAllocs  bool

	// InterceptDestructors selects whether AtExit registrations are run by the
	// host before close (true) or naturally at process detach (false).
	InterceptDestructors bool
}

// Internal is the fixed set of operations every module exposes to the host.
// The host resolves it once at load.
type Internal interface {
	Init(ctx InitContext)
	Exports() map[string]bridge.Export

	SendCachedAllocs()
	RemoveFromCache(ptr uintptr)
	Exit(allocs []Allocation)
	LockAllocator()

	RunThreadLocalDestructors()
	SpawnedThreads() uint64
	MiscCleanup()

	SetDetachCallback(fn func())
	ProcessDetach()
}
