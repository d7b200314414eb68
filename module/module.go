// Package module is the SDK a hot loadable module is written against.
//
// A module declares its SDK instance and publishes it under abi.SymModule. Its
// fingerprint, abi.SymCompatibilityInfo, is declared by the file `compile build`
// generates:
//
//	var sdk = module.New()
//	var Module abi.Internal = sdk
//
//	func init() {
//		sdk.Main(func() { ... })
//		bridge.Export1(sdk.Table(), "double", func(v int) int { return v * 2 })
//	}
//
// Memory that must outlive a call goes through Alloc and Free, goroutines through Go
// and per-module teardown through AtExit. The host relies on all three to unload
// the module without leaking.
package module

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/alloc"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/internal/fatal"
	"github.com/ZenLiuCN/hotmod/platform"
	"github.com/ZenLiuCN/hotmod/transfer"
)

// BacktraceEnv enables stacks in panic reports when set to anything but "" or "0".
const BacktraceEnv = "HOTMOD_BACKTRACE"

// Options configures a module SDK instance.
type Options struct {
	// Allocator is the backend memory comes from before the host configures one;
	// nil means alloc.Default().
	Allocator abi.Allocator
}

// Module is the module side of the boundary. It implements abi.Internal.
type Module struct {
	tracker *alloc.Tracker
	table   *bridge.Table

	id          abi.ModuleID
	imports     *abi.Imports
	initialized atomic.Bool
	intercept   bool
	backtrace   bool

	spawned atomic.Int64

	mu       sync.Mutex
	dtors    []func()
	dtorsRan bool
	detach   func()
}

var _ abi.Internal = (*Module)(nil)

// New creates the SDK instance of one module.
func New(opts ...Options) *Module {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	m := &Module{
		tracker: alloc.NewTracker(o.Allocator),
		table:   bridge.NewTable(),
	}
	m.table.SetPanicHook(m.reportPanic)
	return m
}

// Table is the export table published to the host.
func (m *Module) Table() *bridge.Table { return m.table }

// Main registers the entry point the host calls right after loading.
func (m *Module) Main(fn func()) {
	bridge.ExportUnit(m.table, abi.ExportMain, fn)
}

// BeforeUnload registers the hook the host calls first on unload. It is the place
// to stop goroutines started with Go.
func (m *Module) BeforeUnload(fn func()) {
	bridge.ExportUnit(m.table, abi.ExportBeforeUnload, fn)
}

// ID is the module id assigned by the host, or abi.InvalidModuleID before init.
func (m *Module) ID() abi.ModuleID { return m.id }

// Initialized reports whether the host has initialized the module.
func (m *Module) Initialized() bool { return m.initialized.Load() }

// Alloc allocates tracked memory; the host frees whatever is left at unload.
func (m *Module) Alloc(l abi.Layout) (abi.Allocation, error) {
	return m.tracker.Alloc(l)
}

// Free releases memory returned by Alloc.
func (m *Module) Free(a abi.Allocation) {
	m.tracker.Free(a)
}

var _ transfer.Allocator = (*Module)(nil)

// Go runs fn on a new goroutine counted against the module. The host refuses to
// unload while any is running. A panic in fn is reported and ends only that goroutine.
func (m *Module) Go(fn func()) {
	m.spawned.Add(1)
	go func() {
		defer m.spawned.Add(-1)
		m.table.Contain(fn)
	}()
}

// AtExit registers fn to run when the module is torn down. Functions run in reverse
// order of registration, once.
func (m *Module) AtExit(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dtorsRan {
		fatal.Abort("AtExit called after module destructors ran")
	}
	m.dtors = append(m.dtors, fn)
}

// Host returns a function the host published through its imports.
func (m *Module) Host(name string) (bridge.Export, bool) {
	if m.imports == nil || m.imports.Host == nil {
		return bridge.Export{}, false
	}
	e, ok := m.imports.Host[name]
	return e, ok
}

// Eprintln writes to the host error output, or stderr before init.
func (m *Module) Eprintln(msg string) {
	if m.imports != nil && m.imports.Eprintln != nil {
		m.imports.Eprintln(m.id, msg)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

// Unrecoverable aborts the process through the host.
func (m *Module) Unrecoverable(msg string) {
	if m.imports != nil && m.imports.Unrecoverable != nil {
		m.imports.Unrecoverable(m.id, msg)
	}
	fatal.Abort(msg)
}

// ToHost is the target handing allocations over to the host.
func (m *Module) ToHost() transfer.Target {
	return transfer.TargetFunc(func(a abi.Allocation) {
		m.tracker.RemoveFromCache(a.Ptr)
		if m.imports != nil {
			m.imports.TransferToHost(m.id, a.Ptr)
		}
	})
}

func (m *Module) reportPanic(recovered any, stack []byte) {
	msg := fmt.Sprintf("module %d panicked: %v", m.id, recovered)
	if m.backtrace {
		msg += "\n" + string(stack)
	} else {
		msg += fmt.Sprintf("\nnote: run with `%s=1` environment variable to display a backtrace", BacktraceEnv)
	}
	m.Eprintln(msg)
}

// Init is called by the host once, before any export.
func (m *Module) Init(ctx abi.InitContext) {
	if m.initialized.Load() {
		fatal.Abortf("module %d initialized twice", ctx.ID)
	}
	m.id = ctx.ID
	m.imports = ctx.Imports
	m.intercept = ctx.InterceptDestructors
	v := os.Getenv(BacktraceEnv)
	m.backtrace = v != "" && v != "0"
	m.tracker.Init(ctx, platform.ThreadID)
	m.initialized.Store(true)
}

func (m *Module) Exports() map[string]bridge.Export { return m.table.Exports() }

func (m *Module) SendCachedAllocs() { m.tracker.SendCachedAllocs() }

func (m *Module) RemoveFromCache(ptr uintptr) { m.tracker.RemoveFromCache(ptr) }

// Exit frees the allocations the host collected for this module.
func (m *Module) Exit(allocs []abi.Allocation) { m.tracker.DeallocReplay(allocs) }

func (m *Module) LockAllocator() { m.tracker.Lock() }

func (m *Module) SpawnedThreads() uint64 {
	if n := m.spawned.Load(); n > 0 {
		return uint64(n)
	}
	return 0
}

// RunThreadLocalDestructors runs the AtExit functions. It is the host's job when
// destructors are intercepted.
func (m *Module) RunThreadLocalDestructors() {
	m.mu.Lock()
	if m.dtorsRan {
		m.mu.Unlock()
		return
	}
	m.dtorsRan = true
	dtors := m.dtors
	m.dtors = nil
	m.mu.Unlock()

	for i := len(dtors) - 1; i >= 0; i-- {
		if !m.table.Contain(dtors[i]) {
			m.Eprintln(fmt.Sprintf("destructor %d of module %d panicked", i, m.id))
		}
	}
}

// MiscCleanup releases boxed values the host never released.
func (m *Module) MiscCleanup() {
	if n := m.table.Boxes().Drain(); n > 0 {
		m.Eprintln(fmt.Sprintf("module %d: %d boxed values were never released", m.id, n))
	}
}

func (m *Module) SetDetachCallback(fn func()) {
	m.mu.Lock()
	m.detach = fn
	m.mu.Unlock()
}

// ProcessDetach runs the module's destructors, then the host's detach callback,
// then cleanup.
func (m *Module) ProcessDetach() {
	m.RunThreadLocalDestructors()
	m.mu.Lock()
	cb := m.detach
	m.detach = nil
	m.mu.Unlock()
	if cb == nil {
		fatal.Abort("detach callback was not set before process detach")
	}
	cb()
	m.MiscCleanup()
}
