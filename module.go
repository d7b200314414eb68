package hotmod

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/platform"
	"github.com/ZenLiuCN/hotmod/transfer"
)

// State of a loaded module.
type State int32

const (
	Active State = iota + 1
	// Quiescing: before_unload and the goroutine check are running.
	Quiescing
	// Locked: the allocator is locked, the module is never usable again.
	Locked
	Closed
	FailedUnload
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Quiescing:
		return "Quiescing"
	case Locked:
		return "Locked"
	case Closed:
		return "Closed"
	case FailedUnload:
		return "FailedUnload"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Module is a loaded module.
//
// Values returned by calls are only valid while the module is loaded unless they
// were copied or taken over with Take.
type Module struct {
	host        *Host
	id          abi.ModuleID
	path        string
	lib         abi.Library
	fingerprint string
	internal    abi.Internal
	exports     map[string]bridge.Export
	owner       uint64
	log         *zap.Logger

	// calls hold mu shared; unload holds it exclusively.
	mu       sync.RWMutex
	state    atomic.Int32
	poisoned atomic.Pointer[string]
}

func (m *Module) ID() abi.ModuleID    { return m.id }
func (m *Module) Path() string        { return m.path }
func (m *Module) Fingerprint() string { return m.fingerprint }
func (m *Module) State() State        { return State(m.state.Load()) }

// Poisoned reports whether an export panicked.
func (m *Module) Poisoned() bool { return m.poisoned.Load() != nil }

// Exports lists the exported names.
func (m *Module) Exports() []string {
	out := make([]string, 0, len(m.exports))
	for k := range m.exports {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the module exports name.
func (m *Module) Has(name string) bool {
	_, ok := m.exports[name]
	return ok
}

// Outstanding lists the allocations the module currently owns.
func (m *Module) Outstanding() []abi.Allocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.host.store.Has(m.id) {
		return nil
	}
	return m.host.store.Outstanding(m.id)
}

// export resolves name for a call. The caller holds m.mu shared.
func (m *Module) export(name string, boxed bool, ret reflect.Type, args ...reflect.Type) (bridge.Export, error) {
	if s := m.State(); s != Active {
		return bridge.Export{}, errors.Wrapf(ErrUnloaded, "%s is %s", m.path, s)
	}
	if p := m.poisoned.Load(); p != nil {
		return bridge.Export{}, errors.Wrapf(ErrPoisoned, "%s: export %q panicked", m.path, *p)
	}
	e, ok := m.exports[name]
	if !ok {
		return bridge.Export{}, errors.Wrapf(ErrMissingExport, "%s: %s", m.path, name)
	}
	if err := bridge.Check(e, boxed, ret, args...); err != nil {
		return bridge.Export{}, errors.Wrapf(err, "%s: %s", m.path, name)
	}
	return e, nil
}

func (m *Module) panicked(name string) error {
	m.poisoned.CompareAndSwap(nil, &name)
	m.log.Warn("export panicked, module poisoned", zap.String("export", name))
	return errors.Wrapf(ErrPanicked, "%s: %s", m.path, name)
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Call0 calls an export without arguments.
func Call0[R any](m *Module, name string) (r R, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.export(name, false, typeOf[R]())
	if err != nil {
		return r, err
	}
	r, ok := bridge.Call0[R](e.Stub)
	if !ok {
		return r, m.panicked(name)
	}
	return r, nil
}

// CallUnit calls an export without arguments or result.
func CallUnit(m *Module, name string) error {
	_, err := Call0[bridge.Unit](m, name)
	return err
}

// Call1 calls an export with one argument.
func Call1[A, R any](m *Module, name string, a A) (r R, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.export(name, false, typeOf[R](), typeOf[A]())
	if err != nil {
		return r, err
	}
	r, ok := bridge.Call1[A, R](e.Stub, a)
	if !ok {
		return r, m.panicked(name)
	}
	return r, nil
}

// Call2 calls an export with two arguments.
func Call2[A, B, R any](m *Module, name string, a A, b B) (r R, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.export(name, false, typeOf[R](), typeOf[A](), typeOf[B]())
	if err != nil {
		return r, err
	}
	r, ok := bridge.Call2[A, B, R](e.Stub, a, b)
	if !ok {
		return r, m.panicked(name)
	}
	return r, nil
}

func (m *Module) release(name string) (bridge.Stub, error) {
	rel, ok := m.exports[name+bridge.ReleaseSuffix]
	if !ok {
		return nil, errors.Wrapf(ErrMissingExport, "%s: %s", m.path, name+bridge.ReleaseSuffix)
	}
	return rel.Stub, nil
}

// CallBoxed0 calls a boxed export. clone deep copies the result before the module's
// box is released; nil keeps a shallow copy, which is only safe for values that do
// not reference module memory.
func CallBoxed0[R any](m *Module, name string, clone func(R) R) (r R, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.export(name, true, typeOf[R]())
	if err != nil {
		return r, err
	}
	rel, err := m.release(name)
	if err != nil {
		return r, err
	}
	r, ok := bridge.CallBoxed0[R](e.Stub, rel, clone)
	if !ok {
		return r, m.panicked(name)
	}
	return r, nil
}

// CallBoxed1 is CallBoxed0 with one argument.
func CallBoxed1[A, R any](m *Module, name string, clone func(R) R, a A) (r R, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.export(name, true, typeOf[R](), typeOf[A]())
	if err != nil {
		return r, err
	}
	rel, err := m.release(name)
	if err != nil {
		return r, err
	}
	r, ok := bridge.CallBoxed1[A, R](e.Stub, rel, clone, a)
	if !ok {
		return r, m.panicked(name)
	}
	return r, nil
}

// ToHost is the target making the host the owner of moved allocations.
func (m *Module) ToHost() transfer.Target {
	return transfer.TargetFunc(func(a abi.Allocation) {
		m.internal.RemoveFromCache(a.Ptr)
		m.host.store.TransferToHost(m.id, a.Ptr)
	})
}

// ToModule is the target making the module the owner of moved allocations.
func (m *Module) ToModule() transfer.Target {
	return transfer.TargetFunc(func(a abi.Allocation) {
		m.host.store.TransferToModule(m.id, a)
	})
}

// Take transfers every allocation owned by v to the host, which must Free them.
func (m *Module) Take(v any) {
	transfer.Walk(v, m.ToHost())
}

// Give transfers every allocation owned by v to the module, whose unload frees them.
func (m *Module) Give(v any) {
	transfer.Walk(v, m.ToModule())
}

// Unload tears the module down. Errors of kind BeforeUnloadPanicked and
// ThreadsStillRunning leave the module active, and Unload may be retried; after
// any other outcome the module is unusable.
//
// Unload must run on the OS thread that loaded the module.
func (m *Module) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.State(); s != Active {
		return errors.Wrapf(ErrUnloaded, "%s is %s", m.path, s)
	}
	if t := platform.ThreadID(); t != m.owner {
		m.log.Warn("module unloaded on a different OS thread than it was loaded on",
			zap.Uint64("owner_thread", m.owner), zap.Uint64("thread", t))
	}
	m.state.Store(int32(Quiescing))

	if e, ok := m.exports[abi.ExportBeforeUnload]; ok && !m.Poisoned() {
		if _, ok := bridge.Call0[bridge.Unit](e.Stub); !ok {
			m.state.Store(int32(Active))
			return &UnloadError{Kind: BeforeUnloadPanicked, Path: m.path}
		}
	}
	if n := m.internal.SpawnedThreads(); n > 0 {
		m.state.Store(int32(Active))
		m.log.Debug("goroutines still running", zap.Uint64("goroutines", n))
		return &UnloadError{Kind: ThreadsStillRunning, Path: m.path}
	}

	err := m.host.cfg.Adapter.Teardown(platform.Unloading{
		Base:     m.lib.Base(),
		Path:     m.path,
		Internal: m.internal,
		Lock: func() {
			m.internal.LockAllocator()
			m.state.Store(int32(Locked))
		},
		RemoveAllocs: m.removeAllocs,
		Close:        m.lib.Close,
	})
	m.host.forget(m.id)
	if err != nil {
		m.state.Store(int32(FailedUnload))
		return &UnloadError{Kind: PlatformCloseFailure, Path: m.path, Cause: err}
	}
	if m.host.cfg.Opener.IsLoaded(m.path) {
		m.state.Store(int32(FailedUnload))
		return &UnloadError{Kind: UnloadingFailUnknown, Path: m.path}
	}
	m.state.Store(int32(Closed))
	m.host.debug("unloaded", zap.Uint64("module_id", uint64(m.id)), zap.String("path", m.path))
	return nil
}

func (m *Module) removeAllocs() {
	m.internal.SendCachedAllocs()
	allocs := m.host.store.Remove(m.id)
	if !m.host.cfg.DisableTracking && len(allocs) == 0 {
		m.log.Warn("module allocation store is empty at unload, allocation tracking is not working")
	}
	m.host.debug("freeing module allocations", zap.Uint64("module_id", uint64(m.id)), zap.Int("allocations", len(allocs)))
	m.internal.Exit(allocs)
}
