package hotmod

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/alloc"
	"github.com/ZenLiuCN/hotmod/internal/fatal"
	"github.com/ZenLiuCN/hotmod/platform"
)

// loadMu serializes every load in the process, so concurrent loads of one path
// yield exactly one module.
var loadMu sync.Mutex

var moduleIDs atomic.Uint64

func nextModuleID() abi.ModuleID {
	id := moduleIDs.Add(1)
	if id == uint64(abi.InvalidModuleID) {
		fatal.Abort("module id counter overflowed")
	}
	return abi.ModuleID(id)
}

// Host loads and unloads modules.
//
// A module must be loaded and unloaded on the same OS thread: lock the goroutine
// with runtime.LockOSThread around both. Calls into loaded modules may happen from
// any goroutine.
type Host struct {
	cfg   Config
	log   *zap.Logger
	store *alloc.Store

	mu     sync.Mutex
	loaded map[abi.ModuleID]*Module
}

// NewHost creates a host; zero fields of cfg take their DefaultConfig value.
func NewHost(cfg Config) *Host {
	cfg = cfg.withDefaults()
	h := &Host{
		cfg:    cfg,
		log:    cfg.Logger.Named("hotmod"),
		store:  alloc.NewStore(),
		loaded: make(map[abi.ModuleID]*Module),
	}
	cfg.Imports.SetPanicHook(func(recovered any, stack []byte) {
		h.log.Error("host import panicked", zap.Any("panic", recovered), zap.ByteString("stack", stack))
	})
	fatal.SetLogger(h.log)
	return h
}

// Init prepares the platform symbol subsystem ahead of the first load. Loading does
// this on demand; calling Init early matters when stack traces are captured before.
func (h *Host) Init() error {
	return h.cfg.Adapter.Init()
}

// Config returns the effective configuration.
func (h *Host) Config() Config { return h.cfg }

// Store is the record of allocations owned by loaded modules.
func (h *Host) Store() *alloc.Store { return h.store }

// Fingerprint is what module fingerprints must equal.
func (h *Host) Fingerprint() string { return h.cfg.Fingerprint }

func (h *Host) debug(msg string, fields ...zap.Field) {
	if h.cfg.Debug {
		h.log.Info(msg, fields...)
	}
}

// Load opens the library at path, checks its fingerprint and initializes it. The
// entry point is not called; see LoadMain.
func (h *Host) Load(path string) (*Module, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if h.cfg.Opener.IsLoaded(path) {
		return nil, &LoadError{Kind: AlreadyLoaded, Path: path}
	}
	lib, err := h.cfg.Opener.Open(path)
	if err != nil {
		return nil, &LoadError{Kind: PlatformOpenFailure, Path: path, Cause: err}
	}
	fail := func(e *LoadError) (*Module, error) {
		if cerr := lib.Close(); cerr != nil {
			h.log.Warn("close after failed load", zap.String("path", path), zap.Error(cerr))
		}
		return nil, e
	}

	info, ok := abi.ReadVar[string](lib, abi.SymCompatibilityInfo)
	if !ok {
		return fail(&LoadError{Kind: MissingCompatibilityInfo, Path: path})
	}
	if info != h.cfg.Fingerprint {
		return fail(&LoadError{Kind: CompatibilityMismatch, Path: path, Module: info, Host: h.cfg.Fingerprint})
	}
	internal, ok := abi.ReadVar[abi.Internal](lib, abi.SymModule)
	if !ok || internal == nil {
		return fail(&LoadError{Kind: MissingModule, Path: path})
	}
	if err := h.cfg.Adapter.Attach(lib.Base(), path); err != nil {
		return fail(&LoadError{Kind: PlatformOpenFailure, Path: path, Cause: err})
	}

	id := nextModuleID()
	h.store.Add(id, internal.RemoveFromCache)
	owner := platform.ThreadID()
	internal.Init(abi.InitContext{
		ID:                   id,
		OwnerThread:          owner,
		Imports:              h.imports(),
		Allocator:            h.cfg.Allocator,
		TrackAllocs:          !h.cfg.DisableTracking,
		ValidateDeallocs:     h.cfg.ValidateDeallocs,
		CacheSize:            h.cfg.CacheSize,
		ImmediateAllocs:      h.cfg.ImmediateAllocs,
		InterceptDestructors: h.cfg.Adapter.InterceptDestructors(),
	})

	m := &Module{
		host:        h,
		id:          id,
		path:        path,
		lib:         lib,
		fingerprint: info,
		internal:    internal,
		exports:     internal.Exports(),
		owner:       owner,
		log:         h.log.With(zap.Uint64("module_id", uint64(id)), zap.String("path", path)),
	}
	m.state.Store(int32(Active))
	h.mu.Lock()
	h.loaded[id] = m
	h.mu.Unlock()
	h.debug("loaded", zap.Uint64("module_id", uint64(id)), zap.String("path", path),
		zap.Strings("exports", m.Exports()), zap.String("adapter", h.cfg.Adapter.Name()))
	return m, nil
}

// LoadMain loads path and calls its entry point. If the module has no entry point
// it is unloaded again and the error wraps ErrMissingExport. If the entry point
// panics the module stays loaded, poisoned, and the error wraps ErrPanicked.
func LoadMain[R any](h *Host, path string) (*Module, R, error) {
	var zero R
	m, err := h.Load(path)
	if err != nil {
		return nil, zero, err
	}
	if _, ok := m.exports[abi.ExportMain]; !ok {
		err = errors.Wrapf(ErrMissingExport, "%s: %s", path, abi.ExportMain)
		return nil, zero, errors.CombineErrors(err, m.Unload())
	}
	r, err := Call0[R](m, abi.ExportMain)
	return m, r, err
}

// Modules lists the modules loaded by this host.
func (h *Host) Modules() []*Module {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Module, 0, len(h.loaded))
	for _, m := range h.loaded {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Host) forget(id abi.ModuleID) {
	h.mu.Lock()
	delete(h.loaded, id)
	h.mu.Unlock()
}

func (h *Host) imports() *abi.Imports {
	return &abi.Imports{
		OnAlloc:        h.store.OnAlloc,
		OnCachedAllocs: h.store.OnCachedAllocs,
		IsPtrAllocated: h.store.IsAllocated,
		TransferToHost: h.store.TransferToHost,
		Eprintln:       h.eprintln,
		Unrecoverable:  h.unrecoverable,
		Host:           h.cfg.Imports.Exports(),
	}
}

func (h *Host) eprintln(id abi.ModuleID, msg string) {
	fmt.Fprintln(h.cfg.Stderr, msg)
	h.log.Warn("module error output", zap.Uint64("module_id", uint64(id)), zap.String("message", msg))
}

func (h *Host) unrecoverable(id abi.ModuleID, msg string) {
	fatal.WithPrefix(fmt.Sprintf("module %d", id), msg)
}

// Alloc allocates host owned memory from the configured backend. Such memory is not
// tracked; hand it to a module with Module.Give or free it with Free.
func (h *Host) Alloc(l abi.Layout) (abi.Allocation, error) {
	ptr, err := h.cfg.Allocator.Allocate(l)
	if err != nil {
		return abi.Allocation{}, err
	}
	return abi.Allocation{Ptr: ptr, Layout: l}, nil
}

// Free releases host owned memory, including memory taken from a module with Module.Take.
func (h *Host) Free(a abi.Allocation) {
	h.cfg.Allocator.Free(a)
}

// WriteStats writes the state of the host as one JSON object.
func (h *Host) WriteStats(w *jwriter.Writer) {
	obj := w.Object()
	defer obj.End()
	obj.Name("Fingerprint").String(h.cfg.Fingerprint)
	obj.Name("Adapter").String(h.cfg.Adapter.Name())
	obj.Name("InUse").Float64(float64(h.cfg.Allocator.InUse()))
	mods := obj.Name("Modules").Array()
	for _, m := range h.Modules() {
		o := mods.Object()
		o.Name("ModuleID").Float64(float64(m.id))
		o.Name("Path").String(m.path)
		o.Name("State").String(m.State().String())
		o.Name("Poisoned").Bool(m.Poisoned())
		o.Name("Goroutines").Float64(float64(m.internal.SpawnedThreads()))
		o.End()
	}
	mods.End()
	h.store.WriteStats(obj.Name("Allocations"))
}

// Stats is WriteStats into a byte slice.
func (h *Host) Stats() []byte {
	w := jwriter.NewWriter()
	h.WriteStats(&w)
	return w.Bytes()
}
