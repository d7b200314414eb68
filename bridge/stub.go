package bridge

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/hotmod/internal/fatal"
)

// Stub is the boundary calling convention. It returns false when the callee panicked,
// in which case *ret was not written.
type Stub func(args, ret unsafe.Pointer) (ok bool)

// PanicHook reports a contained panic. It runs on the panicking goroutine.
type PanicHook func(recovered any, stack []byte)

// Export is one named entry of an export table.
type Export struct {
	Stub Stub
	Args []reflect.Type
	Ret  reflect.Type
	// Boxed exports return a pointer into the callee's Boxes and have a release stub.
	Boxed bool
}

// Signature renders the export as a Go func type.
func (e Export) Signature() string {
	s := "func("
	for i, a := range e.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	s += ")"
	if e.Ret != nil && e.Ret != unitType {
		s += " " + e.Ret.String()
	}
	if e.Boxed {
		s += " [boxed]"
	}
	return s
}

// Table is the set of stubs one side of the boundary exposes, with its panic hook
// and the boxes backing its boxed returns.
type Table struct {
	mu      sync.RWMutex
	exports map[string]Export
	hook    PanicHook
	boxes   Boxes
}

// NewTable returns an empty table whose panic hook does nothing.
func NewTable() *Table {
	return &Table{exports: make(map[string]Export)}
}

// SetPanicHook replaces the hook invoked for contained panics.
func (t *Table) SetPanicHook(h PanicHook) {
	t.mu.Lock()
	t.hook = h
	t.mu.Unlock()
}

// Register adds an export. Registering a name twice panics.
func (t *Table) Register(name string, e Export) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.exports[name]; ok {
		panic(fmt.Sprintf("bridge: export %q already registered", name))
	}
	t.exports[name] = e
}

// Lookup returns an export by name.
func (t *Table) Lookup(name string) (Export, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.exports[name]
	return e, ok
}

// Exports returns a copy of the table.
func (t *Table) Exports() map[string]Export {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := make(map[string]Export, len(t.exports))
	for k, v := range t.exports {
		m[k] = v
	}
	return m
}

// Names lists exported names in order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := make([]string, 0, len(t.exports))
	for k := range t.exports {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}

// Boxes of this table.
func (t *Table) Boxes() *Boxes {
	return &t.boxes
}

// Contain runs body and reports whether it returned normally. A panic is
// recovered and handed to the panic hook.
func (t *Table) Contain(body func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			t.report(r, debug.Stack())
		}
	}()
	body()
	return true
}

func (t *Table) report(recovered any, stack []byte) {
	t.mu.RLock()
	h := t.hook
	t.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			fatal.Abortf("panic while reporting a panic: %v (first panic: %v)", r, recovered)
		}
	}()
	h(recovered, stack)
}
