package platform

import (
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/ZenLiuCN/hotmod/internal/fatal"
)

// Detach lets the module run its own destructors on process detach and performs the
// host teardown from the callback the module invokes after them.
type Detach struct {
	symbols  SymbolSubsystem
	hostDir  string
	attached atomic.Int64
}

// NewDetach uses symbols for symbol registration; nil means NoSymbols.
func NewDetach(symbols SymbolSubsystem) *Detach {
	if symbols == nil {
		symbols = NoSymbols{}
	}
	return &Detach{symbols: symbols, hostDir: hostDir()}
}

func (*Detach) Name() string               { return "detach" }
func (*Detach) InterceptDestructors() bool { return false }

func (d *Detach) Init() error {
	return d.symbols.Init(d.hostDir)
}

// Attach registers the module with the symbol subsystem, initializing it on first use.
func (d *Detach) Attach(base uintptr, path string) error {
	if err := d.symbols.Init(d.hostDir); err != nil {
		return err
	}
	if err := d.symbols.Add(base, path); err != nil {
		return errors.Wrapf(err, "register symbols of %s", path)
	}
	d.attached.Add(1)
	return nil
}

// Attached is the number of modules currently registered.
func (d *Detach) Attached() int64 {
	return d.attached.Load()
}

func (d *Detach) Teardown(u Unloading) error {
	var called atomic.Bool
	u.Internal.SetDetachCallback(func() {
		if called.Swap(true) {
			fatal.Abort("detach callback called twice")
		}
		u.Lock()
		d.symbols.Remove(u.Base, u.Path)
		d.attached.Add(-1)
		u.RemoveAllocs()
	})
	u.Internal.ProcessDetach()
	if !called.Load() {
		fatal.Abortf("detach callback of %s must be called on process detach", u.Path)
	}
	return u.Close()
}

func hostDir() string {
	exe, err := executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}
