//go:build windows

package platform

import (
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

var (
	dbghelp               = windows.NewLazySystemDLL("dbghelp.dll")
	procSymInitializeW    = dbghelp.NewProc("SymInitializeW")
	procSymSetSearchPathW = dbghelp.NewProc("SymSetSearchPathW")
	procSymLoadModuleExW  = dbghelp.NewProc("SymLoadModuleExW")
	procSymUnloadModule64 = dbghelp.NewProc("SymUnloadModule64")
	procSymCleanup        = dbghelp.NewProc("SymCleanup")
)

// DbgHelp drives dbghelp.dll. dbghelp is single threaded; every call holds mu.
type DbgHelp struct {
	mu          sync.Mutex
	initialized bool
	process     windows.Handle
	path        *SearchPath
}

var defaultDbgHelp = &DbgHelp{}

func DefaultSymbols() SymbolSubsystem { return defaultDbgHelp }

func (d *DbgHelp) Init(hostDir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if err := dbghelp.Load(); err != nil {
		return errors.Wrap(err, "load dbghelp.dll")
	}
	d.process = windows.CurrentProcess()
	d.path = NewSearchPath(hostDir)
	sp, err := windows.UTF16PtrFromString(d.path.String())
	if err != nil {
		return err
	}
	if r, _, err := procSymInitializeW.Call(uintptr(d.process), uintptr(unsafe.Pointer(sp)), 0); r == 0 {
		return errors.Wrap(err, "SymInitializeW")
	}
	d.initialized = true
	return nil
}

func (d *DbgHelp) Add(base uintptr, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return errors.New("dbghelp is not initialized")
	}
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	// zero with no error means the module was already known
	r, _, callErr := procSymLoadModuleExW.Call(uintptr(d.process), 0, uintptr(unsafe.Pointer(p)), 0, base, 0, 0, 0)
	if r == 0 && callErr != windows.ERROR_SUCCESS {
		return errors.Wrap(callErr, "SymLoadModuleExW")
	}
	if d.path.Add(filepath.Dir(path)) {
		return d.setSearchPath()
	}
	return nil
}

func (d *DbgHelp) Remove(base uintptr, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return
	}
	_, _, _ = procSymUnloadModule64.Call(uintptr(d.process), base)
	if d.path.Remove(filepath.Dir(path)) {
		_ = d.setSearchPath()
	}
}

// Cleanup releases dbghelp state; Init may be called again afterwards.
func (d *DbgHelp) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return
	}
	_, _, _ = procSymCleanup.Call(uintptr(d.process))
	d.initialized = false
}

func (d *DbgHelp) setSearchPath() error {
	sp, err := windows.UTF16PtrFromString(d.path.String())
	if err != nil {
		return err
	}
	if r, _, err := procSymSetSearchPathW.Call(uintptr(d.process), uintptr(unsafe.Pointer(sp))); r == 0 {
		return errors.Wrap(err, "SymSetSearchPathW")
	}
	return nil
}
