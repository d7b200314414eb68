// Package objfile opens modules compiled to Go object files, archives or serialized
// linkers, and links them into the running process with goloader.
//
// Each image is linked against its own copy of the host symbol table, so symbols a
// module defines never become visible to the host or to other modules, and unlinking
// one image cannot disturb another.
package objfile

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/cockroachdb/errors"
	"github.com/pkujhd/goloader"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/ZenLiuCN/hotmod/abi"
)

// LinkerExt marks a serialized linker produced by Serialize.
const LinkerExt = ".linker"

var (
	// ErrMissingSymbol occurs when linking leaves symbols unresolved.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrClosed occurs when a library is used after Close.
	ErrClosed = errors.New("library closed")
)

// Options configures an Opener.
type Options struct {
	// Package is the import path of the module package inside object files; "" means main.
	Package string
	// Types are registered into the host symbol table before linking.
	Types []any
	// SyncStdout flushes stdout before unlinking code that may have written to it.
	SyncStdout bool
	Logger     *zap.Logger
}

// Opener links object files. The zero value is not usable; use New.
type Opener struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	host   map[string]uintptr
	loaded map[string]int
}

var _ abi.Opener = (*Opener)(nil)

// New creates an Opener whose host symbol table holds the symbols of the running binary.
func New(opts Options) (*Opener, error) {
	if opts.Package == "" {
		opts.Package = "main"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	o := &Opener{
		opts:   opts,
		log:    opts.Logger.Named("objfile"),
		host:   make(map[string]uintptr),
		loaded: make(map[string]int),
	}
	if err := goloader.RegSymbol(o.host); err != nil {
		return nil, errors.Wrap(err, "register host symbols")
	}
	if len(opts.Types) > 0 {
		goloader.RegTypes(o.host, opts.Types...)
	}
	return o, nil
}

// RegisterSo adds the symbols of a shared object to the host table.
func (o *Opener) RegisterSo(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return goloader.RegSymbolWithSo(o.host, path)
}

// RegisterExecutable adds the symbols of an executable to the host table.
func (o *Opener) RegisterExecutable(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return goloader.RegSymbolWithPath(o.host, path)
}

// RegisterTypes makes types available to modules.
func (o *Opener) RegisterTypes(types ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	goloader.RegTypes(o.host, types...)
}

// Symbols lists host symbol names.
func (o *Opener) Symbols() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn.MapKeys(o.host)
}

func (o *Opener) read(path string) (*goloader.Linker, error) {
	if strings.EqualFold(filepath.Ext(path), LinkerExt) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fn.IgnoreClose(f)
		return goloader.UnSerialize(f)
	}
	return goloader.ReadObj(path, o.opts.Package)
}

// Missing reports the symbols the image at path needs but the host does not provide.
func (o *Opener) Missing(path string) ([]string, error) {
	linker, err := o.read(path)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return goloader.UnresolvedSymbols(linker, o.host), nil
}

// Open links the image at path.
func (o *Opener) Open(path string) (abi.Library, error) {
	linker, err := o.read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	o.mu.Lock()
	symbols := maps.Clone(o.host)
	o.mu.Unlock()

	if missing := goloader.UnresolvedSymbols(linker, symbols); len(missing) > 0 {
		return nil, errors.Wrapf(ErrMissingSymbol, "%s: %s", path, strings.Join(missing, ", "))
	}
	code, err := goloader.Load(linker, symbols)
	if err != nil {
		return nil, errors.Wrapf(err, "link %s", path)
	}
	o.mu.Lock()
	o.loaded[path]++
	o.mu.Unlock()
	lib := &Library{opener: o, path: path, pkg: o.opts.Package, code: code}
	o.log.Debug("linked", zap.String("path", path), zap.Int("symbols", len(code.Syms)), zap.Uintptr("base", lib.Base()))
	return lib, nil
}

// IsLoaded reports whether an image of path is still linked.
func (o *Opener) IsLoaded(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loaded[path] > 0
}

func (o *Opener) release(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loaded[path]--; o.loaded[path] <= 0 {
		delete(o.loaded, path)
	}
}

// Library is one linked image.
type Library struct {
	opener *Opener
	path   string
	pkg    string

	mu   sync.Mutex
	code *goloader.CodeModule
}

var _ abi.Library = (*Library)(nil)

func (l *Library) Path() string { return l.path }

// Lookup resolves name in the module package unless it is already qualified.
func (l *Library) Lookup(name string) (unsafe.Pointer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.code == nil {
		return nil, false
	}
	p, ok := l.code.Syms[qualify(l.pkg, name)]
	if !ok {
		return nil, false
	}
	return *(*unsafe.Pointer)(unsafe.Pointer(&p)), true
}

// Base is the lowest symbol address of the image.
func (l *Library) Base() uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.code == nil {
		return 0
	}
	var base uintptr
	for _, p := range l.code.Syms {
		if base == 0 || p < base {
			base = p
		}
	}
	return base
}

// Symbols lists the names the image defines.
func (l *Library) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.code == nil {
		return nil
	}
	return fn.MapKeys(l.code.Syms)
}

// Close unlinks the image; its code and data are unmapped.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.code == nil {
		return errors.Wrap(ErrClosed, l.path)
	}
	if l.opener.opts.SyncStdout {
		_ = os.Stdout.Sync()
	}
	l.code.Unload()
	l.code = nil
	l.opener.release(l.path)
	l.opener.log.Debug("unlinked", zap.String("path", l.path))
	return nil
}

func qualify(pkg, sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return pkg + "." + sym
	}
	return sym
}
