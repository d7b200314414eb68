// Package builtin opens modules compiled into the host binary.
//
// A builtin module registers a Factory under a path. Every Open calls the factory,
// so each opened image has fresh state, just like a freshly mapped library.
package builtin

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/ZenLiuCN/hotmod/abi"
)

var (
	// ErrNotRegistered occurs when no factory is registered for a path.
	ErrNotRegistered = errors.New("no builtin module registered")
	// ErrClosed occurs when a library is closed twice.
	ErrClosed = errors.New("library closed")
)

// Image is one instance of a builtin module.
type Image struct {
	// Symbols maps exported names to pointers to the exported variables.
	Symbols map[string]any
	// Close runs when the library is closed; an error fails the close.
	Close func() error
	// Pinned images stay loaded after Close, like a library another handle still references.
	Pinned bool
}

// Factory builds a fresh Image.
type Factory func() Image

// ModuleImage is the image of a module SDK instance with its fingerprint.
func ModuleImage(fingerprint string, m abi.Internal) Image {
	return Image{Symbols: map[string]any{
		abi.SymCompatibilityInfo: &fingerprint,
		abi.SymModule:            &m,
	}}
}

// Opener opens registered factories.
type Opener struct {
	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]int
}

var _ abi.Opener = (*Opener)(nil)

func New() *Opener {
	return &Opener{factories: make(map[string]Factory), loaded: make(map[string]int)}
}

var registry = New()

// Default is the process wide opener Register adds to.
func Default() *Opener { return registry }

// Register adds f to the default opener.
func Register(path string, f Factory) { registry.Register(path, f) }

// Register makes f available under path, replacing any previous factory. The
// replacement is what the next Open of path builds, which is how a reload picks up
// a new version.
func (o *Opener) Register(path string, f Factory) {
	o.mu.Lock()
	o.factories[path] = f
	o.mu.Unlock()
}

// Paths lists registered paths.
func (o *Opener) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.factories))
	for p := range o.factories {
		out = append(out, p)
	}
	return out
}

var bases atomic.Uintptr

func (o *Opener) Open(path string) (abi.Library, error) {
	o.mu.Lock()
	f, ok := o.factories[path]
	o.mu.Unlock()
	if !ok {
		return nil, errors.Wrap(ErrNotRegistered, path)
	}
	img := f()
	for name, v := range img.Symbols {
		if rv := reflect.ValueOf(v); rv.Kind() != reflect.Pointer || rv.IsNil() {
			return nil, errors.Newf("builtin %s: symbol %s must be a non nil pointer, got %T", path, name, v)
		}
	}
	o.mu.Lock()
	o.loaded[path]++
	o.mu.Unlock()
	return &Library{opener: o, path: path, img: img, base: bases.Add(1 << 16)}, nil
}

func (o *Opener) IsLoaded(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loaded[path] > 0
}

// Library is one opened Image.
type Library struct {
	opener *Opener
	path   string
	base   uintptr

	mu     sync.Mutex
	img    Image
	closed bool
}

func (l *Library) Path() string  { return l.path }
func (l *Library) Base() uintptr { return l.base }

func (l *Library) Lookup(name string) (unsafe.Pointer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	v, ok := l.img.Symbols[name]
	if !ok {
		return nil, false
	}
	return reflect.ValueOf(v).UnsafePointer(), true
}

func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.Wrap(ErrClosed, l.path)
	}
	if l.img.Close != nil {
		if err := l.img.Close(); err != nil {
			return errors.Wrapf(err, "close %s", l.path)
		}
	}
	l.closed = true
	if !l.img.Pinned {
		l.opener.mu.Lock()
		if l.opener.loaded[l.path]--; l.opener.loaded[l.path] <= 0 {
			delete(l.opener.loaded, l.path)
		}
		l.opener.mu.Unlock()
	}
	l.img = Image{}
	return nil
}
