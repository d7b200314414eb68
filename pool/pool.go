// Package pool keeps named modules of one Host and reloads them in load order.
//
// Modules never link against each other: each object file is linked against its
// own copy of the host symbols. What a later module may rely on is state an
// earlier one left behind, for example through host imports, so a reload first
// unloads every module loaded after the target, newest first, and then loads them
// again in their original order.
//
// Like the Host itself, a Pool must be driven from one locked OS thread.
package pool

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ZenLiuCN/hotmod"
	"github.com/ZenLiuCN/hotmod/bridge"
)

var (
	ErrAlreadyLoad = errors.New("module already loaded")
	ErrNotLoad     = errors.New("module not loaded")
	ErrCorrupted   = errors.New("recording corrupted")

	// ErrReloadIncomplete marks a reload that left modules unloaded.
	ErrReloadIncomplete = errors.New("reload incomplete")
)

type entry struct {
	name   string
	path   string
	module *hotmod.Module
}

type Pool struct {
	host *hotmod.Host
	// Main calls the entry point after every load.
	Main bool

	sync.RWMutex
	modules map[string]*entry
	loaded  []*entry
}

// NewPool create new pool on host
func NewPool(host *hotmod.Host) *Pool {
	return &Pool{host: host, modules: make(map[string]*entry)}
}

func (p *Pool) load(path string) (*hotmod.Module, error) {
	if !p.Main {
		return p.host.Load(path)
	}
	m, _, err := hotmod.LoadMain[bridge.Unit](p.host, path)
	return m, err
}

// Load loads path under name.
func (p *Pool) Load(name, path string) (m *hotmod.Module, err error) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.modules[name]; ok {
		return nil, errors.Wrap(ErrAlreadyLoad, name)
	}
	if m, err = p.load(path); err != nil {
		return
	}
	e := &entry{name: name, path: path, module: m}
	p.modules[name] = e
	p.loaded = append(p.loaded, e)
	return
}

// NameOf is the name m was loaded under.
func (p *Pool) NameOf(m *hotmod.Module) (string, bool) {
	p.RLock()
	defer p.RUnlock()
	for _, e := range p.loaded {
		if e.module == m {
			return e.name, true
		}
	}
	return "", false
}

// Get the module loaded under name.
func (p *Pool) Get(name string) (*hotmod.Module, bool) {
	p.RLock()
	defer p.RUnlock()
	e, ok := p.modules[name]
	if !ok {
		return nil, false
	}
	return e.module, true
}

// Names in load order.
func (p *Pool) Names() []string {
	p.RLock()
	defer p.RUnlock()
	out := make([]string, len(p.loaded))
	for i, e := range p.loaded {
		out[i] = e.name
	}
	return out
}

func (p *Pool) index(name string) (int, error) {
	e, ok := p.modules[name]
	if !ok {
		return -1, errors.Wrap(ErrNotLoad, name)
	}
	i := slices.Index(p.loaded, e)
	if i < 0 {
		return -1, errors.Wrap(ErrCorrupted, name)
	}
	return i, nil
}

// unloadFrom unloads loaded[i:] newest first. On failure the modules not yet
// unloaded stay recorded.
func (p *Pool) unloadFrom(i int) (removed []*entry, err error) {
	for j := len(p.loaded) - 1; j >= i; j-- {
		e := p.loaded[j]
		if err = e.module.Unload(); err != nil {
			var ue *hotmod.UnloadError
			if errors.As(err, &ue) && !ue.Retryable() {
				// the module can never be used again
				delete(p.modules, e.name)
				p.loaded = p.loaded[:j]
			}
			return removed, errors.Wrapf(err, "unload %s", e.name)
		}
		delete(p.modules, e.name)
		p.loaded = p.loaded[:j]
		removed = append(removed, e)
	}
	return
}

// Reload unloads name and every module loaded after it, then loads them again.
// The path of name may be replaced with path; empty keeps the current one.
//
// When a load fails the modules from the failed one on stay unloaded; the error
// wraps ErrReloadIncomplete and names them.
func (p *Pool) Reload(name, path string) (err error) {
	p.Lock()
	defer p.Unlock()
	i, err := p.index(name)
	if err != nil {
		return
	}
	if path != "" {
		p.loaded[i].path = path
	}
	removed, err := p.unloadFrom(i)
	if err != nil {
		return
	}
	for j := len(removed) - 1; j >= 0; j-- {
		e := removed[j]
		if e.module, err = p.load(e.path); err != nil {
			pending := make([]string, 0, j+1)
			for k := j; k >= 0; k-- {
				pending = append(pending, removed[k].name)
			}
			return errors.Wrapf(errors.Mark(err, ErrReloadIncomplete), "reload %s, not loaded %v", e.name, pending)
		}
		p.modules[e.name] = e
		p.loaded = append(p.loaded, e)
	}
	return
}

// Unload unloads name and every module loaded after it.
func (p *Pool) Unload(name string) error {
	p.Lock()
	defer p.Unlock()
	i, err := p.index(name)
	if err != nil {
		return err
	}
	_, err = p.unloadFrom(i)
	return err
}

// Close unloads everything, newest first.
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()
	_, err := p.unloadFrom(0)
	return err
}
