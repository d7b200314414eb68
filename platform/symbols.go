package platform

import (
	"os"
	"sync"
)

var executable = os.Executable

// SymbolSubsystem keeps the platform debug symbol registry in sync with the set of
// loaded modules, so stack traces resolve inside modules and unmapped ones are forgotten.
type SymbolSubsystem interface {
	// Init is idempotent. hostDir is added to the symbol search path.
	Init(hostDir string) error
	Add(base uintptr, path string) error
	Remove(base uintptr, path string)
}

// NoSymbols is used where the platform has no symbol registry to maintain.
type NoSymbols struct{}

func (NoSymbols) Init(string) error         { return nil }
func (NoSymbols) Add(uintptr, string) error { return nil }
func (NoSymbols) Remove(uintptr, string)    {}

// SearchPath is the ordered, deduplicated symbol search path: the static entries
// followed by the directories of registered modules.
type SearchPath struct {
	mu      sync.Mutex
	static  []string
	entries map[string]int
	order   []string
}

func NewSearchPath(static ...string) *SearchPath {
	return &SearchPath{static: static, entries: make(map[string]int)}
}

// Add refs dir and reports whether the path changed.
func (p *SearchPath) Add(dir string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[dir]++
	if p.entries[dir] > 1 {
		return false
	}
	p.order = append(p.order, dir)
	return true
}

// Remove unrefs dir and reports whether the path changed.
func (p *SearchPath) Remove(dir string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.entries[dir]
	if !ok {
		return false
	}
	if n > 1 {
		p.entries[dir] = n - 1
		return false
	}
	delete(p.entries, dir)
	for i, d := range p.order {
		if d == dir {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// String joins the entries with ';' as dbghelp expects.
func (p *SearchPath) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := ""
	for _, e := range append(append([]string(nil), p.static...), p.order...) {
		if e == "" {
			continue
		}
		if s != "" {
			s += ";"
		}
		s += e
	}
	return s
}
