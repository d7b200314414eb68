package bridge

import (
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/hotmod/internal/fatal"
)

// Boxes keeps boxed return values reachable until the caller releases them.
type Boxes struct {
	mu   sync.Mutex
	live map[unsafe.Pointer]any
}

func (b *Boxes) put(p unsafe.Pointer, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live == nil {
		b.live = make(map[unsafe.Pointer]any)
	}
	b.live[p] = v
}

func (b *Boxes) release(p unsafe.Pointer) {
	b.mu.Lock()
	_, ok := b.live[p]
	delete(b.live, p)
	b.mu.Unlock()
	if !ok {
		fatal.Abortf("boxed value %p released twice or never boxed", p)
	}
}

// Len is the number of values not yet released.
func (b *Boxes) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Drain forgets every outstanding box and reports how many there were.
func (b *Boxes) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.live)
	b.live = nil
	return n
}
