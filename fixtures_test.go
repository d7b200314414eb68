package hotmod

import (
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/alloc"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/builtin"
	"github.com/ZenLiuCN/hotmod/module"
	"github.com/ZenLiuCN/hotmod/transfer"
)

const (
	pathCounter      = "/mods/counter"
	pathPanicky      = "/mods/panicky"
	pathThreads      = "/mods/threads"
	pathFlaky        = "/mods/flaky"
	pathTransfer     = "/mods/transfer"
	pathMismatch     = "/mods/mismatch"
	pathNoInfo       = "/mods/noinfo"
	pathNoModule     = "/mods/nomodule"
	pathNoMain       = "/mods/nomain"
	pathCloseFails   = "/mods/closefails"
	pathPinned       = "/mods/pinned"
	pathImports      = "/mods/imports"
	pathDestructors  = "/mods/destructors"
	pathBrokenTracks = "/mods/brokentracking"
)

var fingerprint = abi.HostFingerprint().String()

// freeList reuses freed blocks of the same layout, newest first.
type freeList struct {
	mu   sync.Mutex
	heap *alloc.Heap
	idle map[abi.Layout][]uintptr
	live int
}

func newFreeList() *freeList {
	return &freeList{heap: alloc.NewHeap(), idle: make(map[abi.Layout][]uintptr)}
}

func (f *freeList) Allocate(l abi.Layout) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live++
	if v := f.idle[l]; len(v) > 0 {
		f.idle[l] = v[:len(v)-1]
		return v[len(v)-1], nil
	}
	return f.heap.Allocate(l)
}

func (f *freeList) Free(a abi.Allocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
	f.idle[a.Layout] = append(f.idle[a.Layout], a.Ptr)
}

func (f *freeList) InUse() uintptr {
	return f.heap.InUse()
}

func (f *freeList) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// dtorRuns counts destructor runs of the destructors module across instances.
var dtorRuns atomic.Int64

// counter allocates in main, leaks on request and keeps a running sum.
func counter() builtin.Image {
	sdk := module.New()
	var sum int64
	sdk.Main(func() {
		for i := 0; i < 100; i++ {
			a, err := sdk.Alloc(abi.Layout{Size: 128, Align: 8})
			if err != nil {
				panic(err)
			}
			if i%2 == 0 {
				sdk.Free(a)
			}
		}
	})
	bridge.Export1(sdk.Table(), "leak", func(n int) int {
		for i := 0; i < n; i++ {
			if _, err := sdk.Alloc(abi.Layout{Size: 1024, Align: 16}); err != nil {
				panic(err)
			}
		}
		return n
	})
	bridge.Export1(sdk.Table(), "add", func(v int64) int64 {
		sum += v
		return sum
	})
	bridge.Export2(sdk.Table(), "mul", func(a, b int32) int64 { return int64(a) * int64(b) })
	bridge.ExportBoxed1(sdk.Table(), "repeat", func(n int) string {
		s := ""
		for i := 0; i < n; i++ {
			s += "x"
		}
		return s
	})
	return builtin.ModuleImage(fingerprint, sdk)
}

func panicky() builtin.Image {
	sdk := module.New()
	bridge.Export0(sdk.Table(), "boom", func() int { panic("boom") })
	bridge.Export0(sdk.Table(), "fine", func() int { return 1 })
	return builtin.ModuleImage(fingerprint, sdk)
}

// threads keeps a goroutine alive until stop is called.
func threads() builtin.Image {
	sdk := module.New()
	stop := make(chan struct{})
	sdk.Main(func() {
		sdk.Go(func() { <-stop })
	})
	bridge.ExportUnit(sdk.Table(), "stop", func() { close(stop) })
	return builtin.ModuleImage(fingerprint, sdk)
}

// flaky panics in before_unload the first time only.
func flaky() builtin.Image {
	sdk := module.New()
	calls := 0
	sdk.BeforeUnload(func() {
		calls++
		if calls == 1 {
			panic("not yet")
		}
	})
	return builtin.ModuleImage(fingerprint, sdk)
}

func transferring() builtin.Image {
	sdk := module.New()
	bridge.Export1(sdk.Table(), "make", func(n int) transfer.Bytes {
		b, err := transfer.NewBytes(sdk, n)
		if err != nil {
			panic(err)
		}
		for i := range b.Data() {
			b.Data()[i] = byte(i)
		}
		return b
	})
	bridge.Export1(sdk.Table(), "sum", func(b transfer.Bytes) int {
		s := 0
		for _, v := range b.Data() {
			s += int(v)
		}
		return s
	})
	return builtin.ModuleImage(fingerprint, sdk)
}

func imports() builtin.Image {
	sdk := module.New()
	bridge.Export1(sdk.Table(), "twice_via_host", func(v int) int {
		e, ok := sdk.Host("host_double")
		if !ok {
			panic("host_double not imported")
		}
		r, ok := bridge.Call1[int, int](e.Stub, v)
		if !ok {
			panic("host_double panicked")
		}
		return r
	})
	return builtin.ModuleImage(fingerprint, sdk)
}

func destructors() builtin.Image {
	sdk := module.New()
	sdk.Main(func() {
		sdk.AtExit(func() { dtorRuns.Add(1) })
	})
	return builtin.ModuleImage(fingerprint, sdk)
}

// brokenTracking never flushes its cache, as a module with broken tracking plumbing.
type brokenTracking struct{ *module.Module }

func (brokenTracking) SendCachedAllocs() {}

func registerFixtures(o *builtin.Opener) {
	o.Register(pathCounter, counter)
	o.Register(pathPanicky, panicky)
	o.Register(pathThreads, threads)
	o.Register(pathFlaky, flaky)
	o.Register(pathTransfer, transferring)
	o.Register(pathImports, imports)
	o.Register(pathDestructors, destructors)
	o.Register(pathMismatch, func() builtin.Image {
		return builtin.ModuleImage("go1.0|plan9/386|gc|0.0.1|", module.New())
	})
	o.Register(pathNoInfo, func() builtin.Image {
		var m abi.Internal = module.New()
		return builtin.Image{Symbols: map[string]any{abi.SymModule: &m}}
	})
	o.Register(pathNoModule, func() builtin.Image {
		fp := fingerprint
		return builtin.Image{Symbols: map[string]any{abi.SymCompatibilityInfo: &fp}}
	})
	o.Register(pathNoMain, func() builtin.Image { return builtin.ModuleImage(fingerprint, module.New()) })
	o.Register(pathCloseFails, func() builtin.Image {
		img := builtin.ModuleImage(fingerprint, module.New())
		img.Close = func() error { return errClose }
		return img
	})
	o.Register(pathPinned, func() builtin.Image {
		img := builtin.ModuleImage(fingerprint, module.New())
		img.Pinned = true
		return img
	})
	o.Register(pathBrokenTracks, func() builtin.Image {
		return builtin.ModuleImage(fingerprint, brokenTracking{module.New()})
	})
}
