package module

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/alloc"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/internal/fatal"
	"github.com/ZenLiuCN/hotmod/platform"
	"github.com/ZenLiuCN/hotmod/transfer"
)

type host struct {
	store *alloc.Store
	heap  *alloc.Heap
	mu    sync.Mutex
	lines []string
}

func (h *host) eprintln(_ abi.ModuleID, msg string) {
	h.mu.Lock()
	h.lines = append(h.lines, msg)
	h.mu.Unlock()
}

func initialized(t *testing.T, id abi.ModuleID) (*Module, *host) {
	t.Helper()
	h := &host{store: alloc.NewStore(), heap: alloc.NewHeap()}
	m := New(Options{Allocator: h.heap})
	h.store.Add(id, m.RemoveFromCache)
	m.Init(abi.InitContext{
		ID:          id,
		OwnerThread: platform.ThreadID(),
		Allocator:   h.heap,
		TrackAllocs: true,
		Imports: &abi.Imports{
			OnAlloc:        h.store.OnAlloc,
			OnCachedAllocs: h.store.OnCachedAllocs,
			IsPtrAllocated: h.store.IsAllocated,
			TransferToHost: h.store.TransferToHost,
			Eprintln:       h.eprintln,
		},
		InterceptDestructors: true,
	})
	return m, h
}

func TestAllocAndExit(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	m, h := initialized(t, 1)
	require.True(t, m.Initialized())
	assert.Equal(t, abi.ModuleID(1), m.ID())

	for i := 0; i < 5; i++ {
		_, err := m.Alloc(abi.Layout{Size: 64, Align: 8})
		require.NoError(t, err)
	}
	b, err := transfer.BytesOf(m, []byte("kept"))
	require.NoError(t, err)
	b.Free(m)

	m.SendCachedAllocs()
	m.LockAllocator()
	m.Exit(h.store.Remove(1))
	assert.Zero(t, h.heap.InUse())
	assert.Zero(t, h.heap.Live())
}

func TestGoCountsGoroutines(t *testing.T) {
	m, h := initialized(t, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		m.Go(func() {
			defer wg.Done()
			<-release
		})
	}
	assert.Equal(t, uint64(3), m.SpawnedThreads())
	close(release)
	wg.Wait()
	assert.Eventually(t, func() bool { return m.SpawnedThreads() == 0 }, timeout, tick)

	done := make(chan struct{})
	m.Go(func() { defer close(done); panic("in goroutine") })
	<-done
	assert.Eventually(t, func() bool { return m.SpawnedThreads() == 0 }, timeout, tick)
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.lines) == 1
	}, timeout, tick)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Contains(t, h.lines[0], "in goroutine")
}

func TestDestructorsRunOnceInReverse(t *testing.T) {
	m, h := initialized(t, 3)
	var order []int
	m.AtExit(func() { order = append(order, 1) })
	m.AtExit(func() { order = append(order, 2) })
	m.AtExit(func() { panic("dtor") })
	m.RunThreadLocalDestructors()
	m.RunThreadLocalDestructors()
	assert.Equal(t, []int{2, 1}, order)
	assert.Len(t, h.lines, 2, "panic report and destructor note")
}

func TestProcessDetachOrder(t *testing.T) {
	m, _ := initialized(t, 4)
	var order []string
	m.AtExit(func() { order = append(order, "dtor") })
	m.SetDetachCallback(func() { order = append(order, "callback") })
	bridge.ExportBoxed0(m.Table(), "leaked", func() string { return "x" })
	var p unsafe.Pointer
	e, _ := m.Table().Lookup("leaked")
	require.True(t, e.Stub(nil, unsafe.Pointer(&p)))
	require.Equal(t, 1, m.Table().Boxes().Len())

	m.ProcessDetach()
	assert.Equal(t, []string{"dtor", "callback"}, order)
	assert.Zero(t, m.Table().Boxes().Len())
}

func TestProcessDetachWithoutCallbackAborts(t *testing.T) {
	aborted := make(chan string, 1)
	prev := fatal.SetHandler(func(message string) {
		aborted <- message
		runtime.Goexit()
	})
	defer fatal.SetHandler(prev)
	m, _ := initialized(t, 5)
	go m.ProcessDetach()
	assert.Contains(t, <-aborted, "detach callback was not set")
}

func TestPanicReportBacktrace(t *testing.T) {
	t.Setenv(BacktraceEnv, "1")
	m, h := initialized(t, 6)
	bridge.Export0(m.Table(), "boom", func() int { panic("boom") })
	e, _ := m.Table().Lookup("boom")
	_, ok := bridge.Call0[int](e.Stub)
	assert.False(t, ok)
	require.Len(t, h.lines, 1)
	assert.Contains(t, h.lines[0], "module 6 panicked: boom")
	assert.Contains(t, h.lines[0], "goroutine")

	t.Setenv(BacktraceEnv, "0")
	m, h = initialized(t, 7)
	bridge.Export0(m.Table(), "boom", func() int { panic("boom") })
	e, _ = m.Table().Lookup("boom")
	_, _ = bridge.Call0[int](e.Stub)
	require.Len(t, h.lines, 1)
	assert.Contains(t, h.lines[0], BacktraceEnv+"=1")
}

func TestToHost(t *testing.T) {
	m, h := initialized(t, 8)
	box, err := transfer.NewBox[int64](m, 9)
	require.NoError(t, err)
	m.SendCachedAllocs()
	require.True(t, h.store.IsAllocated(8, box.Allocation))

	transfer.Walk(box, m.ToHost())
	assert.False(t, h.store.IsAllocated(8, box.Allocation))
	assert.Equal(t, int64(9), *box.Get())
	h.heap.Free(box.Allocation)
}

func TestMainAndBeforeUnload(t *testing.T) {
	m := New()
	ran := 0
	m.Main(func() { ran++ })
	m.BeforeUnload(func() { ran += 10 })
	ex := m.Exports()
	require.Contains(t, ex, abi.ExportMain)
	require.Contains(t, ex, abi.ExportBeforeUnload)
	_, ok := bridge.Call0[bridge.Unit](ex[abi.ExportMain].Stub)
	require.True(t, ok)
	_, ok = bridge.Call0[bridge.Unit](ex[abi.ExportBeforeUnload].Stub)
	require.True(t, ok)
	assert.Equal(t, 11, ran)
}
