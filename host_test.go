package hotmod

import (
	"bytes"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/alloc"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/builtin"
	"github.com/ZenLiuCN/hotmod/internal/fatal"
	"github.com/ZenLiuCN/hotmod/platform"
	"github.com/ZenLiuCN/hotmod/transfer"
)

var errClose = errors.New("close refused")

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type env struct {
	host   *Host
	opener *builtin.Opener
	heap   *alloc.Heap
	stderr *bytes.Buffer
	logs   *observer.ObservedLogs
}

func newEnv(t *testing.T, tweak ...func(*Config)) *env {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	e := &env{opener: builtin.New(), heap: alloc.NewHeap(), stderr: &bytes.Buffer{}}
	registerFixtures(e.opener)
	core, logs := observer.New(zap.DebugLevel)
	e.logs = logs
	cfg := DefaultConfig()
	cfg.Opener = e.opener
	cfg.Adapter = platform.NewEager()
	cfg.Allocator = e.heap
	cfg.Stderr = e.stderr
	cfg.Logger = zap.New(core)
	cfg.Debug = true
	for _, f := range tweak {
		f(&cfg)
	}
	e.host = NewHost(cfg)
	return e
}

func (e *env) load(t *testing.T, path string) *Module {
	t.Helper()
	m, err := e.host.Load(path)
	require.NoError(t, err)
	return m
}

func (e *env) loadMain(t *testing.T, path string) *Module {
	t.Helper()
	m, _, err := LoadMain[bridge.Unit](e.host, path)
	require.NoError(t, err)
	return m
}

func captureAbort(t *testing.T) chan string {
	t.Helper()
	ch := make(chan string, 1)
	prev := fatal.SetHandler(func(m string) {
		ch <- m
		runtime.Goexit()
	})
	t.Cleanup(func() { fatal.SetHandler(prev) })
	return ch
}

func TestCalls(t *testing.T) {
	e := newEnv(t)
	m := e.loadMain(t, pathCounter)
	assert.Equal(t, Active, m.State())
	assert.Equal(t, pathCounter, m.Path())
	assert.Equal(t, fingerprint, m.Fingerprint())
	assert.NotEqual(t, abi.InvalidModuleID, m.ID())
	assert.True(t, m.Has("add"))
	assert.Contains(t, m.Exports(), abi.ExportMain)

	for i, want := range []int64{1, 3, 6} {
		got, err := Call1[int64, int64](m, "add", int64(i+1))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	p, err := Call2[int32, int32, int64](m, "mul", 7, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p)

	s, err := CallBoxed1[int, string](m, "repeat", nil, 3)
	require.NoError(t, err)
	assert.Equal(t, "xxx", s)

	_, err = Call1[string, int64](m, "add", "1")
	assert.Error(t, err)
	_, err = Call0[int](m, "nope")
	assert.ErrorIs(t, err, ErrMissingExport)

	require.NoError(t, m.Unload())
	assert.Equal(t, Closed, m.State())
	_, err = Call1[int64, int64](m, "add", 1)
	assert.ErrorIs(t, err, ErrUnloaded)
	assert.ErrorIs(t, m.Unload(), ErrUnloaded)
}

func TestMemoryNeutral(t *testing.T) {
	e := newEnv(t)
	base := e.heap.InUse()
	m := e.loadMain(t, pathCounter)
	n, err := Call1[int, int](m, "leak", 50)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	assert.Greater(t, e.heap.InUse(), base)
	assert.Empty(t, m.Outstanding(), "allocations are still cached on the module side")

	require.NoError(t, m.Unload())
	assert.Equal(t, base, e.heap.InUse())
	assert.Zero(t, e.heap.Live())
	assert.False(t, e.opener.IsLoaded(pathCounter))
}

func TestOutstandingAfterFlush(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.ImmediateAllocs = true })
	m := e.loadMain(t, pathCounter)
	assert.Len(t, m.Outstanding(), 101, "deallocations are still cached")
	m.internal.SendCachedAllocs()
	// 50 from main plus the sentinel
	assert.Len(t, m.Outstanding(), 51)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = m.Outstanding()
			}
		}
	}()
	require.NoError(t, m.Unload())
	close(stop)
	wg.Wait()
	assert.Empty(t, m.Outstanding())
	assert.Zero(t, e.heap.InUse())
}

func TestReload(t *testing.T) {
	e := newEnv(t)
	seen := map[abi.ModuleID]bool{}
	for i := 0; i < 12; i++ {
		m := e.loadMain(t, pathCounter)
		require.False(t, seen[m.ID()], "module ids are never reused")
		seen[m.ID()] = true
		// state starts fresh every time
		got, err := Call1[int64, int64](m, "add", 5)
		require.NoError(t, err)
		require.Equal(t, int64(5), got)
		_, err = Call1[int, int](m, "leak", 10)
		require.NoError(t, err)
		require.NoError(t, m.Unload())
		require.Zero(t, e.heap.InUse(), "iteration %d", i)
	}
	assert.Empty(t, e.host.Modules())
}

func TestReloadNewVersion(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathPanicky)
	v, err := Call0[int](m, "fine")
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.NoError(t, m.Unload())

	e.opener.Register(pathPanicky, counter)
	m = e.load(t, pathPanicky)
	assert.False(t, m.Has("fine"))
	assert.True(t, m.Has("add"))
	require.NoError(t, m.Unload())
}

func TestAlreadyLoaded(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathCounter)
	_, err := e.host.Load(pathCounter)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, AlreadyLoaded, le.Kind)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
	require.NoError(t, m.Unload())
}

func TestConcurrentLoads(t *testing.T) {
	e := newEnv(t)
	const n = 300
	var (
		wg, tried sync.WaitGroup
		mu        sync.Mutex
		loaded    int
		already   int
		other     []error
	)
	allTried := make(chan struct{})
	unloaded := make(chan error, n)
	tried.Add(n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			m, err := e.host.Load(pathCounter)
			tried.Done()
			mu.Lock()
			switch {
			case err == nil:
				loaded++
			case errors.Is(err, ErrAlreadyLoaded):
				already++
			default:
				other = append(other, err)
			}
			mu.Unlock()
			if m != nil {
				<-allTried
				unloaded <- m.Unload()
			}
		}()
	}
	tried.Wait()
	close(allTried)
	wg.Wait()
	assert.Equal(t, 1, loaded)
	assert.Equal(t, n-1, already)
	assert.Empty(t, other)
	require.Len(t, unloaded, 1)
	assert.NoError(t, <-unloaded)
	assert.Zero(t, e.heap.InUse())
}

func TestPanicPoisons(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathPanicky)
	_, err := Call0[int](m, "boom")
	assert.ErrorIs(t, err, ErrPanicked)
	assert.True(t, m.Poisoned())
	assert.Equal(t, Active, m.State())
	assert.Contains(t, e.stderr.String(), "panicked: boom")
	assert.Contains(t, e.stderr.String(), "HOTMOD_BACKTRACE=1")

	_, err = Call0[int](m, "fine")
	assert.ErrorIs(t, err, ErrPoisoned)
	assert.Equal(t, 1, e.logs.FilterMessage("export panicked, module poisoned").Len())

	require.NoError(t, m.Unload())
	assert.Zero(t, e.heap.InUse())
}

func TestPanicBacktrace(t *testing.T) {
	t.Setenv("HOTMOD_BACKTRACE", "1")
	e := newEnv(t)
	m := e.load(t, pathPanicky)
	_, err := Call0[int](m, "boom")
	require.ErrorIs(t, err, ErrPanicked)
	assert.Contains(t, e.stderr.String(), "goroutine")
	assert.NotContains(t, e.stderr.String(), "HOTMOD_BACKTRACE=1")
	require.NoError(t, m.Unload())
}

type panickingWriter struct{}

func (panickingWriter) Write([]byte) (int, error) { panic("stderr is gone") }

func TestDoublePanicAborts(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.Stderr = panickingWriter{}
	})
	m := e.load(t, pathPanicky)
	aborted := captureAbort(t)
	go func() {
		_, _ = Call0[int](m, "boom")
		t.Error("double panic must not return")
	}()
	select {
	case msg := <-aborted:
		assert.Contains(t, msg, "panic while reporting a panic")
	case <-time.After(waitFor):
		t.Fatal("no abort")
	}
}

func TestThreadsStillRunning(t *testing.T) {
	e := newEnv(t)
	m := e.loadMain(t, pathThreads)

	err := m.Unload()
	var ue *UnloadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ThreadsStillRunning, ue.Kind)
	assert.True(t, ue.Retryable())
	assert.ErrorIs(t, err, ErrThreadsStillRunning)
	assert.Equal(t, Active, m.State())

	require.NoError(t, CallUnit(m, "stop"))
	assert.Eventually(t, func() bool { return m.internal.SpawnedThreads() == 0 }, waitFor, tick)
	require.NoError(t, m.Unload())
	assert.Zero(t, e.heap.InUse())
}

func TestBeforeUnloadPanicIsRetryable(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathFlaky)
	err := m.Unload()
	var ue *UnloadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, BeforeUnloadPanicked, ue.Kind)
	assert.True(t, ue.Retryable())
	assert.False(t, m.Poisoned())
	assert.Equal(t, Active, m.State())
	require.NoError(t, m.Unload())
}

func TestTransfer(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathTransfer)

	b, err := Call1[int, transfer.Bytes](m, "make", 16)
	require.NoError(t, err)
	m.Take(b)

	own, err := transfer.BytesOf(e.host, []byte{1, 2, 3})
	require.NoError(t, err)
	sum, err := Call1[transfer.Bytes, int](m, "sum", own)
	require.NoError(t, err)
	assert.Equal(t, 6, sum)
	m.Give(own)

	require.NoError(t, m.Unload())
	// taken memory survives the unload, given memory does not
	assert.Equal(t, b.Allocation.Layout.Size, e.heap.InUse())
	assert.Equal(t, byte(15), b.Data()[15])
	b.Free(e.host)
	assert.Zero(t, e.heap.InUse())
}

func TestCompatibility(t *testing.T) {
	e := newEnv(t)
	_, err := e.host.Load(pathMismatch)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, CompatibilityMismatch, le.Kind)
	assert.Equal(t, fingerprint, le.Host)
	assert.Contains(t, err.Error(), "go1.0|plan9/386")
	assert.ErrorIs(t, err, ErrCompatibilityMismatch)
	assert.False(t, e.opener.IsLoaded(pathMismatch))

	_, err = e.host.Load(pathNoInfo)
	assert.ErrorIs(t, err, ErrMissingCompatibilityInfo)
	assert.False(t, e.opener.IsLoaded(pathNoInfo))

	_, err = e.host.Load(pathNoModule)
	assert.ErrorIs(t, err, ErrMissingModule)

	_, err = e.host.Load("/mods/unknown")
	require.ErrorAs(t, err, &le)
	assert.Equal(t, PlatformOpenFailure, le.Kind)
	assert.ErrorIs(t, err, builtin.ErrNotRegistered)
}

func TestLoadMainWithoutMain(t *testing.T) {
	e := newEnv(t)
	m, _, err := LoadMain[bridge.Unit](e.host, pathNoMain)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrMissingExport)
	assert.False(t, e.opener.IsLoaded(pathNoMain))
	assert.Empty(t, e.host.Modules())
}

func TestCloseFailure(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathCloseFails)
	err := m.Unload()
	var ue *UnloadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, PlatformCloseFailure, ue.Kind)
	assert.False(t, ue.Retryable())
	assert.ErrorIs(t, err, errClose)
	assert.Equal(t, FailedUnload, m.State())
	assert.Empty(t, e.host.Modules())
}

func TestStillLoadedAfterClose(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathPinned)
	err := m.Unload()
	assert.ErrorIs(t, err, ErrUnloadingFail)
	assert.Equal(t, FailedUnload, m.State())
}

func TestHostImports(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.Imports = bridge.NewTable()
		bridge.Export1(c.Imports, "host_double", func(v int) int { return v * 2 })
	})
	m := e.load(t, pathImports)
	v, err := Call1[int, int](m, "twice_via_host", 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	require.NoError(t, m.Unload())
}

func TestDestructors(t *testing.T) {
	for _, adapter := range []platform.Adapter{platform.NewEager(), platform.NewDetach(nil)} {
		t.Run(adapter.Name(), func(t *testing.T) {
			e := newEnv(t, func(c *Config) { c.Adapter = adapter })
			require.NoError(t, e.host.Init())
			before := dtorRuns.Load()
			m := e.loadMain(t, pathDestructors)
			require.NoError(t, m.Unload())
			assert.Equal(t, before+1, dtorRuns.Load())
			assert.Zero(t, e.heap.InUse())
		})
	}
}

func TestBrokenTrackingWarns(t *testing.T) {
	e := newEnv(t)
	m := e.load(t, pathBrokenTracks)
	require.NoError(t, m.Unload())
	assert.Equal(t, 1, e.logs.FilterMessageSnippet("allocation tracking is not working").Len())
}

func TestUntracked(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.DisableTracking = true })
	m := e.loadMain(t, pathCounter)
	require.NoError(t, m.Unload())
	assert.Zero(t, e.logs.FilterMessageSnippet("allocation tracking is not working").Len())
	// nothing was recorded, so nothing was freed
	assert.Equal(t, uintptr(50*128), e.heap.InUse())
}

func TestZeroConfig(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	o := builtin.New()
	registerFixtures(o)
	heap := alloc.NewHeap()
	h := NewHost(Config{Opener: o, Allocator: heap})
	m, _, err := LoadMain[bridge.Unit](h, pathCounter)
	require.NoError(t, err)
	_, err = Call1[int, int](m, "leak", 10)
	require.NoError(t, err)
	require.NoError(t, m.Unload())
	assert.Zero(t, heap.InUse())
}

func TestImmediateValidatedReuse(t *testing.T) {
	backend := newFreeList()
	e := newEnv(t, func(c *Config) {
		c.Allocator = backend
		c.ImmediateAllocs = true
		c.ValidateDeallocs = true
	})
	m := e.loadMain(t, pathCounter)
	m.internal.SendCachedAllocs()
	// main keeps the odd blocks, each one at the address of the block freed before it
	assert.Len(t, m.Outstanding(), 50+1)
	_, err := Call1[int, int](m, "leak", 3)
	require.NoError(t, err)
	require.NoError(t, m.Unload())
	assert.Empty(t, m.Outstanding())
	assert.Zero(t, backend.Live())
}

func TestStats(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.ImmediateAllocs = true })
	m := e.loadMain(t, pathCounter)
	m.internal.SendCachedAllocs()
	var stats struct {
		Fingerprint string
		Adapter     string
		InUse       uint64
		Modules     []struct {
			ModuleID   uint64
			Path       string
			State      string
			Poisoned   bool
			Goroutines uint64
		}
		Allocations []struct {
			ModuleID    uint64
			Allocations int
			Bytes       uint64
		}
	}
	require.NoError(t, json.Unmarshal(e.host.Stats(), &stats))
	assert.Equal(t, fingerprint, stats.Fingerprint)
	assert.Equal(t, "eager", stats.Adapter)
	assert.Equal(t, uint64(50*128+1), stats.InUse)
	require.Len(t, stats.Modules, 1)
	assert.Equal(t, uint64(m.ID()), stats.Modules[0].ModuleID)
	assert.Equal(t, "Active", stats.Modules[0].State)
	require.Len(t, stats.Allocations, 1)
	assert.Equal(t, 51, stats.Allocations[0].Allocations)
	require.NoError(t, m.Unload())
}
