package hotmod

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyLoaded occurs when the library at a path is still loaded.
	ErrAlreadyLoaded = errors.New("this module is already loaded")
	// ErrMissingCompatibilityInfo occurs when a library does not export its fingerprint.
	ErrMissingCompatibilityInfo = errors.New("module does not export compatibility info")
	// ErrCompatibilityMismatch occurs when module and host fingerprints differ.
	ErrCompatibilityMismatch = errors.New("module is compiled with different configuration")
	// ErrMissingModule occurs when a library does not export the module SDK instance.
	ErrMissingModule = errors.New("module does not export its sdk instance")
	// ErrPlatformOpen wraps failures of the library backend or the platform adapter while loading.
	ErrPlatformOpen = errors.New("platform open failure")

	// ErrBeforeUnloadPanicked occurs when the before_unload export panicked.
	ErrBeforeUnloadPanicked = errors.New(`module export "before_unload" panicked`)
	// ErrThreadsStillRunning occurs when goroutines started by the module are still running.
	ErrThreadsStillRunning = errors.New("module still has running goroutines")
	// ErrPlatformClose wraps failures of closing the library.
	ErrPlatformClose = errors.New("platform close failure")
	// ErrUnloadingFail occurs when the library is still loaded after a successful close.
	ErrUnloadingFail = errors.New("unloading failed for unknown reason")

	// ErrPanicked occurs when an export panicked; the module is poisoned afterwards.
	ErrPanicked = errors.New("module export panicked")
	// ErrPoisoned occurs when calling a module after one of its exports panicked.
	ErrPoisoned = errors.New("module is poisoned by an earlier panic")
	// ErrMissingExport occurs when calling an export the module does not have.
	ErrMissingExport = errors.New("missing export")
	// ErrUnloaded occurs when using a module that is unloading or unloaded.
	ErrUnloaded = errors.New("module is not active")
)

// LoadErrorKind classifies a LoadError.
type LoadErrorKind int

const (
	AlreadyLoaded LoadErrorKind = iota + 1
	MissingCompatibilityInfo
	CompatibilityMismatch
	MissingModule
	PlatformOpenFailure
)

var loadSentinels = map[LoadErrorKind]error{
	AlreadyLoaded:            ErrAlreadyLoaded,
	MissingCompatibilityInfo: ErrMissingCompatibilityInfo,
	CompatibilityMismatch:    ErrCompatibilityMismatch,
	MissingModule:            ErrMissingModule,
	PlatformOpenFailure:      ErrPlatformOpen,
}

func (k LoadErrorKind) String() string {
	switch k {
	case AlreadyLoaded:
		return "AlreadyLoaded"
	case MissingCompatibilityInfo:
		return "MissingCompatibilityInfo"
	case CompatibilityMismatch:
		return "CompatibilityMismatch"
	case MissingModule:
		return "MissingModule"
	case PlatformOpenFailure:
		return "PlatformOpenFailure"
	default:
		return fmt.Sprintf("LoadErrorKind(%d)", int(k))
	}
}

// LoadError is returned by Host.Load. errors.Is matches the sentinel of its Kind
// and, for PlatformOpenFailure, the cause.
type LoadError struct {
	Kind LoadErrorKind
	Path string
	// Module and Host are the fingerprints of a CompatibilityMismatch.
	Module string
	Host   string
	Cause  error
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case CompatibilityMismatch:
		return fmt.Sprintf("%s:\n%s\nexpected:\n%s\n"+
			"note: make sure that host and module are built with the identical go toolchain, target,\n"+
			"hotmod version and with unloading enabled on both sides\nmodule path: %s",
			ErrCompatibilityMismatch, e.Module, e.Host, e.Path)
	case PlatformOpenFailure:
		return fmt.Sprintf("%s: %v\nmodule path: %s", ErrPlatformOpen, e.Cause, e.Path)
	default:
		return fmt.Sprintf("%s\nmodule path: %s", loadSentinels[e.Kind], e.Path)
	}
}

func (e *LoadError) Is(target error) bool { return loadSentinels[e.Kind] == target }
func (e *LoadError) Unwrap() error        { return e.Cause }

// UnloadErrorKind classifies an UnloadError.
type UnloadErrorKind int

const (
	BeforeUnloadPanicked UnloadErrorKind = iota + 1
	ThreadsStillRunning
	PlatformCloseFailure
	UnloadingFailUnknown
)

var unloadSentinels = map[UnloadErrorKind]error{
	BeforeUnloadPanicked: ErrBeforeUnloadPanicked,
	ThreadsStillRunning:  ErrThreadsStillRunning,
	PlatformCloseFailure: ErrPlatformClose,
	UnloadingFailUnknown: ErrUnloadingFail,
}

func (k UnloadErrorKind) String() string {
	switch k {
	case BeforeUnloadPanicked:
		return "BeforeUnloadPanicked"
	case ThreadsStillRunning:
		return "ThreadsStillRunning"
	case PlatformCloseFailure:
		return "PlatformCloseFailure"
	case UnloadingFailUnknown:
		return "UnloadingFailUnknown"
	default:
		return fmt.Sprintf("UnloadErrorKind(%d)", int(k))
	}
}

// UnloadError is returned by Module.Unload.
type UnloadError struct {
	Kind  UnloadErrorKind
	Path  string
	Cause error
}

func (e *UnloadError) Error() string {
	switch e.Kind {
	case ThreadsStillRunning:
		return fmt.Sprintf("%s\nmodule path: %s\n"+
			"note: a module can export \"before_unload\" to wait for the goroutines it started", ErrThreadsStillRunning, e.Path)
	case PlatformCloseFailure:
		return fmt.Sprintf("%s: %v\nmodule path: %s", ErrPlatformClose, e.Cause, e.Path)
	case UnloadingFailUnknown:
		return fmt.Sprintf("%s (ran destructors, checked running goroutines, but the library is still loaded)\nmodule path: %s",
			ErrUnloadingFail, e.Path)
	default:
		return fmt.Sprintf("%s\nmodule path: %s", unloadSentinels[e.Kind], e.Path)
	}
}

func (e *UnloadError) Is(target error) bool { return unloadSentinels[e.Kind] == target }
func (e *UnloadError) Unwrap() error        { return e.Cause }

// Retryable reports whether the module is still active and Unload may be called again.
func (e *UnloadError) Retryable() bool {
	return e.Kind == BeforeUnloadPanicked || e.Kind == ThreadsStillRunning
}
