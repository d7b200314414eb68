// Package fatal is the abort policy for broken invariants: poisoned locks,
// inconsistent allocator bookkeeping, module code running during teardown.
// Nothing here returns to the caller.
package fatal

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives the final message. The default handler exits the process.
type Handler func(message string)

var (
	handler atomic.Pointer[Handler]
	logger  atomic.Pointer[zap.Logger]
)

func exit(string) {
	os.Exit(134)
}

// SetHandler replaces the abort handler and returns the previous one.
// A handler must not return; tests install one that records the message and calls runtime.Goexit.
func SetHandler(h Handler) (previous Handler) {
	if p := handler.Swap(&h); p != nil {
		return *p
	}
	return exit
}

// SetLogger sets the logger Abort writes to before exiting.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

// Abort prints the message and terminates through the current handler.
func Abort(message string) {
	abort("something unrecoverable happened: " + message)
}

func abort(message string) {
	if l := logger.Load(); l != nil {
		l.Error(message)
		_ = l.Sync()
	}
	_, _ = fmt.Fprintln(os.Stderr, message)
	_, _ = fmt.Fprintln(os.Stderr, "aborting")
	h := exit
	if p := handler.Load(); p != nil {
		h = *p
	}
	h(message)
	// a handler must not return into corrupted state
	panic(unreachable{message})
}

// Abortf formats and aborts.
func Abortf(format string, args ...any) {
	Abort(fmt.Sprintf(format, args...))
}

// WithPrefix aborts with a bracketed origin, used for messages forwarded from modules.
func WithPrefix(prefix, message string) {
	abort("[" + prefix + "] something unrecoverable happened: " + message)
}

type unreachable struct{ message string }

func (u unreachable) String() string { return "fatal handler returned: " + u.message }
