package hotmod

import (
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/alloc"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/builtin"
	"github.com/ZenLiuCN/hotmod/platform"
)

// Config configures a Host. The zero value of every field is usable.
type Config struct {
	// Opener opens module libraries: builtin.Default() or an objfile.Opener.
	Opener abi.Opener
	// Adapter orders platform specific teardown; platform.Default() picks the running OS.
	Adapter platform.Adapter
	// Allocator backs module allocations. Modules must use the same backend from their
	// first allocation on.
	Allocator abi.Allocator

	// DisableTracking stops recording module allocations; unload then frees nothing.
	DisableTracking bool
	// ValidateDeallocs aborts when a module frees memory it does not own.
	ValidateDeallocs bool
	// ImmediateAllocs reports each allocation to the host as it happens instead of batched.
	ImmediateAllocs bool
	// CacheSize bounds the module side op cache.
	CacheSize int

	// Imports are host functions modules can call.
	Imports *bridge.Table
	// Fingerprint overrides the host fingerprint modules are compared against.
	Fingerprint string

	// Stderr receives module error output.
	Stderr io.Writer
	Logger *zap.Logger
	// Debug logs every lifecycle step.
	Debug bool
}

// DefaultConfig tracks allocations on the process heap and opens builtin modules.
func DefaultConfig() Config {
	return Config{
		Opener:      builtin.Default(),
		Adapter:     platform.Default(),
		Allocator:   alloc.Default(),
		CacheSize:   alloc.DefaultCacheSize,
		Fingerprint: abi.HostFingerprint().String(),
		Stderr:      os.Stderr,
		Logger:      zap.NewNop(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Opener == nil {
		c.Opener = d.Opener
	}
	if c.Adapter == nil {
		c.Adapter = d.Adapter
	}
	if c.Allocator == nil {
		c.Allocator = d.Allocator
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.Fingerprint == "" {
		c.Fingerprint = d.Fingerprint
	}
	if c.Stderr == nil {
		c.Stderr = d.Stderr
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Imports == nil {
		c.Imports = bridge.NewTable()
	}
	return c
}
