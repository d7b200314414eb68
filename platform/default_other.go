//go:build !windows

package platform

// Default is the Eager adapter.
func Default() Adapter {
	return NewEager()
}

func DefaultSymbols() SymbolSubsystem { return NoSymbols{} }
