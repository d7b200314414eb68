//go:build windows

package platform

// Default is the Detach adapter backed by dbghelp.
func Default() Adapter {
	return NewDetach(DefaultSymbols())
}
