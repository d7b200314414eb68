/*
Package hotmod loads independently compiled Go modules into a running host, calls
them across a typed boundary and unloads them again without leaking memory.

# Underwater

 1. A module is linked into the process by an opener: [goloader] for object files
    (package objfile) or a factory compiled into the host (package builtin).
 2. Every allocation a module makes through its SDK (package module) is reported to
    the host store; whatever the module did not free is freed at unload.
 3. Exports are stubs that never let a panic escape. A panicking export poisons its
    module; later calls fail with ErrPoisoned until the module is reloaded.
 4. Module and host must carry the same fingerprint (toolchain, target, compiler,
    version and the unloading flag), otherwise loading fails with
    ErrCompatibilityMismatch.

# Notes

 1. Load and Unload of one module must happen on the same OS thread. Use
    runtime.LockOSThread around both; a mismatch is logged.
 2. Unload refuses while goroutines started with the module's Go are running. Stop
    them in a "before_unload" export.
 3. Values returned by an export only stay valid after unload if they were copied or
    handed to the host with Module.Take.

# Compile tool

The compile tool writes the fingerprint into a module package and builds it into an
object file the objfile opener links:

	go install github.com/ZenLiuCN/hotmod/compile@latest
	compile build -p sample .

It also inspects imports and symbols of object files and prepares the go sdk. For
more details see the cli help:

	compile -h

# Use

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	h := hotmod.NewHost(hotmod.DefaultConfig())
	m, _, err := hotmod.LoadMain[bridge.Unit](h, "sample")
	...
	v, err := hotmod.Call1[int, int](m, "double", 21)
	...
	err = m.Unload()

See package pool for named modules with reload.

[goloader]: https://github.com/pkujhd/goloader
*/
package hotmod
