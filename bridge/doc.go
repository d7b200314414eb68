/*
Package bridge is the calling convention for every function crossing the
module boundary.

# Convention

Every exported function is a [Stub]: it receives a pointer to its arguments and a
pointer to the caller's return slot and reports success. The callee runs its body
inside panic containment; when the body panics the stub returns false and the
return slot is left untouched. A caller seeing false must not read the slot and
must not call into the module again before unloading it.

Return values are either trivially relocatable (see [Relocatable]) and written
into the slot as raw bytes, or boxed: the callee keeps the value alive in its
[Boxes] table, writes a pointer to it, and publishes a paired release stub the
caller invokes exactly once after copying the value out.

# Double panic

A panic raised while a panic is being reported (inside the panic hook) is not
contained; it aborts the process. This is a known limitation, kept on purpose.

# Code generation

The stubs that a generator would emit per signature are the generic
constructors Export0, Export1, Export2, ExportBoxed0, ExportBoxed1 on the module
side and Call0, Call1, Call2, CallBoxed0, CallBoxed1 on the host side.
*/
package bridge
