package platform

// Eager runs intercepted destructors on the unloading thread, then cleanup, then
// store removal, then close.
type Eager struct{}

func NewEager() *Eager { return &Eager{} }

func (*Eager) Name() string               { return "eager" }
func (*Eager) InterceptDestructors() bool { return true }
func (*Eager) Init() error                { return nil }

func (*Eager) Attach(uintptr, string) error { return nil }

func (*Eager) Teardown(u Unloading) error {
	u.Lock()
	u.Internal.RunThreadLocalDestructors()
	u.Internal.MiscCleanup()
	u.RemoveAllocs()
	return u.Close()
}
