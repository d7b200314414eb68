//go:build windows

package platform

import "golang.org/x/sys/windows"

// ThreadID is the id of the calling OS thread. It is stable for a goroutine only
// while it holds runtime.LockOSThread.
func ThreadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
