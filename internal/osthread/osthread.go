// Package osthread identifies the OS thread the calling goroutine is running on.
//
// The value is only meaningful while the goroutine is locked to its thread with runtime.LockOSThread: otherwise
// the scheduler may move the goroutine to another thread at any point.
package osthread

// ID identifies an OS thread.
type ID int64

// Current returns the ID of the calling OS thread.
func Current() ID {
	return current()
}
