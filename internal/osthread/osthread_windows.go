//go:build windows

package osthread

import "golang.org/x/sys/windows"

func current() ID {
	return ID(windows.GetCurrentThreadId())
}
