//go:build !linux && !windows

package osthread

import (
	"runtime"
	"sync"
)

// Without a thread id system call, the goroutine id is used instead: a goroutine locked to its thread is the
// only one running on it, so both identify the same context stack.
var (
	muIDs  sync.Mutex
	nextID ID
	ids    = make(map[uint64]ID)
)

func current() ID {
	gid := goroutineID()
	muIDs.Lock()
	defer muIDs.Unlock()
	id, found := ids[gid]
	if !found {
		nextID++
		id = nextID
		ids[gid] = id
	}
	return id
}

// goroutineID parses the id from the goroutine stack header ("goroutine 123 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
