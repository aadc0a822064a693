package cuda

import (
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Counters of live objects, for debugging and metrics (see ResourcesAlive).
var (
	contextsAlive, buffersAlive, bufferBytesAlive, modulesAlive, streamsAlive, eventsAlive atomic.Int64
)

// AliveCounts is a snapshot of the number of objects created and not yet released, across all runtimes.
type AliveCounts struct {
	Contexts, Buffers, Modules, Streams, Events int64

	// BufferBytes is the total size of the live device buffers.
	BufferBytes int64
}

// ResourcesAlive returns the number of live objects, for debugging and metrics. Objects garbage collected
// without being released are still counted (and logged as leaked).
func ResourcesAlive() AliveCounts {
	return AliveCounts{
		Contexts:    contextsAlive.Load(),
		Buffers:     buffersAlive.Load(),
		Modules:     modulesAlive.Load(),
		Streams:     streamsAlive.Load(),
		Events:      eventsAlive.Load(),
		BufferBytes: bufferBytesAlive.Load(),
	}
}

// leakCheck is attached to objects that must be released explicitly, and logs a warning if they are garbage
// collected before that.
type leakCheck struct {
	released atomic.Bool
	what     string
}

func (l *leakCheck) check() {
	if !l.released.Load() {
		klog.Warningf("cuda: %s garbage collected without being released: driver resources leaked", l.what)
	}
}
