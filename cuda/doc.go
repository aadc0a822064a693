// Package cuda is a safe layer over a GPU compute driver (see package driver).
//
// It covers device enumeration, execution contexts, device memory, module loading, streams, events and kernel
// launches. Illegal sequences are either impossible to express or detected at runtime:
//
//   - Objects created under a Context (buffers, modules, streams, events) must be released before the context
//     can be destroyed, and using a released object fails with KindInvalidHandle.
//   - The driver's per thread current context is managed with ContextGuard: a pushed context is popped by the
//     same goroutine, locked to its OS thread in between.
//   - Device memory and modules referenced by work enqueued on a Stream can't be freed or unloaded until the
//     host observes the work completed.
//
// A typical use:
//
//	rt, err := cuda.Load("cuda", nil)
//	device, err := rt.Device(0)
//	ctx, guard, err := device.CreateContext(cuda.CtxSchedAuto)
//	guard.Pop()
//	defer ctx.Destroy()
//
//	x, err := cuda.AllocateFrom(ctx, []float32{1, 2, 3})
//	defer x.Free()
//	stream, err := ctx.NewStream().Done()
//	defer stream.Destroy()
//	err = stream.Launch(fn, cuda.LinearLaunch(3, 128), cuda.Args().Buffer(x).Uint32(3))
//	err = stream.Synchronize()
//
// Errors are *Error values, with a Kind and the driver status code, wrapped with a stack trace.
package cuda

import "github.com/gomlx/gocuda/driver"

// Context creation flags, see driver.ContextFlags.
const (
	CtxSchedAuto         = driver.CtxSchedAuto
	CtxSchedSpin         = driver.CtxSchedSpin
	CtxSchedYield        = driver.CtxSchedYield
	CtxSchedBlockingSync = driver.CtxSchedBlockingSync
	CtxMapHost           = driver.CtxMapHost
	CtxLmemResizeToMax   = driver.CtxLmemResizeToMax
)
