package cuda

import (
	"runtime"
	"sync"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/osthread"
	"github.com/pkg/errors"
)

// ContextGuard holds a context current on the OS thread of the goroutine that pushed it.
//
// While a guard is held the goroutine is locked to its OS thread (see runtime.LockOSThread), since the
// driver keeps the current context per thread. Guards must be popped in the reverse order they were pushed,
// by the same goroutine, usually with defer:
//
//	guard, err := ctx.Push()
//	if err != nil {
//		return err
//	}
//	defer guard.Pop()
type ContextGuard struct {
	ctx    *Context
	thread osthread.ID
	popped bool

	// detached is set when the context is destroyed while this guard is on top of the thread stack: the
	// driver already popped the context, so Pop only releases the thread.
	detached bool
}

var (
	// threadStacks mirror the driver's per thread context stacks, with the guards pushed by this package.
	threadStacks = make(map[osthread.ID][]*ContextGuard)
	muStacks     sync.Mutex
)

// Push makes the context current on the calling goroutine's OS thread, until the returned guard is popped.
//
// It fails with KindInvalidHandle if the context has been destroyed.
func (c *Context) Push() (*ContextGuard, error) {
	runtime.LockOSThread()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		runtime.UnlockOSThread()
		return nil, newError(KindInvalidHandle, "Context.Push", "context has been destroyed already")
	}
	if err := c.runtime().toError(c.drv().CtxPushCurrent(c.handle), "Context.Push"); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return c.newGuardLocked(osthread.Current()), nil
}

// newGuardLocked registers a guard for c, already pushed in the driver. It must be called with c.mu locked.
func (c *Context) newGuardLocked(tid osthread.ID) *ContextGuard {
	g := &ContextGuard{ctx: c, thread: tid}
	c.activeGuards[tid]++
	muStacks.Lock()
	threadStacks[tid] = append(threadStacks[tid], g)
	muStacks.Unlock()
	return g
}

// Context returns the context held by the guard.
func (g *ContextGuard) Context() *Context { return g.ctx }

// Pop restores the context that was current before the guard was pushed, and releases the OS thread.
// A second call is a no-op.
//
// It panics if the guard is not the last one pushed on the calling thread: that is a bug in the caller, and
// the driver context stack can no longer be trusted.
func (g *ContextGuard) Pop() {
	if g == nil || g.popped {
		return
	}
	c := g.ctx
	tid := osthread.Current()
	c.mu.Lock()
	muStacks.Lock()
	stack := threadStacks[tid]
	if tid != g.thread || len(stack) == 0 || stack[len(stack)-1] != g {
		muStacks.Unlock()
		c.mu.Unlock()
		panic(errors.Errorf("cuda: ContextGuard.Pop() out of order: guard pushed on thread %d, popped on thread %d "+
			"with %d guards: guards must be popped in reverse order of their push, by the goroutine that pushed them",
			g.thread, tid, len(stack)))
	}
	if len(stack) == 1 {
		delete(threadStacks, tid)
	} else {
		threadStacks[tid] = stack[:len(stack)-1]
	}
	muStacks.Unlock()
	g.popped = true

	if !g.detached {
		if c.activeGuards[tid]--; c.activeGuards[tid] == 0 {
			delete(c.activeGuards, tid)
		}
		popped, r := c.drv().CtxPopCurrent()
		if r != driver.Success || popped != c.handle {
			c.mu.Unlock()
			panic(errors.Errorf("cuda: ContextGuard.Pop(): driver context stack corrupted, popped context %#x "+
				"(expected %#x): %s", popped, c.handle, r))
		}
	}
	c.mu.Unlock()
	runtime.UnlockOSThread()
}

// CurrentContext returns the context current on the calling goroutine, pushed with Context.Push (or created
// with Device.CreateContext) and not popped yet.
//
// It fails with KindNoCurrentContext if there is none.
func CurrentContext() (*Context, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := osthread.Current()
	muStacks.Lock()
	defer muStacks.Unlock()
	stack := threadStacks[tid]
	for i := len(stack) - 1; i >= 0; i-- {
		if !stack[i].detached {
			return stack[i].ctx, nil
		}
	}
	return nil, newError(KindNoCurrentContext, "CurrentContext", "no context is current on the calling thread")
}

// Run calls fn with the context current, and restores the previous context when fn returns or panics.
func (c *Context) Run(fn func() error) error {
	guard, err := c.Push()
	if err != nil {
		return err
	}
	defer guard.Pop()
	return fn()
}

// do calls fn with the context current, and converts the driver status returned to an error for operation op.
func (c *Context) do(op string, fn func(drv driver.Driver) driver.Result) error {
	guard, err := c.Push()
	if err != nil {
		return errors.WithMessage(err, op)
	}
	defer guard.Pop()
	return c.runtime().toError(fn(c.drv()), op)
}
