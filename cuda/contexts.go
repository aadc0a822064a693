package cuda

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/osthread"
	"github.com/gomlx/gocuda/internal/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ContextFlags configure a context on creation, see the driver.Ctx* constants.
type ContextFlags = driver.ContextFlags

// Context is a driver execution context bound to one Device. Buffers, modules, streams and events are
// created under a context, and are only usable while it lives.
//
// The driver keeps a stack of current contexts per OS thread. All methods of this package that need a
// current context push their owning context for the duration of the call, so callers don't need to manage
// it; Push is only needed to interoperate with code that depends on the current context (see CurrentContext).
type Context struct {
	device *Device
	handle driver.Context
	flags  ContextFlags

	mu           sync.Mutex
	destroyed    bool
	activeGuards map[osthread.ID]int

	// resources holds the live objects created under the context: their handles are checked on every use.
	resources registry.Table[resource]

	leak *leakCheck
}

type resourceKind int

const (
	resourceBuffer resourceKind = iota
	resourceModule
	resourceStream
	resourceEvent
)

// resource is implemented by the objects owned by a context.
type resource interface {
	kind() resourceKind
}

// ResourceCounts is the number of live objects of a context, by type.
type ResourceCounts struct {
	Buffers, Modules, Streams, Events int
}

// Total number of live objects.
func (rc ResourceCounts) Total() int {
	return rc.Buffers + rc.Modules + rc.Streams + rc.Events
}

func (rc ResourceCounts) String() string {
	return fmt.Sprintf("%d buffers, %d modules, %d streams, %d events", rc.Buffers, rc.Modules, rc.Streams, rc.Events)
}

// CreateContext creates a new context on the device, and makes it current on the calling goroutine: the
// returned guard must be popped (see ContextGuard), usually right away or with defer.
func (d *Device) CreateContext(flags ContextFlags) (*Context, *ContextGuard, error) {
	runtime.LockOSThread()
	drv := d.runtime.drv
	handle, r := drv.CtxCreate(flags, d.handle)
	if err := d.runtime.toError(r, "Device.CreateContext"); err != nil {
		runtime.UnlockOSThread()
		return nil, nil, errors.WithMessagef(err, "on %s", d)
	}
	c := &Context{
		device:       d,
		handle:       handle,
		flags:        flags,
		activeGuards: make(map[osthread.ID]int),
	}
	c.mu.Lock()
	guard := c.newGuardLocked(osthread.Current())
	c.mu.Unlock()
	c.leak = &leakCheck{what: fmt.Sprintf("context %#x on %s", handle, d)}
	runtime.AddCleanup(c, (*leakCheck).check, c.leak)
	contextsAlive.Add(1)
	klog.V(1).Infof("created context %#x on %s", handle, d)
	return c, guard, nil
}

func (c *Context) runtime() *Runtime { return c.device.runtime }

func (c *Context) drv() driver.Driver { return c.device.runtime.drv }

// Device the context is bound to.
func (c *Context) Device() *Device { return c.device }

// Flags the context was created with.
func (c *Context) Flags() ContextFlags { return c.flags }

// IsDestroyed returns whether Destroy has been called successfully.
func (c *Context) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("context %#x on %s", c.handle, c.device)
}

// LiveResources returns the number of objects created under the context and not yet released.
func (c *Context) LiveResources() ResourceCounts {
	var counts ResourceCounts
	for _, res := range c.resources.Values() {
		switch res.kind() {
		case resourceBuffer:
			counts.Buffers++
		case resourceModule:
			counts.Modules++
		case resourceStream:
			counts.Streams++
		case resourceEvent:
			counts.Events++
		}
	}
	return counts
}

// Destroy the context, releasing its driver resources. A second call is a no-op.
//
// It fails with KindResourceInUse, and the context is left untouched, if:
//
//   - Any buffer, module, stream or event created under the context is still live: they must be released
//     first.
//   - The context is current in any guard, except a single guard on top of the calling goroutine's stack
//     (typically the one returned by Device.CreateContext). In that case the guard's Pop only releases the
//     OS thread.
//
// Outstanding work is waited for before the context is released.
func (c *Context) Destroy() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := osthread.Current()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	if counts := c.LiveResources(); counts.Total() > 0 {
		return newError(KindResourceInUse, "Context.Destroy", "%s still has live resources (%s), release them first",
			c, counts)
	}
	for thread, count := range c.activeGuards {
		if thread != tid || count > 1 {
			return newError(KindResourceInUse, "Context.Destroy",
				"%s is current in %d guard(s) of thread %d, pop them first", c, count, thread)
		}
	}
	var topGuard *ContextGuard
	if c.activeGuards[tid] == 1 {
		muStacks.Lock()
		stack := threadStacks[tid]
		top := stack[len(stack)-1]
		muStacks.Unlock()
		if top.ctx != c || top.detached {
			return newError(KindResourceInUse, "Context.Destroy",
				"%s is current on the calling thread below other contexts, pop them first", c)
		}
		topGuard = top
	}

	drv := c.drv()
	if topGuard == nil {
		if err := c.runtime().toError(drv.CtxPushCurrent(c.handle), "Context.Destroy"); err != nil {
			return err
		}
	}
	if err := c.runtime().toError(drv.CtxSynchronize(), "Context.Destroy"); err != nil {
		// Faults were already reported to the streams that caused them.
		klog.Warningf("synchronizing %s before destroying it: %+v", c, err)
	}
	if topGuard == nil {
		if _, r := drv.CtxPopCurrent(); r != driver.Success {
			panic(errors.Errorf("cuda: Context.Destroy(): driver context stack corrupted: %s", r))
		}
	}
	if err := c.runtime().toError(drv.CtxDestroy(c.handle), "Context.Destroy"); err != nil {
		return err
	}
	c.destroyed = true
	c.leak.released.Store(true)
	if topGuard != nil {
		topGuard.detached = true
		delete(c.activeGuards, tid)
	}
	contextsAlive.Add(-1)
	klog.V(1).Infof("destroyed %s", c)
	return nil
}

// register adds a resource to the context. It must be called while the context is current (inside do),
// which guarantees the context is not destroyed concurrently.
func (c *Context) register(res resource) registry.Handle {
	return c.resources.Insert(res)
}

// checkHandle returns an error if the resource handle is no longer live.
func (c *Context) checkHandle(h registry.Handle, op, what string) error {
	if !c.resources.Contains(h) {
		return newError(KindInvalidHandle, op, "%s has been released already", what)
	}
	return nil
}

// Synchronize blocks until all work submitted under the context completed. Asynchronous faults of any of its
// streams are reported.
func (c *Context) Synchronize() error {
	const op = "Context.Synchronize"
	streams := c.streams()
	targets := make([]uint64, len(streams))
	for i, s := range streams {
		// Streams destroyed concurrently are skipped with target 0.
		targets[i], _ = s.lastTicket(op)
	}
	called := false
	err := c.do(op, func(drv driver.Driver) driver.Result {
		called = true
		return drv.CtxSynchronize()
	})
	if called {
		for i, s := range streams {
			s.observe(targets[i])
		}
	}
	return err
}

// APIVersion returns the driver API version of the context.
func (c *Context) APIVersion() (version uint32, err error) {
	err = c.do("Context.APIVersion", func(drv driver.Driver) (r driver.Result) {
		version, r = drv.CtxGetApiVersion(c.handle)
		return
	})
	return
}

// Limit returns the value of a resource limit of the context.
func (c *Context) Limit(limit driver.Limit) (value uint64, err error) {
	err = c.do("Context.Limit", func(drv driver.Driver) (r driver.Result) {
		value, r = drv.CtxGetLimit(limit)
		return
	})
	return
}

// SetLimit sets the value of a resource limit of the context.
func (c *Context) SetLimit(limit driver.Limit, value uint64) error {
	return c.do("Context.SetLimit", func(drv driver.Driver) driver.Result {
		return drv.CtxSetLimit(limit, value)
	})
}

// CacheConfig returns the preferred cache configuration of the context.
func (c *Context) CacheConfig() (config driver.CacheConfig, err error) {
	err = c.do("Context.CacheConfig", func(drv driver.Driver) (r driver.Result) {
		config, r = drv.CtxGetCacheConfig()
		return
	})
	return
}

// SetCacheConfig sets the preferred cache configuration of the context. It's only a hint to the driver.
func (c *Context) SetCacheConfig(config driver.CacheConfig) error {
	return c.do("Context.SetCacheConfig", func(drv driver.Driver) driver.Result {
		return drv.CtxSetCacheConfig(config)
	})
}

// SharedMemConfig returns the shared memory bank size configuration of the context.
func (c *Context) SharedMemConfig() (config driver.SharedMemConfig, err error) {
	err = c.do("Context.SharedMemConfig", func(drv driver.Driver) (r driver.Result) {
		config, r = drv.CtxGetSharedMemConfig()
		return
	})
	return
}

// SetSharedMemConfig sets the shared memory bank size configuration of the context.
func (c *Context) SetSharedMemConfig(config driver.SharedMemConfig) error {
	return c.do("Context.SetSharedMemConfig", func(drv driver.Driver) driver.Result {
		return drv.CtxSetSharedMemConfig(config)
	})
}

// StreamPriorityRange is the range of priorities accepted by StreamConfig.WithPriority. Lower numbers are
// higher priorities, so Greatest <= Least.
type StreamPriorityRange struct {
	Least, Greatest int
}

// StreamPriorityRange returns the range of stream priorities of the context.
func (c *Context) StreamPriorityRange() (rng StreamPriorityRange, err error) {
	err = c.do("Context.StreamPriorityRange", func(drv driver.Driver) (r driver.Result) {
		rng.Least, rng.Greatest, r = drv.CtxGetStreamPriorityRange()
		return
	})
	return
}

// MemInfo returns the free and total memory of the device, in bytes.
func (c *Context) MemInfo() (free, total uint64, err error) {
	err = c.do("Context.MemInfo", func(drv driver.Driver) (r driver.Result) {
		free, total, r = drv.MemGetInfo()
		return
	})
	return
}
