package simdriver

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/osthread"
	"k8s.io/klog/v2"
)

// APIVersion reported by CtxGetApiVersion.
const APIVersion = 3020

// simContext is a simulated context. Fields not marked otherwise are protected by Driver.mu.
type simContext struct {
	handle driver.Context
	device *device
	flags  driver.ContextFlags
	mem    *memory

	destroyed bool

	// fault is the sticky error of the context, set by the first failed asynchronous operation.
	fault atomic.Int32

	muConfig        sync.Mutex
	limits          map[driver.Limit]uint64
	cacheConfig     driver.CacheConfig
	sharedMemConfig driver.SharedMemConfig
}

func (ctx *simContext) faulted() driver.Result {
	return driver.Result(ctx.fault.Load())
}

func (ctx *simContext) setFault(r driver.Result) {
	if ctx.fault.CompareAndSwap(int32(driver.Success), int32(r)) {
		klog.V(1).Infof("simulated context %d faulted: %s", ctx.handle, r)
	}
}

var defaultLimits = map[driver.Limit]uint64{
	driver.LimitStackSize:                    1024,
	driver.LimitPrintfFifoSize:               1 << 20,
	driver.LimitMallocHeapSize:               8 << 20,
	driver.LimitDevRuntimeSyncDepth:          2,
	driver.LimitDevRuntimePendingLaunchCount: 2048,
	driver.LimitMaxL2FetchGranularity:        64,
}

// Stream priorities range, lower numbers are higher priorities.
const (
	leastStreamPriority    = 0
	greatestStreamPriority = -5
)

// current returns the context current on the calling OS thread.
func (d *Driver) current() (*simContext, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLocked()
}

func (d *Driver) currentLocked() (*simContext, driver.Result) {
	if !d.initialized {
		return nil, driver.ErrorNotInitialized
	}
	stack := d.stacks[osthread.Current()]
	if len(stack) == 0 {
		return nil, driver.ErrorInvalidContext
	}
	ctx := stack[len(stack)-1]
	if ctx.destroyed {
		return nil, driver.ErrorContextIsDestroyed
	}
	return ctx, driver.Success
}

// currentHealthy returns the current context, or its sticky fault if it has one.
func (d *Driver) currentHealthy() (*simContext, driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return nil, r
	}
	if fault := ctx.faulted(); fault != driver.Success {
		return nil, fault
	}
	return ctx, driver.Success
}

func (d *Driver) CtxCreate(flags driver.ContextFlags, dev driver.Device) (driver.Context, driver.Result) {
	sd, r := d.getDevice(dev)
	if r != driver.Success {
		return 0, r
	}
	if flags&^driver.CtxFlagsMask != 0 {
		return 0, driver.ErrorInvalidValue
	}
	switch flags & driver.CtxSchedMask {
	case driver.CtxSchedAuto, driver.CtxSchedSpin, driver.CtxSchedYield, driver.CtxSchedBlockingSync:
	default:
		return 0, driver.ErrorInvalidValue
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := &simContext{
		handle: driver.Context(d.newHandle()),
		device: sd,
		flags:  flags,
		mem:    newMemory(sd),
		limits: make(map[driver.Limit]uint64, len(defaultLimits)),
	}
	for limit, value := range defaultLimits {
		ctx.limits[limit] = value
	}
	d.contexts[ctx.handle] = ctx
	tid := osthread.Current()
	d.stacks[tid] = append(d.stacks[tid], ctx)
	return ctx.handle, driver.Success
}

func (d *Driver) CtxDestroy(handle driver.Context) driver.Result {
	d.mu.Lock()
	ctx, found := d.contexts[handle]
	if !found || ctx.destroyed {
		d.mu.Unlock()
		return driver.ErrorInvalidContext
	}
	ctx.destroyed = true
	delete(d.contexts, handle)
	var streams []*stream
	for h, s := range d.streams {
		if s.ctx == ctx {
			streams = append(streams, s)
			delete(d.streams, h)
		}
	}
	for h, e := range d.events {
		if e.ctx == ctx {
			delete(d.events, h)
		}
	}
	for h, f := range d.functions {
		if f.module.ctx == ctx {
			delete(d.functions, h)
		}
	}
	for h, m := range d.modules {
		if m.ctx == ctx {
			delete(d.modules, h)
		}
	}
	tid := osthread.Current()
	if stack := d.stacks[tid]; len(stack) > 0 && stack[len(stack)-1] == ctx {
		d.popLocked(tid)
	}
	d.mu.Unlock()

	// Work already enqueued is drained before the memory is released.
	for _, s := range streams {
		s.close()
	}
	ctx.mem.freeAll()
	return driver.Success
}

func (d *Driver) popLocked(tid osthread.ID) *simContext {
	stack := d.stacks[tid]
	ctx := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(d.stacks, tid)
	} else {
		d.stacks[tid] = stack[:len(stack)-1]
	}
	return ctx
}

func (d *Driver) CtxPushCurrent(handle driver.Context) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return driver.ErrorNotInitialized
	}
	ctx, found := d.contexts[handle]
	if !found || ctx.destroyed {
		return driver.ErrorInvalidContext
	}
	tid := osthread.Current()
	d.stacks[tid] = append(d.stacks[tid], ctx)
	return driver.Success
}

func (d *Driver) CtxPopCurrent() (driver.Context, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrorNotInitialized
	}
	tid := osthread.Current()
	if len(d.stacks[tid]) == 0 {
		return 0, driver.ErrorInvalidContext
	}
	return d.popLocked(tid).handle, driver.Success
}

func (d *Driver) CtxGetCurrent() (driver.Context, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrorNotInitialized
	}
	stack := d.stacks[osthread.Current()]
	if len(stack) == 0 {
		return 0, driver.Success
	}
	return stack[len(stack)-1].handle, driver.Success
}

// streamsOf returns the live streams of ctx.
func (d *Driver) streamsOf(ctx *simContext, onlyBlocking bool) []*stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	var streams []*stream
	for _, s := range d.streams {
		if s.ctx == ctx && (!onlyBlocking || s.flags&driver.StreamNonBlocking == 0) {
			streams = append(streams, s)
		}
	}
	return streams
}

func (d *Driver) CtxSynchronize() driver.Result {
	ctx, r := d.current()
	if r != driver.Success {
		return r
	}
	for _, s := range d.streamsOf(ctx, false) {
		s.synchronize()
	}
	return ctx.faulted()
}

func (d *Driver) CtxGetApiVersion(handle driver.Context) (uint32, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, found := d.contexts[handle]
	if !found || ctx.destroyed {
		return 0, driver.ErrorInvalidContext
	}
	return APIVersion, driver.Success
}

func (d *Driver) CtxGetDevice() (driver.Device, driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return 0, r
	}
	return driver.Device(ctx.device.ordinal), driver.Success
}

func (d *Driver) CtxGetFlags() (driver.ContextFlags, driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return 0, r
	}
	return ctx.flags, driver.Success
}

func (d *Driver) CtxGetLimit(limit driver.Limit) (uint64, driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return 0, r
	}
	ctx.muConfig.Lock()
	defer ctx.muConfig.Unlock()
	value, found := ctx.limits[limit]
	if !found {
		return 0, driver.ErrorInvalidValue
	}
	return value, driver.Success
}

func (d *Driver) CtxSetLimit(limit driver.Limit, value uint64) driver.Result {
	ctx, r := d.current()
	if r != driver.Success {
		return r
	}
	ctx.muConfig.Lock()
	defer ctx.muConfig.Unlock()
	if _, found := ctx.limits[limit]; !found {
		return driver.ErrorInvalidValue
	}
	ctx.limits[limit] = value
	return driver.Success
}

func (d *Driver) CtxGetCacheConfig() (driver.CacheConfig, driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return 0, r
	}
	ctx.muConfig.Lock()
	defer ctx.muConfig.Unlock()
	return ctx.cacheConfig, driver.Success
}

func (d *Driver) CtxSetCacheConfig(config driver.CacheConfig) driver.Result {
	if config < driver.CachePreferNone || config > driver.CachePreferEqual {
		return driver.ErrorInvalidValue
	}
	ctx, r := d.current()
	if r != driver.Success {
		return r
	}
	ctx.muConfig.Lock()
	defer ctx.muConfig.Unlock()
	ctx.cacheConfig = config
	return driver.Success
}

func (d *Driver) CtxGetSharedMemConfig() (driver.SharedMemConfig, driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return 0, r
	}
	ctx.muConfig.Lock()
	defer ctx.muConfig.Unlock()
	return ctx.sharedMemConfig, driver.Success
}

func (d *Driver) CtxSetSharedMemConfig(config driver.SharedMemConfig) driver.Result {
	if config < driver.SharedMemDefaultBankSize || config > driver.SharedMemEightByteBankSize {
		return driver.ErrorInvalidValue
	}
	ctx, r := d.current()
	if r != driver.Success {
		return r
	}
	ctx.muConfig.Lock()
	defer ctx.muConfig.Unlock()
	ctx.sharedMemConfig = config
	return driver.Success
}

func (d *Driver) CtxGetStreamPriorityRange() (least, greatest int, r driver.Result) {
	if _, r = d.current(); r != driver.Success {
		return
	}
	return leastStreamPriority, greatestStreamPriority, driver.Success
}
