package simdriver

import (
	"sync"
	"unsafe"

	"github.com/emirpasic/gods/v2/maps/treemap"
	"github.com/gomlx/gocuda/driver"
)

// allocAlignment is the alignment of simulated device allocations, as with cuMemAlloc.
const allocAlignment = 256

// allocation is a block of simulated device memory. It is backed by []uint64 so the host view of the memory
// is 8-byte aligned.
type allocation struct {
	base  driver.DevicePtr
	size  uint64
	words []uint64
}

func (a *allocation) bytes() []byte {
	if a.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&a.words[0])), a.size)
}

// memory is the set of allocations of one context, indexed by base address.
type memory struct {
	device *device

	mu     sync.Mutex
	allocs *treemap.Map[driver.DevicePtr, *allocation]
}

func newMemory(dev *device) *memory {
	return &memory{
		device: dev,
		allocs: treemap.New[driver.DevicePtr, *allocation](),
	}
}

// alloc reserves size bytes of device memory, accounted against the device total.
func (m *memory) alloc(size uint64) (driver.DevicePtr, driver.Result) {
	if size == 0 {
		return 0, driver.ErrorInvalidValue
	}
	base, ok := m.device.reserve(size)
	if !ok {
		return 0, driver.ErrorOutOfMemory
	}
	a := &allocation{
		base:  base,
		size:  size,
		words: make([]uint64, (size+7)/8),
	}
	m.mu.Lock()
	m.allocs.Put(base, a)
	m.mu.Unlock()
	return base, driver.Success
}

func (m *memory) free(ptr driver.DevicePtr) driver.Result {
	m.mu.Lock()
	a, found := m.allocs.Get(ptr)
	if found {
		m.allocs.Remove(ptr)
	}
	m.mu.Unlock()
	if !found {
		return driver.ErrorInvalidValue
	}
	m.device.release(a.size)
	return driver.Success
}

// freeAll releases every allocation, when the context is destroyed.
func (m *memory) freeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocs.Values() {
		m.device.release(a.size)
	}
	m.allocs.Clear()
}

// resolve returns the host view of [ptr, ptr+n), which must lie within a single allocation.
func (m *memory) resolve(ptr driver.DevicePtr, n uint64) ([]byte, driver.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, a, found := m.allocs.Floor(ptr)
	if !found {
		return nil, driver.ErrorInvalidValue
	}
	offset := uint64(ptr - base)
	if offset > a.size || n > a.size-offset {
		return nil, driver.ErrorInvalidValue
	}
	return a.bytes()[offset : offset+n], driver.Success
}

func (m *memory) copyFromHost(dst driver.DevicePtr, src unsafe.Pointer, n uint64) driver.Result {
	if n == 0 {
		return driver.Success
	}
	b, r := m.resolve(dst, n)
	if r != driver.Success {
		return r
	}
	copy(b, unsafe.Slice((*byte)(src), n))
	return driver.Success
}

func (m *memory) copyToHost(dst unsafe.Pointer, src driver.DevicePtr, n uint64) driver.Result {
	if n == 0 {
		return driver.Success
	}
	b, r := m.resolve(src, n)
	if r != driver.Success {
		return r
	}
	copy(unsafe.Slice((*byte)(dst), n), b)
	return driver.Success
}

func (m *memory) copyDeviceToDevice(dst, src driver.DevicePtr, n uint64) driver.Result {
	if n == 0 {
		return driver.Success
	}
	srcBytes, r := m.resolve(src, n)
	if r != driver.Success {
		return r
	}
	dstBytes, r := m.resolve(dst, n)
	if r != driver.Success {
		return r
	}
	copy(dstBytes, srcBytes)
	return driver.Success
}

func (m *memory) memset(dst driver.DevicePtr, value uint8, n uint64) driver.Result {
	if n == 0 {
		return driver.Success
	}
	b, r := m.resolve(dst, n)
	if r != driver.Success {
		return r
	}
	for i := range b {
		b[i] = value
	}
	return driver.Success
}

func (d *Driver) MemAlloc(bytes uint64) (driver.DevicePtr, driver.Result) {
	ctx, r := d.currentHealthy()
	if r != driver.Success {
		return 0, r
	}
	return ctx.mem.alloc(bytes)
}

func (d *Driver) MemFree(ptr driver.DevicePtr) driver.Result {
	ctx, r := d.current()
	if r != driver.Success {
		return r
	}
	return ctx.mem.free(ptr)
}

func (d *Driver) MemGetInfo() (free, total uint64, r driver.Result) {
	ctx, r := d.current()
	if r != driver.Success {
		return 0, 0, r
	}
	return ctx.device.freeMemory(), ctx.device.config.TotalMemory, driver.Success
}

// syncContext returns the current context after waiting for the work of its blocking streams, as the
// synchronous memory operations of the legacy default stream do.
func (d *Driver) syncContext() (*simContext, driver.Result) {
	ctx, r := d.currentHealthy()
	if r != driver.Success {
		return nil, r
	}
	for _, s := range d.streamsOf(ctx, true) {
		s.synchronize()
	}
	if fault := ctx.faulted(); fault != driver.Success {
		return nil, fault
	}
	return ctx, driver.Success
}

func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src unsafe.Pointer, bytes uint64) driver.Result {
	ctx, r := d.syncContext()
	if r != driver.Success {
		return r
	}
	return ctx.mem.copyFromHost(dst, src, bytes)
}

func (d *Driver) MemcpyDtoH(dst unsafe.Pointer, src driver.DevicePtr, bytes uint64) driver.Result {
	ctx, r := d.syncContext()
	if r != driver.Success {
		return r
	}
	return ctx.mem.copyToHost(dst, src, bytes)
}

func (d *Driver) MemcpyDtoD(dst, src driver.DevicePtr, bytes uint64) driver.Result {
	ctx, r := d.syncContext()
	if r != driver.Success {
		return r
	}
	return ctx.mem.copyDeviceToDevice(dst, src, bytes)
}

func (d *Driver) MemsetD8(dst driver.DevicePtr, value uint8, n uint64) driver.Result {
	ctx, r := d.syncContext()
	if r != driver.Success {
		return r
	}
	return ctx.mem.memset(dst, value, n)
}

// The asynchronous versions validate the addresses when enqueued, so that errors in the arguments are
// reported immediately, like the real driver does.

func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, src unsafe.Pointer, bytes uint64, hStream driver.Stream) driver.Result {
	ctx, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	if _, r = ctx.mem.resolve(dst, bytes); bytes > 0 && r != driver.Success {
		return r
	}
	return s.enqueue(func() driver.Result { return ctx.mem.copyFromHost(dst, src, bytes) }, false)
}

func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src driver.DevicePtr, bytes uint64, hStream driver.Stream) driver.Result {
	ctx, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	if _, r = ctx.mem.resolve(src, bytes); bytes > 0 && r != driver.Success {
		return r
	}
	return s.enqueue(func() driver.Result { return ctx.mem.copyToHost(dst, src, bytes) }, false)
}

func (d *Driver) MemcpyDtoDAsync(dst, src driver.DevicePtr, bytes uint64, hStream driver.Stream) driver.Result {
	ctx, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	if bytes > 0 {
		if _, r = ctx.mem.resolve(src, bytes); r != driver.Success {
			return r
		}
		if _, r = ctx.mem.resolve(dst, bytes); r != driver.Success {
			return r
		}
	}
	return s.enqueue(func() driver.Result { return ctx.mem.copyDeviceToDevice(dst, src, bytes) }, false)
}

func (d *Driver) MemsetD8Async(dst driver.DevicePtr, value uint8, n uint64, hStream driver.Stream) driver.Result {
	ctx, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	if _, r = ctx.mem.resolve(dst, n); n > 0 && r != driver.Success {
		return r
	}
	return s.enqueue(func() driver.Result { return ctx.mem.memset(dst, value, n) }, false)
}
