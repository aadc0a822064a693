package cuda

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/dtypes"
	"github.com/gomlx/gocuda/internal/registry"
	"k8s.io/klog/v2"
)

// bufferCore is the untyped state of a device allocation, shared by a DeviceBuffer and its slices.
type bufferCore struct {
	ctx    *Context
	ptr    driver.DevicePtr
	bytes  uint64
	handle registry.Handle

	mu      sync.Mutex
	borrows int
	freed   bool
}

func (*bufferCore) kind() resourceKind { return resourceBuffer }

// borrow marks the buffer as referenced by an operation in flight. It fails if the buffer was freed.
func (core *bufferCore) borrow(op string) error {
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.freed {
		return newError(KindInvalidHandle, op, "device buffer has been freed already")
	}
	core.borrows++
	return nil
}

func (core *bufferCore) release() {
	core.mu.Lock()
	defer core.mu.Unlock()
	core.borrows--
}

func (core *bufferCore) check(op string) error {
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.freed {
		return newError(KindInvalidHandle, op, "device buffer has been freed already")
	}
	return nil
}

// span is a byte range of a device buffer.
type span struct {
	core          *bufferCore
	offset, bytes uint64
}

func (s span) ptr() driver.DevicePtr {
	return s.core.ptr + driver.DevicePtr(s.offset)
}

// DeviceMemory is a range of device memory owned by a DeviceBuffer: the buffer itself or one of its slices.
type DeviceMemory interface {
	// SizeBytes returns the size of the range in bytes.
	SizeBytes() uint64

	span() span
}

// Region is a typed range of device memory: a *DeviceBuffer[T] or a *DeviceSlice[T].
type Region[T dtypes.Supported] interface {
	DeviceMemory

	// Len returns the number of elements in the range.
	Len() uint64

	// element ties the interface to T, so regions of different element types don't mix.
	element() T
}

// DeviceBuffer is a typed, contiguous allocation of device memory, owned by a Context.
//
// The memory is only released by Free: buffers garbage collected without being freed are reported as leaked
// in the logs. While operations enqueued on a stream reference the buffer, it can't be freed.
type DeviceBuffer[T dtypes.Supported] struct {
	core  *bufferCore
	count uint64
}

// DeviceSlice is a view of the elements [lo, hi) of a DeviceBuffer. It is invalid once the buffer is freed.
type DeviceSlice[T dtypes.Supported] struct {
	buffer *DeviceBuffer[T]
	lo, hi uint64
}

func elementSize[T dtypes.Supported]() uint64 {
	var t T
	return uint64(unsafe.Sizeof(t))
}

// Allocate a buffer of count elements of type T on the context's device. The contents are not initialized.
//
// It fails with KindOutOfMemory if the device can't satisfy the request, or if the size in bytes doesn't fit
// 64 bits. Zero elements is valid: no device memory is allocated, and the buffer can only be used in copies
// of zero elements.
func Allocate[T dtypes.Supported](ctx *Context, count uint64) (*DeviceBuffer[T], error) {
	const op = "Allocate"
	hi, size := bits.Mul64(count, elementSize[T]())
	if hi != 0 {
		return nil, newError(KindOutOfMemory, op, "%d elements of %s overflow the addressable size", count,
			dtypes.FromGenericsType[T]())
	}
	core := &bufferCore{ctx: ctx, bytes: size}
	err := ctx.do(op, func(drv driver.Driver) driver.Result {
		if size > 0 {
			ptr, r := drv.MemAlloc(size)
			if r != driver.Success {
				return r
			}
			core.ptr = ptr
		}
		core.handle = ctx.register(core)
		return driver.Success
	})
	if err != nil {
		return nil, err
	}
	buf := &DeviceBuffer[T]{core: core, count: count}
	buffersAlive.Add(1)
	bufferBytesAlive.Add(int64(size))
	runtime.AddCleanup(buf, func(core *bufferCore) {
		core.mu.Lock()
		defer core.mu.Unlock()
		if !core.freed {
			klog.Warningf("cuda: device buffer %#x (%d bytes) garbage collected without being freed: "+
				"memory leaked until its context is destroyed", core.ptr, core.bytes)
		}
	}, core)
	klog.V(2).Infof("allocated %d bytes at %#x", size, core.ptr)
	return buf, nil
}

// AllocateFrom allocates a buffer with the length of host, and copies host to it.
func AllocateFrom[T dtypes.Supported](ctx *Context, host []T) (*DeviceBuffer[T], error) {
	buf, err := Allocate[T](ctx, uint64(len(host)))
	if err != nil {
		return nil, err
	}
	if err = CopyFromHost[T](buf, host); err != nil {
		_ = buf.Free()
		return nil, err
	}
	return buf, nil
}

// Context that owns the buffer.
func (b *DeviceBuffer[T]) Context() *Context { return b.core.ctx }

// Len returns the number of elements.
func (b *DeviceBuffer[T]) Len() uint64 { return b.count }

// SizeBytes returns the size of the buffer in bytes.
func (b *DeviceBuffer[T]) SizeBytes() uint64 { return b.core.bytes }

// DType of the elements.
func (b *DeviceBuffer[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Ptr returns the device address of the buffer, to interoperate with code using the driver directly.
func (b *DeviceBuffer[T]) Ptr() driver.DevicePtr { return b.core.ptr }

func (b *DeviceBuffer[T]) element() (t T) { return }

func (b *DeviceBuffer[T]) span() span {
	return span{core: b.core, bytes: b.core.bytes}
}

// IsFreed returns whether Free has been called successfully.
func (b *DeviceBuffer[T]) IsFreed() bool {
	b.core.mu.Lock()
	defer b.core.mu.Unlock()
	return b.core.freed
}

// InFlight returns the number of enqueued operations referencing the buffer whose completion was not observed
// yet.
func (b *DeviceBuffer[T]) InFlight() int {
	b.core.mu.Lock()
	defer b.core.mu.Unlock()
	return b.core.borrows
}

// String implements fmt.Stringer.
func (b *DeviceBuffer[T]) String() string {
	return fmt.Sprintf("DeviceBuffer[%s](%d elements at %#x)", b.DType(), b.count, b.core.ptr)
}

// Free releases the device memory. A second call is a no-op.
//
// It fails with KindResourceInUse if operations enqueued on a stream still reference the buffer: synchronize
// the stream (or an event recorded after them) first.
func (b *DeviceBuffer[T]) Free() error {
	const op = "DeviceBuffer.Free"
	core := b.core
	core.mu.Lock()
	freed, borrowed := core.freed, core.borrows > 0
	core.mu.Unlock()
	if freed {
		return nil
	}
	if borrowed {
		// Completion may have happened without being observed yet.
		core.ctx.pollStreams()
	}
	var inUse error
	err := core.ctx.do(op, func(drv driver.Driver) driver.Result {
		core.mu.Lock()
		defer core.mu.Unlock()
		if core.freed {
			return driver.Success
		}
		if core.borrows > 0 {
			inUse = newError(KindResourceInUse, op, "device buffer at %#x is referenced by %d operations in flight",
				core.ptr, core.borrows)
			return driver.Success
		}
		if core.bytes > 0 {
			if r := drv.MemFree(core.ptr); r != driver.Success {
				return r
			}
		}
		core.freed = true
		core.ctx.resources.Remove(core.handle)
		buffersAlive.Add(-1)
		bufferBytesAlive.Add(-int64(core.bytes))
		return driver.Success
	})
	if inUse != nil {
		return inUse
	}
	return err
}

// Slice returns a view of the elements [lo, hi) of the buffer. It fails with KindOutOfRange if the range is
// not within the buffer.
func (b *DeviceBuffer[T]) Slice(lo, hi uint64) (*DeviceSlice[T], error) {
	if lo > hi || hi > b.count {
		return nil, newError(KindOutOfRange, "DeviceBuffer.Slice", "slice [%d:%d] out of range for %s", lo, hi, b)
	}
	return &DeviceSlice[T]{buffer: b, lo: lo, hi: hi}, nil
}

// Buffer the slice is a view of.
func (s *DeviceSlice[T]) Buffer() *DeviceBuffer[T] { return s.buffer }

// Len returns the number of elements of the slice.
func (s *DeviceSlice[T]) Len() uint64 { return s.hi - s.lo }

// SizeBytes returns the size of the slice in bytes.
func (s *DeviceSlice[T]) SizeBytes() uint64 { return s.Len() * elementSize[T]() }

func (s *DeviceSlice[T]) element() (t T) { return }

func (s *DeviceSlice[T]) span() span {
	return span{core: s.buffer.core, offset: s.lo * elementSize[T](), bytes: s.SizeBytes()}
}

// String implements fmt.Stringer.
func (s *DeviceSlice[T]) String() string {
	return fmt.Sprintf("%s[%d:%d]", s.buffer, s.lo, s.hi)
}

// Memset sets every byte of the device memory to value, synchronously.
func Memset(dst DeviceMemory, value byte) error {
	const op = "Memset"
	sp := dst.span()
	if err := sp.core.check(op); err != nil {
		return err
	}
	if sp.bytes == 0 {
		return nil
	}
	return sp.core.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.MemsetD8(sp.ptr(), value, sp.bytes)
	})
}

// Memset sets every byte of the buffer to value, synchronously.
func (b *DeviceBuffer[T]) Memset(value byte) error {
	return Memset(b, value)
}

// MemsetAsync enqueues on stream setting every byte of the buffer to value.
func (b *DeviceBuffer[T]) MemsetAsync(stream *Stream, value byte) error {
	return MemsetAsync(stream, b, value)
}
