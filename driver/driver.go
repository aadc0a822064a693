// Package driver defines the native GPU driver call surface used by package cuda.
//
// The interface mirrors the CUDA driver API: handles are opaque values, every call returns a Result,
// and most calls act on the context that is current on the calling OS thread. Implementations are
// registered by name (see Register) and include the real NVIDIA driver (package nvdriver, "cuda") and a
// pure Go simulator (package simdriver, "sim").
//
// Nothing here is safe by itself: it is the raw surface. Use package cuda instead.
package driver

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// Device is the driver's handle to a device.
type Device int32

// Context is the driver's handle to a context.
type Context uintptr

// Module is the driver's handle to a loaded module.
type Module uintptr

// Function is the driver's handle to a kernel entry point.
type Function uintptr

// Stream is the driver's handle to a stream.
type Stream uintptr

// Event is the driver's handle to an event.
type Event uintptr

// DevicePtr is an address in the device address space.
type DevicePtr uintptr

// LaunchParams holds the geometry and packed arguments of a kernel launch.
//
// Params is the flat parameter buffer, laid out as described by ParamBuffer.
type LaunchParams struct {
	GridX, GridY, GridZ    uint32
	BlockX, BlockY, BlockZ uint32
	SharedMemBytes         uint32
	Params                 []byte
}

// Driver is the call surface of a native GPU driver.
//
// Calls that take no Context argument act on the context current on the calling OS thread, so callers must
// keep the goroutine locked to its thread (runtime.LockOSThread) across a push/call/pop sequence.
//
// Host pointers passed to the asynchronous copies must remain valid (and not be moved or collected) until the
// stream has completed the operation.
type Driver interface {
	Init(flags uint32) Result
	DriverGetVersion() (int, Result)

	DeviceGetCount() (int, Result)
	DeviceGet(ordinal int) (Device, Result)
	DeviceGetName(dev Device) (string, Result)
	DeviceTotalMem(dev Device) (uint64, Result)
	DeviceGetAttribute(attr DeviceAttribute, dev Device) (int, Result)
	DeviceGetUUID(dev Device) ([16]byte, Result)

	CtxCreate(flags ContextFlags, dev Device) (Context, Result)
	CtxDestroy(ctx Context) Result
	CtxPushCurrent(ctx Context) Result
	CtxPopCurrent() (Context, Result)
	CtxGetCurrent() (Context, Result)
	CtxSynchronize() Result
	CtxGetApiVersion(ctx Context) (uint32, Result)
	CtxGetDevice() (Device, Result)
	CtxGetFlags() (ContextFlags, Result)
	CtxGetLimit(limit Limit) (uint64, Result)
	CtxSetLimit(limit Limit, value uint64) Result
	CtxGetCacheConfig() (CacheConfig, Result)
	CtxSetCacheConfig(config CacheConfig) Result
	CtxGetSharedMemConfig() (SharedMemConfig, Result)
	CtxSetSharedMemConfig(config SharedMemConfig) Result
	CtxGetStreamPriorityRange() (least, greatest int, r Result)

	MemAlloc(bytes uint64) (DevicePtr, Result)
	MemFree(ptr DevicePtr) Result
	MemGetInfo() (free, total uint64, r Result)
	MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, bytes uint64) Result
	MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, bytes uint64) Result
	MemcpyDtoD(dst, src DevicePtr, bytes uint64) Result
	MemcpyHtoDAsync(dst DevicePtr, src unsafe.Pointer, bytes uint64, stream Stream) Result
	MemcpyDtoHAsync(dst unsafe.Pointer, src DevicePtr, bytes uint64, stream Stream) Result
	MemcpyDtoDAsync(dst, src DevicePtr, bytes uint64, stream Stream) Result
	MemsetD8(dst DevicePtr, value uint8, n uint64) Result
	MemsetD8Async(dst DevicePtr, value uint8, n uint64, stream Stream) Result

	ModuleLoadData(image []byte) (Module, Result)
	ModuleUnload(mod Module) Result
	ModuleGetFunction(mod Module, name string) (Function, Result)
	ModuleGetGlobal(mod Module, name string) (DevicePtr, uint64, Result)
	FuncGetAttribute(attr FunctionAttribute, fn Function) (int, Result)

	// FuncGetParamSize returns the total size in bytes of the kernel parameters. If the driver can't tell
	// (older drivers), known is false.
	FuncGetParamSize(fn Function) (size uint64, known bool, r Result)

	StreamCreate(flags StreamFlags, priority int) (Stream, Result)
	StreamDestroy(stream Stream) Result
	StreamSynchronize(stream Stream) Result

	// StreamQuery returns Success if all work in the stream completed, ErrorNotReady if not.
	StreamQuery(stream Stream) Result
	StreamWaitEvent(stream Stream, event Event) Result

	// LaunchHostFunc enqueues fn to be called on a driver thread once all previous work in the stream completed.
	LaunchHostFunc(stream Stream, fn func()) Result

	EventCreate(flags EventFlags) (Event, Result)
	EventDestroy(event Event) Result
	EventRecord(event Event, stream Stream) Result
	EventQuery(event Event) Result
	EventSynchronize(event Event) Result

	// EventElapsedTime returns the time in milliseconds between the two recorded events.
	EventElapsedTime(start, end Event) (float32, Result)

	LaunchKernel(fn Function, params LaunchParams, stream Stream) Result

	GetErrorName(r Result) string
	GetErrorString(r Result) string
}

// Factory creates a new Driver. Options are driver specific.
type Factory func(options Options) (Driver, error)

var (
	muFactories sync.Mutex
	factories   = make(map[string]Factory)
)

// Register a driver factory under the given name. Registering the same name twice replaces the factory.
//
// It is usually called from the init() function of the package implementing the driver.
func Register(name string, factory Factory) {
	muFactories.Lock()
	defer muFactories.Unlock()
	factories[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	muFactories.Lock()
	defer muFactories.Unlock()
	factory, found := factories[name]
	if !found {
		known := make([]string, 0, len(factories))
		for key := range factories {
			known = append(known, key)
		}
		sort.Strings(known)
		return nil, errors.Errorf("driver %q not registered (registered drivers: %q), maybe a missing "+
			"import of the package implementing it?", name, known)
	}
	return factory, nil
}

// Names returns the sorted names of the registered drivers.
func Names() []string {
	muFactories.Lock()
	defer muFactories.Unlock()
	names := make([]string, 0, len(factories))
	for key := range factories {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}
