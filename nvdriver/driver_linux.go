//go:build linux

package nvdriver

import (
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/gocuda/driver"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

func init() {
	driver.Register(Name, New)
}

// Values of the "extra" launch options, from cuda.h.
const (
	launchParamEnd           = 0x00
	launchParamBufferPointer = 0x01
	launchParamBufferSize    = 0x02
)

// Driver implements driver.Driver by calling into libcuda.so.
type Driver struct {
	lib      uintptr
	path     string
	noDevice bool

	cuInit             func(flags uint32) driver.Result
	cuDriverGetVersion func(version *int32) driver.Result

	cuDeviceGetCount     func(count *int32) driver.Result
	cuDeviceGet          func(dev *int32, ordinal int32) driver.Result
	cuDeviceGetName      func(name *byte, length int32, dev int32) driver.Result
	cuDeviceTotalMem     func(bytes *uint64, dev int32) driver.Result
	cuDeviceGetAttribute func(value *int32, attr int32, dev int32) driver.Result
	cuDeviceGetUuid      func(uuid *[16]byte, dev int32) driver.Result

	cuCtxCreate                 func(ctx *uintptr, flags uint32, dev int32) driver.Result
	cuCtxDestroy                func(ctx uintptr) driver.Result
	cuCtxPushCurrent            func(ctx uintptr) driver.Result
	cuCtxPopCurrent             func(ctx *uintptr) driver.Result
	cuCtxGetCurrent             func(ctx *uintptr) driver.Result
	cuCtxSynchronize            func() driver.Result
	cuCtxGetApiVersion          func(ctx uintptr, version *uint32) driver.Result
	cuCtxGetDevice              func(dev *int32) driver.Result
	cuCtxGetFlags               func(flags *uint32) driver.Result
	cuCtxGetLimit               func(value *uint64, limit int32) driver.Result
	cuCtxSetLimit               func(limit int32, value uint64) driver.Result
	cuCtxGetCacheConfig         func(config *int32) driver.Result
	cuCtxSetCacheConfig         func(config int32) driver.Result
	cuCtxGetSharedMemConfig     func(config *int32) driver.Result
	cuCtxSetSharedMemConfig     func(config int32) driver.Result
	cuCtxGetStreamPriorityRange func(least, greatest *int32) driver.Result

	cuMemAlloc           func(ptr *uint64, bytes uint64) driver.Result
	cuMemFree            func(ptr uint64) driver.Result
	cuMemGetInfo         func(free, total *uint64) driver.Result
	cuMemcpyHtoD         func(dst uint64, src unsafe.Pointer, bytes uint64) driver.Result
	cuMemcpyDtoH         func(dst unsafe.Pointer, src uint64, bytes uint64) driver.Result
	cuMemcpyDtoD         func(dst, src uint64, bytes uint64) driver.Result
	cuMemcpyHtoDAsync    func(dst uint64, src unsafe.Pointer, bytes uint64, stream uintptr) driver.Result
	cuMemcpyDtoHAsync    func(dst unsafe.Pointer, src uint64, bytes uint64, stream uintptr) driver.Result
	cuMemcpyDtoDAsync    func(dst, src uint64, bytes uint64, stream uintptr) driver.Result
	cuMemsetD8           func(dst uint64, value uint8, n uint64) driver.Result
	cuMemsetD8Async      func(dst uint64, value uint8, n uint64, stream uintptr) driver.Result
	cuModuleLoadData     func(mod *uintptr, image unsafe.Pointer) driver.Result
	cuModuleUnload       func(mod uintptr) driver.Result
	cuModuleGetFunction  func(fn *uintptr, mod uintptr, name string) driver.Result
	cuModuleGetGlobal    func(ptr *uint64, size *uint64, mod uintptr, name string) driver.Result
	cuFuncGetAttribute   func(value *int32, attr int32, fn uintptr) driver.Result
	cuFuncGetParamInfo   func(fn uintptr, index uint64, offset *uint64, size *uint64) driver.Result
	cuStreamCreate       func(stream *uintptr, flags uint32, priority int32) driver.Result
	cuStreamDestroy      func(stream uintptr) driver.Result
	cuStreamSynchronize  func(stream uintptr) driver.Result
	cuStreamQuery        func(stream uintptr) driver.Result
	cuStreamWaitEvent    func(stream, event uintptr, flags uint32) driver.Result
	cuLaunchHostFunc     func(stream uintptr, fn uintptr, userData uintptr) driver.Result
	cuEventCreate        func(event *uintptr, flags uint32) driver.Result
	cuEventDestroy       func(event uintptr) driver.Result
	cuEventRecord        func(event, stream uintptr) driver.Result
	cuEventQuery         func(event uintptr) driver.Result
	cuEventSynchronize   func(event uintptr) driver.Result
	cuEventElapsedTime   func(ms *float32, start, end uintptr) driver.Result
	cuLaunchKernel       func(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream uintptr, kernelParams, extra unsafe.Pointer) driver.Result
	cuGetErrorName       func(r driver.Result, str **byte) driver.Result
	cuGetErrorString     func(r driver.Result, str **byte) driver.Result
}

var _ driver.Driver = (*Driver)(nil)

// New loads the NVIDIA driver library and binds its symbols.
//
// Options:
//
//   - "library": path to libcuda.so, overriding the search. Defaults to $GOCUDA_LIBCUDA_PATH.
func New(options driver.Options) (driver.Driver, error) {
	explicit, err := options.Str("library", os.Getenv(LibraryPathEnv))
	if err != nil {
		return nil, err
	}
	if explicit == "" && checksEnabled() && !hasNvidiaGPU() {
		return nil, errors.Errorf("no NVIDIA GPU found in the system (set %s=0 to skip this check)", ChecksEnv)
	}
	lib, libPath, err := openLibrary(explicit)
	if err != nil {
		return nil, err
	}
	d := &Driver{lib: lib, path: libPath}
	if err = d.bindAll(); err != nil {
		_ = purego.Dlclose(lib)
		return nil, errors.WithMessagef(err, "while binding %q", libPath)
	}
	return d, nil
}

// Path of the loaded library.
func (d *Driver) Path() string { return d.path }

type symbol struct {
	fptr     any
	name     string
	optional bool
}

func (d *Driver) symbols() []symbol {
	return []symbol{
		{&d.cuInit, "cuInit", false},
		{&d.cuDriverGetVersion, "cuDriverGetVersion", false},
		{&d.cuDeviceGetCount, "cuDeviceGetCount", false},
		{&d.cuDeviceGet, "cuDeviceGet", false},
		{&d.cuDeviceGetName, "cuDeviceGetName", false},
		{&d.cuDeviceTotalMem, "cuDeviceTotalMem_v2", false},
		{&d.cuDeviceGetAttribute, "cuDeviceGetAttribute", false},
		{&d.cuDeviceGetUuid, "cuDeviceGetUuid", true},
		{&d.cuCtxCreate, "cuCtxCreate_v2", false},
		{&d.cuCtxDestroy, "cuCtxDestroy_v2", false},
		{&d.cuCtxPushCurrent, "cuCtxPushCurrent_v2", false},
		{&d.cuCtxPopCurrent, "cuCtxPopCurrent_v2", false},
		{&d.cuCtxGetCurrent, "cuCtxGetCurrent", false},
		{&d.cuCtxSynchronize, "cuCtxSynchronize", false},
		{&d.cuCtxGetApiVersion, "cuCtxGetApiVersion", false},
		{&d.cuCtxGetDevice, "cuCtxGetDevice", false},
		{&d.cuCtxGetFlags, "cuCtxGetFlags", false},
		{&d.cuCtxGetLimit, "cuCtxGetLimit", false},
		{&d.cuCtxSetLimit, "cuCtxSetLimit", false},
		{&d.cuCtxGetCacheConfig, "cuCtxGetCacheConfig", false},
		{&d.cuCtxSetCacheConfig, "cuCtxSetCacheConfig", false},
		{&d.cuCtxGetSharedMemConfig, "cuCtxGetSharedMemConfig", true},
		{&d.cuCtxSetSharedMemConfig, "cuCtxSetSharedMemConfig", true},
		{&d.cuCtxGetStreamPriorityRange, "cuCtxGetStreamPriorityRange", false},
		{&d.cuMemAlloc, "cuMemAlloc_v2", false},
		{&d.cuMemFree, "cuMemFree_v2", false},
		{&d.cuMemGetInfo, "cuMemGetInfo_v2", false},
		{&d.cuMemcpyHtoD, "cuMemcpyHtoD_v2", false},
		{&d.cuMemcpyDtoH, "cuMemcpyDtoH_v2", false},
		{&d.cuMemcpyDtoD, "cuMemcpyDtoD_v2", false},
		{&d.cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2", false},
		{&d.cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2", false},
		{&d.cuMemcpyDtoDAsync, "cuMemcpyDtoDAsync_v2", false},
		{&d.cuMemsetD8, "cuMemsetD8_v2", false},
		{&d.cuMemsetD8Async, "cuMemsetD8Async", false},
		{&d.cuModuleLoadData, "cuModuleLoadData", false},
		{&d.cuModuleUnload, "cuModuleUnload", false},
		{&d.cuModuleGetFunction, "cuModuleGetFunction", false},
		{&d.cuModuleGetGlobal, "cuModuleGetGlobal_v2", false},
		{&d.cuFuncGetAttribute, "cuFuncGetAttribute", false},
		{&d.cuFuncGetParamInfo, "cuFuncGetParamInfo", true},
		{&d.cuStreamCreate, "cuStreamCreateWithPriority", false},
		{&d.cuStreamDestroy, "cuStreamDestroy_v2", false},
		{&d.cuStreamSynchronize, "cuStreamSynchronize", false},
		{&d.cuStreamQuery, "cuStreamQuery", false},
		{&d.cuStreamWaitEvent, "cuStreamWaitEvent", false},
		{&d.cuLaunchHostFunc, "cuLaunchHostFunc", false},
		{&d.cuEventCreate, "cuEventCreate", false},
		{&d.cuEventDestroy, "cuEventDestroy_v2", false},
		{&d.cuEventRecord, "cuEventRecord", false},
		{&d.cuEventQuery, "cuEventQuery", false},
		{&d.cuEventSynchronize, "cuEventSynchronize", false},
		{&d.cuEventElapsedTime, "cuEventElapsedTime", false},
		{&d.cuLaunchKernel, "cuLaunchKernel", false},
		{&d.cuGetErrorName, "cuGetErrorName", false},
		{&d.cuGetErrorString, "cuGetErrorString", false},
	}
}

func (d *Driver) bindAll() error {
	for _, sym := range d.symbols() {
		addr, err := purego.Dlsym(d.lib, sym.name)
		if err != nil {
			if sym.optional {
				klog.V(1).Infof("nvdriver: optional symbol %q not available in %q", sym.name, d.path)
				continue
			}
			return errors.Wrapf(err, "missing symbol %q", sym.name)
		}
		purego.RegisterFunc(sym.fptr, addr)
	}
	return nil
}

func (d *Driver) Init(flags uint32) driver.Result {
	r := d.cuInit(flags)
	if r == driver.ErrorNoDevice {
		// A machine without devices is valid: it enumerates 0 devices.
		d.noDevice = true
		return driver.Success
	}
	return r
}

func (d *Driver) DriverGetVersion() (int, driver.Result) {
	var version int32
	r := d.cuDriverGetVersion(&version)
	return int(version), r
}

func (d *Driver) DeviceGetCount() (int, driver.Result) {
	if d.noDevice {
		return 0, driver.Success
	}
	var count int32
	r := d.cuDeviceGetCount(&count)
	return int(count), r
}

func (d *Driver) DeviceGet(ordinal int) (driver.Device, driver.Result) {
	var dev int32
	r := d.cuDeviceGet(&dev, int32(ordinal))
	return driver.Device(dev), r
}

func (d *Driver) DeviceGetName(dev driver.Device) (string, driver.Result) {
	var buf [256]byte
	r := d.cuDeviceGetName(&buf[0], int32(len(buf)), int32(dev))
	if r != driver.Success {
		return "", r
	}
	return unix.ByteSliceToString(buf[:]), r
}

func (d *Driver) DeviceTotalMem(dev driver.Device) (uint64, driver.Result) {
	var bytes uint64
	r := d.cuDeviceTotalMem(&bytes, int32(dev))
	return bytes, r
}

func (d *Driver) DeviceGetAttribute(attr driver.DeviceAttribute, dev driver.Device) (int, driver.Result) {
	var value int32
	r := d.cuDeviceGetAttribute(&value, int32(attr), int32(dev))
	return int(value), r
}

func (d *Driver) DeviceGetUUID(dev driver.Device) ([16]byte, driver.Result) {
	var id [16]byte
	if d.cuDeviceGetUuid == nil {
		return id, driver.ErrorNotSupported
	}
	r := d.cuDeviceGetUuid(&id, int32(dev))
	return id, r
}

func (d *Driver) CtxCreate(flags driver.ContextFlags, dev driver.Device) (driver.Context, driver.Result) {
	var ctx uintptr
	r := d.cuCtxCreate(&ctx, uint32(flags), int32(dev))
	return driver.Context(ctx), r
}

func (d *Driver) CtxDestroy(ctx driver.Context) driver.Result {
	return d.cuCtxDestroy(uintptr(ctx))
}

func (d *Driver) CtxPushCurrent(ctx driver.Context) driver.Result {
	return d.cuCtxPushCurrent(uintptr(ctx))
}

func (d *Driver) CtxPopCurrent() (driver.Context, driver.Result) {
	var ctx uintptr
	r := d.cuCtxPopCurrent(&ctx)
	return driver.Context(ctx), r
}

func (d *Driver) CtxGetCurrent() (driver.Context, driver.Result) {
	var ctx uintptr
	r := d.cuCtxGetCurrent(&ctx)
	return driver.Context(ctx), r
}

func (d *Driver) CtxSynchronize() driver.Result {
	return d.cuCtxSynchronize()
}

func (d *Driver) CtxGetApiVersion(ctx driver.Context) (uint32, driver.Result) {
	var version uint32
	r := d.cuCtxGetApiVersion(uintptr(ctx), &version)
	return version, r
}

func (d *Driver) CtxGetDevice() (driver.Device, driver.Result) {
	var dev int32
	r := d.cuCtxGetDevice(&dev)
	return driver.Device(dev), r
}

func (d *Driver) CtxGetFlags() (driver.ContextFlags, driver.Result) {
	var flags uint32
	r := d.cuCtxGetFlags(&flags)
	return driver.ContextFlags(flags), r
}

func (d *Driver) CtxGetLimit(limit driver.Limit) (uint64, driver.Result) {
	var value uint64
	r := d.cuCtxGetLimit(&value, int32(limit))
	return value, r
}

func (d *Driver) CtxSetLimit(limit driver.Limit, value uint64) driver.Result {
	return d.cuCtxSetLimit(int32(limit), value)
}

func (d *Driver) CtxGetCacheConfig() (driver.CacheConfig, driver.Result) {
	var config int32
	r := d.cuCtxGetCacheConfig(&config)
	return driver.CacheConfig(config), r
}

func (d *Driver) CtxSetCacheConfig(config driver.CacheConfig) driver.Result {
	return d.cuCtxSetCacheConfig(int32(config))
}

func (d *Driver) CtxGetSharedMemConfig() (driver.SharedMemConfig, driver.Result) {
	if d.cuCtxGetSharedMemConfig == nil {
		return driver.SharedMemDefaultBankSize, driver.ErrorNotSupported
	}
	var config int32
	r := d.cuCtxGetSharedMemConfig(&config)
	return driver.SharedMemConfig(config), r
}

func (d *Driver) CtxSetSharedMemConfig(config driver.SharedMemConfig) driver.Result {
	if d.cuCtxSetSharedMemConfig == nil {
		return driver.ErrorNotSupported
	}
	return d.cuCtxSetSharedMemConfig(int32(config))
}

func (d *Driver) CtxGetStreamPriorityRange() (least, greatest int, r driver.Result) {
	var l, g int32
	r = d.cuCtxGetStreamPriorityRange(&l, &g)
	return int(l), int(g), r
}

func (d *Driver) MemAlloc(bytes uint64) (driver.DevicePtr, driver.Result) {
	var ptr uint64
	r := d.cuMemAlloc(&ptr, bytes)
	return driver.DevicePtr(ptr), r
}

func (d *Driver) MemFree(ptr driver.DevicePtr) driver.Result {
	return d.cuMemFree(uint64(ptr))
}

func (d *Driver) MemGetInfo() (free, total uint64, r driver.Result) {
	r = d.cuMemGetInfo(&free, &total)
	return
}

func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src unsafe.Pointer, bytes uint64) driver.Result {
	return d.cuMemcpyHtoD(uint64(dst), src, bytes)
}

func (d *Driver) MemcpyDtoH(dst unsafe.Pointer, src driver.DevicePtr, bytes uint64) driver.Result {
	return d.cuMemcpyDtoH(dst, uint64(src), bytes)
}

func (d *Driver) MemcpyDtoD(dst, src driver.DevicePtr, bytes uint64) driver.Result {
	return d.cuMemcpyDtoD(uint64(dst), uint64(src), bytes)
}

func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, src unsafe.Pointer, bytes uint64, stream driver.Stream) driver.Result {
	return d.cuMemcpyHtoDAsync(uint64(dst), src, bytes, uintptr(stream))
}

func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src driver.DevicePtr, bytes uint64, stream driver.Stream) driver.Result {
	return d.cuMemcpyDtoHAsync(dst, uint64(src), bytes, uintptr(stream))
}

func (d *Driver) MemcpyDtoDAsync(dst, src driver.DevicePtr, bytes uint64, stream driver.Stream) driver.Result {
	return d.cuMemcpyDtoDAsync(uint64(dst), uint64(src), bytes, uintptr(stream))
}

func (d *Driver) MemsetD8(dst driver.DevicePtr, value uint8, n uint64) driver.Result {
	return d.cuMemsetD8(uint64(dst), value, n)
}

func (d *Driver) MemsetD8Async(dst driver.DevicePtr, value uint8, n uint64, stream driver.Stream) driver.Result {
	return d.cuMemsetD8Async(uint64(dst), value, n, uintptr(stream))
}

// ModuleLoadData loads a cubin, fatbin or PTX image. PTX must be NUL terminated, so a terminator is appended
// to a copy of the image when missing.
func (d *Driver) ModuleLoadData(image []byte) (driver.Module, driver.Result) {
	if len(image) == 0 {
		return 0, driver.ErrorInvalidImage
	}
	if image[len(image)-1] != 0 {
		image = append(image[:len(image):len(image)], 0)
	}
	var mod uintptr
	r := d.cuModuleLoadData(&mod, unsafe.Pointer(&image[0]))
	runtime.KeepAlive(image)
	return driver.Module(mod), r
}

func (d *Driver) ModuleUnload(mod driver.Module) driver.Result {
	return d.cuModuleUnload(uintptr(mod))
}

func (d *Driver) ModuleGetFunction(mod driver.Module, name string) (driver.Function, driver.Result) {
	var fn uintptr
	r := d.cuModuleGetFunction(&fn, uintptr(mod), name)
	return driver.Function(fn), r
}

func (d *Driver) ModuleGetGlobal(mod driver.Module, name string) (driver.DevicePtr, uint64, driver.Result) {
	var ptr, size uint64
	r := d.cuModuleGetGlobal(&ptr, &size, uintptr(mod), name)
	return driver.DevicePtr(ptr), size, r
}

func (d *Driver) FuncGetAttribute(attr driver.FunctionAttribute, fn driver.Function) (int, driver.Result) {
	var value int32
	r := d.cuFuncGetAttribute(&value, int32(attr), uintptr(fn))
	return int(value), r
}

// FuncGetParamSize walks the parameters with cuFuncGetParamInfo, available since CUDA 12.4. The end of the
// parameter list is reported as an invalid index.
func (d *Driver) FuncGetParamSize(fn driver.Function) (size uint64, known bool, r driver.Result) {
	if d.cuFuncGetParamInfo == nil {
		return 0, false, driver.Success
	}
	for index := uint64(0); ; index++ {
		var offset, paramSize uint64
		r = d.cuFuncGetParamInfo(uintptr(fn), index, &offset, &paramSize)
		if r == driver.ErrorInvalidValue {
			return size, true, driver.Success
		}
		if r != driver.Success {
			return 0, false, r
		}
		size = max(size, offset+paramSize)
	}
}

func (d *Driver) StreamCreate(flags driver.StreamFlags, priority int) (driver.Stream, driver.Result) {
	var stream uintptr
	r := d.cuStreamCreate(&stream, uint32(flags), int32(priority))
	return driver.Stream(stream), r
}

func (d *Driver) StreamDestroy(stream driver.Stream) driver.Result {
	return d.cuStreamDestroy(uintptr(stream))
}

func (d *Driver) StreamSynchronize(stream driver.Stream) driver.Result {
	return d.cuStreamSynchronize(uintptr(stream))
}

func (d *Driver) StreamQuery(stream driver.Stream) driver.Result {
	return d.cuStreamQuery(uintptr(stream))
}

func (d *Driver) StreamWaitEvent(stream driver.Stream, event driver.Event) driver.Result {
	return d.cuStreamWaitEvent(uintptr(stream), uintptr(event), 0)
}

// LaunchHostFunc enqueues fn. It's called from a driver thread, and it must not call into the driver.
func (d *Driver) LaunchHostFunc(stream driver.Stream, fn func()) driver.Result {
	id := registerHostFunc(fn)
	r := d.cuLaunchHostFunc(uintptr(stream), hostFuncTrampoline(), id)
	if r != driver.Success {
		takeHostFunc(id)
	}
	return r
}

func (d *Driver) EventCreate(flags driver.EventFlags) (driver.Event, driver.Result) {
	var event uintptr
	r := d.cuEventCreate(&event, uint32(flags))
	return driver.Event(event), r
}

func (d *Driver) EventDestroy(event driver.Event) driver.Result {
	return d.cuEventDestroy(uintptr(event))
}

func (d *Driver) EventRecord(event driver.Event, stream driver.Stream) driver.Result {
	return d.cuEventRecord(uintptr(event), uintptr(stream))
}

func (d *Driver) EventQuery(event driver.Event) driver.Result {
	return d.cuEventQuery(uintptr(event))
}

func (d *Driver) EventSynchronize(event driver.Event) driver.Result {
	return d.cuEventSynchronize(uintptr(event))
}

func (d *Driver) EventElapsedTime(start, end driver.Event) (float32, driver.Result) {
	var ms float32
	r := d.cuEventElapsedTime(&ms, uintptr(start), uintptr(end))
	return ms, r
}

// LaunchKernel passes the packed parameters with the CU_LAUNCH_PARAM_BUFFER_POINTER/SIZE options.
func (d *Driver) LaunchKernel(fn driver.Function, params driver.LaunchParams, stream driver.Stream) driver.Result {
	var extra unsafe.Pointer
	if len(params.Params) > 0 {
		var pinner runtime.Pinner
		defer pinner.Unpin()
		size := new(uint64)
		*size = uint64(len(params.Params))
		options := make([]uintptr, 5)
		pinner.Pin(&params.Params[0])
		pinner.Pin(size)
		pinner.Pin(&options[0])
		options[0] = launchParamBufferPointer
		options[1] = uintptr(unsafe.Pointer(&params.Params[0]))
		options[2] = launchParamBufferSize
		options[3] = uintptr(unsafe.Pointer(size))
		options[4] = launchParamEnd
		extra = unsafe.Pointer(&options[0])
	}
	return d.cuLaunchKernel(uintptr(fn),
		params.GridX, params.GridY, params.GridZ,
		params.BlockX, params.BlockY, params.BlockZ,
		params.SharedMemBytes, uintptr(stream), nil, extra)
}

func (d *Driver) GetErrorName(r driver.Result) string {
	var str *byte
	if d.cuGetErrorName(r, &str) != driver.Success || str == nil {
		return r.Name()
	}
	return unix.BytePtrToString(str)
}

func (d *Driver) GetErrorString(r driver.Result) string {
	var str *byte
	if d.cuGetErrorString(r, &str) != driver.Success || str == nil {
		return "unknown error " + r.String()
	}
	return unix.BytePtrToString(str)
}

// Host functions are called through a single C callback, with the id of the Go function as user data:
// purego limits the number of callbacks that can be created.
var (
	muHostFuncs    sync.Mutex
	hostFuncs      = make(map[uintptr]func())
	nextHostFuncID uintptr
	hostFuncOnce   sync.Once
	hostFuncPtr    uintptr
)

func hostFuncTrampoline() uintptr {
	hostFuncOnce.Do(func() {
		hostFuncPtr = purego.NewCallback(func(userData uintptr) uintptr {
			if fn := takeHostFunc(userData); fn != nil {
				fn()
			}
			return 0
		})
	})
	return hostFuncPtr
}

func registerHostFunc(fn func()) uintptr {
	muHostFuncs.Lock()
	defer muHostFuncs.Unlock()
	nextHostFuncID++
	hostFuncs[nextHostFuncID] = fn
	return nextHostFuncID
}

func takeHostFunc(id uintptr) func() {
	muHostFuncs.Lock()
	defer muHostFuncs.Unlock()
	fn := hostFuncs[id]
	delete(hostFuncs, id)
	return fn
}
