package simdriver

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/gomlx/gocuda/driver"
	"github.com/stretchr/testify/require"
)

// newTestDriver creates an initialized simulator and a context current on the calling thread, which is locked
// until the test ends.
func newTestDriver(t *testing.T, cfg DeviceConfig) (*Driver, driver.Context) {
	runtime.LockOSThread()
	d := NewWithDevices(cfg)
	require.Equal(t, driver.Success, d.Init(0))
	ctx, r := d.CtxCreate(driver.CtxSchedAuto, 0)
	require.Equal(t, driver.Success, r)
	t.Cleanup(func() {
		require.Equal(t, driver.Success, d.CtxDestroy(ctx))
		runtime.UnlockOSThread()
	})
	return d, ctx
}

func launchArgs(p *driver.ParamBuffer) driver.LaunchParams {
	return driver.LaunchParams{GridX: 4, GridY: 1, GridZ: 1, BlockX: 256, BlockY: 1, BlockZ: 1, Params: p.Bytes()}
}

func TestNotInitialized(t *testing.T) {
	d := NewWithDevices(DefaultDeviceConfig())
	_, r := d.DeviceGetCount()
	require.Equal(t, driver.ErrorNotInitialized, r)
	require.Equal(t, driver.ErrorInvalidValue, d.Init(1))
	require.Equal(t, driver.Success, d.Init(0))
	count, r := d.DeviceGetCount()
	require.Equal(t, driver.Success, r)
	require.Equal(t, 1, count)
	_, r = d.DeviceGet(1)
	require.Equal(t, driver.ErrorInvalidDevice, r)
}

func TestOptions(t *testing.T) {
	drv, err := New(driver.Options{"devices": 3, "memory": 1 << 20, "name": "tiny"})
	require.NoError(t, err)
	d := drv.(*Driver)
	require.Equal(t, driver.Success, d.Init(0))
	count, _ := d.DeviceGetCount()
	require.Equal(t, 3, count)
	name, _ := d.DeviceGetName(2)
	require.Equal(t, "tiny", name)
	total, _ := d.DeviceTotalMem(1)
	require.Equal(t, uint64(1<<20), total)
	uuid0, _ := d.DeviceGetUUID(0)
	uuid1, _ := d.DeviceGetUUID(1)
	require.NotEqual(t, uuid0, uuid1)

	_, err = New(driver.Options{"devices": -1})
	require.Error(t, err)
	_, err = New(driver.Options{"devices": "two"})
	require.Error(t, err)
}

func TestContextStack(t *testing.T) {
	d, ctx := newTestDriver(t, DefaultDeviceConfig())
	current, r := d.CtxGetCurrent()
	require.Equal(t, driver.Success, r)
	require.Equal(t, ctx, current)

	ctx2, r := d.CtxCreate(driver.CtxSchedBlockingSync, 0)
	require.Equal(t, driver.Success, r)
	current, _ = d.CtxGetCurrent()
	require.Equal(t, ctx2, current)
	flags, _ := d.CtxGetFlags()
	require.Equal(t, driver.CtxSchedBlockingSync, flags)

	// Destroying the current context pops it.
	require.Equal(t, driver.Success, d.CtxDestroy(ctx2))
	current, _ = d.CtxGetCurrent()
	require.Equal(t, ctx, current)
	require.Equal(t, driver.ErrorInvalidContext, d.CtxDestroy(ctx2))
	require.Equal(t, driver.ErrorInvalidContext, d.CtxPushCurrent(ctx2))

	// Another thread has its own (empty) stack.
	done := make(chan driver.Context)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		other, _ := d.CtxGetCurrent()
		done <- other
	}()
	require.Zero(t, <-done)

	_, r = d.CtxCreate(driver.CtxSchedSpin|driver.CtxSchedYield, 0)
	require.Equal(t, driver.ErrorInvalidValue, r)
}

func TestMemory(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.TotalMemory = 4096
	d, _ := newTestDriver(t, cfg)

	ptr, r := d.MemAlloc(4096)
	require.Equal(t, driver.Success, r)
	require.Zero(t, uint64(ptr)%allocAlignment)
	_, r = d.MemAlloc(1)
	require.Equal(t, driver.ErrorOutOfMemory, r)
	_, r = d.MemAlloc(0)
	require.Equal(t, driver.ErrorInvalidValue, r)
	free, total, _ := d.MemGetInfo()
	require.Zero(t, free)
	require.Equal(t, uint64(4096), total)

	src := []uint32{1, 2, 3, 4}
	require.Equal(t, driver.Success, d.MemcpyHtoD(ptr, unsafe.Pointer(&src[0]), 16))
	require.Equal(t, driver.Success, d.MemsetD8(ptr+16, 0xff, 4))
	dst := make([]uint32, 5)
	require.Equal(t, driver.Success, d.MemcpyDtoH(unsafe.Pointer(&dst[0]), ptr, 20))
	require.Equal(t, []uint32{1, 2, 3, 4, 0xffffffff}, dst)

	// Out of the allocation range.
	require.Equal(t, driver.ErrorInvalidValue, d.MemcpyDtoH(unsafe.Pointer(&dst[0]), ptr+4090, 20))

	require.Equal(t, driver.Success, d.MemFree(ptr))
	require.Equal(t, driver.ErrorInvalidValue, d.MemFree(ptr))
	ptr, r = d.MemAlloc(100)
	require.Equal(t, driver.Success, r)
	require.Equal(t, driver.Success, d.MemFree(ptr))
}

func TestStreamOrderAndKernels(t *testing.T) {
	d, _ := newTestDriver(t, DefaultDeviceConfig())
	mod, r := d.ModuleLoadData(BuiltinImage())
	require.Equal(t, driver.Success, r)
	fill, r := d.ModuleGetFunction(mod, "fill_u32")
	require.Equal(t, driver.Success, r)
	add, _ := d.ModuleGetFunction(mod, "add_u32")
	mul, _ := d.ModuleGetFunction(mod, "mul_u32")
	sleep, _ := d.ModuleGetFunction(mod, "sleep")
	_, r = d.ModuleGetFunction(mod, "missing")
	require.Equal(t, driver.ErrorNotFound, r)
	size, known, _ := d.FuncGetParamSize(fill)
	require.True(t, known)
	require.Equal(t, uint64(16), size)

	const n = 1024
	ptr, r := d.MemAlloc(n * 4)
	require.Equal(t, driver.Success, r)
	s, r := d.StreamCreate(driver.StreamNonBlocking, 0)
	require.Equal(t, driver.Success, r)

	var p driver.ParamBuffer
	p.Uint32(1000)
	require.Equal(t, driver.Success, d.LaunchKernel(sleep, driver.LaunchParams{GridX: 1, GridY: 1, GridZ: 1,
		BlockX: 1, BlockY: 1, BlockZ: 1, Params: p.Bytes()}, s))
	for _, step := range []struct {
		fn    driver.Function
		value uint32
	}{{fill, 3}, {add, 1}, {mul, 2}} {
		var p driver.ParamBuffer
		p.Ptr(ptr)
		p.Uint32(n)
		p.Uint32(step.value)
		require.Equal(t, driver.Success, d.LaunchKernel(step.fn, launchArgs(&p), s))
	}
	result := make([]uint32, n)
	require.Equal(t, driver.Success, d.MemcpyDtoHAsync(unsafe.Pointer(&result[0]), ptr, n*4, s))
	require.Equal(t, driver.Success, d.StreamSynchronize(s))
	require.Equal(t, driver.Success, d.StreamQuery(s))
	for i := range n {
		require.Equal(t, uint32(8), result[i], "element %d", i)
	}

	// Mismatched parameters are rejected at launch.
	var bad driver.ParamBuffer
	bad.Ptr(ptr)
	require.Equal(t, driver.ErrorInvalidValue, d.LaunchKernel(fill, launchArgs(&bad), s))

	require.Equal(t, driver.Success, d.StreamDestroy(s))
	require.Equal(t, driver.Success, d.MemFree(ptr))
	require.Equal(t, driver.Success, d.ModuleUnload(mod))
	_, r = d.ModuleGetFunction(mod, "fill_u32")
	require.Equal(t, driver.ErrorInvalidHandle, r)
}

func TestStickyFault(t *testing.T) {
	d, _ := newTestDriver(t, DefaultDeviceConfig())
	mod, r := d.ModuleLoadData(BuiltinImage())
	require.Equal(t, driver.Success, r)
	store, _ := d.ModuleGetFunction(mod, "store_u32")
	s, _ := d.StreamCreate(driver.StreamDefault, 0)

	var p driver.ParamBuffer
	p.Ptr(0x10) // Never allocated.
	p.Uint32(7)
	single := driver.LaunchParams{GridX: 1, GridY: 1, GridZ: 1, BlockX: 1, BlockY: 1, BlockZ: 1, Params: p.Bytes()}
	require.Equal(t, driver.Success, d.LaunchKernel(store, single, s))
	require.Equal(t, driver.ErrorIllegalAddress, d.StreamSynchronize(s))
	require.Equal(t, driver.ErrorIllegalAddress, d.CtxSynchronize())
	_, r = d.MemAlloc(16)
	require.Equal(t, driver.ErrorIllegalAddress, r)
	require.Equal(t, driver.Success, d.StreamDestroy(s))
}

func TestEvents(t *testing.T) {
	d, _ := newTestDriver(t, DefaultDeviceConfig())
	mod, _ := d.ModuleLoadData(BuiltinImage())
	sleep, _ := d.ModuleGetFunction(mod, "sleep")
	s1, _ := d.StreamCreate(driver.StreamNonBlocking, 0)
	s2, _ := d.StreamCreate(driver.StreamNonBlocking, -1)
	start, _ := d.EventCreate(driver.EventDefault)
	end, _ := d.EventCreate(driver.EventDefault)
	noTiming, _ := d.EventCreate(driver.EventDisableTiming)

	// Unrecorded events are complete.
	require.Equal(t, driver.Success, d.EventQuery(start))
	_, r := d.EventElapsedTime(start, end)
	require.Equal(t, driver.ErrorInvalidHandle, r)

	var p driver.ParamBuffer
	p.Uint32(20_000)
	one := driver.LaunchParams{GridX: 1, GridY: 1, GridZ: 1, BlockX: 1, BlockY: 1, BlockZ: 1, Params: p.Bytes()}
	require.Equal(t, driver.Success, d.EventRecord(start, s1))
	require.Equal(t, driver.Success, d.LaunchKernel(sleep, one, s1))
	require.Equal(t, driver.Success, d.EventRecord(end, s1))
	require.Equal(t, driver.ErrorNotReady, d.EventQuery(end))
	_, r = d.EventElapsedTime(start, end)
	require.Equal(t, driver.ErrorNotReady, r)

	// s2 waits for end: once s2 is synchronized, end must be complete.
	require.Equal(t, driver.Success, d.StreamWaitEvent(s2, end))
	require.Equal(t, driver.Success, d.StreamSynchronize(s2))
	require.Equal(t, driver.Success, d.EventQuery(end))
	ms, r := d.EventElapsedTime(start, end)
	require.Equal(t, driver.Success, r)
	require.GreaterOrEqual(t, ms, float32(19))

	require.Equal(t, driver.Success, d.EventRecord(noTiming, s1))
	require.Equal(t, driver.Success, d.EventSynchronize(noTiming))
	_, r = d.EventElapsedTime(start, noTiming)
	require.Equal(t, driver.ErrorInvalidHandle, r)

	for _, e := range []driver.Event{start, end, noTiming} {
		require.Equal(t, driver.Success, d.EventDestroy(e))
	}
	require.Equal(t, driver.Success, d.StreamDestroy(s1))
	require.Equal(t, driver.Success, d.StreamDestroy(s2))
}

func TestImages(t *testing.T) {
	img := &Image{
		ComputeMajor: 7,
		ComputeMinor: 5,
		Kernels:      []KernelDecl{{Name: "add_u32", ParamSize: 16}, {Name: "fill_u32", ParamSize: -1}},
		Globals:      []GlobalDecl{{Name: "counter", Size: 8, Init: []byte{1, 2}}},
	}
	parsed, err := ParseImage(img.Marshal())
	require.NoError(t, err)
	require.Equal(t, img, parsed)

	for _, bad := range [][]byte{nil, []byte("not an image"), img.Marshal()[:10]} {
		_, err = ParseImage(bad)
		require.Error(t, err)
	}
	_, err = ParseImage((&Image{Globals: []GlobalDecl{{Name: "g", Size: 1, Init: []byte{1, 2}}}}).Marshal())
	require.Error(t, err)

	cfg := DefaultDeviceConfig()
	cfg.ComputeMajor, cfg.ComputeMinor = 7, 0
	d, _ := newTestDriver(t, cfg)
	_, r := d.ModuleLoadData([]byte("garbage"))
	require.Equal(t, driver.ErrorInvalidImage, r)
	_, r = d.ModuleLoadData(img.Marshal())
	require.Equal(t, driver.ErrorNoBinaryForGPU, r)
	unknown := &Image{Kernels: []KernelDecl{{Name: "no_such_kernel", ParamSize: -1}}}
	_, r = d.ModuleLoadData(unknown.Marshal())
	require.Equal(t, driver.ErrorInvalidImage, r)

	img.ComputeMinor = 0
	mod, r := d.ModuleLoadData(img.Marshal())
	require.Equal(t, driver.Success, r)
	ptr, size, r := d.ModuleGetGlobal(mod, "counter")
	require.Equal(t, driver.Success, r)
	require.Equal(t, uint64(8), size)
	value := make([]byte, 8)
	require.Equal(t, driver.Success, d.MemcpyDtoH(unsafe.Pointer(&value[0]), ptr, 8))
	require.Equal(t, []byte{1, 2, 0, 0, 0, 0, 0, 0}, value)
	fill, _ := d.ModuleGetFunction(mod, "fill_u32")
	_, known, _ := d.FuncGetParamSize(fill)
	require.False(t, known)
	require.Equal(t, driver.Success, d.ModuleUnload(mod))
}
