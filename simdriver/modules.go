package simdriver

import (
	"unsafe"

	"github.com/gomlx/gocuda/driver"
	"k8s.io/klog/v2"
)

type global struct {
	ptr  driver.DevicePtr
	size uint64
}

// module is a loaded image. Fields are protected by Driver.mu.
type module struct {
	handle    driver.Module
	ctx       *simContext
	image     *Image
	functions map[string]*function
	globals   map[string]global
}

type function struct {
	handle driver.Function
	module *module
	decl   KernelDecl
	impl   KernelFunc
}

func (d *Driver) ModuleLoadData(data []byte) (driver.Module, driver.Result) {
	ctx, r := d.currentHealthy()
	if r != driver.Success {
		return 0, r
	}
	img, err := ParseImage(data)
	if err != nil {
		klog.V(1).Infof("simulated driver rejected image: %v", err)
		return 0, driver.ErrorInvalidImage
	}
	cfg := ctx.device.config
	if img.ComputeMajor > cfg.ComputeMajor ||
		(img.ComputeMajor == cfg.ComputeMajor && img.ComputeMinor > cfg.ComputeMinor) {
		klog.V(1).Infof("simulated driver: image for compute capability %d.%d can't run on device with %d.%d",
			img.ComputeMajor, img.ComputeMinor, cfg.ComputeMajor, cfg.ComputeMinor)
		return 0, driver.ErrorNoBinaryForGPU
	}
	impls := make([]KernelFunc, len(img.Kernels))
	for i, decl := range img.Kernels {
		info, found := lookupKernel(decl.Name)
		if !found {
			klog.V(1).Infof("simulated driver: image declares kernel %q, which has no registered implementation", decl.Name)
			return 0, driver.ErrorInvalidImage
		}
		if decl.ParamSize >= 0 && info.paramSize >= 0 && decl.ParamSize != info.paramSize {
			klog.V(1).Infof("simulated driver: image declares kernel %q with %d bytes of parameters, implementation takes %d",
				decl.Name, decl.ParamSize, info.paramSize)
			return 0, driver.ErrorInvalidImage
		}
		impls[i] = info.fn
	}

	// Globals are allocated in the context memory, and count against the device memory.
	globals := make(map[string]global, len(img.Globals))
	for _, g := range img.Globals {
		ptr, r := ctx.mem.alloc(g.Size)
		if r == driver.Success && len(g.Init) > 0 {
			r = ctx.mem.copyFromHost(ptr, unsafe.Pointer(&g.Init[0]), uint64(len(g.Init)))
		}
		if r != driver.Success {
			for _, allocated := range globals {
				ctx.mem.free(allocated.ptr)
			}
			return 0, r
		}
		globals[g.Name] = global{ptr: ptr, size: g.Size}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	m := &module{
		handle:    driver.Module(d.newHandle()),
		ctx:       ctx,
		image:     img,
		functions: make(map[string]*function, len(img.Kernels)),
		globals:   globals,
	}
	for i, decl := range img.Kernels {
		f := &function{
			handle: driver.Function(d.newHandle()),
			module: m,
			decl:   decl,
			impl:   impls[i],
		}
		m.functions[decl.Name] = f
		d.functions[f.handle] = f
	}
	d.modules[m.handle] = m
	return m.handle, driver.Success
}

func (d *Driver) ModuleUnload(handle driver.Module) driver.Result {
	d.mu.Lock()
	m, found := d.modules[handle]
	if !found {
		d.mu.Unlock()
		return driver.ErrorInvalidHandle
	}
	delete(d.modules, handle)
	for _, f := range m.functions {
		delete(d.functions, f.handle)
	}
	d.mu.Unlock()
	for _, g := range m.globals {
		m.ctx.mem.free(g.ptr)
	}
	return driver.Success
}

func (d *Driver) ModuleGetFunction(handle driver.Module, name string) (driver.Function, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, found := d.modules[handle]
	if !found {
		return 0, driver.ErrorInvalidHandle
	}
	f, found := m.functions[name]
	if !found {
		return 0, driver.ErrorNotFound
	}
	return f.handle, driver.Success
}

func (d *Driver) ModuleGetGlobal(handle driver.Module, name string) (driver.DevicePtr, uint64, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, found := d.modules[handle]
	if !found {
		return 0, 0, driver.ErrorInvalidHandle
	}
	g, found := m.globals[name]
	if !found {
		return 0, 0, driver.ErrorNotFound
	}
	return g.ptr, g.size, driver.Success
}

func (d *Driver) lookupFunction(handle driver.Function) (*function, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, found := d.functions[handle]
	if !found {
		return nil, driver.ErrorInvalidHandle
	}
	return f, driver.Success
}

func (d *Driver) FuncGetAttribute(attr driver.FunctionAttribute, handle driver.Function) (int, driver.Result) {
	f, r := d.lookupFunction(handle)
	if r != driver.Success {
		return 0, r
	}
	img := f.module.image
	switch attr {
	case driver.FuncMaxThreadsPerBlock:
		return f.module.ctx.device.config.MaxThreadsPerBlock, driver.Success
	case driver.FuncSharedSizeBytes, driver.FuncConstSizeBytes, driver.FuncLocalSizeBytes:
		return 0, driver.Success
	case driver.FuncNumRegs:
		return 32, driver.Success
	case driver.FuncPTXVersion, driver.FuncBinaryVersion:
		return 10*img.ComputeMajor + img.ComputeMinor, driver.Success
	}
	return 0, driver.ErrorInvalidValue
}

func (d *Driver) FuncGetParamSize(handle driver.Function) (uint64, bool, driver.Result) {
	f, r := d.lookupFunction(handle)
	if r != driver.Success {
		return 0, false, r
	}
	if f.decl.ParamSize < 0 {
		return 0, false, driver.Success
	}
	return uint64(f.decl.ParamSize), true, driver.Success
}

func (d *Driver) LaunchKernel(handle driver.Function, p driver.LaunchParams, hStream driver.Stream) driver.Result {
	ctx, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	f, r := d.lookupFunction(handle)
	if r != driver.Success {
		return r
	}
	if f.module.ctx != ctx {
		return driver.ErrorInvalidContext
	}
	cfg := &ctx.device.config
	grid := [3]uint32{p.GridX, p.GridY, p.GridZ}
	block := [3]uint32{p.BlockX, p.BlockY, p.BlockZ}
	threads := uint64(1)
	for axis := range 3 {
		if grid[axis] == 0 || block[axis] == 0 ||
			uint64(grid[axis]) > uint64(cfg.MaxGridDim[axis]) || uint64(block[axis]) > uint64(cfg.MaxBlockDim[axis]) {
			return driver.ErrorInvalidValue
		}
		threads *= uint64(block[axis])
	}
	if threads > uint64(cfg.MaxThreadsPerBlock) {
		return driver.ErrorInvalidValue
	}
	if uint64(p.SharedMemBytes) > uint64(cfg.MaxSharedMemoryPerBlock) {
		return driver.ErrorInvalidValue
	}
	if f.decl.ParamSize >= 0 && len(p.Params) != f.decl.ParamSize {
		return driver.ErrorInvalidValue
	}
	// Parameters are copied at launch time, the caller may reuse its buffer right away.
	params := append([]byte(nil), p.Params...)
	k := &Kernel{
		Name:  f.decl.Name,
		Grid:  grid,
		Block: block,
		mem:   ctx.mem,
	}
	sharedBytes := p.SharedMemBytes
	return s.enqueue(func() driver.Result {
		k.params = driver.NewParamReader(params)
		k.SharedMem = make([]byte, sharedBytes)
		if err := f.impl(k); err != nil {
			klog.V(1).Infof("simulated kernel %q failed: %v", k.Name, err)
			return faultCode(err)
		}
		return driver.Success
	}, false)
}
