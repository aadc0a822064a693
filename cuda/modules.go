package cuda

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is a binary image (e.g. a cubin or PTX) loaded in a context. It owns its kernels (Function) and
// global variables (Global), which are only valid while the module is loaded.
type Module struct {
	ctx    *Context
	handle driver.Module
	id     registry.Handle

	mu        sync.Mutex
	unloaded  bool
	inflight  int
	functions map[string]*Function
}

func (*Module) kind() resourceKind { return resourceModule }

// LoadModule loads a binary image in the context.
//
// It fails with KindInvalidImage if the image is malformed or not compatible with the device (e.g. built for a
// newer compute capability).
func (c *Context) LoadModule(image []byte) (*Module, error) {
	m := &Module{ctx: c, functions: make(map[string]*Function)}
	err := c.do("Context.LoadModule", func(drv driver.Driver) (r driver.Result) {
		m.handle, r = drv.ModuleLoadData(image)
		if r == driver.Success {
			m.id = c.register(m)
		}
		return
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading image of %d bytes on %s", len(image), c.device)
	}
	modulesAlive.Add(1)
	klog.V(1).Infof("loaded module %#x (%d bytes) in %s", m.handle, len(image), c)
	return m, nil
}

// LoadModuleFile reads the binary image in path and loads it in the context. See LoadModule.
func (c *Context) LoadModuleFile(path string) (*Module, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "Context.LoadModuleFile", "module file %q not found", path)
		}
		return nil, errors.Wrapf(err, "failed to read module file %q", path)
	}
	m, err := c.LoadModule(image)
	if err != nil {
		return nil, errors.WithMessagef(err, "module file %q", path)
	}
	return m, nil
}

// Context the module was loaded in.
func (m *Module) Context() *Context { return m.ctx }

// String implements fmt.Stringer.
func (m *Module) String() string {
	return fmt.Sprintf("module %#x", m.handle)
}

func (m *Module) check(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return newError(KindInvalidHandle, op, "%s has been unloaded already", m)
	}
	return nil
}

// borrow marks the module as used by an operation in flight.
func (m *Module) borrow(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return newError(KindInvalidHandle, op, "%s has been unloaded already", m)
	}
	m.inflight++
	return nil
}

func (m *Module) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
}

// IsUnloaded returns whether Unload has been called successfully.
func (m *Module) IsUnloaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloaded
}

// Function returns the kernel with the given name. It fails with KindNotFound if the module has no such kernel.
func (m *Module) Function(name string) (*Function, error) {
	const op = "Module.Function"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return nil, newError(KindInvalidHandle, op, "%s has been unloaded already", m)
	}
	if fn, found := m.functions[name]; found {
		return fn, nil
	}
	fn := &Function{module: m, name: name}
	err := m.ctx.do(op, func(drv driver.Driver) (r driver.Result) {
		if fn.handle, r = drv.ModuleGetFunction(m.handle, name); r != driver.Success {
			return
		}
		fn.paramSize, fn.paramSizeKnown, r = drv.FuncGetParamSize(fn.handle)
		return
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "kernel %q", name)
	}
	m.functions[name] = fn
	return fn, nil
}

// Global returns the global variable with the given name. It fails with KindNotFound if the module has no such
// variable.
func (m *Module) Global(name string) (Global, error) {
	const op = "Module.Global"
	if err := m.check(op); err != nil {
		return Global{}, err
	}
	g := Global{module: m, name: name}
	err := m.ctx.do(op, func(drv driver.Driver) (r driver.Result) {
		g.ptr, g.size, r = drv.ModuleGetGlobal(m.handle, name)
		return
	})
	if err != nil {
		return Global{}, errors.WithMessagef(err, "global %q", name)
	}
	return g, nil
}

// Unload the module, invalidating its functions and globals. A second call is a no-op.
//
// It fails with KindResourceInUse while launches of its kernels are in flight: synchronize the streams first.
func (m *Module) Unload() error {
	const op = "Module.Unload"
	m.mu.Lock()
	unloaded, inflight := m.unloaded, m.inflight > 0
	m.mu.Unlock()
	if unloaded {
		return nil
	}
	if inflight {
		m.ctx.pollStreams()
	}
	var inUse error
	err := m.ctx.do(op, func(drv driver.Driver) driver.Result {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.unloaded {
			return driver.Success
		}
		if m.inflight > 0 {
			inUse = newError(KindResourceInUse, op, "%s is referenced by %d launches in flight", m, m.inflight)
			return driver.Success
		}
		if r := drv.ModuleUnload(m.handle); r != driver.Success {
			return r
		}
		m.unloaded = true
		m.functions = nil
		m.ctx.resources.Remove(m.id)
		modulesAlive.Add(-1)
		return driver.Success
	})
	if inUse != nil {
		return inUse
	}
	if err == nil {
		klog.V(1).Infof("unloaded %s", m)
	}
	return err
}

// Function is a kernel entry point of a Module. It is valid while its module is loaded.
type Function struct {
	module         *Module
	handle         driver.Function
	name           string
	paramSize      uint64
	paramSizeKnown bool
}

// Module the function belongs to.
func (fn *Function) Module() *Module { return fn.module }

// Name of the kernel.
func (fn *Function) Name() string { return fn.name }

// ParamSize returns the total size in bytes of the kernel parameters. known is false if the driver can't tell.
func (fn *Function) ParamSize() (size uint64, known bool) { return fn.paramSize, fn.paramSizeKnown }

// String implements fmt.Stringer.
func (fn *Function) String() string {
	return fmt.Sprintf("kernel %q", fn.name)
}

// Attribute queries a kernel attribute from the driver.
func (fn *Function) Attribute(attr driver.FunctionAttribute) (int, error) {
	const op = "Function.Attribute"
	if err := fn.module.check(op); err != nil {
		return 0, err
	}
	var value int
	err := fn.module.ctx.do(op, func(drv driver.Driver) (r driver.Result) {
		value, r = drv.FuncGetAttribute(attr, fn.handle)
		return
	})
	return value, err
}

// Global is a global variable of a Module, in device memory. It is valid while its module is loaded.
type Global struct {
	module *Module
	name   string
	ptr    driver.DevicePtr
	size   uint64
}

// Name of the variable.
func (g Global) Name() string { return g.name }

// Ptr returns the device address of the variable.
func (g Global) Ptr() driver.DevicePtr { return g.ptr }

// Size of the variable in bytes.
func (g Global) Size() uint64 { return g.size }

// CopyFromHost sets the contents of the variable. It fails with KindSizeMismatch if src doesn't have exactly
// the size of the variable.
func (g Global) CopyFromHost(src []byte) error {
	const op = "Global.CopyFromHost"
	if err := checkSize(op, g.size, uint64(len(src))); err != nil {
		return err
	}
	if err := g.module.check(op); err != nil {
		return err
	}
	return g.module.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.MemcpyHtoD(g.ptr, hostPtr(src), g.size)
	})
}

// CopyToHost reads the contents of the variable. It fails with KindSizeMismatch if dst doesn't have exactly the
// size of the variable.
func (g Global) CopyToHost(dst []byte) error {
	const op = "Global.CopyToHost"
	if err := checkSize(op, uint64(len(dst)), g.size); err != nil {
		return err
	}
	if err := g.module.check(op); err != nil {
		return err
	}
	return g.module.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.MemcpyDtoH(hostPtr(dst), g.ptr, g.size)
	})
}
