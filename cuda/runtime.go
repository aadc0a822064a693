package cuda

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/gocuda/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DriverEnv is the environment variable with the name of the driver loaded by Default.
	DriverEnv = "GOCUDA_DRIVER"

	// DefaultDriver is the driver loaded by Default if DriverEnv is not set: the NVIDIA driver.
	DefaultDriver = "cuda"
)

// Runtime is an initialized driver. It is the entry point to enumerate devices.
//
// Runtimes are singletons per driver name: the driver is initialized once per process, and Load returns the
// same Runtime on later calls with the same name.
type Runtime struct {
	name    string
	drv     driver.Driver
	options driver.Options
	version int

	muDevices sync.Mutex
	devices   map[int]*Device
}

var (
	loadedRuntimes = make(map[string]*Runtime)
	muRuntimes     sync.Mutex
)

// Load returns the Runtime for the driver registered with the given name (see driver.Register), initializing
// it on first use.
//
// The options are passed to the driver factory. They are only used on the first call for a name: later calls
// return the already initialized Runtime.
//
// Drivers are registered by their packages' init(), so programs must import them, e.g.:
//
//	import _ "github.com/gomlx/gocuda/nvdriver"
func Load(name string, options driver.Options) (*Runtime, error) {
	muRuntimes.Lock()
	defer muRuntimes.Unlock()

	if rt, found := loadedRuntimes[name]; found {
		if len(options) > 0 && options.String() != rt.options.String() {
			klog.Warningf("cuda.Load(%q): driver already initialized with options %s, ignoring new options %s",
				name, rt.options, options)
		}
		return rt, nil
	}
	factory, err := driver.Lookup(name)
	if err != nil {
		return nil, errors.WithStack(&Error{Kind: KindDriver, Code: driver.ErrorNotInitialized, Op: "Load", Message: err.Error()})
	}
	drv, err := factory(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create driver %q", name)
	}
	if err = toError(drv, drv.Init(0), "Init"); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize driver %q", name)
	}
	version, r := drv.DriverGetVersion()
	if err = toError(drv, r, "DriverGetVersion"); err != nil {
		return nil, errors.WithMessagef(err, "driver %q", name)
	}
	rt := &Runtime{
		name:    name,
		drv:     drv,
		options: options,
		version: version,
		devices: make(map[int]*Device),
	}
	loadedRuntimes[name] = rt
	klog.V(1).Infof("loaded %s", rt)
	return rt, nil
}

// Default loads the driver named by the environment variable GOCUDA_DRIVER, or "cuda" if it is not set.
func Default() (*Runtime, error) {
	name := os.Getenv(DriverEnv)
	if name == "" {
		name = DefaultDriver
	}
	return Load(name, nil)
}

// Name of the driver.
func (rt *Runtime) Name() string {
	return rt.name
}

// DriverVersion returns the version of the driver, e.g.: 12.4.
func (rt *Runtime) DriverVersion() (major, minor int) {
	return rt.version / 1000, (rt.version % 1000) / 10
}

// String implements fmt.Stringer.
func (rt *Runtime) String() string {
	major, minor := rt.DriverVersion()
	return fmt.Sprintf("driver %q (v%d.%d)", rt.name, major, minor)
}

// toError converts a driver status to an error.
func (rt *Runtime) toError(r driver.Result, op string) error {
	return toError(rt.drv, r, op)
}
