// Package simdriver implements a simulated GPU driver in pure Go, registered as "sim".
//
// It follows the semantics of the CUDA driver closely enough to exercise package cuda without a GPU:
//
//   - Contexts are current per OS thread, in a stack per thread.
//   - Device memory is allocated from the host, accounted against a configurable device total.
//   - Each stream runs its work in order on its own goroutine; kernels are Go functions (see RegisterKernel)
//     declared in images (see Image).
//   - Faults in asynchronous work are sticky: they are reported by the following synchronizations and calls
//     on the context.
//
// Options accepted by New (see driver.Options):
//
//   - "devices": number of devices (default 1).
//   - "memory": total memory per device, in bytes (default 256MiB).
//   - "name": device name (default "Simulated GPU").
//   - "compute_major", "compute_minor": compute capability (default 8.6).
//   - "max_threads_per_block": default 1024.
//   - "max_shared_memory": max shared memory per block in bytes (default 48KiB).
package simdriver

import (
	"fmt"
	"sync"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/osthread"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the driver in the driver registry.
const Name = "sim"

// Version reported by DriverGetVersion, in the CUDA format 1000*major + 10*minor.
const Version = 12040

func init() {
	driver.Register(Name, New)
}

// NewFactory returns a driver.Factory of simulators configured with defaults, overwritten by the
// options given to the factory. It can be used to register simulators with different configurations.
func NewFactory(defaults driver.Options) driver.Factory {
	return func(options driver.Options) (driver.Driver, error) {
		return New(defaults.Merge(options))
	}
}

// DeviceConfig describes a simulated device.
type DeviceConfig struct {
	Name                    string
	TotalMemory             uint64
	ComputeMajor            int
	ComputeMinor            int
	MaxThreadsPerBlock      int
	MaxBlockDim, MaxGridDim [3]int
	MaxSharedMemoryPerBlock int
	WarpSize                int
	MultiprocessorCount     int
}

// DefaultDeviceConfig returns the configuration of the default simulated device.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Name:                    "Simulated GPU",
		TotalMemory:             256 << 20,
		ComputeMajor:            8,
		ComputeMinor:            6,
		MaxThreadsPerBlock:      1024,
		MaxBlockDim:             [3]int{1024, 1024, 64},
		MaxGridDim:              [3]int{1<<31 - 1, 65535, 65535},
		MaxSharedMemoryPerBlock: 48 << 10,
		WarpSize:                32,
		MultiprocessorCount:     16,
	}
}

// New creates a simulated driver configured by options (see package documentation).
func New(options driver.Options) (driver.Driver, error) {
	cfg := DefaultDeviceConfig()
	numDevices, err := options.Int("devices", 1)
	if err != nil {
		return nil, err
	}
	if numDevices < 0 {
		return nil, errors.Errorf("simulator option \"devices\" must be >= 0, got %d", numDevices)
	}
	memory, err := options.Int64("memory", int64(cfg.TotalMemory))
	if err != nil {
		return nil, err
	}
	cfg.TotalMemory = uint64(memory)
	if cfg.Name, err = options.Str("name", cfg.Name); err != nil {
		return nil, err
	}
	if cfg.ComputeMajor, err = options.Int("compute_major", cfg.ComputeMajor); err != nil {
		return nil, err
	}
	if cfg.ComputeMinor, err = options.Int("compute_minor", cfg.ComputeMinor); err != nil {
		return nil, err
	}
	if cfg.MaxThreadsPerBlock, err = options.Int("max_threads_per_block", cfg.MaxThreadsPerBlock); err != nil {
		return nil, err
	}
	if cfg.MaxSharedMemoryPerBlock, err = options.Int("max_shared_memory", cfg.MaxSharedMemoryPerBlock); err != nil {
		return nil, err
	}
	configs := make([]DeviceConfig, numDevices)
	for i := range configs {
		configs[i] = cfg
	}
	return NewWithDevices(configs...), nil
}

// NewWithDevices creates a simulated driver with the given devices.
func NewWithDevices(configs ...DeviceConfig) *Driver {
	d := &Driver{
		contexts:  make(map[driver.Context]*simContext),
		stacks:    make(map[osthread.ID][]*simContext),
		modules:   make(map[driver.Module]*module),
		functions: make(map[driver.Function]*function),
		streams:   make(map[driver.Stream]*stream),
		events:    make(map[driver.Event]*event),
	}
	for ordinal, cfg := range configs {
		d.devices = append(d.devices, &device{
			ordinal: ordinal,
			config:  cfg,
			uuid:    uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "gocuda/sim/%s/%d", cfg.Name, ordinal)),
			// Each device gets its own range of addresses, so pointers of different devices never overlap.
			nextAddr: driver.DevicePtr(uint64(ordinal+1) << 40),
		})
	}
	return d
}

// Driver is the simulated driver. It implements driver.Driver.
type Driver struct {
	devices []*device

	mu          sync.Mutex
	initialized bool
	nextHandle  uintptr
	contexts    map[driver.Context]*simContext
	stacks      map[osthread.ID][]*simContext
	modules     map[driver.Module]*module
	functions   map[driver.Function]*function
	streams     map[driver.Stream]*stream
	events      map[driver.Event]*event
}

var _ driver.Driver = (*Driver)(nil)

// device is a simulated device: its configuration and memory accounting.
type device struct {
	ordinal int
	config  DeviceConfig
	uuid    uuid.UUID

	mu       sync.Mutex
	used     uint64
	nextAddr driver.DevicePtr
}

// reserve accounts for size bytes and returns the base address of the new allocation.
func (dev *device) reserve(size uint64) (driver.DevicePtr, bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	aligned := (size + allocAlignment - 1) &^ (allocAlignment - 1)
	if aligned < size || aligned > dev.config.TotalMemory-dev.used {
		return 0, false
	}
	dev.used += aligned
	base := dev.nextAddr
	// Addresses are never reused, and a gap is left after each allocation so out-of-bounds accesses are
	// detected.
	dev.nextAddr += driver.DevicePtr(aligned + allocAlignment)
	return base, true
}

func (dev *device) release(size uint64) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	aligned := (size + allocAlignment - 1) &^ (allocAlignment - 1)
	dev.used -= aligned
}

func (dev *device) freeMemory() uint64 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.config.TotalMemory - dev.used
}

// newHandle returns a new unique handle value. It must be called with d.mu locked.
func (d *Driver) newHandle() uintptr {
	d.nextHandle++
	return d.nextHandle
}

func (d *Driver) Init(flags uint32) driver.Result {
	if flags != 0 {
		return driver.ErrorInvalidValue
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		klog.V(1).Infof("simulated driver initialized with %d devices", len(d.devices))
	}
	d.initialized = true
	return driver.Success
}

func (d *Driver) DriverGetVersion() (int, driver.Result) {
	return Version, driver.Success
}

func (d *Driver) getDevice(dev driver.Device) (*device, driver.Result) {
	d.mu.Lock()
	initialized := d.initialized
	d.mu.Unlock()
	if !initialized {
		return nil, driver.ErrorNotInitialized
	}
	if dev < 0 || int(dev) >= len(d.devices) {
		return nil, driver.ErrorInvalidDevice
	}
	return d.devices[dev], driver.Success
}

func (d *Driver) DeviceGetCount() (int, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrorNotInitialized
	}
	return len(d.devices), driver.Success
}

func (d *Driver) DeviceGet(ordinal int) (driver.Device, driver.Result) {
	if _, r := d.getDevice(driver.Device(ordinal)); r != driver.Success {
		return 0, r
	}
	return driver.Device(ordinal), driver.Success
}

func (d *Driver) DeviceGetName(dev driver.Device) (string, driver.Result) {
	sd, r := d.getDevice(dev)
	if r != driver.Success {
		return "", r
	}
	return sd.config.Name, driver.Success
}

func (d *Driver) DeviceTotalMem(dev driver.Device) (uint64, driver.Result) {
	sd, r := d.getDevice(dev)
	if r != driver.Success {
		return 0, r
	}
	return sd.config.TotalMemory, driver.Success
}

func (d *Driver) DeviceGetUUID(dev driver.Device) ([16]byte, driver.Result) {
	sd, r := d.getDevice(dev)
	if r != driver.Success {
		return [16]byte{}, r
	}
	return [16]byte(sd.uuid), driver.Success
}

func (d *Driver) DeviceGetAttribute(attr driver.DeviceAttribute, dev driver.Device) (int, driver.Result) {
	sd, r := d.getDevice(dev)
	if r != driver.Success {
		return 0, r
	}
	cfg := &sd.config
	switch attr {
	case driver.AttrMaxThreadsPerBlock:
		return cfg.MaxThreadsPerBlock, driver.Success
	case driver.AttrMaxBlockDimX, driver.AttrMaxBlockDimY, driver.AttrMaxBlockDimZ:
		return cfg.MaxBlockDim[attr-driver.AttrMaxBlockDimX], driver.Success
	case driver.AttrMaxGridDimX, driver.AttrMaxGridDimY, driver.AttrMaxGridDimZ:
		return cfg.MaxGridDim[attr-driver.AttrMaxGridDimX], driver.Success
	case driver.AttrMaxSharedMemoryPerBlock, driver.AttrMaxSharedMemoryPerSMOptIn:
		return cfg.MaxSharedMemoryPerBlock, driver.Success
	case driver.AttrTotalConstantMemory:
		return 64 << 10, driver.Success
	case driver.AttrWarpSize:
		return cfg.WarpSize, driver.Success
	case driver.AttrClockRate:
		return 1_500_000, driver.Success
	case driver.AttrMultiprocessorCount:
		return cfg.MultiprocessorCount, driver.Success
	case driver.AttrConcurrentKernels, driver.AttrUnifiedAddressing, driver.AttrStreamPrioritiesSupport:
		return 1, driver.Success
	case driver.AttrComputeCapabilityMajor:
		return cfg.ComputeMajor, driver.Success
	case driver.AttrComputeCapabilityMinor:
		return cfg.ComputeMinor, driver.Success
	case driver.AttrMaxThreadsPerMultiproc:
		return 2 * cfg.MaxThreadsPerBlock, driver.Success
	case driver.AttrMaxRegistersPerBlock:
		return 65536, driver.Success
	case driver.AttrGlobalMemoryBusWidth:
		return 256, driver.Success
	case driver.AttrL2CacheSize:
		return 4 << 20, driver.Success
	}
	return 0, driver.ErrorInvalidValue
}

func (d *Driver) GetErrorName(r driver.Result) string {
	return r.Name()
}

func (d *Driver) GetErrorString(r driver.Result) string {
	if desc, found := errorDescriptions[r]; found {
		return desc
	}
	return "unknown error"
}

var errorDescriptions = map[driver.Result]string{
	driver.Success:                 "no error",
	driver.ErrorInvalidValue:       "invalid argument",
	driver.ErrorOutOfMemory:        "out of memory",
	driver.ErrorNotInitialized:     "initialization error",
	driver.ErrorNoDevice:           "no CUDA-capable device is detected",
	driver.ErrorInvalidDevice:      "invalid device ordinal",
	driver.ErrorInvalidImage:       "device kernel image is invalid",
	driver.ErrorInvalidContext:     "invalid device context",
	driver.ErrorNoBinaryForGPU:     "no kernel image is available for execution on the device",
	driver.ErrorInvalidHandle:      "invalid resource handle",
	driver.ErrorNotFound:           "named symbol not found",
	driver.ErrorNotReady:           "device not ready",
	driver.ErrorIllegalAddress:     "an illegal memory access was encountered",
	driver.ErrorContextIsDestroyed: "context is destroyed",
	driver.ErrorAssert:             "device-side assert triggered",
	driver.ErrorLaunchFailed:       "unspecified launch failure",
	driver.ErrorNotSupported:       "operation not supported",
}
