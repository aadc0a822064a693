package cuda

import (
	"fmt"

	"github.com/gomlx/gocuda/driver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Device is a GPU visible to the driver. Its properties are read once, when it is first returned, and never
// change.
type Device struct {
	runtime      *Runtime
	handle       driver.Device
	ordinal      int
	name         string
	uuid         uuid.UUID
	totalMemory  uint64
	major, minor int
	limits       LaunchLimits
}

// LaunchLimits are the device limits a LaunchConfig must satisfy.
type LaunchLimits struct {
	MaxThreadsPerBlock      uint32
	MaxBlockDim, MaxGridDim Dim3
	MaxSharedMemoryPerBlock uint32
}

// DeviceCount returns the number of devices visible to the driver. It may be 0.
func (rt *Runtime) DeviceCount() (int, error) {
	count, r := rt.drv.DeviceGetCount()
	if r == driver.ErrorNoDevice {
		return 0, nil
	}
	if err := rt.toError(r, "DeviceCount"); err != nil {
		return 0, err
	}
	return count, nil
}

// Device returns the device with the given index, in [0, DeviceCount()). It fails with KindOutOfRange for
// other indices.
func (rt *Runtime) Device(index int) (*Device, error) {
	count, err := rt.DeviceCount()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= count {
		return nil, newError(KindOutOfRange, "Device", "device index %d out of range, %s has %d devices",
			index, rt, count)
	}

	rt.muDevices.Lock()
	defer rt.muDevices.Unlock()
	if d, found := rt.devices[index]; found {
		return d, nil
	}
	d, err := newDevice(rt, index)
	if err != nil {
		return nil, err
	}
	rt.devices[index] = d
	return d, nil
}

// Devices returns all devices visible to the driver.
func (rt *Runtime) Devices() ([]*Device, error) {
	count, err := rt.DeviceCount()
	if err != nil {
		return nil, err
	}
	devices := make([]*Device, 0, count)
	for i := range count {
		d, err := rt.Device(i)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func newDevice(rt *Runtime, ordinal int) (*Device, error) {
	drv := rt.drv
	handle, r := drv.DeviceGet(ordinal)
	if err := rt.toError(r, "DeviceGet"); err != nil {
		return nil, err
	}
	d := &Device{runtime: rt, handle: handle, ordinal: ordinal}
	if d.name, r = drv.DeviceGetName(handle); r != driver.Success {
		return nil, rt.toError(r, "DeviceGetName")
	}
	if d.totalMemory, r = drv.DeviceTotalMem(handle); r != driver.Success {
		return nil, rt.toError(r, "DeviceTotalMem")
	}
	var rawUUID [16]byte
	if rawUUID, r = drv.DeviceGetUUID(handle); r != driver.Success {
		return nil, rt.toError(r, "DeviceGetUUID")
	}
	d.uuid = uuid.UUID(rawUUID)

	attrs := []struct {
		attr  driver.DeviceAttribute
		value *uint32
	}{
		{driver.AttrMaxThreadsPerBlock, &d.limits.MaxThreadsPerBlock},
		{driver.AttrMaxBlockDimX, &d.limits.MaxBlockDim.X},
		{driver.AttrMaxBlockDimY, &d.limits.MaxBlockDim.Y},
		{driver.AttrMaxBlockDimZ, &d.limits.MaxBlockDim.Z},
		{driver.AttrMaxGridDimX, &d.limits.MaxGridDim.X},
		{driver.AttrMaxGridDimY, &d.limits.MaxGridDim.Y},
		{driver.AttrMaxGridDimZ, &d.limits.MaxGridDim.Z},
		{driver.AttrMaxSharedMemoryPerBlock, &d.limits.MaxSharedMemoryPerBlock},
	}
	for _, a := range attrs {
		v, err := d.Attribute(a.attr)
		if err != nil {
			return nil, err
		}
		*a.value = uint32(v)
	}
	var err error
	if d.major, err = d.Attribute(driver.AttrComputeCapabilityMajor); err != nil {
		return nil, err
	}
	if d.minor, err = d.Attribute(driver.AttrComputeCapabilityMinor); err != nil {
		return nil, err
	}
	return d, nil
}

// Attribute queries a device attribute from the driver.
func (d *Device) Attribute(attr driver.DeviceAttribute) (int, error) {
	value, r := d.runtime.drv.DeviceGetAttribute(attr, d.handle)
	if err := d.runtime.toError(r, "Device.Attribute"); err != nil {
		return 0, errors.WithMessagef(err, "attribute %s of device #%d", attr, d.ordinal)
	}
	return value, nil
}

// Runtime that owns the device.
func (d *Device) Runtime() *Runtime { return d.runtime }

// Ordinal returns the index of the device.
func (d *Device) Ordinal() int { return d.ordinal }

// Name returns the device name reported by the driver.
func (d *Device) Name() string { return d.name }

// UUID returns the unique identifier of the device.
func (d *Device) UUID() uuid.UUID { return d.uuid }

// TotalMemory returns the device memory in bytes.
func (d *Device) TotalMemory() uint64 { return d.totalMemory }

// ComputeCapability returns the compute capability, e.g. (8, 6).
func (d *Device) ComputeCapability() (major, minor int) { return d.major, d.minor }

// Limits returns the launch limits of the device.
func (d *Device) Limits() LaunchLimits { return d.limits }

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("device #%d %q (compute %d.%d, %d MiB)", d.ordinal, d.name, d.major, d.minor,
		d.totalMemory>>20)
}
