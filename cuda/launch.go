package cuda

import (
	"fmt"

	"github.com/gomlx/gocuda/driver"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Dim3 is the size of a grid (in blocks) or of a block (in threads) of a kernel launch.
type Dim3 struct {
	X, Y, Z uint32
}

// Dim1 returns the one dimensional Dim3 {x, 1, 1}.
func Dim1(x uint32) Dim3 { return Dim3{x, 1, 1} }

// Volume returns X*Y*Z.
func (d Dim3) Volume() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// LaunchConfig is the geometry of a kernel launch.
type LaunchConfig struct {
	Grid, Block Dim3

	// SharedMemBytes is the dynamic shared memory per block.
	SharedMemBytes uint32
}

// LinearLaunch returns a one dimensional configuration with enough blocks of blockSize threads to cover n
// threads.
func LinearLaunch(n uint64, blockSize uint32) LaunchConfig {
	var blocks uint64
	if blockSize > 0 {
		blocks = (n + uint64(blockSize) - 1) / uint64(blockSize)
	}
	return LaunchConfig{Grid: Dim1(uint32(min(blocks, 1<<32-1))), Block: Dim1(blockSize)}
}

// String implements fmt.Stringer.
func (lc LaunchConfig) String() string {
	return fmt.Sprintf("grid %s, block %s, %d bytes of shared memory", lc.Grid, lc.Block, lc.SharedMemBytes)
}

// Validate the configuration against the device limits. It fails with KindInvalidLaunchConfig if any dimension
// is 0 or above the device maximum, or if the block has too many threads or shared memory.
func (lc LaunchConfig) Validate(limits LaunchLimits) error {
	const op = "LaunchConfig.Validate"
	dims := []struct {
		name       string
		value, max uint32
	}{
		{"grid.x", lc.Grid.X, limits.MaxGridDim.X},
		{"grid.y", lc.Grid.Y, limits.MaxGridDim.Y},
		{"grid.z", lc.Grid.Z, limits.MaxGridDim.Z},
		{"block.x", lc.Block.X, limits.MaxBlockDim.X},
		{"block.y", lc.Block.Y, limits.MaxBlockDim.Y},
		{"block.z", lc.Block.Z, limits.MaxBlockDim.Z},
	}
	for _, dim := range dims {
		if dim.value == 0 {
			return newError(KindInvalidLaunchConfig, op, "%s is 0 in %s", dim.name, lc)
		}
		if dim.value > dim.max {
			return newError(KindInvalidLaunchConfig, op, "%s=%d above the device maximum %d", dim.name, dim.value,
				dim.max)
		}
	}
	if threads := lc.Block.Volume(); threads > uint64(limits.MaxThreadsPerBlock) {
		return newError(KindInvalidLaunchConfig, op, "%d threads per block above the device maximum %d", threads,
			limits.MaxThreadsPerBlock)
	}
	if lc.SharedMemBytes > limits.MaxSharedMemoryPerBlock {
		return newError(KindInvalidLaunchConfig, op, "%d bytes of shared memory per block above the device maximum %d",
			lc.SharedMemBytes, limits.MaxSharedMemoryPerBlock)
	}
	return nil
}

// KernelArgs holds the arguments of a kernel launch, in the order of the kernel parameters. Create it with Args,
// e.g.:
//
//	args := cuda.Args().Buffer(x).Buffer(y).Float32(2).Uint32(n)
//
// Values are packed with their natural alignment, as the C compiler lays out the kernel parameters. Device
// memory passed as arguments is borrowed by the launch.
type KernelArgs struct {
	params  driver.ParamBuffer
	spans   []span
	modules []*Module
	count   int
	err     error
}

// Args returns an empty list of kernel arguments.
func Args() *KernelArgs {
	return &KernelArgs{}
}

// Buffer appends the device address of mem.
func (a *KernelArgs) Buffer(mem DeviceMemory) *KernelArgs {
	if a.err != nil {
		return a
	}
	if mem == nil {
		a.err = errors.Errorf("KernelArgs.Buffer(nil) for argument #%d", a.Count())
		return a
	}
	sp := mem.span()
	a.params.Ptr(sp.ptr())
	a.spans = append(a.spans, sp)
	a.count++
	return a
}

// Global appends the device address of a module global variable.
func (a *KernelArgs) Global(g Global) *KernelArgs {
	if a.err != nil {
		return a
	}
	if g.module == nil {
		a.err = errors.Errorf("KernelArgs.Global() with an invalid Global for argument #%d", a.Count())
		return a
	}
	a.params.Ptr(g.ptr)
	a.modules = append(a.modules, g.module)
	a.count++
	return a
}

func (a *KernelArgs) Int32(v int32) *KernelArgs {
	a.params.Int32(v)
	a.count++
	return a
}

func (a *KernelArgs) Uint32(v uint32) *KernelArgs {
	a.params.Uint32(v)
	a.count++
	return a
}

func (a *KernelArgs) Int64(v int64) *KernelArgs {
	a.params.Int64(v)
	a.count++
	return a
}

func (a *KernelArgs) Uint64(v uint64) *KernelArgs {
	a.params.Uint64(v)
	a.count++
	return a
}

func (a *KernelArgs) Float32(v float32) *KernelArgs {
	a.params.Float32(v)
	a.count++
	return a
}

func (a *KernelArgs) Float64(v float64) *KernelArgs {
	a.params.Float64(v)
	a.count++
	return a
}

// Float16 appends a half precision float, as CUDA's __half.
func (a *KernelArgs) Float16(v float16.Float16) *KernelArgs {
	a.params.Uint16(v.Bits())
	a.count++
	return a
}

// Raw appends value aligned to align bytes, for structs passed by value.
func (a *KernelArgs) Raw(value []byte, align int) *KernelArgs {
	if align&(align-1) != 0 {
		if a.err == nil {
			a.err = errors.Errorf("KernelArgs.Raw(): alignment %d is not a power of 2", align)
		}
		return a
	}
	a.params.Raw(value, align)
	a.count++
	return a
}

// Count returns the number of arguments appended so far.
func (a *KernelArgs) Count() int { return a.count }

// Size returns the size in bytes of the packed arguments.
func (a *KernelArgs) Size() uint64 { return uint64(a.params.Len()) }

// Err returns the first error found while building the arguments.
func (a *KernelArgs) Err() error { return a.err }

// Launch enqueues the kernel fn on the stream, with the given geometry and arguments, and returns immediately.
//
// The configuration is validated against the device limits, and the size of the arguments against the kernel
// parameters (when the driver reports it), before reaching the driver: both fail with KindInvalidLaunchConfig.
// Faults while the kernel executes are reported by the next synchronization.
func (s *Stream) Launch(fn *Function, config LaunchConfig, args *KernelArgs) error {
	const op = "Stream.Launch"
	if args == nil {
		args = Args()
	}
	if args.err != nil {
		return newError(KindInvalidLaunchConfig, op, "invalid arguments for %s: %v", fn, args.err)
	}
	if fn.module.ctx != s.ctx {
		return newError(KindInvalidHandle, op, "%s belongs to %s, not to %s", fn, fn.module.ctx, s.ctx)
	}
	if err := config.Validate(s.ctx.device.limits); err != nil {
		return errors.WithMessagef(err, "launching %s on %s", fn, s.ctx.device)
	}
	if size, known := fn.ParamSize(); known && size != args.Size() {
		return newError(KindInvalidLaunchConfig, op, "%s takes %d bytes of parameters, %d bytes of arguments given",
			fn, size, args.Size())
	}
	deps := &opDeps{
		spans:   args.spans,
		modules: append([]*Module{fn.module}, args.modules...),
	}
	params := driver.LaunchParams{
		GridX:          config.Grid.X,
		GridY:          config.Grid.Y,
		GridZ:          config.Grid.Z,
		BlockX:         config.Block.X,
		BlockY:         config.Block.Y,
		BlockZ:         config.Block.Z,
		SharedMemBytes: config.SharedMemBytes,
		Params:         args.params.Bytes(),
	}
	_, err := s.enqueue(op, deps, func(drv driver.Driver) driver.Result {
		return drv.LaunchKernel(fn.handle, params, s.handle)
	})
	if err != nil {
		return errors.WithMessagef(err, "launching %s with %s", fn, config)
	}
	return nil
}
