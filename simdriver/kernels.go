package simdriver

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/gomlx/gocuda/driver"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// KernelFunc implements a simulated kernel. It runs on the stream's worker goroutine, once per launch, and
// it is responsible for iterating over the threads of the launch (see Kernel.ForEach).
//
// Returning an error faults the context: the error is reported asynchronously, by the next synchronization.
// Use Fault to choose the reported code, otherwise driver.ErrorLaunchFailed is used.
type KernelFunc func(k *Kernel) error

// Kernel is the execution environment of one launch.
type Kernel struct {
	Name        string
	Grid, Block [3]uint32
	SharedMem   []byte
	params      *driver.ParamReader
	mem         *memory
}

// Params returns the reader of the packed launch parameters.
func (k *Kernel) Params() *driver.ParamReader { return k.params }

// Threads returns the total number of threads of the launch.
func (k *Kernel) Threads() uint64 {
	return uint64(k.Grid[0]) * uint64(k.Grid[1]) * uint64(k.Grid[2]) *
		uint64(k.Block[0]) * uint64(k.Block[1]) * uint64(k.Block[2])
}

// ForEach calls fn for each linear thread index i < n. Indices beyond the number of threads of the launch
// are not visited, as a kernel guarded by `if (i < n)` would behave.
func (k *Kernel) ForEach(n uint64, fn func(i uint64)) {
	n = min(n, k.Threads())
	for i := range n {
		fn(i)
	}
}

// Bytes returns the device memory in [ptr, ptr+n). It faults with driver.ErrorIllegalAddress if the range is
// not within one allocation of the context.
func (k *Kernel) Bytes(ptr driver.DevicePtr, n uint64) ([]byte, error) {
	b, r := k.mem.resolve(ptr, n)
	if r != driver.Success {
		return nil, Fault(driver.ErrorIllegalAddress, "kernel %q accessed %d bytes at address 0x%x", k.Name, n, ptr)
	}
	return b, nil
}

// View returns count elements of type T of device memory starting at ptr.
func View[T any](k *Kernel, ptr driver.DevicePtr, count uint64) ([]T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	b, err := k.Bytes(ptr, count*size)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%unsafe.Alignof(zero) != 0 {
		return nil, Fault(driver.ErrorIllegalAddress, "kernel %q: misaligned address 0x%x for %T", k.Name, ptr, zero)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count), nil
}

// faultError is an error carrying the driver code to report.
type faultError struct {
	code driver.Result
	msg  string
}

func (e *faultError) Error() string { return fmt.Sprintf("%s: %s", e.code.Name(), e.msg) }

// Fault returns an error that faults the context with the given code, when returned by a KernelFunc.
func Fault(code driver.Result, format string, args ...any) error {
	return &faultError{code: code, msg: fmt.Sprintf(format, args...)}
}

func faultCode(err error) driver.Result {
	var fault *faultError
	if errors.As(err, &fault) {
		return fault.code
	}
	return driver.ErrorLaunchFailed
}

type kernelInfo struct {
	paramSize int
	fn        KernelFunc
}

var (
	muKernels sync.Mutex
	kernels   = make(map[string]kernelInfo)
)

// RegisterKernel registers the implementation of the kernel name, with its parameters size in bytes
// (negative if variable). Images declaring a kernel with that name use this implementation.
func RegisterKernel(name string, paramSize int, fn KernelFunc) {
	muKernels.Lock()
	defer muKernels.Unlock()
	kernels[name] = kernelInfo{paramSize: paramSize, fn: fn}
}

func lookupKernel(name string) (kernelInfo, bool) {
	muKernels.Lock()
	defer muKernels.Unlock()
	info, found := kernels[name]
	return info, found
}

// builtinKernels lists the names of the kernels registered by this package.
var builtinKernels []string

func registerBuiltin(name string, paramSize int, fn KernelFunc) {
	builtinKernels = append(builtinKernels, name)
	RegisterKernel(name, paramSize, fn)
}

// BuiltinImage returns an image (see Image) declaring all the built-in kernels, for compute capability 5.0,
// so it loads on any simulated device:
//
//   - fill_u32(out *uint32, n uint32, value uint32): out[i] = value
//   - iota_u32(out *uint32, n uint32): out[i] = i
//   - add_u32(buf *uint32, n uint32, value uint32): buf[i] += value
//   - mul_u32(buf *uint32, n uint32, value uint32): buf[i] *= value
//   - copy_u32(dst *uint32, src *uint32, n uint32): dst[i] = src[i]
//   - saxpy_f32(y *float32, x *float32, n uint32, a float32): y[i] = a*x[i] + y[i]
//   - exp_f32(out *float32, in *float32, n uint32): out[i] = exp(in[i])
//   - scale_f16(buf *float16, n uint32, factor float32): buf[i] *= factor
//   - store_u32(ptr *uint32, value uint32): *ptr = value, in thread 0
//   - sleep(micros uint32): sleeps the stream for the given time
//   - trap(): faults the context with driver.ErrorAssert
func BuiltinImage() []byte {
	img := &Image{ComputeMajor: 5, ComputeMinor: 0}
	names := append([]string(nil), builtinKernels...)
	sort.Strings(names)
	for _, name := range names {
		info, _ := lookupKernel(name)
		img.Kernels = append(img.Kernels, KernelDecl{Name: name, ParamSize: info.paramSize})
	}
	return img.Marshal()
}

// readBufferArgs reads a pointer followed by an uint32 count, the most common prefix of the built-in kernels.
func readBufferArgs(k *Kernel) (ptr driver.DevicePtr, n uint32, err error) {
	if ptr, err = k.params.Ptr(); err != nil {
		return
	}
	n, err = k.params.Uint32()
	return
}

func init() {
	registerBuiltin("fill_u32", 16, func(k *Kernel) error {
		ptr, n, err := readBufferArgs(k)
		if err != nil {
			return err
		}
		value, err := k.params.Uint32()
		if err != nil {
			return err
		}
		out, err := View[uint32](k, ptr, uint64(n))
		if err != nil {
			return err
		}
		k.ForEach(uint64(n), func(i uint64) { out[i] = value })
		return nil
	})

	registerBuiltin("iota_u32", 12, func(k *Kernel) error {
		ptr, n, err := readBufferArgs(k)
		if err != nil {
			return err
		}
		out, err := View[uint32](k, ptr, uint64(n))
		if err != nil {
			return err
		}
		k.ForEach(uint64(n), func(i uint64) { out[i] = uint32(i) })
		return nil
	})

	elementwiseU32 := func(op func(x, v uint32) uint32) KernelFunc {
		return func(k *Kernel) error {
			ptr, n, err := readBufferArgs(k)
			if err != nil {
				return err
			}
			value, err := k.params.Uint32()
			if err != nil {
				return err
			}
			buf, err := View[uint32](k, ptr, uint64(n))
			if err != nil {
				return err
			}
			k.ForEach(uint64(n), func(i uint64) { buf[i] = op(buf[i], value) })
			return nil
		}
	}
	registerBuiltin("add_u32", 16, elementwiseU32(func(x, v uint32) uint32 { return x + v }))
	registerBuiltin("mul_u32", 16, elementwiseU32(func(x, v uint32) uint32 { return x * v }))

	registerBuiltin("copy_u32", 20, func(k *Kernel) error {
		dstPtr, err := k.params.Ptr()
		if err != nil {
			return err
		}
		srcPtr, n, err := readBufferArgs(k)
		if err != nil {
			return err
		}
		dst, err := View[uint32](k, dstPtr, uint64(n))
		if err != nil {
			return err
		}
		src, err := View[uint32](k, srcPtr, uint64(n))
		if err != nil {
			return err
		}
		k.ForEach(uint64(n), func(i uint64) { dst[i] = src[i] })
		return nil
	})

	registerBuiltin("saxpy_f32", 24, func(k *Kernel) error {
		yPtr, err := k.params.Ptr()
		if err != nil {
			return err
		}
		xPtr, n, err := readBufferArgs(k)
		if err != nil {
			return err
		}
		a, err := k.params.Float32()
		if err != nil {
			return err
		}
		y, err := View[float32](k, yPtr, uint64(n))
		if err != nil {
			return err
		}
		x, err := View[float32](k, xPtr, uint64(n))
		if err != nil {
			return err
		}
		k.ForEach(uint64(n), func(i uint64) { y[i] = a*x[i] + y[i] })
		return nil
	})

	registerBuiltin("exp_f32", 20, func(k *Kernel) error {
		outPtr, err := k.params.Ptr()
		if err != nil {
			return err
		}
		inPtr, n, err := readBufferArgs(k)
		if err != nil {
			return err
		}
		out, err := View[float32](k, outPtr, uint64(n))
		if err != nil {
			return err
		}
		in, err := View[float32](k, inPtr, uint64(n))
		if err != nil {
			return err
		}
		k.ForEach(uint64(n), func(i uint64) { out[i] = math32.Exp(in[i]) })
		return nil
	})

	registerBuiltin("scale_f16", 16, func(k *Kernel) error {
		ptr, n, err := readBufferArgs(k)
		if err != nil {
			return err
		}
		factor, err := k.params.Float32()
		if err != nil {
			return err
		}
		buf, err := View[float16.Float16](k, ptr, uint64(n))
		if err != nil {
			return err
		}
		k.ForEach(uint64(n), func(i uint64) { buf[i] = float16.Fromfloat32(buf[i].Float32() * factor) })
		return nil
	})

	registerBuiltin("store_u32", 12, func(k *Kernel) error {
		ptr, err := k.params.Ptr()
		if err != nil {
			return err
		}
		value, err := k.params.Uint32()
		if err != nil {
			return err
		}
		out, err := View[uint32](k, ptr, 1)
		if err != nil {
			return err
		}
		out[0] = value
		return nil
	})

	registerBuiltin("sleep", 4, func(k *Kernel) error {
		micros, err := k.params.Uint32()
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(micros) * time.Microsecond)
		return nil
	})

	registerBuiltin("trap", 0, func(k *Kernel) error {
		return Fault(driver.ErrorAssert, "kernel %q trapped", k.Name)
	})
}
