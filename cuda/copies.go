package cuda

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/dtypes"
)

func hostPtr[T any](host []T) unsafe.Pointer {
	if len(host) == 0 {
		return nil
	}
	return unsafe.Pointer(&host[0])
}

func checkLength(op string, dstLen, srcLen uint64) error {
	if dstLen != srcLen {
		return newError(KindLengthMismatch, op, "destination has %d elements, source has %d", dstLen, srcLen)
	}
	return nil
}

func checkSize(op string, dstBytes, srcBytes uint64) error {
	if dstBytes != srcBytes {
		return newError(KindSizeMismatch, op, "destination has %d bytes, source has %d", dstBytes, srcBytes)
	}
	return nil
}

// copyToDevice is the untyped synchronous host to device copy.
func copyToDevice(op string, sp span, src unsafe.Pointer) error {
	if err := sp.core.check(op); err != nil {
		return err
	}
	if sp.bytes == 0 {
		return nil
	}
	return sp.core.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.MemcpyHtoD(sp.ptr(), src, sp.bytes)
	})
}

// copyToHost is the untyped synchronous device to host copy.
func copyToHost(op string, dst unsafe.Pointer, sp span) error {
	if err := sp.core.check(op); err != nil {
		return err
	}
	if sp.bytes == 0 {
		return nil
	}
	return sp.core.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.MemcpyDtoH(dst, sp.ptr(), sp.bytes)
	})
}

// CopyFromHost copies src to the device memory dst, and returns when the copy completed.
// It fails with KindLengthMismatch if the lengths differ.
func CopyFromHost[T dtypes.Supported](dst Region[T], src []T) error {
	const op = "CopyFromHost"
	if err := checkLength(op, dst.Len(), uint64(len(src))); err != nil {
		return err
	}
	return copyToDevice(op, dst.span(), hostPtr(src))
}

// CopyToHost copies the device memory src to dst, and returns when the copy completed.
// It fails with KindLengthMismatch if the lengths differ.
func CopyToHost[T dtypes.Supported](dst []T, src Region[T]) error {
	const op = "CopyToHost"
	if err := checkLength(op, uint64(len(dst)), src.Len()); err != nil {
		return err
	}
	return copyToHost(op, hostPtr(dst), src.span())
}

// CopyFromHostBytes copies raw bytes to the device memory dst. It fails with KindSizeMismatch if the sizes
// differ.
func CopyFromHostBytes(dst DeviceMemory, src []byte) error {
	const op = "CopyFromHostBytes"
	if err := checkSize(op, dst.SizeBytes(), uint64(len(src))); err != nil {
		return err
	}
	return copyToDevice(op, dst.span(), hostPtr(src))
}

// CopyToHostBytes copies the device memory src to raw bytes. It fails with KindSizeMismatch if the sizes
// differ.
func CopyToHostBytes(dst []byte, src DeviceMemory) error {
	const op = "CopyToHostBytes"
	if err := checkSize(op, uint64(len(dst)), src.SizeBytes()); err != nil {
		return err
	}
	return copyToHost(op, hostPtr(dst), src.span())
}

// ToHostSlice returns a new slice with the contents of the device memory src.
func ToHostSlice[T dtypes.Supported](src Region[T]) ([]T, error) {
	host := make([]T, src.Len())
	if err := CopyToHost(host, src); err != nil {
		return nil, err
	}
	return host, nil
}

// CopyDeviceToDevice copies src to dst, both in the same context, and returns when the copy completed.
// It fails with KindLengthMismatch if the lengths differ.
func CopyDeviceToDevice[T dtypes.Supported](dst, src Region[T]) error {
	const op = "CopyDeviceToDevice"
	if err := checkLength(op, dst.Len(), src.Len()); err != nil {
		return err
	}
	dstSpan, srcSpan := dst.span(), src.span()
	if err := dstSpan.core.check(op); err != nil {
		return err
	}
	if err := srcSpan.core.check(op); err != nil {
		return err
	}
	if dstSpan.core.ctx != srcSpan.core.ctx {
		return newError(KindInvalidHandle, op, "source and destination belong to different contexts")
	}
	if dstSpan.bytes == 0 {
		return nil
	}
	return dstSpan.core.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.MemcpyDtoD(dstSpan.ptr(), srcSpan.ptr(), dstSpan.bytes)
	})
}

// pinned returns a pinner holding host in place until the asynchronous operation completes.
func pinned[T any](host []T) *runtime.Pinner {
	if len(host) == 0 {
		return nil
	}
	pinner := &runtime.Pinner{}
	pinner.Pin(&host[0])
	return pinner
}

// CopyFromHostAsync enqueues on stream the copy of src to the device memory dst, and returns immediately.
//
// src is pinned, and must not be modified until the stream is observed past the copy (e.g. with
// Stream.Synchronize). It fails with KindLengthMismatch if the lengths differ.
func CopyFromHostAsync[T dtypes.Supported](stream *Stream, dst Region[T], src []T) error {
	const op = "CopyFromHostAsync"
	if err := checkLength(op, dst.Len(), uint64(len(src))); err != nil {
		return err
	}
	sp := dst.span()
	deps := &opDeps{spans: []span{sp}, pinner: pinned(src)}
	_, err := stream.enqueue(op, deps, func(drv driver.Driver) driver.Result {
		if sp.bytes == 0 {
			return driver.Success
		}
		return drv.MemcpyHtoDAsync(sp.ptr(), hostPtr(src), sp.bytes, stream.handle)
	})
	return err
}

// CopyToHostAsync enqueues on stream the copy of the device memory src to dst, and returns immediately.
//
// dst is pinned, and its contents are only valid after the stream is observed past the copy (e.g. with
// Stream.Synchronize). It fails with KindLengthMismatch if the lengths differ.
func CopyToHostAsync[T dtypes.Supported](stream *Stream, dst []T, src Region[T]) error {
	const op = "CopyToHostAsync"
	if err := checkLength(op, uint64(len(dst)), src.Len()); err != nil {
		return err
	}
	sp := src.span()
	deps := &opDeps{spans: []span{sp}, pinner: pinned(dst)}
	_, err := stream.enqueue(op, deps, func(drv driver.Driver) driver.Result {
		if sp.bytes == 0 {
			return driver.Success
		}
		return drv.MemcpyDtoHAsync(hostPtr(dst), sp.ptr(), sp.bytes, stream.handle)
	})
	return err
}

// CopyAsync enqueues on stream the copy of the device memory src to dst. It fails with KindLengthMismatch if the
// lengths differ.
func CopyAsync[T dtypes.Supported](stream *Stream, dst, src Region[T]) error {
	const op = "CopyAsync"
	if err := checkLength(op, dst.Len(), src.Len()); err != nil {
		return err
	}
	dstSpan, srcSpan := dst.span(), src.span()
	deps := &opDeps{spans: []span{dstSpan, srcSpan}}
	_, err := stream.enqueue(op, deps, func(drv driver.Driver) driver.Result {
		if dstSpan.bytes == 0 {
			return driver.Success
		}
		return drv.MemcpyDtoDAsync(dstSpan.ptr(), srcSpan.ptr(), dstSpan.bytes, stream.handle)
	})
	return err
}

// MemsetAsync enqueues on stream setting every byte of the device memory dst to value.
func MemsetAsync(stream *Stream, dst DeviceMemory, value byte) error {
	const op = "MemsetAsync"
	sp := dst.span()
	_, err := stream.enqueue(op, &opDeps{spans: []span{sp}}, func(drv driver.Driver) driver.Result {
		if sp.bytes == 0 {
			return driver.Success
		}
		return drv.MemsetD8Async(sp.ptr(), value, sp.bytes, stream.handle)
	})
	return err
}
