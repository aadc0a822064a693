package cuda

import (
	"fmt"
	"testing"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestAllocate(t *testing.T) {
	ctx := newTestContext(t)
	before := ResourcesAlive()
	for _, count := range []uint64{0, 1, 1000, 1 << 20} {
		buf := capture(Allocate[float32](ctx, count)).Test(t)
		fmt.Printf("\t%s\n", buf)
		require.Equal(t, count, buf.Len())
		require.Equal(t, 4*count, buf.SizeBytes())
		require.Equal(t, dtypes.Float32, buf.DType())
		require.Equal(t, before.Buffers+1, ResourcesAlive().Buffers)
		require.Equal(t, 1, ctx.LiveResources().Buffers)
		require.NoError(t, buf.Free())
		require.True(t, buf.IsFreed())
		require.NoError(t, buf.Free(), "double free is a no-op")
	}
	require.Equal(t, before, ResourcesAlive())
}

func TestAllocateOutOfMemory(t *testing.T) {
	ctx := newTestContext(t)
	_, err := Allocate[float64](ctx, 1<<62)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, driver.Success, CodeOf(err), "overflow is detected before the driver")

	_, err = Allocate[byte](ctx, ctx.Device().TotalMemory()+1)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, driver.ErrorOutOfMemory, CodeOf(err))
	require.Zero(t, ctx.LiveResources().Buffers)
}

func TestRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	host := make([]int32, 1024)
	for i := range host {
		host[i] = int32(i*7 - 3000)
	}
	buf := capture(AllocateFrom(ctx, host)).Test(t)
	defer func() { require.NoError(t, buf.Free()) }()
	got := capture(ToHostSlice[int32](buf)).Test(t)
	if diff := cmp.Diff(host, got); diff != "" {
		t.Fatalf("Round trip mismatch (-want +got):\n%s", diff)
	}

	halves := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2), float16.Inf(1)}
	hbuf := capture(AllocateFrom(ctx, halves)).Test(t)
	defer func() { require.NoError(t, hbuf.Free()) }()
	require.Equal(t, halves, capture(ToHostSlice[float16.Float16](hbuf)).Test(t))

	raw := make([]byte, buf.SizeBytes())
	require.NoError(t, CopyToHostBytes(raw, buf))
	require.Equal(t, []byte{0x48, 0xf4, 0xff, 0xff}, raw[:4]) // -3000 in little endian.
	raw[0], raw[1], raw[2], raw[3] = 1, 0, 0, 0
	require.NoError(t, CopyFromHostBytes(buf, raw))
	require.Equal(t, int32(1), capture(ToHostSlice[int32](buf)).Test(t)[0])
}

func TestCopyMismatches(t *testing.T) {
	ctx := newTestContext(t)
	buf := newTestBuffer[uint32](t, ctx, 8)
	require.ErrorIs(t, CopyFromHost[uint32](buf, make([]uint32, 7)), ErrLengthMismatch)
	require.ErrorIs(t, CopyToHost(make([]uint32, 9), Region[uint32](buf)), ErrLengthMismatch)
	require.ErrorIs(t, CopyFromHostBytes(buf, make([]byte, 31)), ErrSizeMismatch)
	require.ErrorIs(t, CopyToHostBytes(make([]byte, 33), buf), ErrSizeMismatch)
	other := newTestBuffer[uint32](t, ctx, 4)
	require.ErrorIs(t, CopyDeviceToDevice[uint32](buf, other), ErrLengthMismatch)
}

func TestSlicesAndDeviceCopies(t *testing.T) {
	ctx := newTestContext(t)
	src := capture(AllocateFrom(ctx, []uint32{0, 1, 2, 3, 4, 5, 6, 7})).Test(t)
	defer func() { require.NoError(t, src.Free()) }()
	dst := newTestBuffer[uint32](t, ctx, 8)
	require.NoError(t, dst.Memset(0))
	require.Equal(t, make([]uint32, 8), capture(ToHostSlice[uint32](dst)).Test(t))

	middle := capture(src.Slice(2, 5)).Test(t)
	require.Equal(t, uint64(3), middle.Len())
	require.Equal(t, uint64(12), middle.SizeBytes())
	require.Equal(t, []uint32{2, 3, 4}, capture(ToHostSlice[uint32](middle)).Test(t))

	head := capture(dst.Slice(0, 3)).Test(t)
	require.NoError(t, CopyDeviceToDevice[uint32](head, middle))
	require.NoError(t, CopyFromHost[uint32](capture(dst.Slice(6, 8)).Test(t), []uint32{60, 70}))
	require.Equal(t, []uint32{2, 3, 4, 0, 0, 0, 60, 70}, capture(ToHostSlice[uint32](dst)).Test(t))

	empty := capture(dst.Slice(8, 8)).Test(t)
	require.Zero(t, empty.Len())
	require.NoError(t, CopyFromHost[uint32](empty, nil))

	_, err := src.Slice(5, 9)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = src.Slice(3, 2)
	require.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, Memset(middle, 0xff))
	require.Equal(t, []uint32{0, 1, 0xffffffff, 0xffffffff, 0xffffffff, 5, 6, 7},
		capture(ToHostSlice[uint32](src)).Test(t))
}

func TestUseAfterFree(t *testing.T) {
	ctx := newTestContext(t)
	buf := capture(Allocate[int64](ctx, 4)).Test(t)
	view := capture(buf.Slice(1, 3)).Test(t)
	require.NoError(t, buf.Free())
	require.ErrorIs(t, CopyFromHost[int64](buf, make([]int64, 4)), ErrInvalidHandle)
	_, err := ToHostSlice[int64](view)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.ErrorIs(t, buf.Memset(0), ErrInvalidHandle)

	// Zero sized buffers are valid in zero sized copies only.
	empty := newTestBuffer[int64](t, ctx, 0)
	require.NoError(t, CopyFromHost[int64](empty, nil))
	require.ErrorIs(t, CopyFromHost[int64](empty, []int64{1}), ErrLengthMismatch)
}

func TestTinyDevice(t *testing.T) {
	rt := capture(Load("sim-tiny", nil)).Test(t)
	device := capture(rt.Device(0)).Test(t)
	require.Equal(t, "Tiny GPU", device.Name())
	ctx, guard, err := device.CreateContext(CtxSchedAuto)
	require.NoError(t, err)
	guard.Pop()
	defer func() { require.NoError(t, ctx.Destroy()) }()

	buf := capture(Allocate[byte](ctx, 768<<10)).Test(t)
	_, err = Allocate[byte](ctx, 512<<10)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.NoError(t, buf.Free())
	buf = capture(Allocate[byte](ctx, 512<<10)).Test(t)
	require.NoError(t, buf.Free())
}
