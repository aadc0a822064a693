package cuda

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/simdriver"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var testLimits = LaunchLimits{
	MaxThreadsPerBlock:      1024,
	MaxBlockDim:             Dim3{1024, 1024, 64},
	MaxGridDim:              Dim3{1<<31 - 1, 65535, 65535},
	MaxSharedMemoryPerBlock: 48 << 10,
}

func TestLaunchConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		config LaunchConfig
		valid  bool
	}{
		{"linear", LinearLaunch(1<<20, 256), true},
		{"3d", LaunchConfig{Grid: Dim3{4, 4, 4}, Block: Dim3{8, 8, 16}, SharedMemBytes: 1024}, true},
		{"zero grid", LaunchConfig{Grid: Dim3{0, 1, 1}, Block: Dim1(32)}, false},
		{"zero block", LaunchConfig{Grid: Dim1(1), Block: Dim3{32, 0, 1}}, false},
		{"empty linear", LinearLaunch(0, 256), false},
		{"block too large", LaunchConfig{Grid: Dim1(1), Block: Dim1(2048)}, false},
		{"block z too large", LaunchConfig{Grid: Dim1(1), Block: Dim3{1, 1, 65}}, false},
		{"too many threads", LaunchConfig{Grid: Dim1(1), Block: Dim3{64, 32, 1}}, false},
		{"grid y too large", LaunchConfig{Grid: Dim3{1, 65536, 1}, Block: Dim1(1)}, false},
		{"shared memory", LaunchConfig{Grid: Dim1(1), Block: Dim1(1), SharedMemBytes: 64 << 10}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate(testLimits)
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidLaunchConfig)
			}
		})
	}
	require.Equal(t, Dim1(4097), LinearLaunch(1<<20+1, 256).Grid)
	require.Equal(t, uint64(1024), Dim3{8, 8, 16}.Volume())
}

func TestKernelArgs(t *testing.T) {
	args := Args().Int32(-1).Float64(2).Float16(float16.Fromfloat32(1)).Raw([]byte{1, 2, 3}, 4)
	require.NoError(t, args.Err())
	require.Equal(t, 4, args.Count())
	require.Equal(t, uint64(23), args.Size())
	require.Error(t, Args().Raw([]byte{1}, 3).Err())
	require.Error(t, Args().Buffer(nil).Err())
	require.Error(t, Args().Global(Global{}).Err())
}

func TestLaunchValidation(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	buf := newTestBuffer[uint32](t, ctx, 16)
	fill := capture(m.Function("fill_u32")).Test(t)
	size, known := fill.ParamSize()
	require.True(t, known)
	require.Equal(t, uint64(16), size)

	// Refused before reaching the driver, and nothing is borrowed.
	err := stream.Launch(fill, LaunchConfig{Grid: Dim3{0, 1, 1}, Block: Dim1(16)}, Args().Buffer(buf).Uint32(16).Uint32(1))
	require.ErrorIs(t, err, ErrInvalidLaunchConfig)
	require.Equal(t, driver.Success, CodeOf(err))
	err = stream.Launch(fill, LinearLaunch(16, 16), Args().Buffer(buf).Uint32(16))
	require.ErrorIs(t, err, ErrInvalidLaunchConfig)
	err = stream.Launch(fill, LinearLaunch(16, 16), Args().Buffer(nil))
	require.ErrorIs(t, err, ErrInvalidLaunchConfig)
	require.Zero(t, buf.InFlight())
	require.True(t, capture(stream.IsComplete()).Test(t))

	// Buffers of other contexts.
	other := newTestContext(t)
	otherBuf := newTestBuffer[uint32](t, other, 16)
	err = stream.Launch(fill, LinearLaunch(16, 16), Args().Buffer(otherBuf).Uint32(16).Uint32(1))
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Zero(t, otherBuf.InFlight())
	require.Zero(t, buf.InFlight())
}

func TestKernels(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	const n = 300
	launch := LinearLaunch(n, 64)

	xs, ys := make([]float32, n), make([]float32, n)
	for i := range xs {
		xs[i] = float32(i) / n
		ys[i] = 1
	}
	x := capture(AllocateFrom(ctx, xs)).Test(t)
	defer func() { require.NoError(t, x.Free()) }()
	y := capture(AllocateFrom(ctx, ys)).Test(t)
	defer func() { require.NoError(t, y.Free()) }()
	expX := newTestBuffer[float32](t, ctx, n)

	require.NoError(t, stream.Launch(capture(m.Function("saxpy_f32")).Test(t), launch,
		Args().Buffer(y).Buffer(x).Uint32(n).Float32(2)))
	require.NoError(t, stream.Launch(capture(m.Function("exp_f32")).Test(t), launch,
		Args().Buffer(expX).Buffer(x).Uint32(n)))
	gotY, gotExp := make([]float32, n), make([]float32, n)
	require.NoError(t, CopyToHostAsync[float32](stream, gotY, y))
	require.NoError(t, CopyToHostAsync[float32](stream, gotExp, expX))
	require.NoError(t, stream.Synchronize())
	for i := range xs {
		require.InDelta(t, 2*xs[i]+1, gotY[i], 1e-6)
		require.InDelta(t, math32.Exp(xs[i]), gotExp[i], 1e-6)
	}

	halves := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-0.5), float16.Fromfloat32(3)}
	h := capture(AllocateFrom(ctx, halves)).Test(t)
	defer func() { require.NoError(t, h.Free()) }()
	require.NoError(t, stream.Launch(capture(m.Function("scale_f16")).Test(t), LinearLaunch(3, 32),
		Args().Buffer(h).Uint32(3).Float32(4)))
	require.NoError(t, stream.Synchronize())
	scaled := capture(ToHostSlice[float16.Float16](h)).Test(t)
	require.Equal(t, []float32{4, -2, 12}, []float32{scaled[0].Float32(), scaled[1].Float32(), scaled[2].Float32()})

	// Kernels over a slice.
	iota := capture(m.Function("iota_u32")).Test(t)
	u := newTestBuffer[uint32](t, ctx, 8)
	require.NoError(t, u.Memset(0))
	tail := capture(u.Slice(4, 8)).Test(t)
	require.NoError(t, stream.Launch(iota, LinearLaunch(4, 4), Args().Buffer(tail).Uint32(4)))
	require.NoError(t, stream.Synchronize())
	require.Equal(t, []uint32{0, 0, 0, 0, 0, 1, 2, 3}, capture(ToHostSlice[uint32](u)).Test(t))
}

func TestModuleUnload(t *testing.T) {
	ctx := newTestContext(t)
	if !isSimulator(ctx.Device().Runtime()) {
		t.Skip("Test requires the simulator")
	}
	m := capture(ctx.LoadModule(simdriver.BuiltinImage())).Test(t)
	stream := newTestStream(t, ctx)
	sleep := capture(m.Function("sleep")).Test(t)
	require.Same(t, sleep, capture(m.Function("sleep")).Test(t))
	require.Equal(t, 1, ctx.LiveResources().Modules)

	require.NoError(t, stream.Launch(sleep, single, sleepArgs(50*time.Millisecond)))
	require.ErrorIs(t, m.Unload(), ErrResourceInUse)
	require.NoError(t, stream.Synchronize())
	require.NoError(t, m.Unload())
	require.True(t, m.IsUnloaded())
	require.NoError(t, m.Unload())
	require.Zero(t, ctx.LiveResources().Modules)

	require.ErrorIs(t, stream.Launch(sleep, single, sleepArgs(time.Millisecond)), ErrInvalidHandle)
	_, err := m.Function("sleep")
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = sleep.Attribute(driver.FuncMaxThreadsPerBlock)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestModuleErrors(t *testing.T) {
	ctx := newTestContext(t)
	if !isSimulator(ctx.Device().Runtime()) {
		t.Skip("Test requires the simulator")
	}
	_, err := ctx.LoadModule([]byte("not an image"))
	require.ErrorIs(t, err, ErrInvalidImage)

	future := &simdriver.Image{ComputeMajor: 99, Kernels: []simdriver.KernelDecl{{Name: "sleep", ParamSize: 4}}}
	_, err = ctx.LoadModule(future.Marshal())
	require.ErrorIs(t, err, ErrInvalidImage)
	require.Equal(t, driver.ErrorNoBinaryForGPU, CodeOf(err))

	_, err = ctx.LoadModuleFile(filepath.Join(t.TempDir(), "missing.img"))
	require.ErrorIs(t, err, ErrNotFound)

	path := filepath.Join(t.TempDir(), "builtin.img")
	require.NoError(t, os.WriteFile(path, simdriver.BuiltinImage(), 0o644))
	m := capture(ctx.LoadModuleFile(path)).Test(t)
	defer func() { require.NoError(t, m.Unload()) }()
	_, err = m.Function("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Global("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, ctx.LiveResources().Buffers)
}

func TestGlobals(t *testing.T) {
	ctx := newTestContext(t)
	if !isSimulator(ctx.Device().Runtime()) {
		t.Skip("Test requires the simulator")
	}
	image := &simdriver.Image{
		ComputeMajor: 5,
		Kernels:      []simdriver.KernelDecl{{Name: "store_u32", ParamSize: 12}, {Name: "sleep", ParamSize: 4}},
		Globals:      []simdriver.GlobalDecl{{Name: "counter", Size: 4, Init: []byte{7}}},
	}
	m := capture(ctx.LoadModule(image.Marshal())).Test(t)
	stream := newTestStream(t, ctx)
	counter := capture(m.Global("counter")).Test(t)
	require.Equal(t, uint64(4), counter.Size())

	value := make([]byte, 4)
	require.NoError(t, counter.CopyToHost(value))
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(value))
	require.ErrorIs(t, counter.CopyToHost(make([]byte, 8)), ErrSizeMismatch)
	require.ErrorIs(t, counter.CopyFromHost(make([]byte, 2)), ErrSizeMismatch)

	store := capture(m.Function("store_u32")).Test(t)
	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(50*time.Millisecond)))
	require.NoError(t, stream.Launch(store, single, Args().Global(counter).Uint32(42)))
	require.ErrorIs(t, m.Unload(), ErrResourceInUse)
	require.NoError(t, stream.Synchronize())
	require.NoError(t, counter.CopyToHost(value))
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(value))
	require.NoError(t, counter.CopyFromHost([]byte{1, 0, 0, 0}))
	require.NoError(t, counter.CopyToHost(value))
	require.Equal(t, []byte{1, 0, 0, 0}, value)

	require.NoError(t, m.Unload())
	require.ErrorIs(t, counter.CopyToHost(value), ErrInvalidHandle)
}
