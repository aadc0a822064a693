package cuda

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gomlx/gocuda/driver"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	rt := getRuntime(t)
	fmt.Printf("Loaded %s\n", rt)
	require.Same(t, rt, capture(Load(*flagDriver, nil)).Test(t))
	major, _ := rt.DriverVersion()
	require.Greater(t, major, 0)

	_, err := Load("no-such-driver", nil)
	require.ErrorIs(t, err, ErrDriver)
	require.Equal(t, driver.ErrorNotInitialized, CodeOf(err))
	require.ErrorContains(t, err, "sim")
}

func TestDevices(t *testing.T) {
	rt := getRuntime(t)
	count := capture(rt.DeviceCount()).Test(t)
	devices := capture(rt.Devices()).Test(t)
	require.Len(t, devices, count)
	for _, device := range devices {
		fmt.Printf("\t%s, uuid=%s\n", device, device.UUID())
		require.NotEmpty(t, device.Name())
		require.NotZero(t, device.TotalMemory())
		limits := device.Limits()
		require.NotZero(t, limits.MaxThreadsPerBlock)
		require.NotZero(t, limits.MaxGridDim.X)
		require.NotZero(t, limits.MaxBlockDim.Z)
		warpSize := capture(device.Attribute(driver.AttrWarpSize)).Test(t)
		require.Equal(t, 32, warpSize)
		require.Same(t, device, capture(rt.Device(device.Ordinal())).Test(t))
	}

	_, err := rt.Device(count)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = rt.Device(-1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestZeroDevices(t *testing.T) {
	rt := capture(Load("sim-nogpu", nil)).Test(t)
	require.Zero(t, capture(rt.DeviceCount()).Test(t))
	require.Empty(t, capture(rt.Devices()).Test(t))
	_, err := rt.Device(0)
	require.ErrorIs(t, err, ErrOutOfRange)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindOutOfRange, kind)
}

func TestContextGuards(t *testing.T) {
	ctx1 := newTestContext(t)
	ctx2 := newTestContext(t)

	_, err := CurrentContext()
	require.ErrorIs(t, err, ErrNoCurrentContext)

	g1 := capture(ctx1.Push()).Test(t)
	require.Same(t, ctx1, capture(CurrentContext()).Test(t))
	g2 := capture(ctx2.Push()).Test(t)
	require.Same(t, ctx2, capture(CurrentContext()).Test(t))

	// Out of order.
	require.Panics(t, func() { g1.Pop() })
	require.Same(t, ctx2, capture(CurrentContext()).Test(t))

	g2.Pop()
	require.Same(t, ctx1, capture(CurrentContext()).Test(t))
	g2.Pop() // no-op
	g1.Pop()
	_, err = CurrentContext()
	require.ErrorIs(t, err, ErrNoCurrentContext)

	// Popping from another goroutine.
	g1 = capture(ctx1.Push()).Test(t)
	panicked := make(chan bool)
	go func() {
		defer func() { panicked <- recover() != nil }()
		g1.Pop()
	}()
	require.True(t, <-panicked)
	g1.Pop()

	// Run restores the previous context on errors and panics.
	errFailed := errors.New("failed")
	err = ctx1.Run(func() error {
		require.Same(t, ctx1, capture(CurrentContext()).Test(t))
		return errFailed
	})
	require.ErrorIs(t, err, errFailed)
	require.Panics(t, func() {
		_ = ctx2.Run(func() error { panic("boom") })
	})
	_, err = CurrentContext()
	require.ErrorIs(t, err, ErrNoCurrentContext)

	// The driver sees the same context current.
	require.NoError(t, ctx2.Run(func() error {
		current, r := ctx2.drv().CtxGetCurrent()
		require.Equal(t, driver.Success, r)
		require.Equal(t, ctx2.handle, current)
		return nil
	}))
}

func TestContextDestroy(t *testing.T) {
	device := capture(getRuntime(t).Device(0)).Test(t)

	// Live resources.
	ctx, guard, err := device.CreateContext(CtxSchedAuto)
	require.NoError(t, err)
	guard.Pop()
	stream := capture(ctx.NewStream().Done()).Test(t)
	buf := capture(Allocate[int32](ctx, 16)).Test(t)
	require.Equal(t, ResourceCounts{Buffers: 1, Streams: 1}, ctx.LiveResources())
	require.ErrorIs(t, ctx.Destroy(), ErrResourceInUse)
	require.NoError(t, stream.Destroy())
	require.ErrorIs(t, ctx.Destroy(), ErrResourceInUse)
	require.NoError(t, buf.Free())
	require.NoError(t, ctx.Destroy())
	require.True(t, ctx.IsDestroyed())
	require.NoError(t, ctx.Destroy())
	_, err = ctx.Push()
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = ctx.NewStream().Done()
	require.ErrorIs(t, err, ErrInvalidHandle)

	// Destroyed while current on top of the calling thread: the guard only releases the thread.
	ctx, guard, err = device.CreateContext(CtxSchedAuto)
	require.NoError(t, err)
	require.NoError(t, ctx.Destroy())
	_, err = CurrentContext()
	require.ErrorIs(t, err, ErrNoCurrentContext)
	guard.Pop()

	// Current below another context.
	ctxA, guardA, err := device.CreateContext(CtxSchedAuto)
	require.NoError(t, err)
	ctxB, guardB, err := device.CreateContext(CtxSchedAuto)
	require.NoError(t, err)
	require.ErrorIs(t, ctxA.Destroy(), ErrResourceInUse)
	require.NoError(t, ctxB.Destroy())
	guardB.Pop()
	require.Same(t, ctxA, capture(CurrentContext()).Test(t))
	require.NoError(t, ctxA.Destroy())
	guardA.Pop()

	// Current in another goroutine.
	ctx, guard, err = device.CreateContext(CtxSchedAuto)
	require.NoError(t, err)
	guard.Pop()
	pushed, release, done := make(chan struct{}), make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		g, err := ctx.Push()
		if err != nil {
			close(pushed)
			return
		}
		close(pushed)
		<-release
		g.Pop()
	}()
	<-pushed
	require.ErrorIs(t, ctx.Destroy(), ErrResourceInUse)
	close(release)
	<-done
	require.NoError(t, ctx.Destroy())
}

func TestContextQueries(t *testing.T) {
	ctx := newTestContext(t)
	require.Equal(t, CtxSchedAuto, ctx.Flags())

	require.NoError(t, ctx.SetLimit(driver.LimitStackSize, 4096))
	require.Equal(t, uint64(4096), capture(ctx.Limit(driver.LimitStackSize)).Test(t))
	require.NoError(t, ctx.SetCacheConfig(driver.CachePreferL1))
	require.Equal(t, driver.CachePreferL1, capture(ctx.CacheConfig()).Test(t))
	require.NoError(t, ctx.SetSharedMemConfig(driver.SharedMemEightByteBankSize))
	require.Equal(t, driver.SharedMemEightByteBankSize, capture(ctx.SharedMemConfig()).Test(t))

	rng := capture(ctx.StreamPriorityRange()).Test(t)
	require.LessOrEqual(t, rng.Greatest, rng.Least)
	require.NotZero(t, capture(ctx.APIVersion()).Test(t))

	free, total, err := ctx.MemInfo()
	require.NoError(t, err)
	require.Equal(t, ctx.Device().TotalMemory(), total)
	require.LessOrEqual(t, free, total)
	require.NoError(t, ctx.Synchronize())
	require.Zero(t, ctx.LiveResources().Total())
}
