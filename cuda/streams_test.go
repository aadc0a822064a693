package cuda

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gocuda/driver"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// sleepArgs are the arguments of the simulator's sleep kernel.
func sleepArgs(d time.Duration) *KernelArgs {
	return Args().Uint32(uint32(d.Microseconds()))
}

var single = LaunchConfig{Grid: Dim1(1), Block: Dim1(1)}

func TestStreamFIFO(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	const n = 1000
	buf := newTestBuffer[uint32](t, ctx, n)
	launch := LinearLaunch(n, 128)

	sleep := capture(m.Function("sleep")).Test(t)
	fill := capture(m.Function("fill_u32")).Test(t)
	add := capture(m.Function("add_u32")).Test(t)
	mul := capture(m.Function("mul_u32")).Test(t)
	require.NoError(t, stream.Launch(sleep, single, sleepArgs(20*time.Millisecond)))
	require.NoError(t, stream.Launch(fill, launch, Args().Buffer(buf).Uint32(n).Uint32(3)))
	require.NoError(t, stream.Launch(add, launch, Args().Buffer(buf).Uint32(n).Uint32(1)))
	require.NoError(t, stream.Launch(mul, launch, Args().Buffer(buf).Uint32(n).Uint32(2)))
	host := make([]uint32, n)
	require.NoError(t, CopyToHostAsync[uint32](stream, host, buf))
	require.Equal(t, 4, buf.InFlight())
	require.NoError(t, stream.Synchronize())
	require.Zero(t, buf.InFlight())

	want := make([]uint32, n)
	for i := range want {
		want[i] = 8
	}
	if diff := cmp.Diff(want, host); diff != "" {
		t.Fatalf("Unexpected results (-want +got):\n%s", diff)
	}
}

func TestFreeWhileBorrowed(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	sleep := capture(m.Function("sleep")).Test(t)

	buf := capture(Allocate[float32](ctx, 256)).Test(t)
	host := make([]float32, 256)
	require.NoError(t, stream.Launch(sleep, single, sleepArgs(50*time.Millisecond)))
	require.NoError(t, CopyFromHostAsync[float32](stream, buf, host))
	require.ErrorIs(t, buf.Free(), ErrResourceInUse)
	require.False(t, buf.IsFreed())
	require.NoError(t, stream.Synchronize())
	require.NoError(t, buf.Free())

	// Operations on freed buffers are refused when enqueued.
	require.ErrorIs(t, CopyFromHostAsync[float32](stream, buf, host), ErrInvalidHandle)
	require.ErrorIs(t, buf.MemsetAsync(stream, 0), ErrInvalidHandle)
}

func TestIsComplete(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	require.True(t, capture(stream.IsComplete()).Test(t))
	buf := newTestBuffer[byte](t, ctx, 64)
	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(30*time.Millisecond)))
	require.NoError(t, buf.MemsetAsync(stream, 7))
	require.False(t, capture(stream.IsComplete()).Test(t))
	require.Equal(t, 1, buf.InFlight())
	require.Eventually(t, func() bool {
		return capture(stream.IsComplete()).Test(t)
	}, 5*time.Second, time.Millisecond)
	require.Zero(t, buf.InFlight())
	host := capture(ToHostSlice[byte](buf)).Test(t)
	require.Equal(t, byte(7), host[63])
}

func TestEventsAcrossStreams(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	s1 := newTestStream(t, ctx)
	s2 := capture(ctx.NewStream().NonBlocking().WithPriority(-1).Done()).Test(t)
	defer func() { require.NoError(t, s2.Destroy()) }()
	require.True(t, s2.IsNonBlocking())
	event := capture(ctx.NewEvent().DisableTiming().Done()).Test(t)
	defer func() { require.NoError(t, event.Destroy()) }()

	const n = 512
	buf := newTestBuffer[uint32](t, ctx, n)
	launch := LinearLaunch(n, 256)
	require.NoError(t, s1.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(20*time.Millisecond)))
	require.NoError(t, s1.Launch(capture(m.Function("fill_u32")).Test(t), launch, Args().Buffer(buf).Uint32(n).Uint32(7)))
	require.NoError(t, event.Record(s1))
	require.NoError(t, s2.WaitEvent(event))
	require.NoError(t, s2.Launch(capture(m.Function("add_u32")).Test(t), launch, Args().Buffer(buf).Uint32(n).Uint32(1)))
	require.NoError(t, s2.Synchronize())

	// Observing s2 past the wait also observes s1 up to the record.
	require.Zero(t, buf.InFlight())
	require.Equal(t, EventComplete, capture(event.Query()).Test(t))
	require.Equal(t, EventComplete, capture(event.Query()).Test(t))
	host := capture(ToHostSlice[uint32](buf)).Test(t)
	require.Equal(t, uint32(8), host[0])
	require.Equal(t, uint32(8), host[n-1])

	// Events of other contexts are refused.
	other := newTestContext(t)
	otherEvent := capture(other.NewEvent().Done()).Test(t)
	defer func() { require.NoError(t, otherEvent.Destroy()) }()
	require.ErrorIs(t, s1.WaitEvent(otherEvent), ErrInvalidHandle)
	require.ErrorIs(t, otherEvent.Record(s1), ErrInvalidHandle)
}

func TestEventStates(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	event := capture(ctx.NewEvent().BlockingSync().Done()).Test(t)

	require.Equal(t, EventUnrecorded, capture(event.Query()).Test(t))
	require.NoError(t, event.Synchronize())
	require.NoError(t, stream.WaitEvent(event), "waiting on an unrecorded event is a no-op")

	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(30*time.Millisecond)))
	require.NoError(t, event.Record(stream))
	require.Equal(t, EventPending, capture(event.Query()).Test(t))
	require.Equal(t, EventPending, capture(event.Query()).Test(t))
	require.NoError(t, event.Synchronize())
	require.Equal(t, EventComplete, capture(event.Query()).Test(t))
	require.Equal(t, EventComplete, capture(event.Query()).Test(t))

	// Recording again moves the event to the new tail.
	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(30*time.Millisecond)))
	require.NoError(t, event.Record(stream))
	require.Equal(t, EventPending, capture(event.Query()).Test(t))
	require.NoError(t, stream.Synchronize())
	require.Equal(t, EventComplete, capture(event.Query()).Test(t))

	require.NoError(t, event.Destroy())
	require.NoError(t, event.Destroy())
	_, err := event.Query()
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.ErrorIs(t, event.Record(stream), ErrInvalidHandle)
}

func TestElapsedTime(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	start := capture(ctx.NewEvent().Done()).Test(t)
	defer func() { require.NoError(t, start.Destroy()) }()
	end := capture(ctx.NewEvent().Done()).Test(t)
	defer func() { require.NoError(t, end.Destroy()) }()
	untimed := capture(ctx.NewEvent().DisableTiming().Done()).Test(t)
	defer func() { require.NoError(t, untimed.Destroy()) }()

	_, err := ElapsedTime(start, end)
	require.ErrorIs(t, err, ErrNotReady, "events not recorded")

	require.NoError(t, start.Record(stream))
	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(20*time.Millisecond)))
	require.NoError(t, end.Record(stream))
	require.NoError(t, untimed.Record(stream))
	_, err = ElapsedTime(start, end)
	require.ErrorIs(t, err, ErrNotReady, "end event pending")

	require.NoError(t, end.Synchronize())
	elapsed := capture(ElapsedTime(start, end)).Test(t)
	require.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	require.Less(t, elapsed, 10*time.Second)

	require.NoError(t, untimed.Synchronize())
	_, err = ElapsedTime(start, untimed)
	require.ErrorIs(t, err, ErrNotReady, "timing disabled")
}

func TestStickyFault(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := capture(ctx.NewStream().Done()).Test(t)
	buf := newTestBuffer[uint32](t, ctx, 16)

	// store_u32 to an address outside any allocation, after a sleep so the following memset is enqueued before
	// the fault.
	store := capture(m.Function("store_u32")).Test(t)
	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(50*time.Millisecond)))
	require.NoError(t, stream.Launch(store, single, Args().Uint64(0x10).Uint32(1)))
	require.NoError(t, buf.MemsetAsync(stream, 0))
	err := stream.Synchronize()
	require.Error(t, err)
	require.Equal(t, driver.ErrorIllegalAddress, CodeOf(err))
	require.ErrorIs(t, err, &Error{Kind: KindDriver, Code: driver.ErrorIllegalAddress})
	require.Zero(t, buf.InFlight(), "borrows are released after a fault")
	require.Error(t, stream.Destroy())
	require.True(t, stream.IsDestroyed())
	require.NoError(t, stream.Destroy())
}

func TestCallbacks(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	stream := newTestStream(t, ctx)
	var mu sync.Mutex
	var order []int
	appendFn := func(i int) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		}
	}
	require.NoError(t, stream.AddCallback(appendFn(1)))
	require.NoError(t, stream.Launch(capture(m.Function("sleep")).Test(t), single, sleepArgs(10*time.Millisecond)))
	require.NoError(t, stream.AddCallback(appendFn(2)))
	require.NoError(t, stream.AddCallback(appendFn(3)))
	require.NoError(t, stream.Synchronize())
	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
}

func TestStreamDestroy(t *testing.T) {
	ctx := newTestContext(t)
	stream := capture(ctx.NewStream().Done()).Test(t)
	require.Equal(t, 1, ctx.LiveResources().Streams)
	require.NoError(t, stream.Destroy())
	require.NoError(t, stream.Destroy())
	require.Zero(t, ctx.LiveResources().Streams)
	require.ErrorIs(t, stream.Synchronize(), ErrInvalidHandle)
	_, err := stream.IsComplete()
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.ErrorIs(t, stream.AddCallback(func() {}), ErrInvalidHandle)
}
