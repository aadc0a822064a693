package cuda

// Common initialization and testing tools for all test files.

import (
	"flag"
	"fmt"
	"strings"
	"testing"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/dtypes"
	_ "github.com/gomlx/gocuda/nvdriver"
	"github.com/gomlx/gocuda/simdriver"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagDriver = flag.String("driver", "sim", "driver to test on: \"sim\" for the simulator, \"cuda\" for the NVIDIA driver")

func init() {
	klog.InitFlags(nil)
	driver.Register("sim-nogpu", simdriver.NewFactory(driver.Options{"devices": 0}))
	driver.Register("sim-tiny", simdriver.NewFactory(driver.Options{"memory": 1 << 20, "name": "Tiny GPU"}))
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// getRuntime loads the driver selected by -driver.
func getRuntime(t *testing.T) *Runtime {
	rt, err := Load(*flagDriver, nil)
	require.NoError(t, err, "Failed to load driver %q", *flagDriver)
	return rt
}

func isSimulator(rt *Runtime) bool {
	return strings.HasPrefix(rt.Name(), "sim")
}

// newTestContext creates a context on the first device, not current, and destroys it when the test ends.
func newTestContext(t *testing.T) *Context {
	rt := getRuntime(t)
	if capture(rt.DeviceCount()).Test(t) == 0 {
		t.Skipf("No devices for %s", rt)
	}
	device := capture(rt.Device(0)).Test(t)
	ctx, guard, err := device.CreateContext(CtxSchedAuto)
	require.NoErrorf(t, err, "Failed to create context on %s", device)
	guard.Pop()
	fmt.Printf("Created %s\n", ctx)
	t.Cleanup(func() {
		require.NoError(t, ctx.Destroy())
	})
	return ctx
}

// loadBuiltinModule loads the simulator's built-in kernels, and skips the test on other drivers.
func loadBuiltinModule(t *testing.T, ctx *Context) *Module {
	if !isSimulator(ctx.Device().Runtime()) {
		t.Skipf("Test requires the simulator's built-in kernels, driver is %s", ctx.Device().Runtime())
	}
	m := capture(ctx.LoadModule(simdriver.BuiltinImage())).Test(t)
	t.Cleanup(func() {
		require.NoError(t, m.Unload())
	})
	return m
}

func newTestStream(t *testing.T, ctx *Context) *Stream {
	stream := capture(ctx.NewStream().Done()).Test(t)
	t.Cleanup(func() {
		require.NoError(t, stream.Destroy())
	})
	return stream
}

func newTestBuffer[T dtypes.Supported](t *testing.T, ctx *Context, count uint64) *DeviceBuffer[T] {
	buf := capture(Allocate[T](ctx, count)).Test(t)
	t.Cleanup(func() {
		require.NoError(t, buf.Free())
	})
	return buf
}
