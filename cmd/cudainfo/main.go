// cudainfo lists the devices visible to a driver and optionally runs a quick self test on each of them.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gomlx/gocuda/cuda"
	"github.com/gomlx/gocuda/driver"
	_ "github.com/gomlx/gocuda/nvdriver"
	"github.com/gomlx/gocuda/simdriver"
	"github.com/janpfeifer/must"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagDriver        = flag.String("driver", "", "Driver name, e.g. \"cuda\" or \"sim\". Defaults to $GOCUDA_DRIVER, or \"cuda\".")
	flagSelfTest      = flag.Bool("selftest", false, "Run a copy and kernel round trip on every device.")
	flagSelfTestSize  = flag.Int("selftest_size", 1<<20, "Number of float32 values used by the self test.")
	flagWriteSimImage = flag.String("write_sim_image", "", "Write the simulator's built-in kernels image to the given file and exit.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `cudainfo lists the devices visible to a gocuda driver.

$ cudainfo -driver=cuda -selftest

Drivers: %q

Usage:
`, driver.Names())
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	if *flagWriteSimImage != "" {
		must.M(os.WriteFile(*flagWriteSimImage, simdriver.BuiltinImage(), 0o644))
		fmt.Printf("Wrote simulator image to %q\n", *flagWriteSimImage)
		return
	}

	var rt *cuda.Runtime
	if *flagDriver == "" {
		rt = must.M1(cuda.Default())
	} else {
		rt = must.M1(cuda.Load(*flagDriver, nil))
	}
	fmt.Printf("%s\n", rt)
	devices := must.M1(rt.Devices())
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}
	printDevices(devices)

	if *flagSelfTest {
		if err := selfTest(devices, *flagSelfTestSize); err != nil {
			klog.Fatalf("Self test failed: %+v", err)
		}
	}
}

func printDevices(devices []*cuda.Device) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "NAME", "COMPUTE", "MEMORY", "SMs", "MAX THREADS", "UUID"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, device := range devices {
		major, minor := device.ComputeCapability()
		smCount, err := device.Attribute(driver.AttrMultiprocessorCount)
		smStr := strconv.Itoa(smCount)
		if err != nil {
			klog.Warningf("Failed to query multiprocessor count of %s: %v", device, err)
			smStr = "?"
		}
		table.Append([]string{
			strconv.Itoa(device.Ordinal()),
			device.Name(),
			fmt.Sprintf("%d.%d", major, minor),
			fmt.Sprintf("%d MiB", device.TotalMemory()>>20),
			smStr,
			strconv.Itoa(int(device.Limits().MaxThreadsPerBlock)),
			device.UUID().String(),
		})
	}
	table.Render()
}

// selfTest runs deviceSelfTest on all devices in parallel.
func selfTest(devices []*cuda.Device, n int) error {
	var g errgroup.Group
	for _, device := range devices {
		g.Go(func() error {
			start := time.Now()
			if err := deviceSelfTest(device, n); err != nil {
				return errors.WithMessagef(err, "%s", device)
			}
			fmt.Printf("\t%s: ok (%s)\n", device, time.Since(start))
			return nil
		})
	}
	return g.Wait()
}

// deviceSelfTest round trips n values through the device: a synchronous copy in, an asynchronous memset
// of half of the buffer and a copy back. On the simulator it also launches a kernel that triples the values.
func deviceSelfTest(device *cuda.Device, n int) (err error) {
	ctx, guard, err := device.CreateContext(cuda.CtxSchedAuto)
	if err != nil {
		return err
	}
	guard.Pop()
	defer func() {
		if destroyErr := ctx.Destroy(); err == nil {
			err = destroyErr
		}
	}()

	host := make([]float32, n)
	for i := range host {
		host[i] = float32(i)
	}
	buf, err := cuda.AllocateFrom(ctx, host)
	if err != nil {
		return err
	}
	defer func() {
		if freeErr := buf.Free(); err == nil {
			err = freeErr
		}
	}()
	stream, err := ctx.NewStream().NonBlocking().Done()
	if err != nil {
		return err
	}
	defer func() {
		if destroyErr := stream.Destroy(); err == nil {
			err = destroyErr
		}
	}()

	half, err := buf.Slice(0, uint64(n/2))
	if err != nil {
		return err
	}
	if err = cuda.MemsetAsync(stream, half, 0); err != nil {
		return err
	}

	scale := float32(1)
	if device.Runtime().Name() == simdriver.Name {
		var m *cuda.Module
		if m, err = ctx.LoadModule(simdriver.BuiltinImage()); err != nil {
			return err
		}
		defer func() {
			if unloadErr := m.Unload(); err == nil {
				err = unloadErr
			}
		}()
		var fn *cuda.Function
		if fn, err = m.Function("saxpy_f32"); err != nil {
			return err
		}
		// y = 2*x + y, with x and y the same buffer.
		scale = 3
		args := cuda.Args().Buffer(buf).Buffer(buf).Uint32(uint32(n)).Float32(2)
		if err = stream.Launch(fn, cuda.LinearLaunch(uint64(n), 256), args); err != nil {
			return err
		}
	}

	got := make([]float32, n)
	if err = cuda.CopyToHostAsync[float32](stream, got, buf); err != nil {
		return err
	}
	if err = stream.Synchronize(); err != nil {
		return err
	}
	for i, v := range got {
		want := scale * float32(i)
		if i < n/2 {
			want = 0
		}
		if v != want {
			return errors.Errorf("value #%d: got %g, wanted %g", i, v, want)
		}
	}
	return nil
}
