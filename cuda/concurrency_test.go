package cuda

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestConcurrentStreams runs independent pipelines from several goroutines sharing one context.
func TestConcurrentStreams(t *testing.T) {
	ctx := newTestContext(t)
	m := loadBuiltinModule(t, ctx)
	fill := capture(m.Function("fill_u32")).Test(t)
	add := capture(m.Function("add_u32")).Test(t)

	const numWorkers, n = 8, 4096
	var g errgroup.Group
	results := make([][]uint32, numWorkers)
	for worker := range numWorkers {
		g.Go(func() (err error) {
			stream, err := ctx.NewStream().Done()
			if err != nil {
				return err
			}
			defer func() {
				if destroyErr := stream.Destroy(); err == nil {
					err = destroyErr
				}
			}()
			buf, err := Allocate[uint32](ctx, n)
			if err != nil {
				return err
			}
			defer func() {
				if freeErr := buf.Free(); err == nil {
					err = freeErr
				}
			}()
			launch := LinearLaunch(n, 256)
			if err = stream.Launch(fill, launch, Args().Buffer(buf).Uint32(n).Uint32(uint32(worker))); err != nil {
				return err
			}
			for range 10 {
				if err = stream.Launch(add, launch, Args().Buffer(buf).Uint32(n).Uint32(1)); err != nil {
					return err
				}
			}
			results[worker] = make([]uint32, n)
			if err = CopyToHostAsync[uint32](stream, results[worker], buf); err != nil {
				return err
			}
			return stream.Synchronize()
		})
	}
	require.NoError(t, g.Wait())
	for worker, result := range results {
		require.Equal(t, uint32(worker+10), result[0])
		require.Equal(t, uint32(worker+10), result[n-1])
	}
	require.Zero(t, ctx.LiveResources().Total()-ctx.LiveResources().Modules)
}
