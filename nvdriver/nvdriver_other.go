//go:build !linux

package nvdriver

import (
	"runtime"

	"github.com/gomlx/gocuda/driver"
	"github.com/pkg/errors"
)

func init() {
	driver.Register(Name, New)
}

// New always fails: the NVIDIA driver is only bound on linux.
func New(options driver.Options) (driver.Driver, error) {
	return nil, errors.Errorf("driver %q is not supported on %s/%s", Name, runtime.GOOS, runtime.GOARCH)
}
