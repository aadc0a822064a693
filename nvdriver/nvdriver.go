// Package nvdriver binds the NVIDIA CUDA driver library (libcuda.so) at runtime and registers it as the
// "cuda" driver.
//
// It doesn't require cgo: the library is loaded with dlopen by github.com/ebitengine/purego, so binaries
// build without the CUDA toolkit installed, and fail only when the driver is loaded on a machine without it.
//
// The library is searched in the following order:
//
//   - The path in the "library" option, or in the environment variable GOCUDA_LIBCUDA_PATH.
//   - The directories in LD_LIBRARY_PATH and in /etc/ld.so.conf (and its includes).
//   - The plain library names (libcuda.so.1, libcuda.so), resolved by the dynamic loader.
//
// Before loading, it checks that an NVIDIA GPU is present (device files /dev/nvidia*, or the output of
// nvidia-smi). To disable the check set GOCUDA_CUDA_CHECKS=0.
//
// Usage:
//
//	import _ "github.com/gomlx/gocuda/nvdriver"
//
//	rt, err := cuda.Load("cuda", nil)
package nvdriver

const (
	// Name of the driver in the driver registry.
	Name = "cuda"

	// LibraryPathEnv overrides the search for the driver library with an explicit path.
	LibraryPathEnv = "GOCUDA_LIBCUDA_PATH"

	// ChecksEnv can be set to "0", "no" or "false" to disable the check for an NVIDIA GPU before loading.
	ChecksEnv = "GOCUDA_CUDA_CHECKS"
)

// libraryNames are the names of the driver library, in order of preference.
var libraryNames = []string{"libcuda.so.1", "libcuda.so"}
