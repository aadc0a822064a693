package driver

import "fmt"

// Result is the status code returned by every driver call. It uses the CUDA driver API numbering,
// so codes returned by the native library can be used directly.
type Result int32

const (
	Success                    Result = 0
	ErrorInvalidValue          Result = 1
	ErrorOutOfMemory           Result = 2
	ErrorNotInitialized        Result = 3
	ErrorDeinitialized         Result = 4
	ErrorNoDevice              Result = 100
	ErrorInvalidDevice         Result = 101
	ErrorInvalidImage          Result = 200
	ErrorInvalidContext        Result = 201
	ErrorContextAlreadyCurrent Result = 202
	ErrorNoBinaryForGPU        Result = 209
	ErrorContextAlreadyInUse   Result = 216
	ErrorInvalidPTX            Result = 218
	ErrorInvalidSource         Result = 300
	ErrorFileNotFound          Result = 301
	ErrorInvalidHandle         Result = 400
	ErrorNotFound              Result = 500
	ErrorNotReady              Result = 600
	ErrorIllegalAddress        Result = 700
	ErrorLaunchOutOfResources  Result = 701
	ErrorLaunchTimeout         Result = 702
	ErrorContextIsDestroyed    Result = 709
	ErrorAssert                Result = 710
	ErrorLaunchFailed          Result = 719
	ErrorNotPermitted          Result = 800
	ErrorNotSupported          Result = 801
	ErrorUnknown               Result = 999
)

var resultNames = map[Result]string{
	Success:                    "CUDA_SUCCESS",
	ErrorInvalidValue:          "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:           "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:        "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:         "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:              "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:         "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:          "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext:        "CUDA_ERROR_INVALID_CONTEXT",
	ErrorContextAlreadyCurrent: "CUDA_ERROR_CONTEXT_ALREADY_CURRENT",
	ErrorNoBinaryForGPU:        "CUDA_ERROR_NO_BINARY_FOR_GPU",
	ErrorContextAlreadyInUse:   "CUDA_ERROR_CONTEXT_ALREADY_IN_USE",
	ErrorInvalidPTX:            "CUDA_ERROR_INVALID_PTX",
	ErrorInvalidSource:         "CUDA_ERROR_INVALID_SOURCE",
	ErrorFileNotFound:          "CUDA_ERROR_FILE_NOT_FOUND",
	ErrorInvalidHandle:         "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:              "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:              "CUDA_ERROR_NOT_READY",
	ErrorIllegalAddress:        "CUDA_ERROR_ILLEGAL_ADDRESS",
	ErrorLaunchOutOfResources:  "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	ErrorLaunchTimeout:         "CUDA_ERROR_LAUNCH_TIMEOUT",
	ErrorContextIsDestroyed:    "CUDA_ERROR_CONTEXT_IS_DESTROYED",
	ErrorAssert:                "CUDA_ERROR_ASSERT",
	ErrorLaunchFailed:          "CUDA_ERROR_LAUNCH_FAILED",
	ErrorNotPermitted:          "CUDA_ERROR_NOT_PERMITTED",
	ErrorNotSupported:          "CUDA_ERROR_NOT_SUPPORTED",
	ErrorUnknown:               "CUDA_ERROR_UNKNOWN",
}

// Name returns the symbolic name of the code, e.g. "CUDA_ERROR_OUT_OF_MEMORY".
func (r Result) Name() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// String implements fmt.Stringer.
func (r Result) String() string {
	return fmt.Sprintf("%s (%d)", r.Name(), int32(r))
}

// Ok returns whether the result is Success.
func (r Result) Ok() bool {
	return r == Success
}
