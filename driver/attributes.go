package driver

import "strconv"

// DeviceAttribute identifies a device property, with CUDA's CUdevice_attribute numbering.
type DeviceAttribute int32

const (
	AttrMaxThreadsPerBlock        DeviceAttribute = 1
	AttrMaxBlockDimX              DeviceAttribute = 2
	AttrMaxBlockDimY              DeviceAttribute = 3
	AttrMaxBlockDimZ              DeviceAttribute = 4
	AttrMaxGridDimX               DeviceAttribute = 5
	AttrMaxGridDimY               DeviceAttribute = 6
	AttrMaxGridDimZ               DeviceAttribute = 7
	AttrMaxSharedMemoryPerBlock   DeviceAttribute = 8
	AttrTotalConstantMemory       DeviceAttribute = 9
	AttrWarpSize                  DeviceAttribute = 10
	AttrClockRate                 DeviceAttribute = 13
	AttrMultiprocessorCount       DeviceAttribute = 16
	AttrConcurrentKernels         DeviceAttribute = 31
	AttrComputeCapabilityMajor    DeviceAttribute = 75
	AttrComputeCapabilityMinor    DeviceAttribute = 76
	AttrMaxThreadsPerMultiproc    DeviceAttribute = 39
	AttrUnifiedAddressing         DeviceAttribute = 41
	AttrMaxRegistersPerBlock      DeviceAttribute = 12
	AttrGlobalMemoryBusWidth      DeviceAttribute = 37
	AttrL2CacheSize               DeviceAttribute = 38
	AttrStreamPrioritiesSupport   DeviceAttribute = 78
	AttrMaxSharedMemoryPerSMOptIn DeviceAttribute = 97
)

var deviceAttributeNames = map[DeviceAttribute]string{
	AttrMaxThreadsPerBlock:        "MaxThreadsPerBlock",
	AttrMaxBlockDimX:              "MaxBlockDimX",
	AttrMaxBlockDimY:              "MaxBlockDimY",
	AttrMaxBlockDimZ:              "MaxBlockDimZ",
	AttrMaxGridDimX:               "MaxGridDimX",
	AttrMaxGridDimY:               "MaxGridDimY",
	AttrMaxGridDimZ:               "MaxGridDimZ",
	AttrMaxSharedMemoryPerBlock:   "MaxSharedMemoryPerBlock",
	AttrTotalConstantMemory:       "TotalConstantMemory",
	AttrWarpSize:                  "WarpSize",
	AttrClockRate:                 "ClockRate",
	AttrMultiprocessorCount:       "MultiprocessorCount",
	AttrConcurrentKernels:         "ConcurrentKernels",
	AttrComputeCapabilityMajor:    "ComputeCapabilityMajor",
	AttrComputeCapabilityMinor:    "ComputeCapabilityMinor",
	AttrMaxThreadsPerMultiproc:    "MaxThreadsPerMultiprocessor",
	AttrUnifiedAddressing:         "UnifiedAddressing",
	AttrMaxRegistersPerBlock:      "MaxRegistersPerBlock",
	AttrGlobalMemoryBusWidth:      "GlobalMemoryBusWidth",
	AttrL2CacheSize:               "L2CacheSize",
	AttrStreamPrioritiesSupport:   "StreamPrioritiesSupported",
	AttrMaxSharedMemoryPerSMOptIn: "MaxSharedMemoryPerBlockOptin",
}

func (a DeviceAttribute) String() string {
	if name, ok := deviceAttributeNames[a]; ok {
		return name
	}
	return "DeviceAttribute(" + strconv.Itoa(int(a)) + ")"
}

// ContextFlags are passed on context creation. The scheduling flags are mutually exclusive.
type ContextFlags uint32

const (
	// CtxSchedAuto lets the driver pick a scheduling heuristic based on the number of active contexts
	// and logical processors.
	CtxSchedAuto ContextFlags = 0x00

	// CtxSchedSpin makes the host thread spin while waiting for results from the GPU.
	CtxSchedSpin ContextFlags = 0x01

	// CtxSchedYield makes the host thread yield while waiting for results from the GPU.
	CtxSchedYield ContextFlags = 0x02

	// CtxSchedBlockingSync blocks the host thread on a synchronization primitive while waiting.
	CtxSchedBlockingSync ContextFlags = 0x04

	// CtxMapHost enables mapping page-locked host memory into the device address space.
	CtxMapHost ContextFlags = 0x08

	// CtxLmemResizeToMax keeps local memory allocations after resizing it for a kernel launch.
	CtxLmemResizeToMax ContextFlags = 0x10

	CtxSchedMask ContextFlags = 0x07
	CtxFlagsMask ContextFlags = 0x1f
)

// Limit identifies a per-context resource limit.
type Limit int32

const (
	LimitStackSize                    Limit = 0
	LimitPrintfFifoSize               Limit = 1
	LimitMallocHeapSize               Limit = 2
	LimitDevRuntimeSyncDepth          Limit = 3
	LimitDevRuntimePendingLaunchCount Limit = 4
	LimitMaxL2FetchGranularity        Limit = 5
)

// CacheConfig is the preferred split between L1 cache and shared memory.
type CacheConfig int32

const (
	CachePreferNone   CacheConfig = 0
	CachePreferShared CacheConfig = 1
	CachePreferL1     CacheConfig = 2
	CachePreferEqual  CacheConfig = 3
)

// SharedMemConfig is the shared memory bank size configuration.
type SharedMemConfig int32

const (
	SharedMemDefaultBankSize   SharedMemConfig = 0
	SharedMemFourByteBankSize  SharedMemConfig = 1
	SharedMemEightByteBankSize SharedMemConfig = 2
)

// StreamFlags are passed on stream creation.
type StreamFlags uint32

const (
	StreamDefault StreamFlags = 0

	// StreamNonBlocking streams do not synchronize with the legacy default stream.
	StreamNonBlocking StreamFlags = 1
)

// EventFlags are passed on event creation.
type EventFlags uint32

const (
	EventDefault       EventFlags = 0
	EventBlockingSync  EventFlags = 1
	EventDisableTiming EventFlags = 2
	EventInterprocess  EventFlags = 4
)

// FunctionAttribute identifies a kernel property.
type FunctionAttribute int32

const (
	FuncMaxThreadsPerBlock FunctionAttribute = 0
	FuncSharedSizeBytes    FunctionAttribute = 1
	FuncConstSizeBytes     FunctionAttribute = 2
	FuncLocalSizeBytes     FunctionAttribute = 3
	FuncNumRegs            FunctionAttribute = 4
	FuncPTXVersion         FunctionAttribute = 5
	FuncBinaryVersion      FunctionAttribute = 6
)
