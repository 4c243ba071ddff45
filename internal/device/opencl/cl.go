package opencl

// OpenCL 1.2 bindings via purego.
// No cgo required: libOpenCL is loaded at runtime through dlopen, so binaries
// build and run on machines without an ICD loader and simply skip this backend.

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// clError is a negative cl_int status code.
type clError int32

const clSuccess clError = 0

var errorNames = map[clError]string{
	-1:  "DEVICE_NOT_FOUND",
	-2:  "DEVICE_NOT_AVAILABLE",
	-3:  "COMPILER_NOT_AVAILABLE",
	-4:  "MEM_OBJECT_ALLOCATION_FAILURE",
	-5:  "OUT_OF_RESOURCES",
	-6:  "OUT_OF_HOST_MEMORY",
	-7:  "PROFILING_INFO_NOT_AVAILABLE",
	-11: "BUILD_PROGRAM_FAILURE",
	-30: "INVALID_VALUE",
	-31: "INVALID_DEVICE_TYPE",
	-32: "INVALID_PLATFORM",
	-33: "INVALID_DEVICE",
	-34: "INVALID_CONTEXT",
	-35: "INVALID_QUEUE_PROPERTIES",
	-36: "INVALID_COMMAND_QUEUE",
	-37: "INVALID_HOST_PTR",
	-38: "INVALID_MEM_OBJECT",
	-42: "INVALID_BINARY",
	-43: "INVALID_BUILD_OPTIONS",
	-44: "INVALID_PROGRAM",
	-45: "INVALID_PROGRAM_EXECUTABLE",
	-46: "INVALID_KERNEL_NAME",
	-47: "INVALID_KERNEL_DEFINITION",
	-48: "INVALID_KERNEL",
	-49: "INVALID_ARG_INDEX",
	-50: "INVALID_ARG_VALUE",
	-51: "INVALID_ARG_SIZE",
	-52: "INVALID_KERNEL_ARGS",
	-53: "INVALID_WORK_DIMENSION",
	-54: "INVALID_WORK_GROUP_SIZE",
	-55: "INVALID_WORK_ITEM_SIZE",
	-56: "INVALID_GLOBAL_OFFSET",
	-58: "INVALID_EVENT",
	-61: "INVALID_BUFFER_SIZE",
	-63: "INVALID_GLOBAL_WORK_SIZE",
}

func (e clError) Error() string {
	if e == clSuccess {
		return "CL_SUCCESS"
	}
	if name, ok := errorNames[e]; ok {
		return fmt.Sprintf("CL_%s (%d)", name, int32(e))
	}
	return fmt.Sprintf("CL_ERROR(%d)", int32(e))
}

// check converts a status code into an error naming the failed call.
func check(r int32, op string) error {
	if clError(r) == clSuccess {
		return nil
	}
	return fmt.Errorf("%s: %w", op, clError(r))
}

const (
	clDeviceTypeGPU         = 1 << 2
	clDeviceTypeAccelerator = 1 << 3
	clDeviceTypeAll         = 0xFFFFFFFF

	clDeviceName             = 0x102B
	clDeviceMaxWorkGroupSize = 0x1004
	clPlatformName           = 0x0902

	clQueueProfilingEnable = 1 << 1
	clMemReadWrite         = 1 << 0
	clTrue                 = 1

	clProgramBuildLog = 0x1183

	clProfilingCommandStart = 0x1282
	clProfilingCommandEnd   = 0x1283

	clEventCommandExecutionStatus = 0x11D3
	clComplete                    = 0
)

var ErrUnavailable = errors.New("OpenCL runtime unavailable")

var (
	libOnce sync.Once
	libErr  error

	clGetPlatformIDs      func(numEntries uint32, platforms *uintptr, numPlatforms *uint32) int32
	clGetPlatformInfo     func(platform uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clGetDeviceIDs        func(platform uintptr, deviceType uint64, numEntries uint32, devices *uintptr, numDevices *uint32) int32
	clGetDeviceInfo       func(dev uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clCreateContext       func(props *uintptr, numDevices uint32, devices *uintptr, notify uintptr, userData uintptr, errcode *int32) uintptr
	clReleaseContext      func(ctx uintptr) int32
	clCreateCommandQueue  func(ctx uintptr, dev uintptr, props uint64, errcode *int32) uintptr
	clReleaseCommandQueue func(q uintptr) int32
	clFinish              func(q uintptr) int32
	clFlush               func(q uintptr) int32

	clCreateBuffer       func(ctx uintptr, flags uint64, size uintptr, hostPtr unsafe.Pointer, errcode *int32) uintptr
	clReleaseMemObject   func(mem uintptr) int32
	clEnqueueWriteBuffer func(q, mem uintptr, blocking uint32, offset, size uintptr, ptr unsafe.Pointer, numEvents uint32, waitList *uintptr, event *uintptr) int32
	clEnqueueReadBuffer  func(q, mem uintptr, blocking uint32, offset, size uintptr, ptr unsafe.Pointer, numEvents uint32, waitList *uintptr, event *uintptr) int32

	clCreateProgramWithSource func(ctx uintptr, count uint32, sources **byte, lengths *uintptr, errcode *int32) uintptr
	clBuildProgram            func(prog uintptr, numDevices uint32, devices *uintptr, options *byte, notify uintptr, userData uintptr) int32
	clGetProgramBuildInfo     func(prog, dev uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clReleaseProgram          func(prog uintptr) int32
	clCreateKernel            func(prog uintptr, name *byte, errcode *int32) uintptr
	clReleaseKernel           func(k uintptr) int32
	clSetKernelArg            func(k uintptr, index uint32, size uintptr, value unsafe.Pointer) int32
	clEnqueueNDRangeKernel    func(q, k uintptr, workDim uint32, offset, global, local *uintptr, numEvents uint32, waitList *uintptr, event *uintptr) int32

	clGetEventProfilingInfo func(ev uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clGetEventInfo          func(ev uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clWaitForEvents         func(numEvents uint32, events *uintptr) int32
	clReleaseEvent          func(ev uintptr) int32
)

var libraryNames = []string{"libOpenCL.so.1", "libOpenCL.so", "/System/Library/Frameworks/OpenCL.framework/OpenCL"}

// initLibrary loads the ICD loader and registers every function pointer.
func initLibrary() error {
	libOnce.Do(func() {
		var lib uintptr
		var err error
		for _, name := range libraryNames {
			lib, err = purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if err == nil {
				break
			}
		}
		if err != nil {
			libErr = fmt.Errorf("%w: cannot load libOpenCL: %v", ErrUnavailable, err)
			return
		}

		purego.RegisterLibFunc(&clGetPlatformIDs, lib, "clGetPlatformIDs")
		purego.RegisterLibFunc(&clGetPlatformInfo, lib, "clGetPlatformInfo")
		purego.RegisterLibFunc(&clGetDeviceIDs, lib, "clGetDeviceIDs")
		purego.RegisterLibFunc(&clGetDeviceInfo, lib, "clGetDeviceInfo")
		purego.RegisterLibFunc(&clCreateContext, lib, "clCreateContext")
		purego.RegisterLibFunc(&clReleaseContext, lib, "clReleaseContext")
		purego.RegisterLibFunc(&clCreateCommandQueue, lib, "clCreateCommandQueue")
		purego.RegisterLibFunc(&clReleaseCommandQueue, lib, "clReleaseCommandQueue")
		purego.RegisterLibFunc(&clFinish, lib, "clFinish")
		purego.RegisterLibFunc(&clFlush, lib, "clFlush")
		purego.RegisterLibFunc(&clCreateBuffer, lib, "clCreateBuffer")
		purego.RegisterLibFunc(&clReleaseMemObject, lib, "clReleaseMemObject")
		purego.RegisterLibFunc(&clEnqueueWriteBuffer, lib, "clEnqueueWriteBuffer")
		purego.RegisterLibFunc(&clEnqueueReadBuffer, lib, "clEnqueueReadBuffer")
		purego.RegisterLibFunc(&clCreateProgramWithSource, lib, "clCreateProgramWithSource")
		purego.RegisterLibFunc(&clBuildProgram, lib, "clBuildProgram")
		purego.RegisterLibFunc(&clGetProgramBuildInfo, lib, "clGetProgramBuildInfo")
		purego.RegisterLibFunc(&clReleaseProgram, lib, "clReleaseProgram")
		purego.RegisterLibFunc(&clCreateKernel, lib, "clCreateKernel")
		purego.RegisterLibFunc(&clReleaseKernel, lib, "clReleaseKernel")
		purego.RegisterLibFunc(&clSetKernelArg, lib, "clSetKernelArg")
		purego.RegisterLibFunc(&clEnqueueNDRangeKernel, lib, "clEnqueueNDRangeKernel")
		purego.RegisterLibFunc(&clGetEventProfilingInfo, lib, "clGetEventProfilingInfo")
		purego.RegisterLibFunc(&clGetEventInfo, lib, "clGetEventInfo")
		purego.RegisterLibFunc(&clWaitForEvents, lib, "clWaitForEvents")
		purego.RegisterLibFunc(&clReleaseEvent, lib, "clReleaseEvent")
	})
	return libErr
}

// cstr returns a NUL-terminated copy of s. Keep the slice alive across the call.
func cstr(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func gostr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func deviceString(dev uintptr, param uint32) (string, error) {
	var n uintptr
	if err := check(clGetDeviceInfo(dev, param, 0, nil, &n), "clGetDeviceInfo"); err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := check(clGetDeviceInfo(dev, param, n, unsafe.Pointer(&buf[0]), nil), "clGetDeviceInfo"); err != nil {
		return "", err
	}
	return gostr(buf), nil
}

func platformString(p uintptr, param uint32) string {
	var n uintptr
	if clGetPlatformInfo(p, param, 0, nil, &n) != 0 || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if clGetPlatformInfo(p, param, n, unsafe.Pointer(&buf[0]), nil) != 0 {
		return ""
	}
	return gostr(buf)
}

// devicesOfType lists devices of the given type across every platform.
func devicesOfType(deviceType uint64) ([]uintptr, []uintptr, error) {
	var np uint32
	if err := check(clGetPlatformIDs(0, nil, &np), "clGetPlatformIDs"); err != nil {
		return nil, nil, err
	}
	if np == 0 {
		return nil, nil, nil
	}
	platforms := make([]uintptr, np)
	if err := check(clGetPlatformIDs(np, &platforms[0], nil), "clGetPlatformIDs"); err != nil {
		return nil, nil, err
	}
	var devs, owners []uintptr
	for _, p := range platforms {
		var nd uint32
		// DEVICE_NOT_FOUND just means this platform has none of the type.
		if clGetDeviceIDs(p, deviceType, 0, nil, &nd) != 0 || nd == 0 {
			continue
		}
		ids := make([]uintptr, nd)
		if err := check(clGetDeviceIDs(p, deviceType, nd, &ids[0], nil), "clGetDeviceIDs"); err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			devs = append(devs, id)
			owners = append(owners, p)
		}
	}
	return devs, owners, nil
}
