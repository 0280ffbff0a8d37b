// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/accel/devices"
	"github.com/pkg/errors"
)

// result is the CUresult returned by the driver API.
type result int32

const (
	cudaSuccess result = 0
)

var resultNames = map[result]string{
	1: "INVALID_VALUE", 2: "OUT_OF_MEMORY", 3: "NOT_INITIALIZED", 4: "DEINITIALIZED",
	100: "NO_DEVICE", 101: "INVALID_DEVICE", 200: "INVALID_IMAGE", 201: "INVALID_CONTEXT",
	209: "NO_BINARY_FOR_GPU", 218: "INVALID_PTX", 300: "INVALID_SOURCE", 400: "INVALID_HANDLE",
	500: "NOT_FOUND", 600: "NOT_READY", 700: "ILLEGAL_ADDRESS", 701: "LAUNCH_OUT_OF_RESOURCES",
	702: "LAUNCH_TIMEOUT", 719: "LAUNCH_FAILED",
}

// Error implements error.
func (r result) Error() string {
	if name, found := resultNames[r]; found {
		return fmt.Sprintf("CUDA_ERROR_%s (%d)", name, int32(r))
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// check converts a driver result to an error.
func check(r result, op string) error {
	if r != cudaSuccess {
		return errors.Wrap(r, op)
	}
	return nil
}

// Device attributes queried.
const (
	attrMaxThreadsPerBlock     = 1
	attrMultiprocessorCount    = 16
	attrComputeCapabilityMajor = 75
	attrComputeCapabilityMinor = 76
)

// Driver API functions, bound by loadDriver.
var (
	loadDriverOnce sync.Once
	loadDriverErr  error

	cuInit               func(flags uint32) result
	cuDeviceGetCount     func(count *int32) result
	cuDeviceGet          func(device *int32, ordinal int32) result
	cuDeviceGetName      func(name *byte, length int32, device int32) result
	cuDeviceGetAttribute func(value *int32, attribute int32, device int32) result
	cuDeviceTotalMem     func(bytes *uint64, device int32) result

	cuCtxCreate      func(ctx *uintptr, flags uint32, device int32) result
	cuCtxDestroy     func(ctx uintptr) result
	cuCtxSetCurrent  func(ctx uintptr) result
	cuCtxSynchronize func() result

	cuMemAlloc   func(ptr *uintptr, bytes uint64) result
	cuMemFree    func(ptr uintptr) result
	cuMemcpyHtoD func(dst uintptr, src unsafe.Pointer, bytes uint64) result
	cuMemcpyDtoH func(dst unsafe.Pointer, src uintptr, bytes uint64) result
	cuMemcpyDtoD func(dst uintptr, src uintptr, bytes uint64) result

	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) result
	cuModuleGetFunction func(function *uintptr, module uintptr, name *byte) result
	cuModuleUnload      func(module uintptr) result
	cuLaunchKernel      func(function uintptr,
		gridX, gridY, gridZ uint32,
		blockX, blockY, blockZ uint32,
		sharedMemBytes uint32, stream uintptr,
		params unsafe.Pointer, extra unsafe.Pointer) result
)

// dlopen tries each of the library names in order.
func dlopen(names ...string) (uintptr, error) {
	var err error
	for _, name := range names {
		var lib uintptr
		lib, err = purego.Dlopen(name, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err == nil {
			return lib, nil
		}
	}
	return 0, errors.Wrapf(devices.ErrConfiguration, "cannot load any of %v: %v", names, err)
}

// binding of a library symbol to a Go function pointer.
type binding struct {
	fptr any
	name string
}

// bind registers the symbols from lib. Unlike purego.RegisterLibFunc, a missing symbol is returned as an error.
func bind(lib uintptr, bindings []binding) error {
	for _, b := range bindings {
		sym, err := purego.Dlsym(lib, b.name)
		if err != nil {
			return errors.Wrapf(devices.ErrConfiguration, "symbol %q not found: %v", b.name, err)
		}
		purego.RegisterFunc(b.fptr, sym)
	}
	return nil
}

// loadDriver loads libcuda and initializes the driver API.
func loadDriver() error {
	loadDriverOnce.Do(func() {
		var lib uintptr
		lib, loadDriverErr = dlopen("libcuda.so.1", "libcuda.so")
		if loadDriverErr != nil {
			loadDriverErr = errors.WithMessage(loadDriverErr, "is the NVIDIA driver installed?")
			return
		}
		loadDriverErr = bind(lib, []binding{
			{&cuInit, "cuInit"},
			{&cuDeviceGetCount, "cuDeviceGetCount"},
			{&cuDeviceGet, "cuDeviceGet"},
			{&cuDeviceGetName, "cuDeviceGetName"},
			{&cuDeviceGetAttribute, "cuDeviceGetAttribute"},
			{&cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
			{&cuCtxCreate, "cuCtxCreate_v2"},
			{&cuCtxDestroy, "cuCtxDestroy_v2"},
			{&cuCtxSetCurrent, "cuCtxSetCurrent"},
			{&cuCtxSynchronize, "cuCtxSynchronize"},
			{&cuMemAlloc, "cuMemAlloc_v2"},
			{&cuMemFree, "cuMemFree_v2"},
			{&cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
			{&cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
			{&cuMemcpyDtoD, "cuMemcpyDtoD_v2"},
			{&cuModuleLoadData, "cuModuleLoadData"},
			{&cuModuleGetFunction, "cuModuleGetFunction"},
			{&cuModuleUnload, "cuModuleUnload"},
			{&cuLaunchKernel, "cuLaunchKernel"},
		})
		if loadDriverErr != nil {
			return
		}
		if err := check(cuInit(0), "cuInit"); err != nil {
			loadDriverErr = errors.Wrapf(devices.ErrConfiguration, "%v", err)
		}
	})
	return loadDriverErr
}

// NumDevices returns the number of CUDA devices available.
func NumDevices() (int, error) {
	if err := loadDriver(); err != nil {
		return 0, err
	}
	var count int32
	if err := check(cuDeviceGetCount(&count), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(count), nil
}

// cString returns a NUL terminated copy of s.
func cString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

// goString converts a NUL terminated buffer to a string.
func goString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
