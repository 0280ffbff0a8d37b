// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	loadNVRTCOnce sync.Once
	loadNVRTCErr  error

	nvrtcCreateProgram func(prog *uintptr, src *byte, name *byte,
		numHeaders int32, headers unsafe.Pointer, includeNames unsafe.Pointer) int32
	nvrtcCompileProgram    func(prog uintptr, numOptions int32, options unsafe.Pointer) int32
	nvrtcGetPTXSize        func(prog uintptr, size *uint64) int32
	nvrtcGetPTX            func(prog uintptr, ptx *byte) int32
	nvrtcGetProgramLogSize func(prog uintptr, size *uint64) int32
	nvrtcGetProgramLog     func(prog uintptr, log *byte) int32
	nvrtcDestroyProgram    func(prog *uintptr) int32
)

func loadNVRTC() error {
	loadNVRTCOnce.Do(func() {
		var lib uintptr
		lib, loadNVRTCErr = dlopen("libnvrtc.so.12", "libnvrtc.so.11.2", "libnvrtc.so")
		if loadNVRTCErr != nil {
			return
		}
		loadNVRTCErr = bind(lib, []binding{
			{&nvrtcCreateProgram, "nvrtcCreateProgram"},
			{&nvrtcCompileProgram, "nvrtcCompileProgram"},
			{&nvrtcGetPTXSize, "nvrtcGetPTXSize"},
			{&nvrtcGetPTX, "nvrtcGetPTX"},
			{&nvrtcGetProgramLogSize, "nvrtcGetProgramLogSize"},
			{&nvrtcGetProgramLog, "nvrtcGetProgramLog"},
			{&nvrtcDestroyProgram, "nvrtcDestroyProgram"},
		})
	})
	return loadNVRTCErr
}

// compile the CUDA C source to PTX. It returns the PTX NUL terminated, ready for cuModuleLoadData.
func compile(name, source string, options []string) ([]byte, error) {
	if err := loadNVRTC(); err != nil {
		return nil, err
	}
	var prog uintptr
	if status := nvrtcCreateProgram(&prog, cString(source), cString(name), 0, nil, nil); status != 0 {
		return nil, errors.Errorf("nvrtcCreateProgram(%q) failed with status %d", name, status)
	}
	defer nvrtcDestroyProgram(&prog)

	cOptions := make([]*byte, len(options))
	var pinner runtime.Pinner
	defer pinner.Unpin()
	for i, option := range options {
		cOptions[i] = cString(option)
		pinner.Pin(cOptions[i])
	}
	var optionsPtr unsafe.Pointer
	if len(cOptions) > 0 {
		pinner.Pin(&cOptions[0])
		optionsPtr = unsafe.Pointer(&cOptions[0])
	}
	if status := nvrtcCompileProgram(prog, int32(len(cOptions)), optionsPtr); status != 0 {
		return nil, errors.Errorf("compiling %q with options %v failed with status %d:\n%s", name, options, status, programLog(prog))
	}

	var size uint64
	if status := nvrtcGetPTXSize(prog, &size); status != 0 || size == 0 {
		return nil, errors.Errorf("nvrtcGetPTXSize(%q) failed with status %d", name, status)
	}
	ptx := make([]byte, size)
	if status := nvrtcGetPTX(prog, &ptx[0]); status != 0 {
		return nil, errors.Errorf("nvrtcGetPTX(%q) failed with status %d", name, status)
	}
	return ptx, nil
}

func programLog(prog uintptr) string {
	var size uint64
	if nvrtcGetProgramLogSize(prog, &size) != 0 || size <= 1 {
		return "(no compilation log)"
	}
	log := make([]byte, size)
	if nvrtcGetProgramLog(prog, &log[0]) != 0 {
		return "(failed to retrieve compilation log)"
	}
	return goString(log)
}

// archOption is the NVRTC option selecting the virtual architecture of the device.
func archOption(major, minor int) string {
	return fmt.Sprintf("--gpu-architecture=compute_%d%d", major, minor)
}
