// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cuda implements a device driver for NVIDIA GPUs.
//
// It doesn't require cgo: libcuda (the driver API), libnvrtc (the runtime compiler) and libcublas
// are loaded at runtime with github.com/ebitengine/purego. If any of them can't be found, creating
// a context fails with an error wrapping devices.ErrConfiguration.
//
// Routines are given as CUDA C source (see devices.ModuleSource), compiled once per module with NVRTC
// for the compute capability of the device, with the element type defined by the macro `REAL`.
//
// It registers itself as the driver "cuda". It's only available on linux; it can also be excluded
// with the build tag `nocuda`.
package cuda

// DriverName used to register the CUDA driver.
const DriverName = "cuda"
