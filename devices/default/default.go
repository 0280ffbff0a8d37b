// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default device drivers, namely the emulated one and CUDA.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/accel/devices/default"
//
// If you add the tag `nocuda` it will not include CUDA. CUDA only registers itself if a device is
// available, in which case it is the default when ACCEL_DEVICE is not set (driver packages are
// initialized in import path order). Otherwise the emulated driver is the default.
package _default

import (
	_ "github.com/gomlx/accel/devices/emulated"
)
