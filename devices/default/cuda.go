// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux && !nocuda

// CUDA is only supported on linux, loading its libraries at runtime.

package _default

import _ "github.com/gomlx/accel/devices/cuda"
