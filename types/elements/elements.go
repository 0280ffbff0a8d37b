// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package elements describes the element types a compute backend can hold.
//
// A Descriptor is immutable and shared by every buffer of the same element type: it carries the
// dtypes.DType enumeration (from github.com/gomlx/gopjrt/dtypes) and the byte width of one element.
// It also provides the conversions between the element type and the "generic" float64
// representation used by host-side loops, and zero-copy byte views used for host<->device transfers.
package elements

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Type is the closed set of element types supported by the compute backends.
type Type interface {
	constraints.Float
}

// Descriptor of an element type.
type Descriptor struct {
	// DType of the element, as enumerated by gopjrt.
	DType dtypes.DType

	// Width is the number of bytes of one element.
	Width int
}

var (
	float32Descriptor = Descriptor{DType: dtypes.Float32, Width: int(unsafe.Sizeof(float32(0)))}
	float64Descriptor = Descriptor{DType: dtypes.Float64, Width: int(unsafe.Sizeof(float64(0)))}
)

// Of returns the Descriptor for the element type T.
func Of[T Type]() Descriptor {
	var v T
	if unsafe.Sizeof(v) == 4 {
		return float32Descriptor
	}
	return float64Descriptor
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%d bytes)", d.DType, d.Width)
}

// Bytes returns the number of bytes used by n elements.
func (d Descriptor) Bytes(n int) int { return n * d.Width }

// ToFloat64 converts v to the generic float64 representation.
func ToFloat64[T Type](v T) float64 { return float64(v) }

// FromFloat64 converts the generic float64 representation to T.
func FromFloat64[T Type](v float64) T { return T(v) }

// AsBytes returns the memory of flat as a byte slice, without copying.
// The returned slice shares memory with flat, and is only valid while flat is alive.
func AsBytes[T Type](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var v T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(v)))
}

// FromBytes reinterprets data as a slice of T, without copying.
// len(data) must be a multiple of the element width, and data must be aligned to it.
func FromBytes[T Type](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var v T
	width := int(unsafe.Sizeof(v))
	if len(data)%width != 0 {
		panic(fmt.Sprintf("elements.FromBytes: %d bytes is not a multiple of the element width %d", len(data), width))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/width)
}

// RoundToHalf rounds v to the nearest value representable in IEEE 754 half precision.
// Values out of the half precision range become ±Inf.
func RoundToHalf[T Type](v T) T {
	return T(float16.Fromfloat32(float32(v)).Float32())
}
