// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emulated

import (
	"unsafe"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
)

// bytesOfWords returns the memory of words as bytes, without copying.
func bytesOfWords(words []uint64) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
}

// view returns n elements of type T of device memory starting at ptr.
// If n == 0 it returns nil without checking ptr.
func view[T elements.Type](ctx *Context, ptr devices.Ptr, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	bytes := elements.Of[T]().Bytes(n)
	mem, err := ctx.resolveLocked(ptr, bytes)
	if err != nil {
		return nil, err
	}
	return elements.FromBytes[T](mem[:bytes]), nil
}

// viewToEnd returns all the elements of type T from ptr to the end of its allocation.
func viewToEnd[T elements.Type](ctx *Context, ptr devices.Ptr) ([]T, error) {
	mem, err := ctx.resolveLocked(ptr, 0)
	if err != nil {
		return nil, err
	}
	width := elements.Of[T]().Width
	return elements.FromBytes[T](mem[:len(mem)/width*width]), nil
}
