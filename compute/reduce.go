// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"runtime"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
)

// Sum returns the sum of the elements of x, or 0 if it's empty.
//
// On the device it reduces one block of ThreadsPerBlock elements per pass, until a single partial sum is left,
// which is copied to the host.
func (b *Backend[T]) Sum(x *Buffer[T]) T {
	n := b.own(x).length
	if n == 0 {
		return 0
	}
	if b.hostOnly {
		var sum T
		x.ConstData(func(flat []T) { sum = hostSum(flat) })
		return sum
	}
	partial := b.sumPass(x.DeviceHandle(), n)
	runtime.KeepAlive(x)
	for partial.Len() > 1 {
		next := b.sumPass(partial.DeviceHandle(), partial.Len())
		partial.Finalize()
		partial = next
	}
	defer partial.Finalize()
	return partial.Value(0)
}

// sumPass returns the partial sums of each block of n elements starting at x.
func (b *Backend[T]) sumPass(x devices.Ptr, n int) *Buffer[T] {
	partial := b.newResult(numBlocks(n, ThreadsPerBlock))
	b.routines.dispatch("Sum_V", n, b.desc.Bytes(ThreadsPerBlock), int32Arg(n), x, partial.s.outputHandle())
	partial.MarkDeviceModified()
	return partial
}

// Dot returns the inner product of x and y, which must have the same length.
func (b *Backend[T]) Dot(x, y *Buffer[T]) T {
	xs, ys := b.own(x), b.own(y)
	if xs.length != ys.length {
		panicf(ErrShape, "Dot of buffers of different lengths %d and %d", xs.length, ys.length)
	}
	if xs.length == 0 {
		return 0
	}
	products := b.Mul(x, y)
	defer products.Finalize()
	return b.Sum(products)
}

// argExtreme scans the host values of x, which must not be empty.
func (b *Backend[T]) argExtreme(op string, x *Buffer[T], better func(a, b T) bool) (idx int, value T) {
	if b.own(x).length == 0 {
		panicf(ErrShape, "%s of an empty buffer", op)
	}
	x.ConstData(func(flat []T) {
		idx = hostArgExtreme(flat, better)
		value = flat[idx]
	})
	return
}

func greater[T elements.Type](a, b T) bool { return a > b }
func less[T elements.Type](a, b T) bool    { return a < b }

// MaxIndex returns the index of the largest element of x. The first one is returned on ties.
// It always runs on the host, and panics with ErrShape if x is empty.
func (b *Backend[T]) MaxIndex(x *Buffer[T]) int {
	idx, _ := b.argExtreme("MaxIndex", x, greater[T])
	return idx
}

// MinIndex returns the index of the smallest element of x. The first one is returned on ties.
// It always runs on the host, and panics with ErrShape if x is empty.
func (b *Backend[T]) MinIndex(x *Buffer[T]) int {
	idx, _ := b.argExtreme("MinIndex", x, less[T])
	return idx
}

// Max returns the largest element of x. It panics with ErrShape if x is empty.
func (b *Backend[T]) Max(x *Buffer[T]) T {
	_, value := b.argExtreme("Max", x, greater[T])
	return value
}

// Min returns the smallest element of x. It panics with ErrShape if x is empty.
func (b *Backend[T]) Min(x *Buffer[T]) T {
	_, value := b.argExtreme("Min", x, less[T])
	return value
}
