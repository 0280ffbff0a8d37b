// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/gomlx/accel/types/elements"
	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	byDType(t, testSum[float32], testSum[float64])
}

func testSum[T elements.Type](t *testing.T) {
	b, _ := newBackend[T](t)
	count := make([]T, 1000)
	for i := range count {
		count[i] = T(i + 1)
	}
	x := b.FromData(count)
	ones := b.FromData(make([]T, 70000))
	ones.MutableData(func(flat []T) {
		for i := range flat {
			flat[i] = 1
		}
	})
	forBothPaths(t, b, func(t *testing.T) {
		assert.InDelta(t, 500500.0, float64(b.Sum(x)), tolerance)
		// Three passes on the device: 70000 -> 274 -> 2 -> 1.
		assert.InDelta(t, 70000.0, float64(b.Sum(ones)), tolerance)
		assert.Equal(t, T(0), b.Sum(b.NewBuffer(0)))
		assert.Equal(t, T(7), b.Sum(b.FromData([]T{7})))

		assert.InDelta(t, 98.0, float64(b.Dot(b.FromData([]T{1, 2, 3, 4}), b.FromData([]T{2, 4, 8, 16}))), tolerance)
		assert.Equal(t, T(0), b.Dot(b.NewBuffer(0), b.NewBuffer(0)))
	})
	// 2 + 3 passes for the sums above, 1 for the single element, 1 for the dot product.
	assert.Equal(t, 7, b.RoutineLaunches()["Sum_V"])
	requirePanicsWith(t, ErrShape, func() { b.Dot(x, ones) })
}

func TestExtremes(t *testing.T) {
	byDType(t, testExtremes[float32], testExtremes[float64])
}

func testExtremes[T elements.Type](t *testing.T) {
	b, _ := newBackend[T](t)
	x := b.FromData([]T{3, -1, 7, 2})
	assert.Equal(t, 2, b.MaxIndex(x))
	assert.Equal(t, 1, b.MinIndex(x))
	assert.Equal(t, T(7), b.Max(x))
	assert.Equal(t, T(-1), b.Min(x))

	// First occurrence wins.
	ties := b.FromData([]T{5, 1, 5, 1})
	assert.Equal(t, 0, b.MaxIndex(ties))
	assert.Equal(t, 1, b.MinIndex(ties))

	// Device results are synchronized first.
	y := b.MulScalar(x, -1)
	assert.Equal(t, 2, b.MinIndex(y))
	assert.Equal(t, T(1), b.Max(y))

	empty := b.NewBuffer(0)
	requirePanicsWith(t, ErrShape, func() { b.MaxIndex(empty) })
	requirePanicsWith(t, ErrShape, func() { b.MinIndex(empty) })
	requirePanicsWith(t, ErrShape, func() { b.Max(empty) })
}
