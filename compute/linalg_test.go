// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/gomlx/accel/types/elements"
	"github.com/stretchr/testify/assert"
)

func assertView[T elements.Type](t *testing.T, wantDims []int, want []float64, got *View[T]) {
	t.Helper()
	assert.Equal(t, wantDims, got.Dimensions())
	assertValues(t, want, got.Buffer())
}

func TestMatMul(t *testing.T) {
	byDType(t, testMatMul[float32], testMatMul[float64])
}

func testMatMul[T elements.Type](t *testing.T) {
	b, _ := newBackend[T](t)
	square1 := b.ViewFromData([]T{1, 2, 3, 4}, 2, 2)
	square2 := b.ViewFromData([]T{5, 6, 7, 8}, 2, 2)
	a := b.ViewFromData([]T{1, 2, 3, 4, 5, 6}, 2, 3)
	c := b.ViewFromData([]T{7, 8, 9, 10, 11, 12}, 3, 2)
	forBothPaths(t, b, func(t *testing.T) {
		assertView(t, []int{2, 2}, []float64{19, 22, 43, 50}, b.MatMul(square1, square2))
		assertView(t, []int{2, 2}, []float64{58, 64, 139, 154}, b.MatMul(a, c))
		assertView(t, []int{3, 3}, []float64{39, 54, 69, 49, 68, 87, 59, 82, 105}, b.MatMul(c, a))
		assertView(t, []int{2, 2}, []float64{14, 32, 32, 77}, b.MatMulTransposed(a, a, false, true))
		assertView(t, []int{3, 3}, []float64{17, 22, 27, 22, 29, 36, 27, 36, 45}, b.MatMulTransposed(a, a, true, false))
		assertView(t, []int{3, 3}, []float64{39, 49, 59, 54, 68, 82, 69, 87, 105}, b.MatMulTransposed(a, c, true, true))

		// Contracting over an empty dimension yields zeros.
		zeros := b.MatMul(b.NewView(2, 0), b.NewView(0, 3))
		assert.Equal(t, []int{2, 3}, zeros.Dimensions())
		assert.Equal(t, make([]T, 6), zeros.Values())
		assert.Equal(t, 0, b.MatMul(b.NewView(0, 2), square1).Size())
	})

	requirePanicsWith(t, ErrShape, func() { b.MatMul(a, a) })
	requirePanicsWith(t, ErrShape, func() { b.MatMulTransposed(a, c, true, false) })
	requirePanicsWith(t, ErrShape, func() { b.MatMul(a.Reshape(6), c) })
}

func TestMatrixOps(t *testing.T) {
	byDType(t, testMatrixOps[float32], testMatrixOps[float64])
}

func testMatrixOps[T elements.Type](t *testing.T) {
	b, _ := newBackend[T](t)
	x := b.ViewFromData([]T{1, 2, 3, 4}, 2, 2)
	y := b.ViewFromData([]T{5, 6, 7, 8}, 2, 2)
	a := b.ViewFromData([]T{1, 2, 3, 4, 5, 6}, 2, 3)
	forBothPaths(t, b, func(t *testing.T) {
		assertView(t, []int{2, 2}, []float64{6, 8, 10, 12}, b.MatAdd(x, y))
		assertView(t, []int{2, 2}, []float64{-4, -4, -4, -4}, b.MatSub(x, y))
		assertView(t, []int{2, 3}, []float64{3, 6, 9, 12, 15, 18}, b.MatScale(a, 3))
		assertView(t, []int{3, 2}, []float64{1, 4, 2, 5, 3, 6}, b.Transpose(a))
		assertView(t, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, b.Transpose(b.Transpose(a)))
		assert.Equal(t, []int{3, 0}, b.Transpose(b.NewView(0, 3)).Dimensions())
		assert.Equal(t, []T{1, 2, 3, 4}, x.Values())
	})
	requirePanicsWith(t, ErrShape, func() { b.MatAdd(x, a) })
	requirePanicsWith(t, ErrShape, func() { b.Transpose(a.Reshape(6)) })
}
