// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"math"
	"testing"

	"github.com/gomlx/accel/types/elements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmax(t *testing.T) {
	byDType(t, testSoftmax[float32], testSoftmax[float64])
}

func testSoftmax[T elements.Type](t *testing.T) {
	b, _ := newBackend[T](t)
	x := b.ViewFromData([]T{1, 2, 3}, 3)
	sum := math.Exp(-2) + math.Exp(-1) + 1
	want := []float64{math.Exp(-2) / sum, math.Exp(-1) / sum, 1 / sum}
	forBothPaths(t, b, func(t *testing.T) {
		y, state := b.CustomForward(SoftmaxRowwise, x)
		defer state.Finalize()
		assertView(t, []int{3}, want, y)
		require.Equal(t, SoftmaxRowwise, state.Kind())
		s := state.(*SoftmaxState[T])
		assert.Equal(t, 1, s.Rows)
		assert.Equal(t, 3, s.Cols)
		assert.Equal(t, []T{3}, s.Maxs.Values())
		assert.Equal(t, []T{2}, s.MaxIndices.Values())
		assert.InDelta(t, sum, float64(s.Sums.Value(0)), tolerance)

		grad := b.CustomBackward(state, b.ViewFromData([]T{1, 0, 0}, 3), x)
		dot := want[0]
		assertView(t, []int{3}, []float64{want[0] * (1 - dot), want[1] * -dot, want[2] * -dot}, grad)
	})
}

func TestSoftmaxRows(t *testing.T) {
	byDType(t, testSoftmaxRows[float32], testSoftmaxRows[float64])
}

func testSoftmaxRows[T elements.Type](t *testing.T) {
	b, _ := newBackend[T](t)
	const cols = 300
	data := make([]T, 3*cols)
	for j := range cols {
		data[j] = T(j%7) - 3
		data[cols+j] = 1
		data[2*cols+j] = T(j) / 100
	}
	x := b.ViewFromData(data, 3, cols)
	adjoint := make([]T, 3*cols)
	for i := range adjoint {
		adjoint[i] = T(i % 5)
	}
	adj := b.ViewFromData(adjoint, 3, cols)

	var results [2][]T
	var grads [2][]T
	forBothPaths(t, b, func(t *testing.T) {
		y, state := b.CustomForward(SoftmaxRowwise, x)
		defer state.Finalize()
		values := y.Values()
		for r := range 3 {
			var rowSum float64
			for _, v := range values[r*cols : (r+1)*cols] {
				rowSum += float64(v)
			}
			assert.InDelta(t, 1.0, rowSum, tolerance, "row %d", r)
		}
		assert.InDelta(t, 1.0/cols, float64(values[cols]), tolerance)
		assert.Equal(t, []T{3, 1, 2.99}, state.(*SoftmaxState[T]).Maxs.Values())
		assert.Equal(t, []T{6, 0, cols - 1}, state.(*SoftmaxState[T]).MaxIndices.Values())

		grad := b.CustomBackward(state, adj, x).Values()
		for r := range 3 {
			var rowSum float64
			for _, v := range grad[r*cols : (r+1)*cols] {
				rowSum += float64(v)
			}
			assert.InDelta(t, 0.0, rowSum, tolerance, "row %d", r)
		}
		idx := 0
		if b.IsHostOnly() {
			idx = 1
		}
		results[idx], grads[idx] = values, grad
	})

	// Device and host paths agree.
	for i := range results[0] {
		require.InDelta(t, float64(results[1][i]), float64(results[0][i]), tolerance)
		require.InDelta(t, float64(grads[1][i]), float64(grads[0][i]), tolerance)
	}
}

func TestSoftmaxErrors(t *testing.T) {
	b, _ := newBackend[float32](t)
	x := b.ViewFromData([]float32{1, 2, 3, 4}, 2, 2)
	requirePanicsWith(t, ErrUnimplemented, func() { b.CustomForward(CustomOpKind(3), x) })
	requirePanicsWith(t, ErrShape, func() { b.CustomForward(SoftmaxRowwise) })
	requirePanicsWith(t, ErrShape, func() { b.CustomForward(SoftmaxRowwise, x.Reshape(1, 2, 2)) })

	_, state := b.CustomForward(SoftmaxRowwise, x)
	requirePanicsWith(t, ErrShape, func() { b.CustomBackward(state, b.NewView(4), x) })
	requirePanicsWith(t, ErrShape, func() { b.CustomBackward(state, x, b.NewView(2, 3)) })
	requirePanicsWith(t, ErrUnimplemented, func() { b.CustomBackward(nil, x, x) })
	requirePanicsWith(t, ErrUnimplemented, func() { b.CustomBackward((*SoftmaxState[float32])(nil), x, x) })
	assert.Equal(t, "SoftmaxRowwise", SoftmaxRowwise.String())

	y, empty := b.CustomForward(SoftmaxRowwise, b.NewView(2, 0))
	assert.Equal(t, []int{2, 0}, y.Dimensions())
	assert.Equal(t, 0, b.CustomBackward(empty, b.NewView(2, 0), b.NewView(2, 0)).Size())
}

func TestSoftmaxThreads(t *testing.T) {
	b, _ := newBackend[float32](t)
	for cols, want := range map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 256: 256, 300: 512, 1024: 1024, 5000: 1024} {
		assert.Equal(t, want, b.softmaxThreads(cols), "cols=%d", cols)
	}
}
