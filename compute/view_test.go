// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewReshape(t *testing.T) {
	b, _ := newBackend[float32](t)
	data := make([]float32, 12)
	for i := range data {
		data[i] = float32(i)
	}
	v := b.ViewFromData(data, 3, 4)
	assert.Equal(t, []int{3, 4}, v.Dimensions())
	assert.Equal(t, 2, v.Rank())
	assert.Equal(t, 12, v.Size())
	assert.Equal(t, 3, v.Rows())
	assert.Equal(t, 4, v.Cols())

	for _, dims := range [][]int{{4, 3}, {2, 6}, {12}, {2, 2, 3}} {
		r := v.Reshape(dims...)
		require.Equal(t, dims, r.Dimensions())
		assert.Equal(t, v.Values(), r.Values())
		assert.Same(t, v.Buffer().s, r.Buffer().s)
		r.Finalize()
	}

	// Reshaped views share the host and device data.
	r := v.Reshape(2, 6)
	defer r.Finalize()
	r.Buffer().Set(0, 100)
	assert.Equal(t, float32(100), v.Values()[0])
	assert.Equal(t, v.Buffer().DeviceHandle(), r.Buffer().DeviceHandle())

	requirePanicsWith(t, ErrShape, func() { v.Reshape(5, 5) })
	requirePanicsWith(t, ErrShape, func() { r.Reshape(2, 2, 2).Rows() })
	requirePanicsWith(t, ErrShape, func() { v.Reshape(12).Cols() })

	c := v.DeepCopy()
	c.Buffer().Set(1, -1)
	assert.Equal(t, float32(1), v.Values()[1])
	assert.True(t, c.Shape().Equal(v.Shape()))
}

func TestNewView(t *testing.T) {
	b, _ := newBackend[float64](t)
	requirePanicsWith(t, ErrShape, func() { NewView(b.NewBuffer(6), 2, 2) })
	requirePanicsWith(t, ErrShape, func() { NewView(b.NewBuffer(0), -1, 0) })

	scalar := NewView(b.FromData([]float64{3}))
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())

	empty := b.NewView(0, 3)
	assert.Equal(t, 0, empty.Size())
	assert.Equal(t, 0, empty.Rows())
	assert.Equal(t, "(Float64)[0 3]", empty.Shape().String())
}
