// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	shape0 := Make(dtypes.Float64)
	assert.Equal(t, 0, shape0.Rank())
	assert.Equal(t, 1, shape0.Size())
	assert.Equal(t, "(Float64)", shape0.String())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	assert.Equal(t, 3, shape1.Rank())
	assert.Equal(t, 24, shape1.Size())
	assert.Equal(t, 2, shape1.Dim(-1))
	assert.Equal(t, 4, shape1.Dim(0))
	assert.Equal(t, "(Float32)[4 3 2]", shape1.String())
	require.Panics(t, func() { shape1.Dim(3) })
	require.Panics(t, func() { Make(dtypes.Float32, 2, -1) })

	// Empty dimensions are valid.
	empty := Make(dtypes.Float32, 0, 3)
	assert.Equal(t, 0, empty.Size())
	assert.Equal(t, uintptr(0), empty.Memory())
	assert.Equal(t, uintptr(24*4), shape1.Memory())
}

func TestReshape(t *testing.T) {
	s := Make(dtypes.Float32, 12)
	for _, dims := range [][]int{{3, 4}, {4, 3}, {2, 6}, {2, 3, 2}} {
		s2 := s.Reshape(dims...)
		assert.Equal(t, 12, s2.Size())
		assert.Equal(t, dims, s2.Dimensions)
	}
	require.Panics(t, func() { s.Reshape(5, 2) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	c := s.Clone()
	require.True(t, s.Equal(c))
	c.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0])
	assert.False(t, s.Equal(c))
	assert.True(t, s.EqualDimensions(Make(dtypes.Float64, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 2, 3)))
}

func TestMatrixAndCheckDims(t *testing.T) {
	rows, cols := Make(dtypes.Float32, 2, 5).Matrix()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 5, cols)
	require.Panics(t, func() { Make(dtypes.Float32, 10).Matrix() })

	s := Make(dtypes.Float32, 2, 5)
	require.NoError(t, s.CheckDims(2, UncheckedAxis))
	require.Error(t, s.CheckDims(3, 5))
	require.Error(t, s.CheckDims(UncheckedAxis))
}
