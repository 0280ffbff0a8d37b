// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dimension metadata attached to a flat buffer.
//
// A Shape has a DType (the element type, see github.com/gomlx/gopjrt/dtypes) and the
// sizes of its axes. The flat buffer holding the values is laid out in row-major order.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Shape.
//   - Axis: the index of a dimension. Axes can be given as negative numbers, counting from the end.
//   - Dimension: the size of one axis.
//   - Size: the number of elements, the product of all dimensions. A scalar (rank 0) has size 1.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` is a matrix with 2 rows and 3 columns, that is
// printed as `(Float32)[2 3]`.
//
// Unlike shapes of computation graphs, a dimension can be 0: empty buffers can still be viewed as
// matrices with zero rows.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a flat buffer: its dtype and the dimensions of each axis.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// The dimensions are copied.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store the values of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// Reshape returns a new shape with the same dtype and the given dimensions.
// It panics if the number of elements changes.
func (s Shape) Reshape(dimensions ...int) Shape {
	s2 := Make(s.DType, dimensions...)
	if s2.Size() != s.Size() {
		exceptions.Panicf("Shape.Reshape(%v): shape %s has %d elements, cannot reshape to %d elements",
			dimensions, s, s.Size(), s2.Size())
	}
	return s2
}

// Matrix returns the number of rows and columns of a rank-2 shape.
// It panics for any other rank.
func (s Shape) Matrix() (rows, cols int) {
	if s.Rank() != 2 {
		exceptions.Panicf("Shape.Matrix(): shape %s is not a matrix (rank 2)", s)
	}
	return s.Dimensions[0], s.Dimensions[1]
}
