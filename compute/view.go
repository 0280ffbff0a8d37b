// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"

	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/accel/types/shapes"
	"github.com/gomlx/exceptions"
)

// View pairs a Buffer with the dimensions of a tensor laid out in row-major order on it.
//
// Views on the same buffer storage (see Reshape) don't copy data: they only differ on the dimensions.
type View[T elements.Type] struct {
	buffer *Buffer[T]
	shape  shapes.Shape
}

// sizeOf returns the product of the dimensions.
func sizeOf(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// NewView creates a view of buf with the given dimensions, whose product must be buf.Len().
// The view takes ownership of the buffer handle: finalizing the view finalizes it.
//
// It panics with ErrShape if the dimensions don't match the buffer length.
func NewView[T elements.Type](buf *Buffer[T], dimensions ...int) *View[T] {
	s := buf.storage()
	for _, dim := range dimensions {
		if dim < 0 {
			panicf(ErrShape, "NewView(%v): negative dimension", dimensions)
		}
	}
	if size := sizeOf(dimensions); size != s.length {
		panicf(ErrShape, "NewView(%v): dimensions have %d elements, buffer has %d", dimensions, size, s.length)
	}
	return &View[T]{
		buffer: buf,
		shape:  shapes.Make(s.backend.desc.DType, dimensions...),
	}
}

// Buffer returns the buffer of the view.
func (v *View[T]) Buffer() *Buffer[T] { return v.buffer }

// Shape returns the shape of the view.
func (v *View[T]) Shape() shapes.Shape { return v.shape }

// Dimensions returns a copy of the dimensions of the view.
func (v *View[T]) Dimensions() []int { return v.shape.Clone().Dimensions }

// Rank returns the number of dimensions.
func (v *View[T]) Rank() int { return v.shape.Rank() }

// Size returns the number of elements, the product of the dimensions.
func (v *View[T]) Size() int { return v.shape.Size() }

// String implements fmt.Stringer.
func (v *View[T]) String() string {
	return fmt.Sprintf("View%v(%s)", v.shape.Dimensions, v.buffer)
}

// matrix returns the rows and columns of a 2D view, or panics with ErrShape.
func (v *View[T]) matrix(op string) (rows, cols int) {
	if err := v.shape.CheckDims(shapes.UncheckedAxis, shapes.UncheckedAxis); err != nil {
		panicf(ErrShape, "%s requires a matrix: %v", op, err)
	}
	return v.shape.Matrix()
}

// Rows returns the first dimension of a 2D view. It panics with ErrShape for other ranks.
func (v *View[T]) Rows() int {
	rows, _ := v.matrix("View.Rows")
	return rows
}

// Cols returns the second dimension of a 2D view. It panics with ErrShape for other ranks.
func (v *View[T]) Cols() int {
	_, cols := v.matrix("View.Cols")
	return cols
}

// Reshape returns a view of the same buffer storage with new dimensions, without copying any data.
// The returned view has its own (shallow copy) buffer handle, and must be finalized independently.
//
// It panics with ErrShape if the number of elements changes.
func (v *View[T]) Reshape(dimensions ...int) *View[T] {
	var shape shapes.Shape
	if err := exceptions.TryCatch[error](func() { shape = v.shape.Reshape(dimensions...) }); err != nil {
		panicf(ErrShape, "Reshape of %s to %v: %v", v.shape, dimensions, err)
	}
	return &View[T]{buffer: v.buffer.ShallowCopy(), shape: shape}
}

// DeepCopy returns a view of a deep copy of the buffer (see Buffer.DeepCopy), with the same dimensions.
func (v *View[T]) DeepCopy() *View[T] {
	return &View[T]{buffer: v.buffer.DeepCopy(), shape: v.shape.Clone()}
}

// Values returns a copy of the values, in row-major order.
func (v *View[T]) Values() []T { return v.buffer.Values() }

// Finalize the buffer handle of the view.
func (v *View[T]) Finalize() { v.buffer.Finalize() }
