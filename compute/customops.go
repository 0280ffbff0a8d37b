// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"math/bits"
	"runtime"

	"github.com/gomlx/accel/types/elements"
)

// CustomOpKind enumerates the custom multi-buffer operations.
type CustomOpKind int

const (
	// SoftmaxRowwise computes the softmax of each row of a matrix.
	SoftmaxRowwise CustomOpKind = iota
)

// String implements fmt.Stringer.
func (k CustomOpKind) String() string {
	switch k {
	case SoftmaxRowwise:
		return "SoftmaxRowwise"
	}
	return fmt.Sprintf("CustomOpKind(%d)", int(k))
}

// CustomState is the auxiliary state a custom forward operation returns, to be used by its backward operation.
type CustomState[T elements.Type] interface {
	// Kind of the operation that created the state.
	Kind() CustomOpKind

	// Finalize the buffers held by the state.
	Finalize()
}

// SoftmaxState is the CustomState of SoftmaxRowwise.
type SoftmaxState[T elements.Type] struct {
	// Maxs holds the maximum of each row.
	Maxs *Buffer[T]

	// MaxIndices holds the column of the maximum of each row (the first one, on ties). It's not used by the
	// backward operation.
	MaxIndices *Buffer[T]

	// Sums holds the sum of exp(x - max) of each row.
	Sums *Buffer[T]

	Rows, Cols int
}

// Kind implements CustomState.
func (s *SoftmaxState[T]) Kind() CustomOpKind { return SoftmaxRowwise }

// Finalize implements CustomState.
func (s *SoftmaxState[T]) Finalize() {
	s.Maxs.Finalize()
	s.MaxIndices.Finalize()
	s.Sums.Finalize()
}

// CustomForward runs the custom operation kind on the inputs, and returns its result and the state required
// by CustomBackward.
//
// SoftmaxRowwise takes one input, a matrix, or a vector handled as a matrix with one row.
// Other kinds panic with ErrUnimplemented.
func (b *Backend[T]) CustomForward(kind CustomOpKind, inputs ...*View[T]) (*View[T], CustomState[T]) {
	switch kind {
	case SoftmaxRowwise:
		if len(inputs) != 1 {
			panicf(ErrShape, "%s takes 1 input, %d given", kind, len(inputs))
		}
		return b.softmaxForward(inputs[0])
	}
	panicf(ErrUnimplemented, "CustomForward(%s)", kind)
	return nil, nil
}

// CustomBackward returns the gradient of the custom operation that created state with respect to its input,
// given the adjoint (gradient of the output) and the primal input passed to CustomForward.
func (b *Backend[T]) CustomBackward(state CustomState[T], adjoint, primal *View[T]) *View[T] {
	switch s := state.(type) {
	case nil:
		panicf(ErrUnimplemented, "CustomBackward without a forward state")
	case *SoftmaxState[T]:
		if s == nil {
			panicf(ErrUnimplemented, "CustomBackward with a nil %s state", SoftmaxRowwise)
		}
		return b.softmaxBackward(s, adjoint, primal)
	}
	panicf(ErrUnimplemented, "CustomBackward(%s)", state.Kind())
	return nil
}

// softmaxRows returns the rows and columns SoftmaxRowwise uses for x.
func softmaxRows[T elements.Type](x *View[T]) (rows, cols int) {
	switch x.Rank() {
	case 1:
		return 1, x.shape.Dim(-1)
	case 2:
		return x.shape.Matrix()
	}
	panicf(ErrShape, "%s requires a vector or a matrix, got shape %s", SoftmaxRowwise, x.shape)
	return
}

// softmaxThreads returns the number of threads per block of the softmax routines for rows of cols elements:
// the next power of 2, but no more than the largest power of 2 allowed by the device.
func (b *Backend[T]) softmaxThreads(cols int) int {
	limit := 1 << (bits.Len(uint(b.ctx.MaxThreadsPerBlock())) - 1)
	threads := 1
	if cols > 1 {
		threads = 1 << bits.Len(uint(cols-1))
	}
	return min(threads, limit)
}

func (b *Backend[T]) softmaxForward(x *View[T]) (*View[T], CustomState[T]) {
	b.own(x.buffer)
	rows, cols := softmaxRows(x)
	maxs := make([]T, rows)
	maxIndices := make([]T, rows)
	if cols > 0 {
		x.buffer.ConstData(func(flat []T) {
			for r := range rows {
				idx := hostArgExtreme(flat[r*cols:(r+1)*cols], greater[T])
				maxIndices[r] = T(idx)
				maxs[r] = flat[r*cols+idx]
			}
		})
	}
	state := &SoftmaxState[T]{
		Maxs:       b.FromData(maxs),
		MaxIndices: b.FromData(maxIndices),
		Rows:       rows,
		Cols:       cols,
	}
	dims := x.Dimensions()
	if rows == 0 || cols == 0 {
		state.Sums = b.NewBuffer(rows)
		return b.NewView(dims...), state
	}
	if b.hostOnly {
		var y, sums []T
		x.buffer.ConstData(func(flat []T) { y, sums = hostSoftmax(flat, maxs, rows, cols) })
		state.Sums = b.FromData(sums)
		return b.ViewFromData(y, dims...), state
	}
	defer runtime.KeepAlive(x)
	y := b.newResult(rows * cols)
	sums := b.newResult(rows)
	threads := b.softmaxThreads(cols)
	b.routines.dispatchRows("Softmax_Rowwise_M", rows, threads, b.desc.Bytes(threads),
		int32Arg(rows), int32Arg(cols), x.buffer.DeviceHandle(), state.Maxs.DeviceHandle(),
		y.s.outputHandle(), sums.s.outputHandle())
	y.MarkDeviceModified()
	sums.MarkDeviceModified()
	state.Sums = sums
	return NewView(y, dims...), state
}

func (b *Backend[T]) softmaxBackward(state *SoftmaxState[T], adjoint, primal *View[T]) *View[T] {
	b.own(adjoint.buffer)
	b.own(primal.buffer)
	rows, cols := softmaxRows(primal)
	if rows != state.Rows || cols != state.Cols {
		panicf(ErrShape, "%s backward: primal %s doesn't match the forward state of %dx%d", SoftmaxRowwise, primal.shape, state.Rows, state.Cols)
	}
	if !adjoint.shape.EqualDimensions(primal.shape) {
		panicf(ErrShape, "%s backward: adjoint %s doesn't match primal %s", SoftmaxRowwise, adjoint.shape, primal.shape)
	}
	dims := primal.Dimensions()
	if rows == 0 || cols == 0 {
		return b.NewView(dims...)
	}
	if b.hostOnly {
		var grad []T
		primal.buffer.ConstData(func(x []T) {
			adjoint.buffer.ConstData(func(adj []T) {
				state.Maxs.ConstData(func(maxs []T) {
					state.Sums.ConstData(func(sums []T) {
						grad = hostSoftmaxBackward(x, maxs, sums, adj, rows, cols)
					})
				})
			})
		})
		return b.ViewFromData(grad, dims...)
	}
	defer runtime.KeepAlive(state)
	defer runtime.KeepAlive(primal)
	defer runtime.KeepAlive(adjoint)
	grad := b.newResult(rows * cols)
	threads := b.softmaxThreads(cols)
	b.routines.dispatchRows("Softmax_Rowwise_M_Backward", rows, threads, b.desc.Bytes(threads),
		int32Arg(rows), int32Arg(cols), primal.buffer.DeviceHandle(), state.Maxs.DeviceHandle(),
		state.Sums.DeviceHandle(), adjoint.buffer.DeviceHandle(), grad.s.outputHandle())
	grad.MarkDeviceModified()
	return NewView(grad, dims...)
}
