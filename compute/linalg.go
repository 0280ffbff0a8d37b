// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"runtime"

	"github.com/gomlx/accel/devices"
)

// transposeOp converts a transposition flag to the BLAS argument.
func transposeOp(transposed bool) devices.Transpose {
	if transposed {
		return devices.Trans
	}
	return devices.NoTrans
}

// MatMul returns the matrix product a x b of two 2D views.
func (b *Backend[T]) MatMul(x, y *View[T]) *View[T] {
	return b.MatMulTransposed(x, y, false, false)
}

// MatMulTransposed returns op(x) x op(y), where op transposes its operand if the corresponding flag is set.
// It panics with ErrShape if the operands are not matrices, or the contracting dimensions differ.
func (b *Backend[T]) MatMulTransposed(x, y *View[T], transX, transY bool) *View[T] {
	b.own(x.buffer)
	b.own(y.buffer)
	xRows, xCols := x.matrix("MatMul")
	yRows, yCols := y.matrix("MatMul")
	m, k := xRows, xCols
	if transX {
		m, k = xCols, xRows
	}
	yk, n := yRows, yCols
	if transY {
		yk, n = yCols, yRows
	}
	if k != yk {
		panicf(ErrShape, "MatMul of %s (transposed=%v) and %s (transposed=%v): contracting dimensions %d != %d",
			x.shape, transX, y.shape, transY, k, yk)
	}
	if m == 0 || n == 0 || k == 0 {
		return b.NewView(m, n)
	}
	if b.hostOnly {
		var values []T
		x.buffer.ConstData(func(xFlat []T) {
			y.buffer.ConstData(func(yFlat []T) {
				values = hostMatMul(xFlat, yFlat, m, n, k, transX, transY)
			})
		})
		return b.ViewFromData(values, m, n)
	}

	// BLAS matrices are column-major: a row-major matrix is seen as its transpose, so C^T = op(y)^T x op(x)^T
	// is computed instead, swapping the operands.
	ldx := k
	if transX {
		ldx = m
	}
	ldy := n
	if transY {
		ldy = k
	}
	defer runtime.KeepAlive(y)
	defer runtime.KeepAlive(x)
	res := b.newResult(m * n)
	err := b.blas.gemm(transposeOp(transY), transposeOp(transX), n, m, k,
		1, y.buffer.DeviceHandle(), ldy, x.buffer.DeviceHandle(), ldx,
		0, res.s.outputHandle(), n)
	mustDevice(err, "MatMul of %s and %s", x.shape, y.shape)
	res.MarkDeviceModified()
	return NewView(res, m, n)
}

// matCombine returns x + alpha*y, for views of the same dimensions.
func (b *Backend[T]) matCombine(op string, x, y *View[T], alpha T) *View[T] {
	b.own(x.buffer)
	b.own(y.buffer)
	if !x.shape.Equal(y.shape) {
		panicf(ErrShape, "%s of views with different shapes %s and %s", op, x.shape, y.shape)
	}
	n := x.Size()
	if n == 0 || b.hostOnly {
		var values []T
		x.buffer.ConstData(func(xFlat []T) {
			y.buffer.ConstData(func(yFlat []T) {
				values = hostBinary(xFlat, yFlat, func(u, v T) T { return u + alpha*v })
			})
		})
		return b.ViewFromData(values, x.Dimensions()...)
	}
	defer runtime.KeepAlive(y)
	res := x.DeepCopy()
	mustDevice(b.blas.axpy(n, alpha, y.buffer.DeviceHandle(), 1, res.buffer.DeviceHandle(), 1), "%s of %s", op, x.shape)
	res.buffer.MarkDeviceModified()
	return res
}

// MatAdd returns x + y, for views of the same dimensions.
func (b *Backend[T]) MatAdd(x, y *View[T]) *View[T] { return b.matCombine("MatAdd", x, y, 1) }

// MatSub returns x - y, for views of the same dimensions.
func (b *Backend[T]) MatSub(x, y *View[T]) *View[T] { return b.matCombine("MatSub", x, y, -1) }

// MatScale returns x * s.
func (b *Backend[T]) MatScale(x *View[T], s T) *View[T] {
	return NewView(b.MulScalar(x.buffer, s), x.Dimensions()...)
}

// Transpose returns the transpose of the 2D view x.
func (b *Backend[T]) Transpose(x *View[T]) *View[T] {
	b.own(x.buffer)
	rows, cols := x.matrix("Transpose")
	if rows == 0 || cols == 0 {
		return b.NewView(cols, rows)
	}
	if b.hostOnly {
		var values []T
		x.buffer.ConstData(func(flat []T) { values = hostTranspose(flat, rows, cols) })
		return b.ViewFromData(values, cols, rows)
	}

	// Seen column-major, x is a cols×rows matrix: transposing it yields rows×cols column-major, which is the
	// row-major cols×rows result.
	defer runtime.KeepAlive(x)
	res := b.newResult(rows * cols)
	out := res.s.outputHandle()
	err := b.blas.geam(devices.Trans, devices.NoTrans, rows, cols,
		1, x.buffer.DeviceHandle(), cols,
		0, out, rows,
		out, rows)
	mustDevice(err, "Transpose of %s", x.shape)
	res.MarkDeviceModified()
	return NewView(res, cols, rows)
}
