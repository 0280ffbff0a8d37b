// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"math"
	"runtime"

	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/gopjrt/dtypes"
)

// MapOp tags the function applied by Backend.Map.
type MapOp int

const (
	// MapOther applies an arbitrary function (MapFunc.Fn), on the host.
	MapOther MapOp = iota
	MapExp
	MapLog
	MapSqrt
	MapSign
	MapRectify
	MapSigmoid

	// MapDivide computes MapFunc.Scalar / x.
	MapDivide
)

var mapOpNames = []string{"MapOther", "MapExp", "MapLog", "MapSqrt", "MapSign", "MapRectify", "MapSigmoid", "MapDivide"}

// String implements fmt.Stringer.
func (op MapOp) String() string {
	if op < 0 || int(op) >= len(mapOpNames) {
		return fmt.Sprintf("MapOp(%d)", int(op))
	}
	return mapOpNames[op]
}

// MapFunc describes the elementwise function applied by Backend.Map.
type MapFunc[T elements.Type] struct {
	Op MapOp

	// Scalar is the numerator for MapDivide.
	Scalar T

	// Fn is the function applied for MapOther.
	Fn func(T) T
}

// unaryRoutine of each device accelerated MapOp, and its host equivalent.
type unaryRoutine[T elements.Type] struct {
	name string
	host func(T) T
}

func unaryRoutines[T elements.Type]() map[MapOp]unaryRoutine[T] {
	return map[MapOp]unaryRoutine[T]{
		MapExp:     {"Exp_V", hostExp[T]},
		MapLog:     {"Log_V", hostLog[T]},
		MapSqrt:    {"Sqrt_V", hostSqrt[T]},
		MapSign:    {"Sign_V", hostSign[T]},
		MapRectify: {"Rel_V", hostRectify[T]},
		MapSigmoid: {"Sigmoid_V", hostSigmoid[T]},
	}
}

// scalarArg converts s to the Go type routines take as scalar argument.
func (b *Backend[T]) scalarArg(s T) any {
	if b.desc.DType == dtypes.Float32 {
		return float32(s)
	}
	return float64(s)
}

// int32Arg converts a length to the routines' int argument.
func int32Arg(n int) int32 {
	if n > math.MaxInt32 {
		panicf(ErrShape, "length %d too large for device routines", n)
	}
	return int32(n)
}

// binaryOperands checks the operands of elementwise binary operations. If either is empty, it returns
// a deep copy of the other one (or an empty buffer) as the shortcut result.
func (b *Backend[T]) binaryOperands(op string, x, y *Buffer[T]) (n int, shortcut *Buffer[T]) {
	xs, ys := b.own(x), b.own(y)
	switch {
	case xs.length == 0 && ys.length == 0:
		return 0, b.NewBuffer(0)
	case xs.length == 0:
		return 0, y.DeepCopy()
	case ys.length == 0:
		return 0, x.DeepCopy()
	case xs.length != ys.length:
		panicf(ErrShape, "%s of buffers of different lengths %d and %d", op, xs.length, ys.length)
	}
	return xs.length, nil
}

// hostMapped returns a new buffer with fn applied to the host values of x.
func (b *Backend[T]) hostMapped(x *Buffer[T], fn func(T) T) *Buffer[T] {
	var values []T
	x.ConstData(func(flat []T) { values = hostUnary(flat, fn) })
	return b.FromData(values)
}

// hostCombined returns a new buffer with fn applied to the host values of x and y.
func (b *Backend[T]) hostCombined(x, y *Buffer[T], fn func(T, T) T) *Buffer[T] {
	var values []T
	x.ConstData(func(xFlat []T) {
		y.ConstData(func(yFlat []T) { values = hostBinary(xFlat, yFlat, fn) })
	})
	return b.FromData(values)
}

// vectorVector runs a routine with arguments (n, a, b, y).
func (b *Backend[T]) vectorVector(op, routine string, x, y *Buffer[T], host func(T, T) T) *Buffer[T] {
	n, shortcut := b.binaryOperands(op, x, y)
	if shortcut != nil {
		return shortcut
	}
	if b.hostOnly {
		return b.hostCombined(x, y, host)
	}
	defer runtime.KeepAlive(y)
	defer runtime.KeepAlive(x)
	res := b.newResult(n)
	b.routines.dispatch(routine, n, 0, int32Arg(n), x.DeviceHandle(), y.DeviceHandle(), res.s.outputHandle())
	res.MarkDeviceModified()
	return res
}

// Add returns x + y.
func (b *Backend[T]) Add(x, y *Buffer[T]) *Buffer[T] {
	return b.vectorVector("Add", "Add_V_V", x, y, func(u, v T) T { return u + v })
}

// Sub returns x - y.
func (b *Backend[T]) Sub(x, y *Buffer[T]) *Buffer[T] {
	n, shortcut := b.binaryOperands("Sub", x, y)
	if shortcut != nil {
		return shortcut
	}
	if b.hostOnly {
		return b.hostCombined(x, y, func(u, v T) T { return u - v })
	}
	defer runtime.KeepAlive(y)
	res := x.DeepCopy()
	mustDevice(b.blas.axpy(n, -1, y.DeviceHandle(), 1, res.DeviceHandle(), 1), "Sub of %d elements", n)
	res.MarkDeviceModified()
	return res
}

// Mul returns the elementwise (Hadamard) product x * y.
func (b *Backend[T]) Mul(x, y *Buffer[T]) *Buffer[T] {
	return b.vectorVector("Mul", "Mul_Had_V_V", x, y, func(u, v T) T { return u * v })
}

// Div returns x / y elementwise.
func (b *Backend[T]) Div(x, y *Buffer[T]) *Buffer[T] {
	return b.vectorVector("Div", "Div_V_V", x, y, func(u, v T) T { return u / v })
}

// vectorScalar runs a routine with arguments (n, x, s, y), or (n, s, x, y) if scalarFirst.
func (b *Backend[T]) vectorScalar(routine string, x *Buffer[T], s T, scalarFirst bool, host func(T) T) *Buffer[T] {
	n := b.own(x).length
	if n == 0 {
		return b.NewBuffer(0)
	}
	if b.hostOnly {
		return b.hostMapped(x, host)
	}
	defer runtime.KeepAlive(x)
	res := b.newResult(n)
	if scalarFirst {
		b.routines.dispatch(routine, n, 0, int32Arg(n), b.scalarArg(s), x.DeviceHandle(), res.s.outputHandle())
	} else {
		b.routines.dispatch(routine, n, 0, int32Arg(n), x.DeviceHandle(), b.scalarArg(s), res.s.outputHandle())
	}
	res.MarkDeviceModified()
	return res
}

// AddScalar returns x + s.
func (b *Backend[T]) AddScalar(x *Buffer[T], s T) *Buffer[T] {
	return b.vectorScalar("Add_V_S", x, s, false, func(v T) T { return v + s })
}

// SubScalar returns x - s.
func (b *Backend[T]) SubScalar(x *Buffer[T], s T) *Buffer[T] {
	return b.vectorScalar("Sub_V_S", x, s, false, func(v T) T { return v - s })
}

// ScalarSub returns s - x.
func (b *Backend[T]) ScalarSub(s T, x *Buffer[T]) *Buffer[T] {
	return b.vectorScalar("Sub_S_V", x, s, true, func(v T) T { return s - v })
}

// ScalarDiv returns s / x.
func (b *Backend[T]) ScalarDiv(s T, x *Buffer[T]) *Buffer[T] {
	return b.vectorScalar("Div_S_V", x, s, true, func(v T) T { return s / v })
}

// MulScalar returns x * s.
func (b *Backend[T]) MulScalar(x *Buffer[T], s T) *Buffer[T] {
	n := b.own(x).length
	if n == 0 {
		return b.NewBuffer(0)
	}
	if b.hostOnly {
		return b.hostMapped(x, func(v T) T { return v * s })
	}
	res := x.DeepCopy()
	mustDevice(b.blas.scal(n, s, res.DeviceHandle(), 1), "MulScalar of %d elements", n)
	res.MarkDeviceModified()
	return res
}

// DivScalar returns x / s. On the device it is computed as x * (1/s).
func (b *Backend[T]) DivScalar(x *Buffer[T], s T) *Buffer[T] {
	if b.hostOnly {
		b.own(x)
		return b.hostMapped(x, func(v T) T { return v / s })
	}
	return b.MulScalar(x, 1/s)
}

// Map returns f applied to each element of x.
//
// MapOther runs on the host, every other MapOp runs on the device. It panics with ErrUnimplemented for
// unknown ops or for MapOther without a function.
func (b *Backend[T]) Map(f MapFunc[T], x *Buffer[T]) *Buffer[T] {
	switch f.Op {
	case MapDivide:
		return b.ScalarDiv(f.Scalar, x)
	case MapOther:
		if f.Fn == nil {
			panicf(ErrUnimplemented, "Map(MapOther) without a function")
		}
		b.own(x)
		return b.hostMapped(x, f.Fn)
	}
	r, found := unaryRoutines[T]()[f.Op]
	if !found {
		panicf(ErrUnimplemented, "Map(%s)", f.Op)
	}
	n := b.own(x).length
	if n == 0 {
		return b.NewBuffer(0)
	}
	if b.hostOnly {
		return b.hostMapped(x, r.host)
	}
	defer runtime.KeepAlive(x)
	res := b.newResult(n)
	b.routines.dispatch(r.name, n, 0, int32Arg(n), x.DeviceHandle(), res.s.outputHandle())
	res.MarkDeviceModified()
	return res
}

// AddInPlace computes dst += src, modifying dst.
func (b *Backend[T]) AddInPlace(dst, src *Buffer[T]) {
	ds, ss := b.own(dst), b.own(src)
	if ds.length != ss.length {
		panicf(ErrShape, "AddInPlace of buffers of different lengths %d and %d", ds.length, ss.length)
	}
	n := ds.length
	if n == 0 {
		return
	}
	if b.hostOnly {
		src.ConstData(func(srcFlat []T) {
			values := make([]T, n)
			copy(values, srcFlat)
			dst.MutableData(func(dstFlat []T) {
				for i := range dstFlat {
					dstFlat[i] += values[i]
				}
			})
		})
		return
	}
	defer runtime.KeepAlive(src)
	mustDevice(b.blas.axpy(n, 1, src.DeviceHandle(), 1, dst.DeviceHandle(), 1), "AddInPlace of %d elements", n)
	dst.MarkDeviceModified()
}

// ScaleInPlace computes dst *= s, modifying dst.
func (b *Backend[T]) ScaleInPlace(dst *Buffer[T], s T) {
	n := b.own(dst).length
	if n == 0 {
		return
	}
	if b.hostOnly {
		dst.MutableData(func(flat []T) {
			for i := range flat {
				flat[i] *= s
			}
		})
		return
	}
	mustDevice(b.blas.scal(n, s, dst.DeviceHandle(), 1), "ScaleInPlace of %d elements", n)
	dst.MarkDeviceModified()
}

// RoundToHalf returns x with each value rounded to the nearest half precision (float16) value, on the host.
// It's used to emulate mixed precision.
func (b *Backend[T]) RoundToHalf(x *Buffer[T]) *Buffer[T] {
	b.own(x)
	return b.hostMapped(x, elements.RoundToHalf[T])
}
