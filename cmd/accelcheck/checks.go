// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/accel/compute"
	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/exceptions"
)

// check of one primitive: fn is run once on the device and once on the host path, with the same inputs.
type check[T elements.Type] struct {
	name string
	fn   func(b *compute.Backend[T]) []T
}

type checkResult struct {
	ok       bool
	maxError float64
	message  string
}

func (r checkResult) errorString() string {
	if math.IsNaN(r.maxError) {
		return "-"
	}
	return fmt.Sprintf("%.3g", r.maxError)
}

// randomValues in [0.5, 1.5), so logarithms, square roots and divisions are well-behaved.
func randomValues[T elements.Type](rng *rand.Rand, n int) []T {
	values := make([]T, n)
	for i := range values {
		values[i] = T(0.5 + rng.Float64())
	}
	return values
}

// buffer returns a new buffer with a copy of the values, so each run gets its own host data.
func buffer[T elements.Type](b *compute.Backend[T], values []T) *compute.Buffer[T] {
	return b.FromData(append([]T(nil), values...))
}

func view[T elements.Type](b *compute.Backend[T], values []T, dims ...int) *compute.View[T] {
	return compute.NewView(buffer(b, values), dims...)
}

func valuesOf[T elements.Type](buf *compute.Buffer[T]) []T {
	defer buf.Finalize()
	return buf.Values()
}

func newChecks[T elements.Type](rng *rand.Rand, size, side int) []check[T] {
	x, y := randomValues[T](rng, size), randomValues[T](rng, size)
	a, c := randomValues[T](rng, side*side), randomValues[T](rng, side*side)
	s := T(0.5 + rng.Float64())
	binary := func(name string, op func(b *compute.Backend[T], x, y *compute.Buffer[T]) *compute.Buffer[T]) check[T] {
		return check[T]{name, func(b *compute.Backend[T]) []T {
			in1, in2 := buffer(b, x), buffer(b, y)
			defer in1.Finalize()
			defer in2.Finalize()
			return valuesOf(op(b, in1, in2))
		}}
	}
	unary := func(name string, op func(b *compute.Backend[T], x *compute.Buffer[T]) *compute.Buffer[T]) check[T] {
		return check[T]{name, func(b *compute.Backend[T]) []T {
			in := buffer(b, x)
			defer in.Finalize()
			return valuesOf(op(b, in))
		}}
	}
	matrices := func(name string, op func(b *compute.Backend[T], m1, m2 *compute.View[T]) *compute.View[T]) check[T] {
		return check[T]{name, func(b *compute.Backend[T]) []T {
			m1, m2 := view(b, a, side, side), view(b, c, side, side)
			defer m1.Finalize()
			defer m2.Finalize()
			return valuesOf(op(b, m1, m2).Buffer())
		}}
	}
	mapOp := func(op compute.MapOp) check[T] {
		return unary(op.String(), func(b *compute.Backend[T], x *compute.Buffer[T]) *compute.Buffer[T] {
			return b.Map(compute.MapFunc[T]{Op: op, Scalar: s}, x)
		})
	}
	return []check[T]{
		binary("Add", (*compute.Backend[T]).Add),
		binary("Sub", (*compute.Backend[T]).Sub),
		binary("Mul", (*compute.Backend[T]).Mul),
		binary("Div", (*compute.Backend[T]).Div),
		unary("AddScalar", func(b *compute.Backend[T], x *compute.Buffer[T]) *compute.Buffer[T] { return b.AddScalar(x, s) }),
		unary("ScalarSub", func(b *compute.Backend[T], x *compute.Buffer[T]) *compute.Buffer[T] { return b.ScalarSub(s, x) }),
		unary("MulScalar", func(b *compute.Backend[T], x *compute.Buffer[T]) *compute.Buffer[T] { return b.MulScalar(x, s) }),
		unary("DivScalar", func(b *compute.Backend[T], x *compute.Buffer[T]) *compute.Buffer[T] { return b.DivScalar(x, s) }),
		mapOp(compute.MapExp),
		mapOp(compute.MapLog),
		mapOp(compute.MapSqrt),
		mapOp(compute.MapSigmoid),
		mapOp(compute.MapDivide),
		{"Sum", func(b *compute.Backend[T]) []T {
			in := buffer(b, x)
			defer in.Finalize()
			return []T{b.Sum(in)}
		}},
		{"Dot", func(b *compute.Backend[T]) []T {
			in1, in2 := buffer(b, x), buffer(b, y)
			defer in1.Finalize()
			defer in2.Finalize()
			return []T{b.Dot(in1, in2)}
		}},
		matrices("MatMul", func(b *compute.Backend[T], m1, m2 *compute.View[T]) *compute.View[T] { return b.MatMul(m1, m2) }),
		matrices("MatMulTransposed", func(b *compute.Backend[T], m1, m2 *compute.View[T]) *compute.View[T] {
			return b.MatMulTransposed(m1, m2, true, true)
		}),
		matrices("Transpose", func(b *compute.Backend[T], m1, _ *compute.View[T]) *compute.View[T] { return b.Transpose(m1) }),
		{"Softmax", func(b *compute.Backend[T]) []T {
			primal := view(b, a, side, side)
			defer primal.Finalize()
			out, state := b.CustomForward(compute.SoftmaxRowwise, primal)
			defer state.Finalize()
			return valuesOf(out.Buffer())
		}},
		{"SoftmaxBackward", func(b *compute.Backend[T]) []T {
			primal, adjoint := view(b, a, side, side), view(b, c, side, side)
			defer primal.Finalize()
			defer adjoint.Finalize()
			out, state := b.CustomForward(compute.SoftmaxRowwise, primal)
			defer out.Finalize()
			defer state.Finalize()
			return valuesOf(b.CustomBackward(state, adjoint, primal).Buffer())
		}},
	}
}

// runCheck runs the check on the device and on the host paths, and compares the results.
func runCheck[T elements.Type](b *compute.Backend[T], c check[T], tolerance float64) checkResult {
	var device, host []T
	err := exceptions.TryCatch[error](func() {
		device = c.fn(b.SetHostOnly(false))
		host = c.fn(b.SetHostOnly(true))
	})
	b.SetHostOnly(false)
	if err != nil {
		return checkResult{maxError: math.NaN(), message: fmt.Sprintf("error: %v", err)}
	}
	if len(device) != len(host) {
		return checkResult{maxError: math.NaN(), message: fmt.Sprintf("device returned %d values, host %d", len(device), len(host))}
	}
	var maxError float64
	for i := range device {
		d, h := float64(device[i]), float64(host[i])
		relError := math.Abs(d-h) / max(math.Abs(h), 1)
		if math.IsNaN(relError) {
			relError = math.Inf(1)
		}
		maxError = max(maxError, relError)
	}
	if maxError > tolerance {
		return checkResult{maxError: maxError, message: fmt.Sprintf("FAILED (tolerance %g)", tolerance)}
	}
	return checkResult{ok: true, maxError: maxError, message: "ok"}
}
