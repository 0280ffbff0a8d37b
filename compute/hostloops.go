// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"math"

	"github.com/gomlx/accel/types/elements"
)

// Scalar host implementations of the primitives.

func hostUnary[T elements.Type](x []T, fn func(T) T) []T {
	y := make([]T, len(x))
	for i, v := range x {
		y[i] = fn(v)
	}
	return y
}

func hostBinary[T elements.Type](a, b []T, fn func(T, T) T) []T {
	y := make([]T, len(a))
	for i := range a {
		y[i] = fn(a[i], b[i])
	}
	return y
}

// viaFloat64 evaluates fn in float64, whatever the element type.
func viaFloat64[T elements.Type](x T, fn func(float64) float64) T {
	return elements.FromFloat64[T](fn(elements.ToFloat64(x)))
}

func hostExp[T elements.Type](x T) T  { return viaFloat64(x, math.Exp) }
func hostLog[T elements.Type](x T) T  { return viaFloat64(x, math.Log) }
func hostSqrt[T elements.Type](x T) T { return viaFloat64(x, math.Sqrt) }

func hostSign[T elements.Type](x T) T {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func hostRectify[T elements.Type](x T) T {
	if x > 0 {
		return x
	}
	return 0
}

func hostSigmoid[T elements.Type](x T) T {
	return viaFloat64(x, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
}

// hostSum accumulates in float64, whatever the element type.
func hostSum[T elements.Type](x []T) T {
	var sum float64
	for _, v := range x {
		sum += elements.ToFloat64(v)
	}
	return elements.FromFloat64[T](sum)
}

// hostArgExtreme returns the index of the first element for which better(x[i], x[best]) holds over all others.
func hostArgExtreme[T elements.Type](x []T, better func(a, b T) bool) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if better(x[i], x[best]) {
			best = i
		}
	}
	return best
}

// hostMatMul computes the row-major product op(a) x op(b), with op(a) m×k and op(b) k×n.
func hostMatMul[T elements.Type](a, b []T, m, n, k int, transA, transB bool) []T {
	c := make([]T, m*n)
	at := func(i, p int) T {
		if transA {
			return a[p*m+i]
		}
		return a[i*k+p]
	}
	bt := func(p, j int) T {
		if transB {
			return b[j*k+p]
		}
		return b[p*n+j]
	}
	for i := range m {
		for j := range n {
			var sum T
			for p := range k {
				sum += at(i, p) * bt(p, j)
			}
			c[i*n+j] = sum
		}
	}
	return c
}

// hostTranspose returns the transpose of the row-major rows×cols matrix x.
func hostTranspose[T elements.Type](x []T, rows, cols int) []T {
	y := make([]T, len(x))
	for i := range rows {
		for j := range cols {
			y[j*rows+i] = x[i*cols+j]
		}
	}
	return y
}

// hostSoftmax computes the row-wise softmax of x, given the maximum of each row. It returns the values and
// the per-row sums of exponentials.
func hostSoftmax[T elements.Type](x, maxs []T, rows, cols int) (y, sums []T) {
	y = make([]T, len(x))
	sums = make([]T, rows)
	for r := range rows {
		var sum T
		for j := range cols {
			e := hostExp(x[r*cols+j] - maxs[r])
			y[r*cols+j] = e
			sum += e
		}
		for j := range cols {
			y[r*cols+j] /= sum
		}
		sums[r] = sum
	}
	return
}

// hostSoftmaxBackward computes grad = y * (adj - <adj, y>) for each row, with y recomputed from x, maxs and sums.
func hostSoftmaxBackward[T elements.Type](x, maxs, sums, adj []T, rows, cols int) []T {
	grad := make([]T, len(x))
	for r := range rows {
		var dot T
		for j := range cols {
			y := hostExp(x[r*cols+j]-maxs[r]) / sums[r]
			grad[r*cols+j] = y
			dot += adj[r*cols+j] * y
		}
		for j := range cols {
			grad[r*cols+j] *= adj[r*cols+j] - dot
		}
	}
	return grad
}
