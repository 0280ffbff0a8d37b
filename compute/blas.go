// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/gopjrt/dtypes"
)

// blasOps are the device BLAS routines for the element type T, selected once at backend construction.
type blasOps[T elements.Type] struct {
	gemm func(transA, transB devices.Transpose, m, n, k int, alpha T, a devices.Ptr, lda int, b devices.Ptr, ldb int, beta T, c devices.Ptr, ldc int) error
	axpy func(n int, alpha T, x devices.Ptr, incX int, y devices.Ptr, incY int) error
	scal func(n int, alpha T, x devices.Ptr, incX int) error
	geam func(transA, transB devices.Transpose, m, n int, alpha T, a devices.Ptr, lda int, beta T, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error
}

func blasFor[T elements.Type](h devices.BLAS) blasOps[T] {
	if elements.Of[T]().DType == dtypes.Float32 {
		return blasOps[T]{
			gemm: func(transA, transB devices.Transpose, m, n, k int, alpha T, a devices.Ptr, lda int, b devices.Ptr, ldb int, beta T, c devices.Ptr, ldc int) error {
				return h.Sgemm(transA, transB, m, n, k, float32(alpha), a, lda, b, ldb, float32(beta), c, ldc)
			},
			axpy: func(n int, alpha T, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
				return h.Saxpy(n, float32(alpha), x, incX, y, incY)
			},
			scal: func(n int, alpha T, x devices.Ptr, incX int) error {
				return h.Sscal(n, float32(alpha), x, incX)
			},
			geam: func(transA, transB devices.Transpose, m, n int, alpha T, a devices.Ptr, lda int, beta T, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
				return h.Sgeam(transA, transB, m, n, float32(alpha), a, lda, float32(beta), b, ldb, c, ldc)
			},
		}
	}
	return blasOps[T]{
		gemm: func(transA, transB devices.Transpose, m, n, k int, alpha T, a devices.Ptr, lda int, b devices.Ptr, ldb int, beta T, c devices.Ptr, ldc int) error {
			return h.Dgemm(transA, transB, m, n, k, float64(alpha), a, lda, b, ldb, float64(beta), c, ldc)
		},
		axpy: func(n int, alpha T, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
			return h.Daxpy(n, float64(alpha), x, incX, y, incY)
		},
		scal: func(n int, alpha T, x devices.Ptr, incX int) error {
			return h.Dscal(n, float64(alpha), x, incX)
		},
		geam: func(transA, transB devices.Transpose, m, n int, alpha T, a devices.Ptr, lda int, beta T, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
			return h.Dgeam(transA, transB, m, n, float64(alpha), a, lda, float64(beta), b, ldb, c, ldc)
		},
	}
}
