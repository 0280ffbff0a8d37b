// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emulated

import (
	"fmt"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// blasHandle implements devices.BLAS on top of gonum.
//
// gonum follows the row-major convention, and devices.BLAS the column-major one. Since a column-major
// matrix is the row-major storage of its transpose, the column-major C = op(A)*op(B) is computed as the
// row-major Cᵀ = op(B)ᵀ*op(A)ᵀ: operands are swapped, m and n are swapped, and the transpose flags are kept.
type blasHandle struct {
	ctx *Context
}

var _ devices.BLAS = (*blasHandle)(nil)

func toGonum(t devices.Transpose) blas.Transpose {
	if t == devices.Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// call runs fn with the context locked, converting gonum panics (it panics on invalid arguments) to errors.
func (h *blasHandle) call(name string, fn func() error) (err error) {
	h.ctx.mu.Lock()
	defer h.ctx.mu.Unlock()
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.Wrapf(e, "emulated BLAS %s", name)
		}
		return errors.Errorf("emulated BLAS %s: %v", name, exception)
	}
	if err != nil {
		return errors.WithMessagef(err, "emulated BLAS %s", name)
	}
	return nil
}

// gemm implements the column-major GEMM for either precision.
func gemm[T elements.Type](h *blasHandle, name string, transA, transB devices.Transpose, m, n, k int,
	alpha T, a devices.Ptr, lda int, b devices.Ptr, ldb int, beta T, c devices.Ptr, ldc int,
	rowMajorGemm func(tA, tB blas.Transpose, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int)) error {
	if m == 0 || n == 0 {
		return nil
	}
	return h.call(name, func() error {
		aFlat, err := viewToEnd[T](h.ctx, a)
		if err != nil {
			return err
		}
		bFlat, err := viewToEnd[T](h.ctx, b)
		if err != nil {
			return err
		}
		cFlat, err := viewToEnd[T](h.ctx, c)
		if err != nil {
			return err
		}
		rowMajorGemm(toGonum(transB), toGonum(transA), n, m, k, alpha, bFlat, ldb, aFlat, lda, beta, cFlat, ldc)
		return nil
	})
}

// Sgemm implements devices.BLAS.
func (h *blasHandle) Sgemm(transA, transB devices.Transpose, m, n, k int, alpha float32, a devices.Ptr, lda int,
	b devices.Ptr, ldb int, beta float32, c devices.Ptr, ldc int) error {
	return gemm(h, "Sgemm", transA, transB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc, blas32.Implementation().Sgemm)
}

// Dgemm implements devices.BLAS.
func (h *blasHandle) Dgemm(transA, transB devices.Transpose, m, n, k int, alpha float64, a devices.Ptr, lda int,
	b devices.Ptr, ldb int, beta float64, c devices.Ptr, ldc int) error {
	return gemm(h, "Dgemm", transA, transB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc, blas64.Implementation().Dgemm)
}

// level1 holds the gonum level 1 routines for one precision.
type level1[T elements.Type] struct {
	axpy func(n int, alpha T, x []T, incX int, y []T, incY int)
	scal func(n int, alpha T, x []T, incX int)
	copy func(n int, x []T, incX int, y []T, incY int)
}

func level1Float32() level1[float32] {
	impl := blas32.Implementation()
	return level1[float32]{axpy: impl.Saxpy, scal: impl.Sscal, copy: impl.Scopy}
}

func level1Float64() level1[float64] {
	impl := blas64.Implementation()
	return level1[float64]{axpy: impl.Daxpy, scal: impl.Dscal, copy: impl.Dcopy}
}

func axpy[T elements.Type](h *blasHandle, name string, l1 level1[T], n int, alpha T, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
	if n == 0 {
		return nil
	}
	return h.call(name, func() error {
		xFlat, err := viewToEnd[T](h.ctx, x)
		if err != nil {
			return err
		}
		yFlat, err := viewToEnd[T](h.ctx, y)
		if err != nil {
			return err
		}
		l1.axpy(n, alpha, xFlat, incX, yFlat, incY)
		return nil
	})
}

// Saxpy implements devices.BLAS.
func (h *blasHandle) Saxpy(n int, alpha float32, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
	return axpy(h, "Saxpy", level1Float32(), n, alpha, x, incX, y, incY)
}

// Daxpy implements devices.BLAS.
func (h *blasHandle) Daxpy(n int, alpha float64, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
	return axpy(h, "Daxpy", level1Float64(), n, alpha, x, incX, y, incY)
}

func scal[T elements.Type](h *blasHandle, name string, l1 level1[T], n int, alpha T, x devices.Ptr, incX int) error {
	if n == 0 {
		return nil
	}
	return h.call(name, func() error {
		xFlat, err := viewToEnd[T](h.ctx, x)
		if err != nil {
			return err
		}
		l1.scal(n, alpha, xFlat, incX)
		return nil
	})
}

// Sscal implements devices.BLAS.
func (h *blasHandle) Sscal(n int, alpha float32, x devices.Ptr, incX int) error {
	return scal(h, "Sscal", level1Float32(), n, alpha, x, incX)
}

// Dscal implements devices.BLAS.
func (h *blasHandle) Dscal(n int, alpha float64, x devices.Ptr, incX int) error {
	return scal(h, "Dscal", level1Float64(), n, alpha, x, incX)
}

// geam implements the column-major C = alpha*op(A) + beta*op(B) one column of C at a time,
// with strided level 1 routines: column j of op(X) starts at j*ldx with stride 1 if X is not
// transposed, and at j with stride ldx if it is.
func geam[T elements.Type](h *blasHandle, name string, l1 level1[T], transA, transB devices.Transpose, m, n int,
	alpha T, a devices.Ptr, lda int, beta T, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
	if m == 0 || n == 0 {
		return nil
	}
	if ldc < m {
		return errors.Errorf("emulated BLAS %s: ldc=%d < m=%d", name, ldc, m)
	}
	return h.call(name, func() error {
		aFlat, err := viewToEnd[T](h.ctx, a)
		if err != nil {
			return err
		}
		cFlat, err := viewToEnd[T](h.ctx, c)
		if err != nil {
			return err
		}
		if len(cFlat) < (n-1)*ldc+m {
			return errors.Errorf("C has %d elements, %dx%d with ldc=%d requires %d", len(cFlat), m, n, ldc, (n-1)*ldc+m)
		}
		var bFlat []T
		if beta != 0 {
			bFlat, err = viewToEnd[T](h.ctx, b)
			if err != nil {
				return err
			}
		}
		column := func(trans devices.Transpose, ld, j int) (start, inc int) {
			if trans == devices.Trans {
				return j, ld
			}
			return j * ld, 1
		}
		for j := range n {
			cCol := cFlat[j*ldc : j*ldc+m]
			if beta == 0 {
				clear(cCol)
			} else {
				start, inc := column(transB, ldb, j)
				l1.copy(m, bFlat[start:], inc, cCol, 1)
				l1.scal(m, beta, cCol, 1)
			}
			start, inc := column(transA, lda, j)
			l1.axpy(m, alpha, aFlat[start:], inc, cCol, 1)
		}
		return nil
	})
}

// Sgeam implements devices.BLAS.
func (h *blasHandle) Sgeam(transA, transB devices.Transpose, m, n int, alpha float32, a devices.Ptr, lda int,
	beta float32, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
	return geam(h, "Sgeam", level1Float32(), transA, transB, m, n, alpha, a, lda, beta, b, ldb, c, ldc)
}

// Dgeam implements devices.BLAS.
func (h *blasHandle) Dgeam(transA, transB devices.Transpose, m, n int, alpha float64, a devices.Ptr, lda int,
	beta float64, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
	return geam(h, "Dgeam", level1Float64(), transA, transB, m, n, alpha, a, lda, beta, b, ldb, c, ldc)
}

// String implements fmt.Stringer.
func (h *blasHandle) String() string {
	return fmt.Sprintf("gonum BLAS on emulated device #%d", h.ctx.ordinal)
}
