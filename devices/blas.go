// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

// Transpose selects whether a BLAS operand is used as is or transposed.
type Transpose int

const (
	NoTrans Transpose = iota
	Trans
)

// String implements fmt.Stringer.
func (t Transpose) String() string {
	if t == Trans {
		return "T"
	}
	return "N"
}

// BLAS exposes the subset of BLAS routines used by the compute backends, on device memory.
//
// Matrices follow the column-major convention of cuBLAS: element (i, j) of a matrix with leading
// dimension ld is at position i + j*ld. Row-major callers use the duality row-major(X) == column-major(Xᵀ).
//
// The "S" variants operate on float32, the "D" variants on float64.
type BLAS interface {
	// Sgemm computes C = alpha*op(A)*op(B) + beta*C, with op(A) m×k, op(B) k×n and C m×n.
	Sgemm(transA, transB Transpose, m, n, k int, alpha float32, a Ptr, lda int, b Ptr, ldb int, beta float32, c Ptr, ldc int) error
	Dgemm(transA, transB Transpose, m, n, k int, alpha float64, a Ptr, lda int, b Ptr, ldb int, beta float64, c Ptr, ldc int) error

	// Saxpy computes y = alpha*x + y.
	Saxpy(n int, alpha float32, x Ptr, incX int, y Ptr, incY int) error
	Daxpy(n int, alpha float64, x Ptr, incX int, y Ptr, incY int) error

	// Sscal computes x = alpha*x.
	Sscal(n int, alpha float32, x Ptr, incX int) error
	Dscal(n int, alpha float64, x Ptr, incX int) error

	// Sgeam computes C = alpha*op(A) + beta*op(B), with C m×n.
	// When beta is 0, B is not read.
	Sgeam(transA, transB Transpose, m, n int, alpha float32, a Ptr, lda int, beta float32, b Ptr, ldb int, c Ptr, ldc int) error
	Dgeam(transA, transB Transpose, m, n int, alpha float64, a Ptr, lda int, beta float64, b Ptr, ldb int, c Ptr, ldc int) error
}
