// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"fmt"
	"sync"

	"github.com/gomlx/accel/devices"
	"github.com/pkg/errors"
)

// blasStatus is the cublasStatus_t returned by cuBLAS.
type blasStatus int32

var blasStatusNames = map[blasStatus]string{
	1: "NOT_INITIALIZED", 3: "ALLOC_FAILED", 7: "INVALID_VALUE", 8: "ARCH_MISMATCH",
	11: "MAPPING_ERROR", 13: "EXECUTION_FAILED", 14: "INTERNAL_ERROR", 15: "NOT_SUPPORTED",
}

// Error implements error.
func (s blasStatus) Error() string {
	if name, found := blasStatusNames[s]; found {
		return "CUBLAS_STATUS_" + name
	}
	return fmt.Sprintf("CUBLAS_STATUS(%d)", int32(s))
}

func checkBLAS(s blasStatus, op string) error {
	if s != 0 {
		return errors.Wrap(s, op)
	}
	return nil
}

var (
	loadCuBLASOnce sync.Once
	loadCuBLASErr  error

	cublasCreate  func(handle *uintptr) blasStatus
	cublasDestroy func(handle uintptr) blasStatus

	cublasSgemm func(handle uintptr, transA, transB int32, m, n, k int32,
		alpha *float32, a uintptr, lda int32, b uintptr, ldb int32, beta *float32, c uintptr, ldc int32) blasStatus
	cublasDgemm func(handle uintptr, transA, transB int32, m, n, k int32,
		alpha *float64, a uintptr, lda int32, b uintptr, ldb int32, beta *float64, c uintptr, ldc int32) blasStatus

	cublasSaxpy func(handle uintptr, n int32, alpha *float32, x uintptr, incX int32, y uintptr, incY int32) blasStatus
	cublasDaxpy func(handle uintptr, n int32, alpha *float64, x uintptr, incX int32, y uintptr, incY int32) blasStatus

	cublasSscal func(handle uintptr, n int32, alpha *float32, x uintptr, incX int32) blasStatus
	cublasDscal func(handle uintptr, n int32, alpha *float64, x uintptr, incX int32) blasStatus

	cublasSgeam func(handle uintptr, transA, transB int32, m, n int32,
		alpha *float32, a uintptr, lda int32, beta *float32, b uintptr, ldb int32, c uintptr, ldc int32) blasStatus
	cublasDgeam func(handle uintptr, transA, transB int32, m, n int32,
		alpha *float64, a uintptr, lda int32, beta *float64, b uintptr, ldb int32, c uintptr, ldc int32) blasStatus
)

func loadCuBLAS() error {
	loadCuBLASOnce.Do(func() {
		var lib uintptr
		lib, loadCuBLASErr = dlopen("libcublas.so.12", "libcublas.so.11", "libcublas.so")
		if loadCuBLASErr != nil {
			return
		}
		loadCuBLASErr = bind(lib, []binding{
			{&cublasCreate, "cublasCreate_v2"},
			{&cublasDestroy, "cublasDestroy_v2"},
			{&cublasSgemm, "cublasSgemm_v2"},
			{&cublasDgemm, "cublasDgemm_v2"},
			{&cublasSaxpy, "cublasSaxpy_v2"},
			{&cublasDaxpy, "cublasDaxpy_v2"},
			{&cublasSscal, "cublasSscal_v2"},
			{&cublasDscal, "cublasDscal_v2"},
			{&cublasSgeam, "cublasSgeam"},
			{&cublasDgeam, "cublasDgeam"},
		})
	})
	return loadCuBLASErr
}

// blasHandle implements devices.BLAS with cuBLAS, on the default stream of its context.
type blasHandle struct {
	ctx    *Context
	handle uintptr
}

var _ devices.BLAS = (*blasHandle)(nil)

func newBLASHandle(ctx *Context) (*blasHandle, error) {
	if err := loadCuBLAS(); err != nil {
		return nil, err
	}
	h := &blasHandle{ctx: ctx}
	if err := checkBLAS(cublasCreate(&h.handle), "cublasCreate"); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *blasHandle) destroy() {
	if h.handle != 0 {
		_ = cublasDestroy(h.handle)
		h.handle = 0
	}
}

func op(t devices.Transpose) int32 {
	if t == devices.Trans {
		return 1
	}
	return 0
}

// call runs fn with the context current.
func (h *blasHandle) call(name string, fn func() blasStatus) error {
	var status blasStatus
	err := h.ctx.run(func() error {
		status = fn()
		return nil
	})
	if err != nil {
		return err
	}
	return checkBLAS(status, name)
}

// Sgemm implements devices.BLAS.
func (h *blasHandle) Sgemm(transA, transB devices.Transpose, m, n, k int, alpha float32, a devices.Ptr, lda int,
	b devices.Ptr, ldb int, beta float32, c devices.Ptr, ldc int) error {
	return h.call("cublasSgemm", func() blasStatus {
		return cublasSgemm(h.handle, op(transA), op(transB), int32(m), int32(n), int32(k),
			&alpha, uintptr(a), int32(lda), uintptr(b), int32(ldb), &beta, uintptr(c), int32(ldc))
	})
}

// Dgemm implements devices.BLAS.
func (h *blasHandle) Dgemm(transA, transB devices.Transpose, m, n, k int, alpha float64, a devices.Ptr, lda int,
	b devices.Ptr, ldb int, beta float64, c devices.Ptr, ldc int) error {
	return h.call("cublasDgemm", func() blasStatus {
		return cublasDgemm(h.handle, op(transA), op(transB), int32(m), int32(n), int32(k),
			&alpha, uintptr(a), int32(lda), uintptr(b), int32(ldb), &beta, uintptr(c), int32(ldc))
	})
}

// Saxpy implements devices.BLAS.
func (h *blasHandle) Saxpy(n int, alpha float32, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
	return h.call("cublasSaxpy", func() blasStatus {
		return cublasSaxpy(h.handle, int32(n), &alpha, uintptr(x), int32(incX), uintptr(y), int32(incY))
	})
}

// Daxpy implements devices.BLAS.
func (h *blasHandle) Daxpy(n int, alpha float64, x devices.Ptr, incX int, y devices.Ptr, incY int) error {
	return h.call("cublasDaxpy", func() blasStatus {
		return cublasDaxpy(h.handle, int32(n), &alpha, uintptr(x), int32(incX), uintptr(y), int32(incY))
	})
}

// Sscal implements devices.BLAS.
func (h *blasHandle) Sscal(n int, alpha float32, x devices.Ptr, incX int) error {
	return h.call("cublasSscal", func() blasStatus {
		return cublasSscal(h.handle, int32(n), &alpha, uintptr(x), int32(incX))
	})
}

// Dscal implements devices.BLAS.
func (h *blasHandle) Dscal(n int, alpha float64, x devices.Ptr, incX int) error {
	return h.call("cublasDscal", func() blasStatus {
		return cublasDscal(h.handle, int32(n), &alpha, uintptr(x), int32(incX))
	})
}

// Sgeam implements devices.BLAS.
func (h *blasHandle) Sgeam(transA, transB devices.Transpose, m, n int, alpha float32, a devices.Ptr, lda int,
	beta float32, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
	return h.call("cublasSgeam", func() blasStatus {
		return cublasSgeam(h.handle, op(transA), op(transB), int32(m), int32(n),
			&alpha, uintptr(a), int32(lda), &beta, uintptr(b), int32(ldb), uintptr(c), int32(ldc))
	})
}

// Dgeam implements devices.BLAS.
func (h *blasHandle) Dgeam(transA, transB devices.Transpose, m, n int, alpha float64, a devices.Ptr, lda int,
	beta float64, b devices.Ptr, ldb int, c devices.Ptr, ldc int) error {
	return h.call("cublasDgeam", func() blasStatus {
		return cublasDgeam(h.handle, op(transA), op(transB), int32(m), int32(n),
			&alpha, uintptr(a), int32(lda), &beta, uintptr(b), int32(ldb), uintptr(c), int32(ldc))
	})
}
