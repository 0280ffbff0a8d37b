// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors raised by the compute backend.
//
// Usage errors are fatal: they are raised with panic, wrapping one of these errors, and can be tested with errors.Is
// after recovering, e.g. with exceptions.TryCatch[error].
var (
	// ErrProtocolViolation is raised when the host/device synchronization protocol of a Buffer is broken:
	// the host side is marked modified while the device holds the most recent data, or vice versa.
	ErrProtocolViolation = errors.New("buffer synchronization protocol violation")

	// ErrType is raised for operands of an unexpected element type.
	ErrType = errors.New("element type mismatch")

	// ErrOwnership is raised for operands created by another Backend.
	ErrOwnership = errors.New("buffer not owned by this backend")

	// ErrUnimplemented is raised for operations not supported by the backend.
	ErrUnimplemented = errors.New("operation not implemented")

	// ErrCatalog is raised for missing or misused device routines.
	ErrCatalog = errors.New("routine catalog error")

	// ErrShape is raised for operands with incompatible lengths or dimensions.
	ErrShape = errors.New("incompatible shape")

	// ErrDevice is raised when a device operation (allocation, transfer, launch) fails.
	ErrDevice = errors.New("device operation failed")

	// ErrFinalized is raised when using a finalized Buffer, View or Backend.
	ErrFinalized = errors.New("already finalized")
)

// panicf panics with err wrapped with the formatted message.
func panicf(err error, format string, args ...any) {
	panic(errors.Wrapf(err, format, args...))
}

// mustDevice panics with ErrDevice if err is not nil.
func mustDevice(err error, format string, args ...any) {
	if err != nil {
		panic(errors.Wrapf(ErrDevice, "%s: %v", fmt.Sprintf(format, args...), err))
	}
}
