// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"testing"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/devices/emulated"
	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// newBackend returns a backend on a fresh emulated device, finalized with the test.
func newBackend[T elements.Type](t *testing.T) (*Backend[T], *emulated.Context) {
	ctx, err := emulated.New(0)
	require.NoError(t, err)
	b, err := NewWithContext[T](ctx, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Finalize()
		ctx.Finalize()
	})
	return b, ctx
}

// requirePanicsWith checks that fn panics with an error wrapping target.
func requirePanicsWith(t *testing.T, target error, fn func()) {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err, "expected a panic with %v", target)
	require.ErrorIs(t, err, target)
}

// forBothPaths runs fn with the device and with the host implementations of the primitives.
func forBothPaths[T elements.Type](t *testing.T, b *Backend[T], fn func(t *testing.T)) {
	for _, hostOnly := range []bool{false, true} {
		t.Run(fmt.Sprintf("hostOnly=%v", hostOnly), func(t *testing.T) {
			b.SetHostOnly(hostOnly)
			defer b.SetHostOnly(false)
			fn(t)
		})
	}
}

// byDType runs the generic test for each supported element type.
func byDType(t *testing.T, test32 func(*testing.T), test64 func(*testing.T)) {
	t.Run("float32", test32)
	t.Run("float64", test64)
}

func TestNew(t *testing.T) {
	b, err := New[float32](Config{Device: "emulated:1"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.Tag())
	assert.Equal(t, emulated.DriverName, b.Context().Name())
	assert.Equal(t, 1, b.Context().Ordinal())
	assert.Equal(t, 4, b.Descriptor().Width)
	assert.Len(t, b.Routines(), len(catalog))
	ctx := b.Context().(*emulated.Context)
	b.Finalize()
	assert.True(t, b.IsFinalized())
	// The backend owned the context.
	_, err = ctx.Alloc(16)
	require.Error(t, err)
	b.Finalize()

	_, err = New[float64](Config{Device: "unknown:0"})
	require.ErrorIs(t, err, devices.ErrConfiguration)

	b64 := MustNew[float64](Config{Device: "emulated:0", Tag: "mine"})
	defer b64.Finalize()
	assert.Equal(t, "mine", b64.Tag())
	assert.Equal(t, 8, b64.Descriptor().Width)
	require.Panics(t, func() { MustNew[float32](Config{Device: "emulated:99"}) })
}

func TestFinalizedBackend(t *testing.T) {
	ctx, err := emulated.New(0)
	require.NoError(t, err)
	defer ctx.Finalize()
	b, err := NewWithContext[float32](ctx, "")
	require.NoError(t, err)
	x := b.FromData([]float32{1, 2})
	x.CopyHostToDevice()
	require.Equal(t, 1, ctx.Stats().LiveAllocations)
	b.Finalize()
	assert.Equal(t, 0, ctx.Stats().LiveAllocations)

	requirePanicsWith(t, ErrFinalized, func() { b.NewBuffer(3) })
	requirePanicsWith(t, ErrFinalized, func() { x.Values() })
	// Finalizing buffers of a finalized backend is fine.
	x.Finalize()

	// The context was not owned by the backend.
	_, err = ctx.Alloc(16)
	require.NoError(t, err)
}

func TestInternalize(t *testing.T) {
	b, _ := newBackend[float32](t)
	other, _ := newBackend[float32](t)
	b64, _ := newBackend[float64](t)

	x := b.FromData([]float32{1, 2, 3, 4})
	assert.Same(t, x, b.Internalize(x))
	v := NewView(x.ShallowCopy(), 2, 2)
	assert.Same(t, v.Buffer(), b.Internalize(v))

	requirePanicsWith(t, ErrType, func() { b.Internalize(b64.FromData([]float64{1})) })
	requirePanicsWith(t, ErrType, func() { b.Internalize([]float32{1}) })
	requirePanicsWith(t, ErrOwnership, func() { b.Internalize(other.FromData([]float32{1})) })
	requirePanicsWith(t, ErrOwnership, func() { b.Add(x, other.FromData([]float32{1, 1, 1, 1})) })
}

func TestAdopt(t *testing.T) {
	byDType(t, testAdopt[float32], testAdopt[float64])
}

func testAdopt[T elements.Type](t *testing.T) {
	b1, ctx1 := newBackend[T](t)
	ctx2, err := emulated.New(1)
	require.NoError(t, err)
	b2, err := NewWithContext[T](ctx2, "second")
	require.NoError(t, err)
	defer func() {
		b2.Finalize()
		ctx2.Finalize()
	}()

	x := b1.FromData([]T{1, 2, 3})
	y := b1.Add(x, x)
	require.Equal(t, DeviceModified, y.State())
	liveBefore := ctx1.Stats().LiveAllocations

	b2.Adopt(y)
	assert.Same(t, b2, y.Backend())
	assert.Equal(t, Clean, y.State())
	assert.Equal(t, liveBefore-1, ctx1.Stats().LiveAllocations)
	assert.Equal(t, 0, ctx2.Stats().LiveAllocations)

	z := b2.Add(y, y)
	assert.Equal(t, []T{4, 8, 12}, z.Values())
	assert.Equal(t, 2, ctx2.Stats().LiveAllocations)
	requirePanicsWith(t, ErrOwnership, func() { b1.Add(x, y) })

	// Adopting after the previous backend was finalized works if the host holds the values.
	w := b1.FromData([]T{5})
	b1.Finalize()
	b2.Adopt(w)
	assert.Equal(t, []T{5}, w.Values())
}
