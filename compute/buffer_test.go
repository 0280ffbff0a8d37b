// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/accel/types/elements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	byDType(t, testBufferRoundTrip[float32], testBufferRoundTrip[float64])
}

func testBufferRoundTrip[T elements.Type](t *testing.T) {
	b, ctx := newBackend[T](t)
	buf := b.FromData([]T{1, 2, 3})
	assert.Equal(t, HostModified, buf.State())
	assert.False(t, buf.IsDeviceInitialized())
	assert.Equal(t, 0, ctx.Stats().HtoD)

	ptr := buf.DeviceHandle()
	assert.Equal(t, Clean, buf.State())
	assert.True(t, buf.IsDeviceInitialized())
	assert.Equal(t, 1, ctx.Stats().HtoD)

	// No transfers while both sides hold the same values.
	assert.Equal(t, ptr, buf.DeviceHandle())
	assert.Equal(t, []T{1, 2, 3}, buf.Values())
	assert.Equal(t, 1, ctx.Stats().HtoD)
	assert.Equal(t, 0, ctx.Stats().DtoH)

	// Change the device memory directly.
	require.NoError(t, ctx.CopyHtoD(ptr, elements.AsBytes([]T{7, 8, 9})))
	buf.MarkDeviceModified()
	assert.Equal(t, DeviceModified, buf.State())
	assert.Equal(t, T(8), buf.Value(1))
	assert.Equal(t, Clean, buf.State())
	assert.Equal(t, 1, ctx.Stats().DtoH)
	assert.Equal(t, []T{7, 8, 9}, buf.Values())
	assert.Equal(t, 1, ctx.Stats().DtoH)

	// Change the host values directly.
	buf.MutableData(func(flat []T) { flat[0] = 10 })
	assert.Equal(t, HostModified, buf.State())
	buf.DeviceHandle()
	assert.Equal(t, 3, ctx.Stats().HtoD) // Including the direct copy above.
	got := make([]T, 3)
	require.NoError(t, ctx.CopyDtoH(elements.AsBytes(got), ptr))
	assert.Equal(t, []T{10, 8, 9}, got)

	buf.Set(2, 11)
	assert.Equal(t, HostModified, buf.State())
	buf.CopyHostToDevice()
	assert.Equal(t, Clean, buf.State())
	requirePanicsWith(t, ErrShape, func() { buf.Value(3) })
	requirePanicsWith(t, ErrShape, func() { buf.Set(-1, 0) })
}

func TestBufferProtocolViolations(t *testing.T) {
	b, _ := newBackend[float32](t)
	buf := b.FromData([]float32{1, 2})
	requirePanicsWith(t, ErrProtocolViolation, buf.MarkDeviceModified)
	requirePanicsWith(t, ErrProtocolViolation, buf.CopyDeviceToHost)

	buf.CopyHostToDevice()
	buf.MarkDeviceModified()
	requirePanicsWith(t, ErrProtocolViolation, buf.MarkHostModified)
	requirePanicsWith(t, ErrProtocolViolation, buf.CopyHostToDevice)

	buf.CopyDeviceToHost()
	assert.Equal(t, Clean, buf.State())
	buf.MarkHostModified()
	assert.Equal(t, HostModified, buf.State())

	// OnWriteAccess synchronizes first, so it's never a violation.
	buf.CopyHostToDevice()
	buf.MarkDeviceModified()
	buf.OnWriteAccess()
	assert.Equal(t, HostModified, buf.State())
}

func TestBufferRange(t *testing.T) {
	b, ctx := newBackend[float32](t)
	data := []float32{0, 1, 2, 3, 4, 5}
	buf := b.FromDataRange(data, 2, 3)
	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, 2, buf.Offset())
	assert.Equal(t, []float32{2, 3, 4}, buf.Values())

	buf.DeviceHandle()
	assert.Equal(t, 12, ctx.Stats().HtoDBytes)
	requirePanicsWith(t, ErrShape, func() { b.FromDataRange(data, 4, 3) })
	requirePanicsWith(t, ErrShape, func() { b.FromDataRange(data, -1, 1) })
}

func TestBufferCopies(t *testing.T) {
	byDType(t, testBufferCopies[float32], testBufferCopies[float64])
}

func testBufferCopies[T elements.Type](t *testing.T) {
	b, ctx := newBackend[T](t)

	// Host only buffer.
	x := b.FromData([]T{1, 2, 3})
	c := x.DeepCopy()
	assert.Equal(t, HostModified, c.State())
	c.Set(0, 100)
	assert.Equal(t, []T{1, 2, 3}, x.Values())
	assert.Equal(t, []T{100, 2, 3}, c.Values())

	// Device modified values are copied on the device.
	y := b.Add(x, x)
	require.Equal(t, DeviceModified, y.State())
	dtoh := ctx.Stats().DtoH
	yc := y.DeepCopy()
	assert.Equal(t, DeviceModified, yc.State())
	assert.Equal(t, dtoh, ctx.Stats().DtoH)
	assert.NotEqual(t, y.DeviceHandle(), yc.DeviceHandle())
	assert.Equal(t, []T{2, 4, 6}, yc.Values())
	assert.Equal(t, []T{2, 4, 6}, y.Values())

	// Shallow copies share host and device data.
	s := y.ShallowCopy()
	assert.Equal(t, y.DeviceHandle(), s.DeviceHandle())
	s.Set(1, 40)
	assert.Equal(t, T(40), y.Value(1))

	live := b.CacheStats().LiveAllocations
	y.Finalize()
	assert.True(t, y.IsFinalized())
	assert.Equal(t, live, b.CacheStats().LiveAllocations)
	assert.Equal(t, []T{2, 40, 6}, s.Values())
	s.Finalize()
	assert.Equal(t, live-1, b.CacheStats().LiveAllocations)

	requirePanicsWith(t, ErrFinalized, func() { y.Values() })
	requirePanicsWith(t, ErrFinalized, func() { s.DeviceHandle() })
	s.Finalize()
	assert.Equal(t, "Buffer(finalized)", s.String())
}

func TestBufferDeepCopyHostModified(t *testing.T) {
	b, ctx := newBackend[float32](t)
	x := b.FromData([]float32{1, 2, 3})
	x.DeviceHandle()
	x.Set(0, 5)
	require.Equal(t, HostModified, x.State())

	// The device values are stale: only the host values are copied.
	dtod := ctx.Stats().DtoD
	c := x.DeepCopy()
	assert.Equal(t, dtod, ctx.Stats().DtoD)
	assert.Equal(t, HostModified, c.State())
	assert.False(t, c.IsDeviceInitialized())
	assert.Equal(t, []float32{5, 2, 3}, c.Values())

	// Clean values are copied on the device.
	x.DeviceHandle()
	c2 := x.DeepCopy()
	assert.Equal(t, dtod+1, ctx.Stats().DtoD)
	assert.Equal(t, Clean, c2.State())
	assert.Equal(t, []float32{5, 2, 3}, c2.Values())
}

func TestBufferZeroLength(t *testing.T) {
	b, ctx := newBackend[float32](t)
	empty := b.NewBuffer(0)
	assert.Equal(t, 0, empty.Len())
	assert.Zero(t, empty.DeviceHandle())
	empty.MarkDeviceModified()
	assert.Empty(t, empty.Values())
	assert.Equal(t, 0, ctx.Stats().TotalAllocations)
	assert.Equal(t, 0, empty.DeepCopy().Len())
}

// dropOnDevice creates a buffer with device memory, and drops it without Finalize.
func dropOnDevice(b *Backend[float32]) {
	buf := b.FromData([]float32{1, 2, 3})
	buf.DeviceHandle()
}

func TestBufferReleasedByGC(t *testing.T) {
	b, ctx := newBackend[float32](t)
	dropOnDevice(b)
	require.Equal(t, 1, b.CacheStats().LiveAllocations)
	require.Equal(t, 1, ctx.Stats().LiveAllocations)
	require.Eventually(t, func() bool {
		runtime.GC()
		return b.CacheStats().LiveAllocations == 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, ctx.Stats().LiveAllocations)
	assert.Equal(t, 0, b.CacheStats().Entries)
}

func TestTemporaryOperands(t *testing.T) {
	b, ctx := newBackend[float64](t)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				runtime.GC()
			}
		}
	}()

	for i := range 200 {
		v := float64(i)
		sum := b.Add(b.FromData([]float64{v, 1, 2}), b.FromData([]float64{1, v, 3}))
		require.Equal(t, []float64{v + 1, v + 1, 5}, sum.Values())
		sum.Finalize()

		diff := b.Sub(b.FromData([]float64{v, 1}), b.FromData([]float64{1, v}))
		require.Equal(t, []float64{v - 1, 1 - v}, diff.Values())
		diff.Finalize()

		prod := b.MatMul(b.ViewFromData([]float64{1, 2, 3, 4}, 2, 2), b.ViewFromData([]float64{v, 0, 0, v}, 2, 2))
		require.Equal(t, []float64{v, 2 * v, 3 * v, 4 * v}, prod.Values())
		prod.Finalize()

		require.Equal(t, 3*v+6, b.Sum(b.FromData([]float64{v, v, v, 1, 2, 3})))
	}
	close(done)
	wg.Wait()

	// Every temporary is eventually released.
	require.Eventually(t, func() bool {
		runtime.GC()
		return ctx.Stats().LiveAllocations == 0
	}, 10*time.Second, 10*time.Millisecond)
}
