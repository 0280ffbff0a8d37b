// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/gomlx/accel/types/elements"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSharedHostRange(t *testing.T) {
	b, ctx := newBackend[float32](t)
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	x := b.FromDataRange(data, 0, 4)
	y := b.FromDataRange(data, 0, 4)
	z := b.FromDataRange(data, 4, 4)

	// The same range of the same array shares the storage.
	assert.Same(t, x.s, y.s)
	assert.NotSame(t, x.s, z.s)

	ptr := x.DeviceHandle()
	assert.Equal(t, ptr, y.DeviceHandle())
	assert.NotEqual(t, ptr, z.DeviceHandle())
	stats := b.CacheStats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 2, stats.LiveAllocations)
	assert.Equal(t, 32, stats.LiveBytes)
	assert.Equal(t, 2, stats.Misses)
	assert.GreaterOrEqual(t, stats.Hits, 1)
	assert.NotNil(t, b.cache.lookup(x.s.key))

	// The allocation lives until both of its holders are finalized.
	x.Finalize()
	assert.Equal(t, 2, b.CacheStats().LiveAllocations)
	y.Finalize()
	assert.Equal(t, 1, b.CacheStats().LiveAllocations)
	assert.Equal(t, 1, b.CacheStats().Entries)
	z.Finalize()
	assert.Equal(t, 0, ctx.Stats().LiveAllocations)
}

func TestCacheSharedHostRangeUpdates(t *testing.T) {
	b, _ := newBackend[float32](t)
	data := []float32{1, 2, 3, 4}
	x := b.FromDataRange(data, 0, 4)
	y := b.FromDataRange(data, 0, 4)
	ones := b.FromData([]float32{1, 1, 1, 1})
	x.DeviceHandle()
	y.DeviceHandle()

	// Updates on the device through x are seen through y.
	b.AddInPlace(x, ones)
	require.Equal(t, DeviceModified, x.State())
	assert.Equal(t, DeviceModified, y.State())
	assert.Equal(t, []float32{2, 3, 4, 5}, y.Values())

	// Host updates through y don't overwrite the device updates of x.
	b.AddInPlace(x, ones)
	y.Set(0, 100)
	y.DeviceHandle()
	assert.Equal(t, []float32{100, 4, 5, 6}, x.Values())

	// Once every handle is finalized, the range gets a new storage.
	x.Finalize()
	y.Finalize()
	w := b.FromDataRange(data, 0, 4)
	assert.Equal(t, HostModified, w.State())
	assert.Equal(t, []float32{100, 4, 5, 6}, w.Values())
}

func TestCacheLengthMismatchEvicts(t *testing.T) {
	b, ctx := newBackend[float32](t)
	data := []float32{1, 2, 3, 4}
	x := b.FromDataRange(data, 0, 4)
	short := b.FromDataRange(data, 0, 2)

	x.DeviceHandle()
	short.DeviceHandle()
	stats := b.CacheStats()
	assert.Equal(t, 1, stats.Evictions)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 2, stats.LiveAllocations)
	assert.Equal(t, []float32{1, 2}, short.Values())

	// The evicted allocation is freed with its last holder.
	x.Finalize()
	assert.Equal(t, 1, ctx.Stats().LiveAllocations)
	short.Finalize()
	assert.Equal(t, 0, ctx.Stats().LiveAllocations)
}

func TestCacheEvictedDeviceValues(t *testing.T) {
	b, ctx := newBackend[float32](t)
	data := []float32{1, 2, 3, 4}
	x := b.FromDataRange(data, 0, 4)
	ptr := x.DeviceHandle()
	require.NoError(t, ctx.CopyHtoD(ptr, elements.AsBytes([]float32{10, 20, 30, 40})))
	x.MarkDeviceModified()

	// Evicts the allocation of x, which holds its most recent values.
	short := b.FromDataRange(data, 0, 2)
	short.DeviceHandle()
	require.Equal(t, 1, b.CacheStats().Evictions)

	// The values move to the new allocation on the device.
	dtod := ctx.Stats().DtoD
	assert.NotEqual(t, ptr, x.DeviceHandle())
	assert.Equal(t, dtod+1, ctx.Stats().DtoD)
	assert.Equal(t, DeviceModified, x.State())
	assert.Equal(t, []float32{10, 20, 30, 40}, x.Values())
	assert.Equal(t, 2, b.CacheStats().Evictions)
	assert.False(t, ctx.IsAllocated(ptr))
}

func TestCacheTypeMismatch(t *testing.T) {
	b, _ := newBackend[float32](t)
	requirePanicsWith(t, ErrType, func() {
		b.cache.acquire(hostKey{}, dtypes.Float64, 8, nil)
	})
}

func TestCacheFinalize(t *testing.T) {
	b, ctx := newBackend[float64](t)
	for i := range 3 {
		buf := b.NewBuffer(i + 1)
		buf.CopyHostToDevice()
	}
	require.Equal(t, 3, ctx.Stats().LiveAllocations)
	b.cache.finalize()
	assert.Equal(t, 0, ctx.Stats().LiveAllocations)
	requirePanicsWith(t, ErrFinalized, func() { b.cache.acquire(hostKey{}, dtypes.Float64, 8, nil) })
}
