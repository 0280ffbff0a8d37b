// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"testing"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newContext returns a context for device 0, or skips the test if no CUDA device is available.
func newContext(t *testing.T) *Context {
	n, err := NumDevices()
	if err != nil || n == 0 {
		t.Skipf("no CUDA device available: %v", err)
	}
	ctx, err := New(0)
	require.NoError(t, err)
	t.Cleanup(ctx.Finalize)
	return ctx
}

func TestConfiguration(t *testing.T) {
	n, err := NumDevices()
	if err != nil {
		require.ErrorIs(t, err, devices.ErrConfiguration)
		require.NotContains(t, devices.List(), DriverName)
		return
	}
	if n > 0 {
		require.Contains(t, devices.List(), DriverName)
	}
	_, err = New(1 << 20)
	require.ErrorIs(t, err, devices.ErrConfiguration)
}

func TestTransfersAndLaunch(t *testing.T) {
	ctx := newContext(t)
	assert.Greater(t, ctx.MaxThreadsPerBlock(), 0)

	values := []float32{1, 2, 3, 4}
	bytes := []byte{0, 0, 128, 63, 0, 0, 0, 64, 0, 0, 64, 64, 0, 0, 128, 64} // little-endian 1, 2, 3, 4
	x, err := ctx.Alloc(len(bytes))
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Free(x)) }()
	y, err := ctx.Alloc(len(bytes))
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Free(y)) }()
	require.NoError(t, ctx.CopyHtoD(x, bytes))

	m, err := ctx.LoadModule(devices.ModuleSource{
		Name:  "test",
		DType: dtypes.Float32,
		Code: `extern "C" __global__ void Add_V_S(int n, const REAL* x, REAL s, REAL* y) {
			int i = blockIdx.x * blockDim.x + threadIdx.x;
			if (i < n) y[i] = x[i] + s;
		}`,
		Entries: []string{"Add_V_S"},
	})
	require.NoError(t, err)
	defer m.Finalize()
	fn, err := m.Function("Add_V_S")
	require.NoError(t, err)
	cfg := devices.LaunchConfig{Grid: devices.Dim3{X: 1}, Block: devices.Dim3{X: 256}}
	require.NoError(t, fn.Launch(cfg, int32(len(values)), x, float32(1), y))

	got := make([]byte, len(bytes))
	require.NoError(t, ctx.CopyDtoH(got, y))
	// little-endian 2, 3, 4, 5
	assert.Equal(t, []byte{0, 0, 0, 64, 0, 0, 64, 64, 0, 0, 128, 64, 0, 0, 160, 64}, got)
}
