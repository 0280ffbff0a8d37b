// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/devices/emulated"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partialContext is a device context whose modules miss one routine.
type partialContext struct {
	devices.Context
	missing string
}

func (c partialContext) LoadModule(src devices.ModuleSource) (devices.Module, error) {
	module, err := c.Context.LoadModule(src)
	if err != nil {
		return nil, err
	}
	return partialModule{Module: module, missing: c.missing}, nil
}

type partialModule struct {
	devices.Module
	missing string
}

func (m partialModule) Function(name string) (devices.Function, error) {
	if name == m.missing {
		return nil, errors.Errorf("routine %q not found", name)
	}
	return m.Module.Function(name)
}

func TestRoutineTableMissingRoutine(t *testing.T) {
	ctx, err := emulated.New(0)
	require.NoError(t, err)
	defer ctx.Finalize()
	_, err = NewWithContext[float32](partialContext{Context: ctx, missing: "Sigmoid_V"}, "")
	require.ErrorIs(t, err, ErrCatalog)
	assert.Contains(t, err.Error(), "Sigmoid_V")
}

func TestRoutineTable(t *testing.T) {
	b, ctx := newBackend[float32](t)
	assert.ElementsMatch(t, CatalogNames(), b.Routines())
	assert.Len(t, CatalogNames(), 16)

	requirePanicsWith(t, ErrCatalog, func() { b.routines.dispatch("Cos_V", 1, 0, int32(1), devices.Ptr(0), devices.Ptr(0)) })
	requirePanicsWith(t, ErrCatalog, func() { b.routines.dispatch("Exp_V", 1, 0, int32(1)) })

	// Nothing is launched for empty inputs, but the arguments are still checked.
	b.routines.dispatch("Exp_V", 0, 0, int32(0), devices.Ptr(0), devices.Ptr(0))
	assert.Equal(t, 0, ctx.Stats().Launches)
	requirePanicsWith(t, ErrCatalog, func() { b.routines.dispatch("Exp_V", 0, 0) })

	// Launch errors are device errors.
	requirePanicsWith(t, ErrDevice, func() {
		b.routines.dispatch("Exp_V", 4, 0, int32(4), devices.Ptr(12345), devices.Ptr(12345))
	})

	launches := ctx.Stats().Launches
	x := b.FromData(make([]float32, 1000))
	y := b.Map(MapFunc[float32]{Op: MapExp}, x)
	assert.Equal(t, 1, b.RoutineLaunches()["Exp_V"])
	assert.Equal(t, launches+1, ctx.Stats().Launches)
	assert.Equal(t, 4, numBlocks(1000, ThreadsPerBlock))
	assert.Equal(t, float32(1), y.Value(999))
}

func TestKernelSource(t *testing.T) {
	for _, name := range CatalogNames() {
		assert.Contains(t, kernelSource, `extern "C" __global__ void `+name+"(")
	}
}
