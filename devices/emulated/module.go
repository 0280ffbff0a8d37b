// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package emulated

import (
	"github.com/gomlx/accel/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// module implements devices.Module with the Go implementations of the routines.
type module struct {
	ctx       *Context
	name      string
	functions map[string]*function
}

// function implements devices.Function.
type function struct {
	module *module
	name   string
	fn     kernelFn
}

// LoadModule implements devices.Context.
// The CUDA source is ignored: each entry is bound to its Go implementation, for the module's dtype.
func (ctx *Context) LoadModule(src devices.ModuleSource) (devices.Module, error) {
	kernels, err := kernelsForDType(src.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading module %q", src.Name)
	}
	m := &module{
		ctx:       ctx,
		name:      src.Name,
		functions: make(map[string]*function, len(src.Entries)),
	}
	for _, name := range src.Entries {
		fn, found := kernels[name]
		if !found {
			return nil, errors.Errorf("emulated device: routine %q of module %q not available", name, src.Name)
		}
		m.functions[name] = &function{module: m, name: name, fn: fn}
	}
	klog.V(1).Infof("emulated device #%d: loaded module %q (%s) with %d routines", ctx.ordinal, src.Name, src.DType, len(m.functions))
	return m, nil
}

// Function implements devices.Module.
func (m *module) Function(name string) (devices.Function, error) {
	fn, found := m.functions[name]
	if !found {
		return nil, errors.Errorf("routine %q not found in module %q", name, m.name)
	}
	return fn, nil
}

// Finalize implements devices.Module.
func (m *module) Finalize() {
	m.functions = nil
}

// Name implements devices.Function.
func (f *function) Name() string { return f.name }

// Launch implements devices.Function. It runs synchronously.
func (f *function) Launch(cfg devices.LaunchConfig, args ...any) error {
	ctx := f.module.ctx
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err := ctx.checkValidLocked(); err != nil {
		return err
	}
	if cfg.Grid.Size() <= 0 || cfg.Block.Size() <= 0 {
		return errors.Errorf("launch of %q with empty grid %+v or block %+v", f.name, cfg.Grid, cfg.Block)
	}
	if cfg.Block.Size() > MaxThreadsPerBlock {
		return errors.Errorf("launch of %q with %d threads per block, the maximum is %d", f.name, cfg.Block.Size(), MaxThreadsPerBlock)
	}
	ctx.stats.Launches++
	if err := f.fn(ctx, cfg, args); err != nil {
		return errors.WithMessagef(err, "launch of %q", f.name)
	}
	return nil
}
