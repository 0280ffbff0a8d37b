// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// realType is the C type used for `REAL` for each supported dtype.
var realType = map[dtypes.DType]string{
	dtypes.Float32: "float",
	dtypes.Float64: "double",
}

// module implements devices.Module for a loaded CUmodule.
type module struct {
	ctx       *Context
	name      string
	handle    uintptr
	functions map[string]*function
}

// function implements devices.Function for a CUfunction.
type function struct {
	module *module
	name   string
	handle uintptr
}

// LoadModule implements devices.Context: it compiles the source with NVRTC and loads the resulting PTX.
func (c *Context) LoadModule(src devices.ModuleSource) (devices.Module, error) {
	cType, found := realType[src.DType]
	if !found {
		return nil, errors.Errorf("cuda: module %q: dtype %s not supported", src.Name, src.DType)
	}
	ptx, err := compile(src.Name+".cu", src.Code, []string{
		"-DREAL=" + cType,
		archOption(c.ccMajor, c.ccMinor),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "cuda: module %q", src.Name)
	}
	m := &module{ctx: c, name: src.Name, functions: make(map[string]*function, len(src.Entries))}
	err = c.run(func() error {
		if err := check(cuModuleLoadData(&m.handle, unsafe.Pointer(&ptx[0])), "cuModuleLoadData"); err != nil {
			return err
		}
		for _, name := range src.Entries {
			fn := &function{module: m, name: name}
			if err := check(cuModuleGetFunction(&fn.handle, m.handle, cString(name)), "cuModuleGetFunction("+name+")"); err != nil {
				return err
			}
			m.functions[name] = fn
		}
		return nil
	})
	if err != nil {
		m.Finalize()
		return nil, errors.WithMessagef(err, "cuda: module %q", src.Name)
	}
	klog.V(1).Infof("cuda: device #%d loaded module %q (%s) with %d routines", c.ordinal, src.Name, src.DType, len(m.functions))
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
	if m.handle == 0 {
		return
	}
	err := m.ctx.run(func() error { return check(cuModuleUnload(m.handle), "cuModuleUnload") })
	if err != nil {
		klog.Warningf("cuda: unloading module %q: %v", m.name, err)
	}
	m.handle = 0
	m.functions = nil
}

// Name implements devices.Function.
func (f *function) Name() string { return f.name }

// Launch implements devices.Function. The routine runs asynchronously on the default stream.
func (f *function) Launch(cfg devices.LaunchConfig, args ...any) error {
	// cuLaunchKernel takes an array of pointers to each argument value.
	var pinner runtime.Pinner
	defer pinner.Unpin()
	params := make([]unsafe.Pointer, len(args))
	for i, arg := range args {
		var p unsafe.Pointer
		switch v := arg.(type) {
		case int32:
			p = unsafe.Pointer(&v)
		case float32:
			p = unsafe.Pointer(&v)
		case float64:
			p = unsafe.Pointer(&v)
		case devices.Ptr:
			ptr := uint64(v)
			p = unsafe.Pointer(&ptr)
		default:
			return errors.Errorf("launch of %q: argument #%d has unsupported type %T", f.name, i, arg)
		}
		pinner.Pin(p)
		params[i] = p
	}
	var paramsPtr unsafe.Pointer
	if len(params) > 0 {
		pinner.Pin(&params[0])
		paramsPtr = unsafe.Pointer(&params[0])
	}
	dim := func(d int) uint32 { return uint32(max(d, 1)) }
	return f.module.ctx.run(func() error {
		r := cuLaunchKernel(f.handle,
			dim(cfg.Grid.X), dim(cfg.Grid.Y), dim(cfg.Grid.Z),
			dim(cfg.Block.X), dim(cfg.Block.Y), dim(cfg.Block.Z),
			uint32(cfg.SharedMemBytes), 0, paramsPtr, nil)
		return check(r, "cuLaunchKernel("+f.name+")")
	})
}
