// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accel/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	// Only register if there is a usable device, so machines without NVIDIA GPUs fall back to other drivers.
	if n, err := NumDevices(); err != nil || n == 0 {
		klog.V(1).Infof("cuda: driver not registered, no devices available (err=%v)", err)
		return
	}
	devices.Register(DriverName, func(ordinal int) (devices.Context, error) {
		ctx, err := New(ordinal)
		if err != nil {
			return nil, err
		}
		return ctx, nil
	})
}

// Context implements devices.Context for one CUDA device.
//
// All the work is submitted to the default stream, so transfers to the host are synchronization
// points for previously launched routines.
type Context struct {
	ordinal int
	device  int32
	name    string

	totalMem           uint64
	numSMs             int
	maxThreadsPerBlock int
	ccMajor, ccMinor   int

	// mu serializes the use of the context: the driver API binds the current context to the OS thread.
	mu        sync.Mutex
	ctx       uintptr
	blas      *blasHandle
	finalized bool
}

var _ devices.Context = (*Context)(nil)

// New creates a context for the CUDA device with the given ordinal.
func New(ordinal int) (*Context, error) {
	numDevices, err := NumDevices()
	if err != nil {
		return nil, err
	}
	if ordinal < 0 || ordinal >= numDevices {
		return nil, errors.Wrapf(devices.ErrConfiguration, "CUDA device ordinal %d out of range, %d devices available", ordinal, numDevices)
	}
	c := &Context{ordinal: ordinal}
	if err := check(cuDeviceGet(&c.device, int32(ordinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	nameBuf := make([]byte, 256)
	if err := check(cuDeviceGetName(&nameBuf[0], int32(len(nameBuf)), c.device), "cuDeviceGetName"); err != nil {
		return nil, err
	}
	c.name = goString(nameBuf)
	if err := check(cuDeviceTotalMem(&c.totalMem, c.device), "cuDeviceTotalMem"); err != nil {
		return nil, err
	}
	attr := func(attribute int32) (int, error) {
		var value int32
		err := check(cuDeviceGetAttribute(&value, attribute, c.device), "cuDeviceGetAttribute")
		return int(value), err
	}
	for _, a := range []struct {
		attribute int32
		value     *int
	}{
		{attrMaxThreadsPerBlock, &c.maxThreadsPerBlock},
		{attrMultiprocessorCount, &c.numSMs},
		{attrComputeCapabilityMajor, &c.ccMajor},
		{attrComputeCapabilityMinor, &c.ccMinor},
	} {
		if *a.value, err = attr(a.attribute); err != nil {
			return nil, err
		}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check(cuCtxCreate(&c.ctx, 0, c.device), "cuCtxCreate"); err != nil {
		return nil, err
	}
	c.blas, err = newBLASHandle(c)
	if err != nil {
		_ = cuCtxDestroy(c.ctx)
		return nil, err
	}
	klog.V(1).Infof("cuda: created context for %s", c.Description())
	return c, nil
}

// run fn with the context current on a locked OS thread.
func (c *Context) run(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return errors.Errorf("CUDA context for device #%d already finalized", c.ordinal)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check(cuCtxSetCurrent(c.ctx), "cuCtxSetCurrent"); err != nil {
		return err
	}
	return fn()
}

// Name implements devices.Context.
func (c *Context) Name() string { return DriverName }

// Ordinal implements devices.Context.
func (c *Context) Ordinal() int { return c.ordinal }

// Description implements devices.Context.
func (c *Context) Description() string {
	return fmt.Sprintf("%s #%d (compute capability %d.%d, %d SMs, %s)",
		c.name, c.ordinal, c.ccMajor, c.ccMinor, c.numSMs, humanize.IBytes(c.totalMem))
}

// MaxThreadsPerBlock implements devices.Context.
func (c *Context) MaxThreadsPerBlock() int { return c.maxThreadsPerBlock }

// BLAS implements devices.Context.
func (c *Context) BLAS() devices.BLAS { return c.blas }

// Alloc implements devices.Context.
func (c *Context) Alloc(bytes int) (ptr devices.Ptr, err error) {
	if bytes <= 0 {
		return 0, errors.Errorf("cuda.Alloc(%d): invalid allocation size", bytes)
	}
	err = c.run(func() error {
		var p uintptr
		if err := check(cuMemAlloc(&p, uint64(bytes)), "cuMemAlloc"); err != nil {
			return errors.WithMessagef(err, "allocating %s", humanize.Bytes(uint64(bytes)))
		}
		ptr = devices.Ptr(p)
		return nil
	})
	return
}

// Free implements devices.Context.
//
// It waits for the pending routines first.
func (c *Context) Free(ptr devices.Ptr) error {
	return c.run(func() error {
		if err := check(cuCtxSynchronize(), "cuCtxSynchronize"); err != nil {
			return err
		}
		return check(cuMemFree(uintptr(ptr)), "cuMemFree")
	})
}

// CopyHtoD implements devices.Context.
func (c *Context) CopyHtoD(dst devices.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return c.run(func() error {
		return check(cuMemcpyHtoD(uintptr(dst), unsafe.Pointer(&src[0]), uint64(len(src))), "cuMemcpyHtoD")
	})
}

// CopyDtoH implements devices.Context.
func (c *Context) CopyDtoH(dst []byte, src devices.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return c.run(func() error {
		return check(cuMemcpyDtoH(unsafe.Pointer(&dst[0]), uintptr(src), uint64(len(dst))), "cuMemcpyDtoH")
	})
}

// CopyDtoD implements devices.Context.
func (c *Context) CopyDtoD(dst, src devices.Ptr, bytes int) error {
	if bytes == 0 {
		return nil
	}
	return c.run(func() error {
		return check(cuMemcpyDtoD(uintptr(dst), uintptr(src), uint64(bytes)), "cuMemcpyDtoD")
	})
}

// Synchronize implements devices.Context.
func (c *Context) Synchronize() error {
	return c.run(func() error {
		return check(cuCtxSynchronize(), "cuCtxSynchronize")
	})
}

// Finalize implements devices.Context.
func (c *Context) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	_ = cuCtxSetCurrent(c.ctx)
	c.blas.destroy()
	if err := check(cuCtxDestroy(c.ctx), "cuCtxDestroy"); err != nil {
		klog.Warningf("cuda: failed to destroy context of device #%d: %v", c.ordinal, err)
	}
	c.ctx = 0
	c.finalized = true
}
