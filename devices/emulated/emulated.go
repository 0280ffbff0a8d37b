// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package emulated implements a device driver that keeps "device" memory in host RAM.
//
// It behaves like a discrete accelerator from the point of view of its users: device memory is only
// reachable through Ptr handles, data moves exclusively through the explicit CopyHtoD/CopyDtoH/CopyDtoD
// calls, and routines honor grid, block and shared memory configuration like hardware kernels would
// (elements outside the launched grid are not processed, and too little shared memory fails the launch).
//
// It is used to run and test the compute backends on machines without an accelerator, and it keeps
// statistics (Context.Stats) on allocations and transfers.
//
// It registers itself as the driver "emulated".
package emulated

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverName used to register the emulated driver.
const DriverName = "emulated"

// NumDevices emulated by the driver.
const NumDevices = 4

// MaxThreadsPerBlock of the emulated devices.
const MaxThreadsPerBlock = 1024

// alignment of the emulated device allocations, in bytes.
const alignment = 256

func init() {
	devices.Register(DriverName, func(ordinal int) (devices.Context, error) {
		ctx, err := New(ordinal)
		if err != nil {
			return nil, err
		}
		return ctx, nil
	})
}

// Stats of an emulated Context.
type Stats struct {
	// LiveAllocations and LiveBytes currently allocated.
	LiveAllocations int
	LiveBytes       int

	// TotalAllocations since the creation of the context.
	TotalAllocations int

	// Number of transfers of each type, and bytes transferred.
	HtoD, DtoH, DtoD                int
	HtoDBytes, DtoHBytes, DtoDBytes int

	// Launches of routines.
	Launches int
}

// region of emulated device memory.
type region struct {
	base devices.Ptr
	data []byte
}

// Context implements devices.Context in host memory.
type Context struct {
	ordinal int

	mu        sync.Mutex
	regions   map[devices.Ptr]*region
	nextPtr   devices.Ptr

	// bases of the live regions, sorted.
	bases []devices.Ptr
	stats     Stats
	finalized bool

	blas *blasHandle

	// pool runs the blocks of launched routines in parallel.
	pool *workerspool.Pool
}

// Compile-time check.
var _ devices.Context = (*Context)(nil)

// New creates an emulated device context for the given ordinal.
func New(ordinal int) (*Context, error) {
	if ordinal < 0 || ordinal >= NumDevices {
		return nil, errors.Wrapf(devices.ErrConfiguration, "emulated device ordinal %d out of range [0, %d)", ordinal, NumDevices)
	}
	ctx := &Context{
		ordinal: ordinal,
		regions: make(map[devices.Ptr]*region),
		// Each device gets its own address range, so pointers of different devices never collide.
		nextPtr: devices.Ptr(uint64(ordinal+1) << 40),
	}
	ctx.blas = &blasHandle{ctx: ctx}
	ctx.pool = workerspool.New()
	return ctx, nil
}

// SetMaxParallelism sets the soft limit of goroutines used to run a launched routine. 0 runs routines
// sequentially, and -1 removes the limit. It must not be called while routines are running.
func (ctx *Context) SetMaxParallelism(maxParallelism int) {
	ctx.pool.SetMaxParallelism(maxParallelism)
}

// Name implements devices.Context.
func (ctx *Context) Name() string { return DriverName }

// Ordinal implements devices.Context.
func (ctx *Context) Ordinal() int { return ctx.ordinal }

// Description implements devices.Context.
func (ctx *Context) Description() string {
	return fmt.Sprintf("emulated accelerator #%d (host memory)", ctx.ordinal)
}

// MaxThreadsPerBlock implements devices.Context.
func (ctx *Context) MaxThreadsPerBlock() int { return MaxThreadsPerBlock }

// BLAS implements devices.Context.
func (ctx *Context) BLAS() devices.BLAS { return ctx.blas }

// Synchronize implements devices.Context. Emulated routines run synchronously, so there is nothing to wait for.
func (ctx *Context) Synchronize() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.checkValidLocked()
}

// Finalize implements devices.Context. Any memory still allocated is released.
func (ctx *Context) Finalize() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.finalized {
		return
	}
	if len(ctx.regions) > 0 {
		klog.V(1).Infof("emulated device #%d finalized with %d live allocations (%s)",
			ctx.ordinal, len(ctx.regions), humanize.Bytes(uint64(ctx.stats.LiveBytes)))
	}
	ctx.regions = nil
	ctx.bases = nil
	ctx.finalized = true
}

// Stats returns a snapshot of the context statistics.
func (ctx *Context) Stats() Stats {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.stats
}

func (ctx *Context) checkValidLocked() error {
	if ctx.finalized {
		return errors.Errorf("emulated device #%d already finalized", ctx.ordinal)
	}
	return nil
}

// Alloc implements devices.Context.
func (ctx *Context) Alloc(bytes int) (devices.Ptr, error) {
	if bytes <= 0 {
		return 0, errors.Errorf("emulated.Alloc(%d): invalid allocation size", bytes)
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err := ctx.checkValidLocked(); err != nil {
		return 0, err
	}
	// Back with []uint64 so that any element type is properly aligned.
	words := make([]uint64, (bytes+7)/8)
	r := &region{base: ctx.nextPtr, data: bytesOfWords(words)[:bytes]}
	ctx.regions[r.base] = r
	ctx.bases = append(ctx.bases, r.base) // nextPtr only grows, so bases stay sorted.
	ctx.nextPtr += devices.Ptr((bytes + alignment - 1) / alignment * alignment)
	ctx.stats.LiveAllocations++
	ctx.stats.TotalAllocations++
	ctx.stats.LiveBytes += bytes
	return r.base, nil
}

// Free implements devices.Context.
func (ctx *Context) Free(ptr devices.Ptr) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err := ctx.checkValidLocked(); err != nil {
		return err
	}
	r, found := ctx.regions[ptr]
	if !found {
		return errors.Errorf("emulated.Free(%#x): pointer not allocated on device #%d", uintptr(ptr), ctx.ordinal)
	}
	delete(ctx.regions, ptr)
	if idx, found := slices.BinarySearch(ctx.bases, ptr); found {
		ctx.bases = slices.Delete(ctx.bases, idx, idx+1)
	}
	ctx.stats.LiveAllocations--
	ctx.stats.LiveBytes -= len(r.data)
	return nil
}

// IsAllocated returns whether ptr is the base of a live allocation.
func (ctx *Context) IsAllocated(ptr devices.Ptr) bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	_, found := ctx.regions[ptr]
	return found
}

// resolveLocked returns the memory from ptr (which may point inside an allocation) to the end of its allocation,
// checking that at least bytes are available.
func (ctx *Context) resolveLocked(ptr devices.Ptr, bytes int) ([]byte, error) {
	if err := ctx.checkValidLocked(); err != nil {
		return nil, err
	}
	if r, found := ctx.regions[ptr]; found {
		if bytes > len(r.data) {
			return nil, errors.Errorf("access of %d bytes at %#x overflows allocation of %d bytes", bytes, uintptr(ptr), len(r.data))
		}
		return r.data, nil
	}
	// Interior pointer: it can only be in the last allocation below it.
	idx, _ := slices.BinarySearch(ctx.bases, ptr)
	if idx > 0 {
		r := ctx.regions[ctx.bases[idx-1]]
		offset := int(ptr - r.base)
		if offset < len(r.data) {
			if offset+bytes > len(r.data) {
				return nil, errors.Errorf("access of %d bytes at %#x overflows allocation %#x of %d bytes",
					bytes, uintptr(ptr), uintptr(r.base), len(r.data))
			}
			return r.data[offset:], nil
		}
	}
	return nil, errors.Errorf("invalid device pointer %#x for emulated device #%d", uintptr(ptr), ctx.ordinal)
}

// CopyHtoD implements devices.Context.
func (ctx *Context) CopyHtoD(dst devices.Ptr, src []byte) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	mem, err := ctx.resolveLocked(dst, len(src))
	if err != nil {
		return errors.WithMessage(err, "emulated.CopyHtoD")
	}
	copy(mem, src)
	ctx.stats.HtoD++
	ctx.stats.HtoDBytes += len(src)
	return nil
}

// CopyDtoH implements devices.Context.
func (ctx *Context) CopyDtoH(dst []byte, src devices.Ptr) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	mem, err := ctx.resolveLocked(src, len(dst))
	if err != nil {
		return errors.WithMessage(err, "emulated.CopyDtoH")
	}
	copy(dst, mem)
	ctx.stats.DtoH++
	ctx.stats.DtoHBytes += len(dst)
	return nil
}

// CopyDtoD implements devices.Context.
func (ctx *Context) CopyDtoD(dst, src devices.Ptr, bytes int) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	srcMem, err := ctx.resolveLocked(src, bytes)
	if err != nil {
		return errors.WithMessage(err, "emulated.CopyDtoD(src)")
	}
	dstMem, err := ctx.resolveLocked(dst, bytes)
	if err != nil {
		return errors.WithMessage(err, "emulated.CopyDtoD(dst)")
	}
	copy(dstMem[:bytes], srcMem[:bytes])
	ctx.stats.DtoD++
	ctx.stats.DtoDBytes += bytes
	return nil
}
