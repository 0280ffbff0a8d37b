// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compute implements buffers that live both in host memory and in device memory, and the numeric
// primitives that operate on them.
//
// A Backend is bound to one device context (see package devices) and to one element type (float32 or float64).
// It creates Buffer and View values, and implements elementwise, reduction and linear algebra primitives,
// plus custom multi-buffer operations (row-wise softmax with its backward pass).
//
// Each primitive runs either on the device, with the routines of the catalog (see CatalogNames) and the
// device BLAS, or with a host loop: operations the device doesn't accelerate (arbitrary maps, index of
// extremes) always run on the host, and Backend.SetHostOnly forces the host path for everything.
//
// Usage errors (operands of another backend, incompatible shapes, synchronization protocol violations)
// are fatal: they panic with an error wrapping one of the ErrXXX values of this package.
//
// Example:
//
//	backend := compute.MustNew[float32](compute.Config{Device: "emulated:0"})
//	defer backend.Finalize()
//	x := backend.FromData([]float32{1, 2, 3})
//	y := backend.Map(compute.MapFunc[float32]{Op: compute.MapExp}, x)
//	fmt.Println(y.Values())
package compute

import (
	"fmt"
	"sync"

	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// Config of a Backend.
type Config struct {
	// Device configuration, in the format "<driver>:<ordinal>" (see devices.NewWithConfig).
	// If empty, devices.New is used, which honors the ACCEL_DEVICE environment variable.
	Device string

	// Tag identifies the backend instance in error messages and logs. If empty a random UUID is used.
	Tag string
}

// Backend implements the numeric primitives for element type T on one device context.
//
// It's not safe for concurrent use, except for the device allocation cache, which is shared by all of
// its buffers.
type Backend[T elements.Type] struct {
	tag         string
	desc        elements.Descriptor
	ctx         devices.Context
	ownsContext bool

	cache    *allocationCache
	routines *routineTable
	blas     blasOps[T]

	// storages of the live buffers created from user host ranges.
	storagesMu sync.Mutex
	storages   map[storageKey]*storage[T]

	hostOnly  bool
	finalized bool
}

// New creates a Backend on the device given by config. The backend owns the device context, and
// finalizes it with Backend.Finalize.
func New[T elements.Type](config Config) (*Backend[T], error) {
	var ctx devices.Context
	var err error
	if config.Device == "" {
		ctx, err = devices.New()
	} else {
		ctx, err = devices.NewWithConfig(config.Device)
	}
	if err != nil {
		return nil, err
	}
	b, err := NewWithContext[T](ctx, config.Tag)
	if err != nil {
		ctx.Finalize()
		return nil, err
	}
	b.ownsContext = true
	return b, nil
}

// MustNew is like New, but panics on errors.
func MustNew[T elements.Type](config Config) *Backend[T] {
	return must.M1(New[T](config))
}

// NewWithContext creates a Backend on an existing device context, which is not finalized with the backend.
// It loads the routine catalog on the context, and fails with ErrCatalog if any routine is missing.
func NewWithContext[T elements.Type](ctx devices.Context, tag string) (*Backend[T], error) {
	if tag == "" {
		tag = uuid.NewString()
	}
	desc := elements.Of[T]()
	routines, err := newRoutineTable(ctx, desc)
	if err != nil {
		return nil, err
	}
	b := &Backend[T]{
		tag:      tag,
		desc:     desc,
		ctx:      ctx,
		cache:    newAllocationCache(ctx, desc.DType),
		routines: routines,
		blas:     blasFor[T](ctx.BLAS()),
		storages: make(map[storageKey]*storage[T]),
	}
	klog.V(1).Infof("compute: created backend %s", b)
	return b, nil
}

// String implements fmt.Stringer.
func (b *Backend[T]) String() string {
	return fmt.Sprintf("%q (%s on %s:%d)", b.tag, b.desc.DType, b.ctx.Name(), b.ctx.Ordinal())
}

// Tag identifying the backend instance.
func (b *Backend[T]) Tag() string { return b.tag }

// Descriptor of the element type of the backend.
func (b *Backend[T]) Descriptor() elements.Descriptor { return b.desc }

// Context returns the device context of the backend.
func (b *Backend[T]) Context() devices.Context { return b.ctx }

// Routines returns the sorted names of the loaded device routines.
func (b *Backend[T]) Routines() []string { return b.routines.names() }

// RoutineLaunches returns the number of launches of each device routine.
func (b *Backend[T]) RoutineLaunches() map[string]int { return b.routines.Launches() }

// CacheStats returns statistics of the device allocation cache.
func (b *Backend[T]) CacheStats() CacheStats { return b.cache.Stats() }

// SetHostOnly forces (or stops forcing) all primitives to use their host implementation. It returns the backend.
func (b *Backend[T]) SetHostOnly(hostOnly bool) *Backend[T] {
	b.hostOnly = hostOnly
	return b
}

// IsHostOnly returns whether the host path is forced for all primitives.
func (b *Backend[T]) IsHostOnly() bool { return b.hostOnly }

// IsFinalized returns whether the backend was finalized.
func (b *Backend[T]) IsFinalized() bool { return b.finalized }

func (b *Backend[T]) checkValid() {
	if b.finalized {
		panicf(ErrFinalized, "backend %q", b.tag)
	}
}

// Finalize frees the device memory of every buffer of the backend, unloads the routines and, if the backend
// owns it, finalizes the device context. Buffers of the backend can't be used afterwards, except to be adopted
// by another backend if their host values are up-to-date.
func (b *Backend[T]) Finalize() {
	if b.finalized {
		return
	}
	b.cache.finalize()
	b.routines.finalize()
	b.storagesMu.Lock()
	clear(b.storages)
	b.storagesMu.Unlock()
	if b.ownsContext {
		b.ctx.Finalize()
	}
	b.finalized = true
	klog.V(1).Infof("compute: finalized backend %q", b.tag)
}

// NewBuffer returns a buffer of n zeros.
func (b *Backend[T]) NewBuffer(n int) *Buffer[T] {
	b.checkValid()
	return newHandle(newStorage(b, make([]T, n), 0, n, HostModified))
}

// FromData returns a buffer holding data. The buffer takes ownership of the slice: it must not be accessed
// directly afterwards.
func (b *Backend[T]) FromData(data []T) *Buffer[T] {
	return b.FromDataRange(data, 0, len(data))
}

// FromDataRange returns a buffer holding data[offset:offset+length]. The buffer takes ownership of the slice.
//
// If a live buffer already holds the same range of the same host array, the returned buffer shares its host
// and device data, like a ShallowCopy: the most recent values of the range are kept, wherever they are.
// Buffers on the same host array and offset but with different lengths share the device allocation cache
// entry, and evict each other's allocation.
func (b *Backend[T]) FromDataRange(data []T, offset, length int) *Buffer[T] {
	b.checkValid()
	s := newStorage(b, data, offset, length, HostModified)
	if length == 0 {
		return newHandle(s)
	}
	b.storagesMu.Lock()
	defer b.storagesMu.Unlock()
	key := s.storageKey()
	if live, found := b.storages[key]; found && live.tryRetain() {
		if live.state == Clean {
			live.state = HostModified
		}
		return retainedHandle(live)
	}
	b.storages[key] = s
	return newHandle(s)
}

// unregisterStorage removes s from the live storages, if it's there.
func (b *Backend[T]) unregisterStorage(s *storage[T]) {
	if s.length == 0 {
		return
	}
	b.storagesMu.Lock()
	defer b.storagesMu.Unlock()
	key := s.storageKey()
	if b.storages[key] == s {
		delete(b.storages, key)
	}
}

// newResult returns a buffer to be fully written by a device routine: its host values are not uploaded.
func (b *Backend[T]) newResult(n int) *Buffer[T] {
	return newHandle(newStorage(b, make([]T, n), 0, n, Clean))
}

// NewView returns a view of zeros with the given dimensions.
func (b *Backend[T]) NewView(dimensions ...int) *View[T] {
	return NewView(b.NewBuffer(sizeOf(dimensions)), dimensions...)
}

// ViewFromData returns a view holding data with the given dimensions. It takes ownership of data.
func (b *Backend[T]) ViewFromData(data []T, dimensions ...int) *View[T] {
	return NewView(b.FromData(data), dimensions...)
}

// Internalize returns the Buffer of v, which must be a *Buffer[T] or a *View[T] of this backend.
// It panics with ErrType for other values, and ErrOwnership for buffers of other backends.
func (b *Backend[T]) Internalize(v any) *Buffer[T] {
	b.checkValid()
	var buf *Buffer[T]
	switch value := v.(type) {
	case *Buffer[T]:
		buf = value
	case *View[T]:
		buf = value.Buffer()
	default:
		panicf(ErrType, "backend %q of %s can't internalize value of type %T", b.tag, b.desc.DType, v)
	}
	b.own(buf)
	return buf
}

// own returns the storage of buf, checking that it belongs to this backend.
func (b *Backend[T]) own(buf *Buffer[T]) *storage[T] {
	s := buf.storage()
	if s.backend != b {
		panicf(ErrOwnership, "buffer of backend %q used with backend %q", s.backend.tag, b.tag)
	}
	return s
}

// Adopt moves a buffer of another backend (of the same element type) to this one. The values are copied
// to the host if the device side was modified, and the device memory of the previous backend is released:
// the next device access allocates memory in this backend's context.
func (b *Backend[T]) Adopt(buf *Buffer[T]) {
	b.checkValid()
	if buf.IsFinalized() {
		panicf(ErrFinalized, "Adopt of finalized buffer")
	}
	s := buf.s
	previous := s.backend
	if previous == b {
		return
	}
	if s.state == DeviceModified {
		previous.checkValid()
		s.download()
	}
	if s.alloc != nil {
		previous.cache.release(s.alloc)
		s.alloc = nil
	}
	previous.unregisterStorage(s)
	s.backend = b
	if s.length > 0 {
		b.storagesMu.Lock()
		if _, found := b.storages[s.storageKey()]; !found {
			b.storages[s.storageKey()] = s
		}
		b.storagesMu.Unlock()
	}
	klog.V(2).Infof("compute: buffer of %d elements moved from backend %q to %q", s.length, previous.tag, b.tag)
}
