// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accel/devices"
	"github.com/gomlx/accel/types/elements"
	"k8s.io/klog/v2"
)

// SyncState tells which side of a Buffer, if any, holds data not yet mirrored to the other side.
type SyncState int8

const (
	// Clean means host and device (if initialized) hold the same values.
	Clean SyncState = iota

	// HostModified means the host holds the most recent values.
	HostModified

	// DeviceModified means the device holds the most recent values.
	DeviceModified
)

// String implements fmt.Stringer.
func (s SyncState) String() string {
	switch s {
	case Clean:
		return "Clean"
	case HostModified:
		return "HostModified"
	case DeviceModified:
		return "DeviceModified"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// storage of a Buffer, shared by its shallow copies.
type storage[T elements.Type] struct {
	backend *Backend[T]

	// flat is the whole host array, the buffer holds flat[offset:offset+length].
	flat           []T
	key            hostKey
	offset, length int

	state             SyncState
	deviceInitialized bool
	alloc             *allocation

	// refs counts the live Buffer handles.
	refs atomic.Int32
}

// Buffer holds a range of a host array and, lazily, a copy of it in device memory.
//
// Synchronization is pull-based: bytes are only copied when an access requires it. Host accessors
// (ConstData, MutableData, Value, ...) copy the data from the device if the device side was modified,
// and DeviceHandle copies the data to the device if the host side was modified. The SyncState can't
// have both sides modified: marking one side modified while the other holds unsynchronized data is a
// protocol violation and panics with ErrProtocolViolation.
//
// A Buffer is not safe for concurrent use.
//
// Buffers should be released with Finalize, which frees the device memory when the last
// (shallow copy) handle of the data is finalized. Buffers that are garbage collected without being
// finalized release their device memory when the garbage collector runs their cleanup.
type Buffer[T elements.Type] struct {
	s       *storage[T]
	cleanup runtime.Cleanup
}

// newStorage creates the storage for flat[offset:offset+length].
func newStorage[T elements.Type](backend *Backend[T], flat []T, offset, length int, state SyncState) *storage[T] {
	if offset < 0 || length < 0 || offset+length > len(flat) {
		panicf(ErrShape, "range [%d, %d) out of bounds of host array of length %d", offset, offset+length, len(flat))
	}
	return &storage[T]{
		backend: backend,
		flat:    flat,
		key:     hostKey{array: unsafe.Pointer(unsafe.SliceData(flat)), offset: offset},
		offset:  offset,
		length:  length,
		state:   state,
	}
}

// newHandle returns a new Buffer handle for the storage.
func newHandle[T elements.Type](s *storage[T]) *Buffer[T] {
	s.refs.Add(1)
	return retainedHandle(s)
}

// retainedHandle returns a Buffer handle for the storage, whose reference was already counted.
func retainedHandle[T elements.Type](s *storage[T]) *Buffer[T] {
	b := &Buffer[T]{s: s}
	b.cleanup = runtime.AddCleanup(b, releaseLeaked[T], s)
	return b
}

// tryRetain counts a new reference to the storage, unless its last handle was already released.
func (s *storage[T]) tryRetain() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// storageKey identifies the storage of a host range.
type storageKey struct {
	hostKey
	length int
}

func (s *storage[T]) storageKey() storageKey {
	return storageKey{hostKey: s.key, length: s.length}
}

// releaseLeaked is the cleanup of Buffer handles garbage collected without Finalize.
func releaseLeaked[T elements.Type](s *storage[T]) {
	klog.V(1).Infof("compute: buffer of %d elements of backend %q garbage collected without Finalize", s.length, s.backend.tag)
	s.release()
}

// release drops one handle reference, and the device allocation with the last one.
func (s *storage[T]) release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	s.backend.unregisterStorage(s)
	if s.alloc != nil {
		s.backend.cache.release(s.alloc)
		s.alloc = nil
	}
}

// storage returns the buffer storage, after checking the buffer and its backend are valid.
func (b *Buffer[T]) storage() *storage[T] {
	if b == nil || b.s == nil {
		panicf(ErrFinalized, "buffer used after Finalize")
	}
	b.s.backend.checkValid()
	return b.s
}

func (s *storage[T]) bytes() int { return s.backend.desc.Bytes(s.length) }

// host returns the host range of the storage, without any synchronization.
func (s *storage[T]) host() []T {
	return s.flat[s.offset : s.offset+s.length : s.offset+s.length]
}

// bind makes sure the storage holds the device allocation cached for its host range.
// It returns whether the allocation was replaced and the device data needs to be uploaded.
func (s *storage[T]) bind() (needsUpload bool) {
	cache := s.backend.cache
	alloc, _ := cache.acquire(s.key, s.backend.desc.DType, s.bytes(), s.alloc)
	if alloc == s.alloc {
		return false
	}
	previous := s.alloc
	s.alloc = alloc
	if s.state == DeviceModified {
		// The most recent values only live in the previous allocation.
		if previous == nil {
			panicf(ErrProtocolViolation, "buffer is device modified but has no device allocation")
		}
		mustDevice(s.backend.ctx.CopyDtoD(alloc.ptr, previous.ptr, s.bytes()), "moving evicted device data")
		cache.release(previous)
		return false
	}
	if previous != nil {
		cache.release(previous)
	}
	return true
}

// upload copies the host range to the device allocation.
func (s *storage[T]) upload() {
	mustDevice(s.backend.ctx.CopyHtoD(s.alloc.ptr, elements.AsBytes(s.host())), "copying %s to device", humanize.Bytes(uint64(s.bytes())))
	s.state = Clean
	s.deviceInitialized = true
	if klog.V(2).Enabled() {
		klog.Infof("compute: copied %s host->device", humanize.Bytes(uint64(s.bytes())))
	}
}

// download copies the device allocation to the host range.
func (s *storage[T]) download() {
	mustDevice(s.backend.ctx.CopyDtoH(elements.AsBytes(s.host()), s.alloc.ptr), "copying %s to host", humanize.Bytes(uint64(s.bytes())))
	s.state = Clean
	if klog.V(2).Enabled() {
		klog.Infof("compute: copied %s device->host", humanize.Bytes(uint64(s.bytes())))
	}
}

// deviceHandle returns the device allocation with the most recent values, uploading them if needed.
func (s *storage[T]) deviceHandle() devices.Ptr {
	if s.length == 0 {
		return 0
	}
	if s.bind() || !s.deviceInitialized || s.state == HostModified {
		s.upload()
	}
	return s.alloc.ptr
}

// outputHandle returns the device allocation for a routine that overwrites all values, without uploading them.
// The caller must MarkDeviceModified afterwards.
func (s *storage[T]) outputHandle() devices.Ptr {
	if s.length == 0 {
		return 0
	}
	s.bind()
	return s.alloc.ptr
}

// Len returns the number of elements of the buffer.
func (b *Buffer[T]) Len() int { return b.storage().length }

// Offset of the buffer range in its host array.
func (b *Buffer[T]) Offset() int { return b.storage().offset }

// State returns the synchronization state of the buffer.
func (b *Buffer[T]) State() SyncState { return b.storage().state }

// IsDeviceInitialized returns whether the buffer values were ever on the device.
func (b *Buffer[T]) IsDeviceInitialized() bool { return b.storage().deviceInitialized }

// Backend that owns the buffer.
func (b *Buffer[T]) Backend() *Backend[T] { return b.storage().backend }

// IsFinalized returns whether Finalize was called on this handle.
func (b *Buffer[T]) IsFinalized() bool { return b == nil || b.s == nil }

// String implements fmt.Stringer.
func (b *Buffer[T]) String() string {
	if b.IsFinalized() {
		return "Buffer(finalized)"
	}
	s := b.s
	return fmt.Sprintf("Buffer[%s](len=%d, offset=%d, %s)", s.backend.desc.DType, s.length, s.offset, s.state)
}

// CopyHostToDevice copies the host values to the device, allocating device memory if needed.
// It's a no-op if the device already holds the same values.
//
// It panics with ErrProtocolViolation if the device holds values not yet copied to the host.
func (b *Buffer[T]) CopyHostToDevice() {
	s := b.storage()
	defer runtime.KeepAlive(b)
	if s.state == DeviceModified {
		panicf(ErrProtocolViolation, "CopyHostToDevice on %s: the device holds the most recent values", b)
	}
	s.deviceHandle()
}

// CopyDeviceToHost copies the device values to the host, if the device side was modified.
//
// It panics with ErrProtocolViolation if the host holds values not yet copied to the device.
func (b *Buffer[T]) CopyDeviceToHost() {
	s := b.storage()
	defer runtime.KeepAlive(b)
	switch s.state {
	case HostModified:
		panicf(ErrProtocolViolation, "CopyDeviceToHost on %s: the host holds the most recent values", b)
	case DeviceModified:
		s.download()
	}
}

// OnReadAccess must be called before reading the host values: it copies them from the device if needed.
func (b *Buffer[T]) OnReadAccess() {
	s := b.storage()
	defer runtime.KeepAlive(b)
	if s.state == DeviceModified {
		s.download()
	}
}

// OnWriteAccess must be called before writing the host values: it synchronizes the host values, and marks
// the host side as modified.
func (b *Buffer[T]) OnWriteAccess() {
	b.OnReadAccess()
	b.s.state = HostModified
}

// OnReadWriteAccess must be called before reading and writing the host values.
func (b *Buffer[T]) OnReadWriteAccess() {
	b.OnWriteAccess()
}

// MarkHostModified marks the host as holding the most recent values.
//
// It panics with ErrProtocolViolation if the device holds values not yet copied to the host.
func (b *Buffer[T]) MarkHostModified() {
	s := b.storage()
	if s.state == DeviceModified {
		panicf(ErrProtocolViolation, "MarkHostModified on %s: the device holds the most recent values", b)
	}
	s.state = HostModified
}

// MarkDeviceModified marks the device as holding the most recent values. It's called after a routine writes
// to the buffer's device memory.
//
// It panics with ErrProtocolViolation if the host holds values not yet copied to the device, or if the buffer
// has no device memory.
func (b *Buffer[T]) MarkDeviceModified() {
	s := b.storage()
	if s.length == 0 {
		return
	}
	if s.state == HostModified {
		panicf(ErrProtocolViolation, "MarkDeviceModified on %s: the host holds the most recent values", b)
	}
	if s.alloc == nil {
		panicf(ErrProtocolViolation, "MarkDeviceModified on %s: no device memory allocated", b)
	}
	s.state = DeviceModified
	s.deviceInitialized = true
}

// DeviceHandle returns the device memory of the buffer, allocating it and copying the host values if needed.
// Zero-length buffers have no device memory, and return 0.
//
// If the returned memory is written to, the caller must call MarkDeviceModified.
func (b *Buffer[T]) DeviceHandle() devices.Ptr {
	defer runtime.KeepAlive(b)
	return b.storage().deviceHandle()
}

// ConstData calls accessFn with the host values, after synchronizing them. They must not be changed.
func (b *Buffer[T]) ConstData(accessFn func(flat []T)) {
	b.OnReadAccess()
	accessFn(b.s.host())
}

// MutableData calls accessFn with the host values, after synchronizing them. They can be changed until
// accessFn returns: the host is marked as modified.
func (b *Buffer[T]) MutableData(accessFn func(flat []T)) {
	b.OnReadWriteAccess()
	accessFn(b.s.host())
}

// Values returns a copy of the host values.
func (b *Buffer[T]) Values() []T {
	values := make([]T, b.Len())
	b.ConstData(func(flat []T) { copy(values, flat) })
	return values
}

// Value returns the value at index i.
func (b *Buffer[T]) Value(i int) T {
	s := b.storage()
	if i < 0 || i >= s.length {
		panicf(ErrShape, "index %d out of range for %s", i, b)
	}
	b.OnReadAccess()
	return s.host()[i]
}

// Set the value at index i.
func (b *Buffer[T]) Set(i int, v T) {
	s := b.storage()
	if i < 0 || i >= s.length {
		panicf(ErrShape, "index %d out of range for %s", i, b)
	}
	b.OnWriteAccess()
	s.host()[i] = v
}

// DeepCopy returns a buffer with a new host array holding a copy of the values.
// If the device holds values at least as recent as the host ones, they are also copied (device to device),
// and the synchronization state is carried over.
func (b *Buffer[T]) DeepCopy() *Buffer[T] {
	s := b.storage()
	defer runtime.KeepAlive(b)
	flat := make([]T, s.length)
	copy(flat, s.host())
	c := newStorage(s.backend, flat, 0, s.length, HostModified)
	onDevice := s.length > 0 && s.deviceInitialized && s.alloc != nil
	switch {
	case s.state == DeviceModified && !onDevice:
		panicf(ErrProtocolViolation, "DeepCopy of %s: device modified without device memory", b)
	case onDevice && s.state != HostModified:
		c.bind()
		mustDevice(s.backend.ctx.CopyDtoD(c.alloc.ptr, s.alloc.ptr, s.bytes()), "copying buffer on device")
		c.deviceInitialized = true
		c.state = s.state
	}
	return newHandle(c)
}

// ShallowCopy returns a new handle to the same host array range and device memory.
// Each handle must be finalized independently; the device memory is freed with the last one.
func (b *Buffer[T]) ShallowCopy() *Buffer[T] {
	return newHandle(b.storage())
}

// Finalize releases this handle. When the last handle to the data is released, its device memory is freed.
// It's safe to call Finalize more than once; any other use of the buffer afterwards panics with ErrFinalized.
func (b *Buffer[T]) Finalize() {
	if b.IsFinalized() {
		return
	}
	b.cleanup.Stop()
	s := b.s
	b.s = nil
	s.release()
}
