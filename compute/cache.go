// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accel/devices"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// hostKey identifies a range of host memory: the backing array of a buffer and the offset of the range in it.
type hostKey struct {
	array  unsafe.Pointer
	offset int
}

// allocation of device memory, reference counted by the buffer storages that hold it.
type allocation struct {
	key   hostKey
	ptr   devices.Ptr
	bytes int
	refs  int

	// evicted allocations are no longer in the cache: they are freed as soon as the last holder releases them.
	evicted bool
}

// CacheStats are statistics of the device allocation cache of a Backend.
type CacheStats struct {
	// Entries currently in the cache.
	Entries int

	// LiveAllocations and LiveBytes of device memory, including evicted allocations still in use.
	LiveAllocations int
	LiveBytes       int

	// Hits, Misses and Evictions since the creation of the cache.
	Hits, Misses, Evictions int
}

// allocationCache associates host ranges with their device allocations, so repeated device accesses to the same
// host data reuse the same device memory.
//
// An entry is only valid while its byte length matches the requested one: a mismatched entry is evicted and a fresh
// allocation replaces it, it is never resized in place.
//
// Device memory is released when the last buffer holding it releases it. The cache holds a single element type.
type allocationCache struct {
	ctx   devices.Context
	dtype dtypes.DType

	mu        sync.Mutex
	entries   map[hostKey]*allocation
	live      map[*allocation]struct{}
	stats     CacheStats
	finalized bool
}

func newAllocationCache(ctx devices.Context, dtype dtypes.DType) *allocationCache {
	return &allocationCache{
		ctx:     ctx,
		dtype:   dtype,
		entries: make(map[hostKey]*allocation),
		live:    make(map[*allocation]struct{}),
	}
}

// acquire returns the allocation of exactly bytes associated with key, and whether it was a cache hit.
//
// current is the allocation already held by the caller (or nil): if it is still the cached one it is returned
// unchanged. Otherwise, the caller receives a new reference to the returned allocation, and remains responsible
// for releasing current.
func (c *allocationCache) acquire(key hostKey, dtype dtypes.DType, bytes int, current *allocation) (alloc *allocation, hit bool) {
	if dtype != c.dtype {
		panicf(ErrType, "device allocation cache holds %s, requested an allocation for %s", c.dtype, dtype)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		panicf(ErrFinalized, "device allocation cache")
	}
	if entry, found := c.entries[key]; found {
		if entry.bytes == bytes {
			if entry != current {
				entry.refs++
			}
			c.stats.Hits++
			return entry, true
		}
		c.evictLocked(entry)
	}
	c.stats.Misses++
	ptr, err := c.ctx.Alloc(bytes)
	mustDevice(err, "allocating %s of device memory", humanize.Bytes(uint64(bytes)))
	alloc = &allocation{key: key, ptr: ptr, bytes: bytes, refs: 1}
	c.entries[key] = alloc
	c.live[alloc] = struct{}{}
	c.stats.LiveBytes += bytes
	if klog.V(2).Enabled() {
		klog.Infof("compute: allocated %s of device memory at %#x", humanize.Bytes(uint64(bytes)), uintptr(ptr))
	}
	return alloc, false
}

// evictLocked removes the entry from the cache. Its memory is freed once it's no longer held.
func (c *allocationCache) evictLocked(alloc *allocation) {
	delete(c.entries, alloc.key)
	alloc.evicted = true
	c.stats.Evictions++
	if alloc.refs == 0 {
		c.freeLocked(alloc)
	}
}

// release drops one reference to alloc, freeing it when it's no longer held.
func (c *allocationCache) release(alloc *allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		// Everything was already freed.
		return
	}
	alloc.refs--
	if alloc.refs > 0 {
		return
	}
	if !alloc.evicted {
		delete(c.entries, alloc.key)
	}
	c.freeLocked(alloc)
}

func (c *allocationCache) freeLocked(alloc *allocation) {
	if _, found := c.live[alloc]; !found {
		return
	}
	delete(c.live, alloc)
	c.stats.LiveBytes -= alloc.bytes
	if err := c.ctx.Free(alloc.ptr); err != nil {
		klog.Warningf("compute: failed to free device memory at %#x: %v", uintptr(alloc.ptr), err)
		return
	}
	if klog.V(2).Enabled() {
		klog.Infof("compute: freed %s of device memory at %#x", humanize.Bytes(uint64(alloc.bytes)), uintptr(alloc.ptr))
	}
}

// lookup returns the cached allocation for key, or nil.
func (c *allocationCache) lookup(key hostKey) *allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// Stats returns a snapshot of the cache statistics.
func (c *allocationCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Entries = len(c.entries)
	stats.LiveAllocations = len(c.live)
	return stats
}

// finalize frees every live allocation. The cache can't be used afterwards.
func (c *allocationCache) finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	if len(c.live) > 0 {
		klog.V(1).Infof("compute: freeing %d device allocations (%s) still held", len(c.live), humanize.Bytes(uint64(c.stats.LiveBytes)))
	}
	for alloc := range c.live {
		c.freeLocked(alloc)
	}
	clear(c.entries)
	c.finalized = true
}
