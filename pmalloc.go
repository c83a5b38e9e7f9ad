// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package pmalloc provides a simple general purpose malloc library backed
// by anonymous memory mappings.
//
// Small allocations are carved out of page-multiple heap regions and
// tracked in a single address-ordered block list with a first-fit search
// (O(n) worst case, a deliberate simplicity/fragmentation trade-off).
// Requests at or above one page bypass the list: each one gets a
// dedicated mapping that is handed back to the OS on Free. Every public
// entry point is serialized by one big lock.
package pmalloc

import (
	"sync"
	"unsafe"
)

const NAME = "pmalloc"

// size we round payloads to, must be 2^n and
// sizeof(block) must be a multiple of RoundTo
const (
	RoundTo     = 8
	RoundToMask = ^(uint64(RoundTo) - 1)
)

// MinSplitPayload is the smallest remainder payload worth carving into
// a separate free block when splitting. Smaller leftovers stay attached
// to the allocation as internal fragmentation.
const MinSplitPayload = RoundTo

// Options encodes various configuration flags for PMalloc.
type Options uint32

const (
	PMDebug           Options = 1 << iota
	PMChecks                  // verify the header canary on each free
	PMOwnershipChecks         // verify Free()d pointers against the block lists
	PMDumpStatsShort          // dump status in log, short version
	PMDefaultOptions = PMChecks | PMOwnershipChecks
)

// PMalloc is a page-backed heap used for allocating.
// It owns the mapped regions, all the bookkeeping information and the
// classical malloc functions (as methods).
// A PMalloc must be Init()ed before first use. There is no teardown:
// process exit reclaims all mappings. Independent instances are fully
// isolated from each other.
type PMalloc struct {
	options  Options
	pageSize uint64
	sys      PageMapper

	// all small blocks, free and in-use, strictly increasing address order
	head *block

	regions [][]byte  // small-object heap mappings, never unmapped
	large   largeList // live dedicated mappings

	used   MUsed  // statistics
	mapped uint64 // bytes currently obtained from sys

	bigLock sync.Mutex
}

// Debug returns true if malloc debugging is turned on.
func (pm *PMalloc) Debug() bool { return pm.options&PMDebug != 0 }

// BChecks returns true if header canary checking is turned on.
func (pm *PMalloc) BChecks() bool { return pm.options&PMChecks != 0 }

// OwnershipChecks returns true if Free()d pointers are validated against
// the block lists before being trusted.
func (pm *PMalloc) OwnershipChecks() bool {
	return pm.options&PMOwnershipChecks != 0
}

func (pm *PMalloc) lock() {
	pm.bigLock.Lock()
}
func (pm *PMalloc) unlock() {
	pm.bigLock.Unlock()
}

// Init initialises a pmalloc heap.
// The parameters are: the page mapping collaborator (nil selects the
// default mmap-backed OSPages) and some configuration option flags.
// It returns true on success and false otherwise.
func (pm *PMalloc) Init(sys PageMapper, options Options) bool {
	*pm = PMalloc{} // zero, in case of re-init
	if sys == nil {
		sys = OSPages{}
	}
	pageSize := uint64(sys.PageSize())
	if err := checkPow2(pageSize, "page size"); err != nil {
		ERR("init failed: %s\n", err)
		return false
	}
	if pageSize <= uint64(blockSizeof)+MinSplitPayload {
		ERR("init failed: page size %d too small for a block\n", pageSize)
		return false
	}
	pm.sys = sys
	pm.pageSize = pageSize
	pm.options = options
	return true
}

// roundUp rounds up a size to the next RoundTo multiple.
func roundUp(s uint64) uint64 {
	return (s + (RoundTo - 1)) & RoundToMask
}

// roundDown rounds down a size to the next RoundTo multiple.
func roundDown(s uint64) uint64 {
	return s & RoundToMask
}

// PageSize returns the page size the heap was initialised with.
func (pm *PMalloc) PageSize() uint64 { return pm.pageSize }

// Owns returns whether or not p lies inside memory currently obtained by
// this heap (a small-object region or a live large mapping).
// Behaviour is undefined if p belonged to a large block that was already
// Free()d.
func (pm *PMalloc) Owns(p unsafe.Pointer) bool {
	pm.lock()
	defer pm.unlock()
	for _, r := range pm.regions {
		if regionContains(r, p) {
			return true
		}
	}
	return pm.large.contains(p)
}

// regionContains reports whether p falls inside the mapped region r.
func regionContains(r []byte, p unsafe.Pointer) bool {
	start := uintptr(unsafe.Pointer(&r[0]))
	return uintptr(p) >= start && uintptr(p) < start+uintptr(len(r))
}

// ownsBlock reports whether hp is the header address of a small block
// produced by this heap. O(n) safety net behind PMOwnershipChecks.
func (pm *PMalloc) ownsBlock(hp unsafe.Pointer) bool {
	for b := pm.head; b != nil; b = b.next {
		if unsafe.Pointer(b) == hp {
			return true
		}
	}
	return false
}

// findFree returns the first free block with at least size payload bytes,
// scanning in list (== address) order, or nil if none fits.
func (pm *PMalloc) findFree(size uint64) *block {
	for b := pm.head; b != nil; b = b.next {
		if b.isFree() && b.size >= size {
			return b
		}
	}
	return nil
}

// splitBlock carves a free remainder block out of b so that b keeps
// exactly newSize payload bytes. The remainder gets its own header right
// after the shrunk payload and is linked immediately after b.
// newSize must be a RoundTo multiple.
// It returns false when the leftover is too small to be useful as a
// separate block; b is then left whole.
func (pm *PMalloc) splitBlock(b *block, newSize uint64) bool {
	if b.size < newSize+uint64(blockSizeof)+MinSplitPayload {
		return false
	}
	rest := (*block)(unsafe.Add(b.addr(), newSize))
	rest.size = b.size - newSize - uint64(blockSizeof)
	rest.flags = blkFree
	rest.check = StartCheckPattern
	rest.next = b.next
	rest.prev = b
	if b.next != nil {
		b.next.prev = rest
	}
	b.next = rest
	b.size = newSize
	pm.addOverhead(blockSizeof)
	return true
}

// insertBlock links b into the block list at its address-ordered
// position. Mapped regions are not guaranteed to arrive at increasing
// addresses, so new heap blocks must be inserted by address rather than
// appended to the tail.
func (pm *PMalloc) insertBlock(b *block) {
	if pm.head == nil ||
		uintptr(unsafe.Pointer(b)) < uintptr(unsafe.Pointer(pm.head)) {
		b.next = pm.head
		b.prev = nil
		if pm.head != nil {
			pm.head.prev = b
		}
		pm.head = b
		return
	}
	at := pm.head
	for at.next != nil &&
		uintptr(unsafe.Pointer(at.next)) < uintptr(unsafe.Pointer(b)) {
		at = at.next
	}
	b.next = at.next
	b.prev = at
	if at.next != nil {
		at.next.prev = b
	}
	at.next = b
}

// growHeap maps a new page-multiple region big enough for a size byte
// payload plus its header and formats it as a single in-use block.
// On mapping failure it returns nil and leaves the heap untouched.
func (pm *PMalloc) growHeap(size uint64) *block {
	total := alignUp(size+uint64(blockSizeof), pm.pageSize)
	mem, err := pm.sys.MapPages(int(total))
	if err != nil {
		ERR("heap grow by %d bytes failed: %s\n", total, err)
		return nil
	}
	pm.regions = append(pm.regions, mem)
	pm.mapped += total
	b := (*block)(unsafe.Pointer(&mem[0]))
	b.size = total - uint64(blockSizeof)
	b.flags = 0
	b.check = StartCheckPattern
	pm.insertBlock(b)
	pm.addOverhead(blockSizeof)
	return b
}

// regionOf returns the index of the heap region containing p, or -1.
func (pm *PMalloc) regionOf(p unsafe.Pointer) int {
	for i, r := range pm.regions {
		if regionContains(r, p) {
			return i
		}
	}
	return -1
}

// sameRegion reports whether two blocks live in the same heap region.
// Separately mapped regions can end up address-adjacent; each region is
// still its own coalescing domain and blocks never grow across a region
// boundary.
func (pm *PMalloc) sameRegion(a, b *block) bool {
	return pm.regionOf(unsafe.Pointer(a)) == pm.regionOf(unsafe.Pointer(b))
}

// coalesce merges the freed block b with its free, address-adjacent
// neighbours from the same region. The backward merge runs first so
// that a free run prev|b|next always collapses into one block rooted at
// prev.
func (pm *PMalloc) coalesce(b *block) {
	if prev := b.prev; prev != nil && prev.isFree() && adjacent(prev, b) &&
		pm.sameRegion(prev, b) {
		prev.size += uint64(blockSizeof) + b.size
		prev.next = b.next
		if b.next != nil {
			b.next.prev = prev
		}
		b.check = PoisonCheckPattern
		pm.subOverhead(blockSizeof)
		b = prev
	}
	if next := b.next; next != nil && next.isFree() && adjacent(b, next) &&
		pm.sameRegion(b, next) {
		b.size += uint64(blockSizeof) + next.size
		b.next = next.next
		if next.next != nil {
			next.next.prev = b
		}
		next.check = PoisonCheckPattern
		pm.subOverhead(blockSizeof)
	}
}

// MallocUnsafe is the unsafe (not locking) Malloc version.
// For more details see Malloc.
// On failure (zero size or out of memory) it returns nil.
func (pm *PMalloc) MallocUnsafe(size uint64) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	size = roundUp(size) // size must be a multiple of RoundTo
	if size+uint64(blockSizeof) >= pm.pageSize {
		return pm.mallocLarge(size)
	}
	b := pm.findFree(size)
	if b == nil {
		if b = pm.growHeap(size); b == nil {
			// out of backing store
			return nil
		}
	}
	// always try to split, in case the block is way too big
	pm.splitBlock(b, size)
	b.clearFree()
	b.check = StartCheckPattern
	pm.addUsed(b.size)
	if pm.Debug() {
		DBG("served %d bytes at %p\n", b.size, b.addr())
	}
	return b.addr()
}

// CallocUnsafe is the unsafe (not locking) Calloc version.
// For more details see Calloc.
func (pm *PMalloc) CallocUnsafe(n, elemSize uint64) unsafe.Pointer {
	total := n * elemSize
	if elemSize != 0 && total/elemSize != n {
		// multiplication overflow
		return nil
	}
	p := pm.MallocUnsafe(total)
	if p == nil {
		return nil
	}
	// fresh mappings come zeroed but recycled blocks do not; always clear
	// exactly the bytes the caller asked for (the block may be bigger)
	buf := unsafe.Slice((*byte)(p), total)
	for i := range buf {
		buf[i] = 0
	}
	return p
}

// FreeUnsafe releases the memory associated with p (p must have been
// previously allocated with MallocUnsafe or CallocUnsafe).
// This is the unsafe non-locking version (see also Free).
func (pm *PMalloc) FreeUnsafe(p unsafe.Pointer) {
	if p == nil {
		WARN("free(nil) called\n")
		return
	}
	b := hdr(p)
	// large blocks are matched by address before the header is trusted
	if mem := pm.large.take(unsafe.Pointer(b)); mem != nil {
		pm.freeLarge(b, mem)
		return
	}
	if pm.OwnershipChecks() && !pm.ownsBlock(unsafe.Pointer(b)) {
		BUG("free called with pointer %p not owned by this heap\n", p)
		return
	}
	if pm.BChecks() {
		b.debug(pm)
	}
	if b.isFree() {
		BUG("attempt to free already freed pointer %p\n", p)
		return
	}
	pm.subUsed(b.size)
	b.setFree()
	pm.coalesce(b)
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// The pointer is RoundTo aligned. On failure (zero size or out of
// memory) it returns nil; the heap is left unchanged.
func (pm *PMalloc) Malloc(size uint64) unsafe.Pointer {
	pm.lock()
	p := pm.MallocUnsafe(size)
	pm.unlock()
	return p
}

// Calloc allocates memory for n elements of elemSize bytes each, zeroes
// all n * elemSize bytes and returns a pointer to them.
// It returns nil if n * elemSize overflows or on out of memory.
func (pm *PMalloc) Calloc(n, elemSize uint64) unsafe.Pointer {
	pm.lock()
	p := pm.CallocUnsafe(n, elemSize)
	pm.unlock()
	return p
}

// Free releases the memory associated with p (p must have been
// previously allocated with Malloc or Calloc). Freeing nil is a no-op.
// A double free or (with PMOwnershipChecks) a foreign pointer is
// reported in the log and ignored; it never mutates the heap.
func (pm *PMalloc) Free(p unsafe.Pointer) {
	pm.lock()
	pm.FreeUnsafe(p)
	pm.unlock()
}
