// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// largeList tracks the dedicated mappings of live large objects.
// Large blocks never enter the small block list, are never split or
// merged and are unmapped directly on Free. Keeping the region slices
// here drives ownership lookups and also keeps the memory referenced for
// mappers that hand out ordinary Go slices.
// The list is covered by the owning PMalloc's big lock.
type largeList struct {
	count    int
	mappings [][]byte
}

func (l *largeList) push(mem []byte) {
	l.mappings = append(l.mappings, mem)
	l.count++
}

// take removes and returns the mapping whose block header starts at hp,
// or nil if hp does not belong to a live large object. Only addresses
// are compared; hp is never dereferenced, so stale pointers into already
// unmapped regions are safe to pass.
func (l *largeList) take(hp unsafe.Pointer) []byte {
	for i, mem := range l.mappings {
		if unsafe.Pointer(&mem[0]) == hp {
			last := len(l.mappings) - 1
			l.mappings[i] = l.mappings[last]
			l.mappings[last] = nil
			l.mappings = l.mappings[:last]
			l.count--
			return mem
		}
	}
	return nil
}

// contains reports whether p falls inside any live large mapping.
func (l *largeList) contains(p unsafe.Pointer) bool {
	for _, mem := range l.mappings {
		if regionContains(mem, p) {
			return true
		}
	}
	return false
}

// Validate checks the list bookkeeping against the mappings themselves.
func (l *largeList) Validate() error {
	if l.count != len(l.mappings) {
		return cerrors.Newf("the listed number of large allocations (%d)"+
			" does not match the actual number of mappings (%d)",
			l.count, len(l.mappings))
	}
	for _, mem := range l.mappings {
		b := (*block)(unsafe.Pointer(&mem[0]))
		if !b.isLarge() {
			return cerrors.Newf("large mapping %p does not carry the"+
				" large flag", b)
		}
		if b.next != nil || b.prev != nil {
			return cerrors.Newf("large block %p is linked into a block"+
				" list", b)
		}
		if uint64(blockSizeof)+b.size != uint64(len(mem)) {
			return cerrors.Newf("large block %p declares %d payload bytes"+
				" but its mapping holds %d", b, b.size, len(mem))
		}
	}
	return nil
}

// buildStatsString appends one JSON object per live large block.
func (l *largeList) buildStatsString(s *jwriter.ArrayState) {
	for _, mem := range l.mappings {
		b := (*block)(unsafe.Pointer(&mem[0]))
		o := s.Object()
		o.Name("Address").String(fmt.Sprintf("%p", b.addr()))
		o.Name("Size").Int(int(b.size))
		o.End()
	}
}

// mallocLarge serves a request whose rounded size plus header reaches
// the page threshold. The block gets a dedicated mapping of exactly the
// page multiple it needs; the free list stays untouched so large
// allocations cannot fragment the small-object arena.
// size must already be RoundTo rounded.
func (pm *PMalloc) mallocLarge(size uint64) unsafe.Pointer {
	total := alignUp(size+uint64(blockSizeof), pm.pageSize)
	mem, err := pm.sys.MapPages(int(total))
	if err != nil {
		ERR("large alloc of %d bytes failed: %s\n", total, err)
		return nil
	}
	b := (*block)(unsafe.Pointer(&mem[0]))
	b.size = total - uint64(blockSizeof)
	b.flags = blkLarge
	b.check = StartCheckPattern
	pm.large.push(mem)
	pm.mapped += total
	pm.addOverhead(blockSizeof)
	pm.addUsed(b.size)
	if pm.Debug() {
		DBG("served large block of %d bytes at %p\n", b.size, b.addr())
	}
	return b.addr()
}

// freeLarge hands a large block's whole mapping back to the OS at once;
// large blocks never transition through a free state. An unmap failure
// is logged, not propagated: the block is gone from the caller's point
// of view either way.
func (pm *PMalloc) freeLarge(b *block, mem []byte) {
	if pm.BChecks() && b.check != StartCheckPattern {
		pm.dumpStatus()
		PANIC("BUG: large block %p (address %p) beginning overwritten"+
			" (%x)!\n", b, b.addr(), b.check)
	}
	pm.subUsed(b.size)
	pm.subOverhead(blockSizeof)
	pm.mapped -= uint64(len(mem))
	if err := pm.sys.UnmapPages(mem); err != nil {
		ERR("unmap of large block %p failed: %s\n", b.addr(), err)
	}
}
