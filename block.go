// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"unsafe"
)

// block flag bits
const (
	blkFree  uint32 = 1 << iota // block is on the free side of the list
	blkLarge                    // block lives in its own dedicated mapping
)

// block is the header placed in front of every payload handed out by
// PMalloc. Header and payload occupy blockSizeof + size contiguous bytes,
// the payload starting immediately after the header.
// next and prev link all small blocks (free and in-use) in strictly
// increasing address order. Whoever precedes a block in that order owns
// its incoming link; the first link is owned by the PMalloc head.
// Large blocks keep both links nil and are tracked separately.
type block struct {
	size  uint64 // payload size, header excluded
	next  *block
	prev  *block
	flags uint32
	check uint32 // canary used for checking overflows/underflows
}

const blockSizeof = unsafe.Sizeof(block{})

// BlockOverhead is the per allocation bookkeeping cost in bytes.
const BlockOverhead = uint64(blockSizeof)

const (
	// StartCheckPattern marks a valid block header.
	StartCheckPattern uint32 = 0xf0f0f0f0
	// PoisonCheckPattern is written into headers swallowed by a merge, so
	// a later Free on their old payload address is still recognisable as
	// a stale pointer while the memory is not reused.
	PoisonCheckPattern uint32 = 0xdeadf00d
)

// isFree returns true if this is a free block.
func (b *block) isFree() bool { return b.flags&blkFree != 0 }

// isLarge returns true for blocks backed by a dedicated mapping.
func (b *block) isLarge() bool { return b.flags&blkLarge != 0 }

func (b *block) setFree()   { b.flags |= blkFree }
func (b *block) clearFree() { b.flags &^= blkFree }

// addr returns the usable (payload) address for a block.
func (b *block) addr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), blockSizeof)
}

// end returns the first address past the block payload.
func (b *block) end() unsafe.Pointer {
	return unsafe.Add(b.addr(), b.size)
}

// payload returns the block payload as a byte slice.
func (b *block) payload() []byte {
	return unsafe.Slice((*byte)(b.addr()), b.size)
}

// hdr recovers the block header from a payload pointer previously
// returned by addr().
func hdr(p unsafe.Pointer) *block {
	return (*block)(unsafe.Add(p, -int(blockSizeof)))
}

// adjacent reports whether b2 starts exactly where b1's payload ends.
// Only address-adjacent blocks may ever be merged.
func adjacent(b1, b2 *block) bool {
	return b1.end() == unsafe.Pointer(b2)
}
