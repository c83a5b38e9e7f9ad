// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

// Validate walks the whole heap structure and verifies its invariants:
// strict address ordering of the block list, doubly linked consistency,
// no two address-adjacent free neighbours left unmerged, intact
// canaries, every block inside a known region and consistent large
// object bookkeeping.
// It is an O(n) diagnostic meant for tests and debugging sessions, not
// for the allocation path.
func (pm *PMalloc) Validate() error {
	pm.lock()
	defer pm.unlock()

	var prev *block
	for b := pm.head; b != nil; b = b.next {
		if b.prev != prev {
			return cerrors.Newf("block %p has prev %p, want %p",
				b, b.prev, prev)
		}
		if prev != nil {
			if uintptr(unsafe.Pointer(b)) <= uintptr(unsafe.Pointer(prev)) {
				return cerrors.Newf("block %p does not sort after its"+
					" predecessor %p", b, prev)
			}
			if prev.isFree() && b.isFree() && adjacent(prev, b) &&
				pm.sameRegion(prev, b) {
				return cerrors.Newf("adjacent free blocks %p and %p left"+
					" unmerged", prev, b)
			}
		}
		if b.check != StartCheckPattern {
			return cerrors.Newf("block %p canary overwritten (%x)",
				b, b.check)
		}
		if b.isLarge() {
			return cerrors.Newf("large block %p linked into the small"+
				" block list", b)
		}
		if !pm.blockInRegions(b) {
			return cerrors.Newf("block %p lies outside every heap region",
				b)
		}
		prev = b
	}
	return pm.large.Validate()
}

// blockInRegions reports whether b's header and payload both fall inside
// a single mapped heap region.
func (pm *PMalloc) blockInRegions(b *block) bool {
	for _, r := range pm.regions {
		if regionContains(r, unsafe.Pointer(b)) {
			start := uintptr(unsafe.Pointer(&r[0]))
			return uintptr(b.end()) <= start+uintptr(len(r))
		}
	}
	return false
}
