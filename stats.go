// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MUsed contains the pmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + malloc overhead
	MaxRealUsed uint64
}

// addUsed increases the "used" stats with the given size.
// size should be a full block payload size.
func (pm *PMalloc) addUsed(size uint64) {
	pm.used.Used += size
	pm.used.RealUsed += size
	if pm.used.MaxRealUsed < pm.used.RealUsed {
		pm.used.MaxRealUsed = pm.used.RealUsed
	}
}

// subUsed subtracts size from the "used" stats.
func (pm *PMalloc) subUsed(size uint64) {
	pm.used.Used -= size
	pm.used.RealUsed -= size
}

// addOverhead adds a block header overhead to the internal bookkeeping.
func (pm *PMalloc) addOverhead(overhead uintptr) {
	pm.used.RealUsed += uint64(overhead)
	if pm.used.MaxRealUsed < pm.used.RealUsed {
		pm.used.MaxRealUsed = pm.used.RealUsed
	}
}

// subOverhead subtracts a block header overhead from the internal
// bookkeeping.
func (pm *PMalloc) subOverhead(overhead uintptr) {
	pm.used.RealUsed -= uint64(overhead)
}

// MUsage returns current memory usage values.
func (pm *PMalloc) MUsage() MUsed {
	pm.lock()
	u := pm.used
	pm.unlock()
	return u
}

// Mapped returns how many bytes are currently obtained from the page
// mapper (small heap regions plus live large mappings).
func (pm *PMalloc) Mapped() uint64 {
	pm.lock()
	m := pm.mapped
	pm.unlock()
	return m
}

// LargeCount returns the number of live large objects.
func (pm *PMalloc) LargeCount() int {
	pm.lock()
	n := pm.large.count
	pm.unlock()
	return n
}

// StatsJSON returns a machine readable snapshot of the heap state as a
// JSON document: usage counters plus one entry per block, small and
// large. Meant for diagnostics, it walks the whole heap under the lock.
func (pm *PMalloc) StatsJSON() ([]byte, error) {
	pm.lock()
	defer pm.unlock()

	w := jwriter.NewWriter()
	obj := w.Object()

	obj.Name("PageSize").Int(int(pm.pageSize))
	obj.Name("MappedBytes").Int(int(pm.mapped))
	obj.Name("Regions").Int(len(pm.regions))

	usedObj := obj.Name("Used").Object()
	usedObj.Name("Used").Int(int(pm.used.Used))
	usedObj.Name("RealUsed").Int(int(pm.used.RealUsed))
	usedObj.Name("MaxRealUsed").Int(int(pm.used.MaxRealUsed))
	usedObj.End()

	blocks := obj.Name("Blocks").Array()
	for b := pm.head; b != nil; b = b.next {
		o := blocks.Object()
		o.Name("Address").String(fmt.Sprintf("%p", b.addr()))
		o.Name("Size").Int(int(b.size))
		o.Name("Free").Bool(b.isFree())
		o.End()
	}
	blocks.End()

	large := obj.Name("LargeBlocks").Array()
	pm.large.buildStatsString(&large)
	large.End()

	obj.End()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
