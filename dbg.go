// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"unsafe"

	"github.com/intuitivelabs/slog"
)

// debug is a helper function that does sanity checks on a block header.
// A stomped canary almost always means the payload of the block sitting
// just below it in memory was overrun. On failure it panics (the heap is
// corrupted and nothing can be repaired at this point).
// A PoisonCheckPattern is accepted: it marks a header swallowed by a
// merge and the stale pointer is reported further down the Free path.
func (b *block) debug(pm *PMalloc) {
	if b.check != StartCheckPattern && b.check != PoisonCheckPattern {
		pm.dumpStatus()
		PANIC("BUG: block %p (address %p) beginning overwritten (%x)!\n",
			b, b.addr(), b.check)
	}
}

// dumpStatus will write current status information in the log
func (pm *PMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "pm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", pm)
	if pm == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "page size= %d, mapped= %d"+
		" (%d heap regions, %d large blocks)\n",
		pm.pageSize, pm.mapped, len(pm.regions), pm.large.count)
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d\n",
		pm.used.Used, pm.used.RealUsed)
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		pm.used.MaxRealUsed)
	if pm.options&PMDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all blocks:\n")
	i := 0
	for b := pm.head; b != nil; b = b.next {
		state := "used"
		if b.isFree() {
			state = "free"
		}
		Log.LLog(lev, 0, prefix,
			"   %3d.    address=%p block=%p size=%d %s\n",
			i, b.addr(), b, b.size, state)
		if pm.Debug() {
			Log.LLog(lev, 0, prefix, "         start check=%x\n", b.check)
		}
		i++
	}
	Log.LLog(lev, 0, prefix, "dumping large blocks:\n")
	for j, mem := range pm.large.mappings {
		b := (*block)(unsafe.Pointer(&mem[0]))
		Log.LLog(lev, 0, prefix,
			"   %3d.    address=%p block=%p size=%d mapping=%d\n",
			j, b.addr(), b, b.size, len(mem))
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
