// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	pmalloc "github.com/intuitivelabs/mallocs/pmalloc"
)

// TestCoalesceThreeBlocks frees three adjacent blocks in every order and
// checks that a request sized to the fully merged region is served from
// the original address: both the forward and the backward merge must
// have fired, whatever the order.
func TestCoalesceThreeBlocks(t *testing.T) {
	const s = 256

	orders := map[string][3]int{
		"middle first": {1, 0, 2},
		"forward":      {0, 1, 2},
		"backward":     {2, 1, 0},
		"ends first":   {0, 2, 1},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			pm, _ := newHeap(t)

			var ptrs [3]unsafe.Pointer
			for i := range ptrs {
				ptrs[i] = pm.Malloc(s)
				require.NotNil(t, ptrs[i])
			}
			// the three blocks must be address-adjacent
			require.Equal(t,
				uintptr(ptrs[0])+s+uintptr(pmalloc.BlockOverhead),
				uintptr(ptrs[1]))
			require.Equal(t,
				uintptr(ptrs[1])+s+uintptr(pmalloc.BlockOverhead),
				uintptr(ptrs[2]))

			for _, i := range order {
				pm.Free(ptrs[i])
				require.NoError(t, pm.Validate())
			}
			require.Equal(t, uint64(0), pm.MUsage().Used)

			// a request spanning all three payloads plus the two absorbed
			// headers must fit into the merged region
			p := pm.Malloc(3*s + 2*pmalloc.BlockOverhead)
			require.NotNil(t, p)
			require.Equal(t, uintptr(ptrs[0]), uintptr(p),
				"request not served from the coalesced region")
			pm.Free(p)
			require.NoError(t, pm.Validate())
		})
	}
}

func TestFreeNil(t *testing.T) {
	pm, _ := newHeap(t)
	pm.Free(nil) // must be a harmless no-op
	require.NoError(t, pm.Validate())
}

func TestDoubleFree(t *testing.T) {
	pm, _ := newHeap(t)

	p := pm.Malloc(64)
	require.NotNil(t, p)
	pm.Free(p)
	// the second free must be detected and ignored
	pm.Free(p)
	require.NoError(t, pm.Validate())

	// the heap must still work and hand the block out again
	q := pm.Malloc(64)
	require.NotNil(t, q)
	require.Equal(t, uintptr(p), uintptr(q))
	fillPattern(q, 64, 0x77)
	require.True(t, checkPattern(q, 64, 0x77))
	pm.Free(q)
}

// TestDoubleFreeAfterMerge frees a pointer whose block was already
// swallowed by a backward merge; the stale header must be rejected, not
// spliced in a second time.
func TestDoubleFreeAfterMerge(t *testing.T) {
	pm, _ := newHeap(t)

	a := pm.Malloc(64)
	b := pm.Malloc(64)
	require.NotNil(t, a)
	require.NotNil(t, b)

	pm.Free(a)
	pm.Free(b) // merges backward into a's block
	pm.Free(b) // stale: b's header no longer exists
	require.NoError(t, pm.Validate())
	require.Equal(t, uint64(0), pm.MUsage().Used)
}

func TestForeignPointerFree(t *testing.T) {
	pm, _ := newHeap(t)

	p := pm.Malloc(64)
	require.NotNil(t, p)

	buf := make([]byte, 128)
	pm.Free(unsafe.Pointer(&buf[64])) // never handed out by this heap
	require.NoError(t, pm.Validate())

	// the real allocation must be untouched
	fillPattern(p, 64, 0x42)
	require.True(t, checkPattern(p, 64, 0x42))
	pm.Free(p)
	require.Equal(t, uint64(0), pm.MUsage().Used)
}
