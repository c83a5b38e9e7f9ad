// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc_test

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	pmalloc "github.com/intuitivelabs/mallocs/pmalloc"
)

// TestConcurrentStress hammers one heap from several goroutines with
// interleaved allocations and frees, small and large. Each goroutine
// writes its own pattern and verifies it before freeing: a block handed
// to two callers or clobbered by a bad merge shows up as a pattern
// mismatch.
func TestConcurrentStress(t *testing.T) {
	var pm pmalloc.PMalloc
	require.True(t, pm.Init(nil, pmalloc.PMDefaultOptions))

	const goroutines = 8
	const iterations = 400

	type alloc struct {
		p unsafe.Pointer
		n uint64
	}

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(tag byte) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(tag)))
			var owned []alloc

			for i := 0; i < iterations; i++ {
				if len(owned) > 0 && rnd.Intn(2) == 0 {
					k := rnd.Intn(len(owned))
					a := owned[k]
					if !checkPattern(a.p, a.n, tag) {
						t.Errorf("goroutine %d: block %p (size %d)"+
							" corrupted", tag, a.p, a.n)
					}
					pm.Free(a.p)
					owned = append(owned[:k], owned[k+1:]...)
					continue
				}
				// sizes straddle the page threshold so both the free
				// list and the dedicated mapping path stay busy
				n := uint64(rnd.Intn(5000) + 1)
				p := pm.Malloc(n)
				if p == nil {
					t.Errorf("goroutine %d: Malloc(%d) failed", tag, n)
					return
				}
				fillPattern(p, n, tag)
				owned = append(owned, alloc{p, n})
			}

			for _, a := range owned {
				if !checkPattern(a.p, a.n, tag) {
					t.Errorf("goroutine %d: block %p (size %d) corrupted"+
						" at drain", tag, a.p, a.n)
				}
				pm.Free(a.p)
			}
		}(byte(g + 1))
	}
	wg.Wait()

	require.NoError(t, pm.Validate())
	u := pm.MUsage()
	require.Equal(t, uint64(0), u.Used, "leaked allocations after drain")
	require.Equal(t, 0, pm.LargeCount())
}

// TestConcurrentHeaps checks that independent heap instances do not
// share any state.
func TestConcurrentHeaps(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(tag byte) {
			defer wg.Done()
			var pm pmalloc.PMalloc
			if !pm.Init(nil, pmalloc.PMDefaultOptions) {
				t.Error("Init failed")
				return
			}
			for i := 0; i < 100; i++ {
				p := pm.Malloc(512)
				if p == nil {
					t.Error("Malloc failed")
					return
				}
				fillPattern(p, 512, tag)
				if !checkPattern(p, 512, tag) {
					t.Errorf("heap %d corrupted", tag)
				}
				pm.Free(p)
			}
			if err := pm.Validate(); err != nil {
				t.Errorf("heap %d invalid: %s", tag, err)
			}
		}(byte(g + 1))
	}
	wg.Wait()
}
