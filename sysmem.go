// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"os"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// PageMapper is the OS memory mapping collaborator PMalloc grows its heap
// with. Implementations hand out zero-filled, page-aligned regions.
// PMalloc always asks for multiples of PageSize and assumes the calls are
// not reentrant (they are only made while holding the heap lock).
type PageMapper interface {
	// PageSize returns the mapping granularity in bytes.
	// It must be a power of two and constant over the mapper's lifetime.
	PageSize() int
	// MapPages maps size bytes (a multiple of PageSize) of anonymous
	// memory and returns them as a byte slice.
	MapPages(size int) ([]byte, error)
	// UnmapPages releases a region previously returned by MapPages.
	// It must be passed the same slice MapPages returned.
	UnmapPages(mem []byte) error
}

// OSPages is the default PageMapper, backed by anonymous private mmap.
type OSPages struct{}

// PageSize returns the system page size.
func (OSPages) PageSize() int { return os.Getpagesize() }

// MapPages maps size bytes of zeroed anonymous memory.
func (OSPages) MapPages(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, cerrors.Wrapf(err, "mmap of %d bytes failed", size)
	}
	return mem, nil
}

// UnmapPages returns a mapped region to the OS.
func (OSPages) UnmapPages(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return cerrors.Wrapf(err, "munmap of %d bytes failed", len(mem))
	}
	return nil
}
