// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// ErrPowerOfTwo is returned by checks on values that must be powers of two.
var ErrPowerOfTwo = cerrors.New("number must be a power of two")

// alignUp rounds v up to the next multiple of alignment.
// alignment must be a power of two.
func alignUp[T constraints.Integer](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}

// alignDown rounds v down to a multiple of alignment.
// alignment must be a power of two.
func alignDown[T constraints.Integer](v, alignment T) T {
	return v &^ (alignment - 1)
}

// checkPow2 verifies that v is a non-zero power of two.
func checkPow2[T constraints.Integer](v T, name string) error {
	if v == 0 || v&(v-1) != 0 {
		return cerrors.Wrapf(ErrPowerOfTwo, "%s is %d", name, v)
	}
	return nil
}
