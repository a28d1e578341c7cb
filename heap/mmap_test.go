/* SPDX-License-Identifier: ISC
 *
 * Copyright (c) 2024 Damian Peckett <damian@pecke.tt>
 *
 * Permission to use, copy, modify, and/or distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dpeckett/go-dmacontig/heap"
)

func TestMmapAllocator(t *testing.T) {
	a := heap.NewMmapAllocator()
	t.Cleanup(func() {
		require.NoError(t, a.Close())
	})

	region, err := a.Alloc(nil, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, a.Outstanding())

	// Sizes are rounded up to whole pages and the base is page aligned.
	pageSize := unix.Getpagesize()
	require.Len(t, region.Bytes(), pageSize)
	require.Zero(t, region.DMAAddr()&uintptr(pageSize-1))

	region.Free()
	require.Equal(t, 0, a.Outstanding())
}

func TestMmapAllocatorInvalidSize(t *testing.T) {
	a := heap.NewMmapAllocator()
	t.Cleanup(func() {
		require.NoError(t, a.Close())
	})

	_, err := a.Alloc(nil, 0, 0)
	require.Error(t, err)
}

func TestMmapAllocatorReusesFreedBlocks(t *testing.T) {
	a := heap.NewMmapAllocator()
	t.Cleanup(func() {
		require.NoError(t, a.Close())
	})

	first, err := a.Alloc(nil, 8192, 0)
	require.NoError(t, err)

	first.Bytes()[0] = 0xff
	addr := first.DMAAddr()
	first.Free()

	// The freed block comes back off the free list, zeroed.
	second, err := a.Alloc(nil, 8192, 0)
	require.NoError(t, err)
	defer second.Free()

	require.Equal(t, addr, second.DMAAddr())
	require.Zero(t, second.Bytes()[0])
}

func TestMmapAllocatorSizesDoNotShareFreeLists(t *testing.T) {
	a := heap.NewMmapAllocator()
	t.Cleanup(func() {
		require.NoError(t, a.Close())
	})

	small, err := a.Alloc(nil, 4096, 0)
	require.NoError(t, err)
	small.Free()

	// A bigger request cannot be satisfied by the smaller cached block.
	big, err := a.Alloc(nil, 16384, 0)
	require.NoError(t, err)
	defer big.Free()

	require.Len(t, big.Bytes(), 16384)
}
