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

package pin_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dpeckett/go-dmacontig/pin"
)

// pinTarget maps a fresh anonymous region so the test controls page
// alignment of the pinned range.
func pinTarget(t *testing.T, size int) []byte {
	t.Helper()

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, unix.Munmap(mem))
	})

	return mem
}

func TestProcessPinnerPageSize(t *testing.T) {
	p := pin.NewProcessPinner()

	pageSize := p.PageSize()
	require.Equal(t, unix.Getpagesize(), pageSize)

	// Page size must be a power of two for the shift arithmetic to hold.
	require.Zero(t, pageSize&(pageSize-1))
}

func TestProcessPinnerPin(t *testing.T) {
	p := pin.NewProcessPinner()
	pageSize := p.PageSize()

	mem := pinTarget(t, 4*pageSize)
	base := uintptr(unsafe.Pointer(&mem[0]))

	vec, err := p.Pin(base, 2*pageSize, true)
	require.NoError(t, err)
	defer vec.Unpin(false)

	require.Equal(t, 2, vec.Count())

	pages, err := vec.Pages()
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, base, pages[0].Addr)
	require.Equal(t, base+uintptr(pageSize), pages[1].Addr)
	require.Equal(t, pageSize, pages[0].Len)

	// Frame numbers round-trip through the device address translation.
	frames := vec.FrameNumbers()
	require.Len(t, frames, 2)
	require.Equal(t, base, p.FrameToDeviceAddr(frames[0]))
	require.Equal(t, frames[0]+1, frames[1])
}

func TestProcessPinnerPinUnaligned(t *testing.T) {
	p := pin.NewProcessPinner()
	pageSize := p.PageSize()

	mem := pinTarget(t, 3*pageSize)
	base := uintptr(unsafe.Pointer(&mem[0]))

	// A range starting mid-page and ending mid-page spans three pages.
	vec, err := p.Pin(base+uintptr(pageSize/2), 2*pageSize, false)
	require.NoError(t, err)
	defer vec.Unpin(false)

	require.Equal(t, 3, vec.Count())

	pages, err := vec.Pages()
	require.NoError(t, err)
	require.Equal(t, base, pages[0].Addr)
}

func TestProcessPinnerPinInvalidSize(t *testing.T) {
	p := pin.NewProcessPinner()

	_, err := p.Pin(0x1000, 0, false)
	require.Error(t, err)
}

func TestProcessPinnerUnpin(t *testing.T) {
	p := pin.NewProcessPinner()
	pageSize := p.PageSize()

	mem := pinTarget(t, pageSize)

	vec, err := p.Pin(uintptr(unsafe.Pointer(&mem[0])), pageSize, true)
	require.NoError(t, err)

	vec.Unpin(true)

	require.Zero(t, vec.Count())
	require.Empty(t, vec.FrameNumbers())
}
