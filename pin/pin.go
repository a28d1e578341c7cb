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

// Package pin provides page pinning: holding the physical pages backing a
// virtual address range in place for the duration of a DMA transfer.
package pin

import (
	"errors"

	"github.com/dpeckett/go-dmacontig/sg"
)

// ErrNoPages is returned by Vec.Pages when the pinned range is not backed
// by individually addressable pages, e.g. reserved or device memory. The
// caller may still inspect the range through FrameNumbers.
var ErrNoPages = errors.New("range is not page-backed")

// Vec is a pinned virtual address range.
type Vec interface {
	// Count returns the number of pinned pages.
	Count() int

	// Pages resolves the vector to physical pages. It returns ErrNoPages
	// when no page description is available for the underlying memory.
	Pages() ([]sg.Page, error)

	// FrameNumbers returns the physical frame number of every pinned page,
	// regardless of whether Pages succeeds.
	FrameNumbers() []uint64

	// Unpin releases the pages. When dirty is set the pages are marked
	// written before release, since the device may have modified them.
	// Unpin must be called exactly once.
	Unpin(dirty bool)
}

// Pinner pins user-supplied virtual ranges into physical pages.
type Pinner interface {
	// Pin holds the pages backing [addr, addr+size) in place. The
	// writable flag indicates the device will write to the range.
	Pin(addr uintptr, size int, writable bool) (Vec, error)

	// PageSize returns the platform page size.
	PageSize() int

	// FrameToDeviceAddr converts a physical frame number to a device
	// address. This is a best-effort conversion used only for ranges that
	// are not page-backed; platforms with a bus offset override it.
	FrameToDeviceAddr(frame uint64) uintptr
}
