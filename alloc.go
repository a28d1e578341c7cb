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

package dmacontig

import (
	"fmt"

	"github.com/dpeckett/go-dmacontig/sg"
)

// allocatedMemory is the direct allocation path: a coherent region owned by
// this allocator, mapped for the device permanently at allocation time.
type allocatedMemory struct {
	region CoherentRegion

	// sgtBase is a page-level description of the region, built lazily on
	// first export and reused across exports. It carries no device
	// mapping of its own, which is what makes the reuse safe: every
	// attachment maps its own copy.
	sgtBase *sg.Table
}

func (m *allocatedMemory) release(b *Buffer) {
	m.sgtBase = nil
	m.region.Free()
}

// Alloc acquires a coherent buffer of size bytes. The returned buffer's
// device address is fixed for its whole lifetime and no cache
// synchronization is required around transfers: coherent memory is assumed
// cache-safe.
func (c *Ctx) Alloc(size int, dir Direction, flags AllocFlags) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation size must be positive, got %d: %w", size, ErrInvalidArgument)
	}

	region, err := c.alloc.Alloc(c.dev, size, flags)
	if err != nil {
		return nil, fmt.Errorf("coherent allocation of size %d failed: %w: %w", size, ErrOutOfMemory, err)
	}

	buf := newBuffer(c, size, dir, &allocatedMemory{region: region})
	buf.dmaAddr = region.DMAAddr()
	buf.vaddr = region.Bytes()

	return buf, nil
}
