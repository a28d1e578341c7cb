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

	"github.com/dpeckett/go-dmacontig/pin"
	"github.com/dpeckett/go-dmacontig/sg"
)

// pinnedMemory is the user-pointer path: caller-supplied memory pinned into
// physical pages for the duration of the buffer.
type pinnedMemory struct {
	vec pin.Vec
}

func (m *pinnedMemory) release(b *Buffer) {
	if sgt := b.dmaSgt; sgt != nil {
		// Already synced to the CPU by the finish() bracket, skip the
		// sync here.
		b.ctx.mapper.UnmapSG(sgt, b.dir, true)
		b.dmaSgt = nil
	}
	// The device may have written to the pages, mark them dirty before
	// letting go.
	m.vec.Unpin(true)
}

// GetUserPtr acquires a buffer over the caller-supplied virtual range
// [addr, addr+size). The range is pinned, described for the device and
// verified to present a single DMA-contiguous span of the full size. Any
// step failure unwinds completely before returning; the caller never
// releases a failed acquisition.
func (c *Ctx) GetUserPtr(addr uintptr, size int, dir Direction) (*Buffer, error) {
	// Only cache aligned DMA transfers are reliable.
	if size <= 0 || (addr|uintptr(size))&uintptr(c.align-1) != 0 {
		return nil, fmt.Errorf("user range must be non-empty and aligned to %d bytes: %w", c.align, ErrInvalidArgument)
	}

	vec, err := c.pinner.Pin(addr, size, dir == DirFromDevice)
	if err != nil {
		return nil, fmt.Errorf("could not pin user pages: %w: %w", ErrPinFault, err)
	}

	offset := int(addr) & (c.pinner.PageSize() - 1)

	pages, err := vec.Pages()
	if err != nil {
		// No page description is available, e.g. reserved memory. Check
		// the frames are physically contiguous and derive the device
		// address directly; this is a best-effort compatibility shim,
		// not a general contiguity path.
		frames := vec.FrameNumbers()
		for i := 1; i < len(frames); i++ {
			if frames[i-1]+1 != frames[i] {
				vec.Unpin(false)
				return nil, fmt.Errorf("reserved memory is not contiguous: %w", ErrMappingFailed)
			}
		}

		buf := newBuffer(c, size, dir, &pinnedMemory{vec: vec})
		buf.dmaAddr = c.pinner.FrameToDeviceAddr(frames[0])

		return buf, nil
	}

	sgt, err := sg.TableFromPages(pages, offset, size)
	if err != nil {
		vec.Unpin(false)
		return nil, fmt.Errorf("could not build scatter-gather table: %w: %w", ErrOutOfMemory, err)
	}

	// No need to sync to the device here, that happens later through the
	// prepare() bracket.
	nents, err := c.mapper.MapSG(sgt, dir, true)
	if err != nil || nents == 0 {
		vec.Unpin(false)
		if err == nil {
			err = ErrMappingFailed
		} else {
			err = fmt.Errorf("%w: %w", ErrMappingFailed, err)
		}
		return nil, fmt.Errorf("could not map scatter-gather table: %w", err)
	}

	if contig := sg.ContiguousSpan(sgt); contig < size {
		c.mapper.UnmapSG(sgt, dir, true)
		vec.Unpin(false)
		return nil, fmt.Errorf("contiguous mapping is too small %d/%d: %w", contig, size, ErrNotContiguous)
	}

	buf := newBuffer(c, size, dir, &pinnedMemory{vec: vec})
	buf.dmaAddr = sgt.Segs[0].DMA
	buf.dmaSgt = sgt

	return buf, nil
}
