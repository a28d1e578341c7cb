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
	"log/slog"

	"github.com/dpeckett/go-dmacontig/dmabuf"
	"github.com/dpeckett/go-dmacontig/sg"
)

// importedMemory is the shared-handle import path: an attachment to a
// handle exported by some other allocator.
type importedMemory struct {
	att *dmabuf.Attachment
}

func (m *importedMemory) release(b *Buffer) {
	// A correctly driven queue never releases a buffer that is still
	// mapped; unmap defensively rather than leak the mapping.
	if b.dmaSgt != nil {
		slog.Warn("releasing imported buffer that is still mapped")
		b.UnmapHandle()
	}

	m.att.Detach()
}

// AttachHandle imports a shared handle, associating this context's device
// with it. The buffer starts out unmapped; MapHandle establishes the
// device mapping on demand.
func (c *Ctx) AttachHandle(handle *dmabuf.Handle, size int, dir Direction) (*Buffer, error) {
	if handle == nil || size <= 0 {
		return nil, fmt.Errorf("attach requires a handle and a positive size: %w", ErrInvalidArgument)
	}
	if handle.Size() < size {
		return nil, fmt.Errorf("handle advertises %d bytes, need %d: %w", handle.Size(), size, ErrIncompatible)
	}

	att, err := handle.Attach(c.dev, c.mapper)
	if err != nil {
		return nil, fmt.Errorf("could not attach to handle: %w: %w", ErrIncompatible, err)
	}

	return newBuffer(c, size, dir, &importedMemory{att: att}), nil
}

// MapHandle establishes the device mapping for an imported buffer and
// verifies it presents one device-contiguous span of the full requested
// size. Mapping an already mapped buffer is harmless; map and unmap on the
// same underlying handle are serialized by the handle's own lock.
func (b *Buffer) MapHandle() error {
	m, ok := b.mem.(*importedMemory)
	if !ok {
		slog.Warn("trying to map a buffer that is not an imported handle")
		return fmt.Errorf("buffer is not an imported handle: %w", ErrUsage)
	}

	if b.dmaSgt != nil {
		slog.Warn("imported buffer is already mapped")
		return nil
	}

	sgt, err := m.att.Map(b.dir)
	if err != nil {
		return fmt.Errorf("could not map handle attachment: %w", err)
	}

	// Check the handle is big enough to hold one contiguous chunk.
	if contig := sg.ContiguousSpan(sgt); contig < b.size {
		m.att.Unmap(sgt, b.dir)
		return fmt.Errorf("contiguous chunk is too small %d/%d: %w", contig, b.size, ErrNotContiguous)
	}

	b.dmaAddr = sgt.Segs[0].DMA
	b.dmaSgt = sgt
	b.vaddr = nil

	return nil
}

// UnmapHandle releases the device mapping of an imported buffer. The CPU
// view, if one was fetched, is dropped first.
func (b *Buffer) UnmapHandle() {
	m, ok := b.mem.(*importedMemory)
	if !ok {
		slog.Warn("trying to unmap a buffer that is not an imported handle")
		return
	}

	sgt := b.dmaSgt
	if sgt == nil {
		slog.Warn("imported buffer is already unmapped")
		return
	}

	if b.vaddr != nil {
		b.vaddr = nil
	}
	m.att.Unmap(sgt, b.dir)

	b.dmaAddr = 0
	b.dmaSgt = nil
}
