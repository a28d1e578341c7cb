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

// ExportHandle exports a coherent allocation as a shareable handle. The
// handle holds a reference on the buffer until its Release; multiple
// concurrent exports each hold their own. The page-level base table is
// built on first export and reused by later ones.
func (b *Buffer) ExportHandle(flags uint32) (*dmabuf.Handle, error) {
	am, ok := b.mem.(*allocatedMemory)
	if !ok {
		return nil, fmt.Errorf("only coherent allocations can be exported: %w", ErrUsage)
	}

	if am.sgtBase == nil {
		sgt, err := sg.TableFromBlock(b.dmaAddr, b.size, b.ctx.pinner.PageSize())
		if err != nil {
			return nil, fmt.Errorf("could not build base scatter-gather table: %w: %w", ErrOutOfMemory, err)
		}
		am.sgtBase = sgt
	}

	handle, err := dmabuf.Export(&exporterOps{buf: b, base: am.sgtBase}, b.size, flags)
	if err != nil {
		return nil, fmt.Errorf("could not export buffer: %w", err)
	}

	// The handle keeps a reference to the buffer.
	b.refs.Inc()

	return handle, nil
}

// exporterOps implements dmabuf.Ops over a coherent allocation.
type exporterOps struct {
	buf  *Buffer
	base *sg.Table
}

// exportAttachment is the per-consumer state behind one attachment: a
// private copy of the base table, and the direction it is currently mapped
// in, DirNone while unmapped. At most one direction-mapping is in force per
// attachment; remapping with a different direction tears the old one down.
type exportAttachment struct {
	sgt    *sg.Table
	dir    sg.Direction
	mapper sg.Mapper
}

func (o *exporterOps) Attach(_ dmabuf.Device, mapper sg.Mapper) (any, error) {
	// The base table cannot be mapped for several consumers at once, so
	// each attachment gets its own copy to map.
	return &exportAttachment{sgt: o.base.Copy(), dir: sg.DirNone, mapper: mapper}, nil
}

func (o *exporterOps) Detach(priv any) {
	att, ok := priv.(*exportAttachment)
	if !ok || att == nil {
		return
	}

	if att.dir != sg.DirNone {
		att.mapper.UnmapSG(att.sgt, att.dir, false)
		att.dir = sg.DirNone
	}
	att.sgt = nil
}

func (o *exporterOps) Map(priv any, dir sg.Direction) (*sg.Table, error) {
	att := priv.(*exportAttachment)

	// Return the previously mapped table unchanged under same-direction
	// reuse.
	if att.dir == dir {
		return att.sgt, nil
	}

	// A different direction was mapped before, tear it down first.
	if att.dir != sg.DirNone {
		att.mapper.UnmapSG(att.sgt, att.dir, false)
		att.dir = sg.DirNone
	}

	nents, err := att.mapper.MapSG(att.sgt, dir, false)
	if err != nil || nents == 0 {
		if err == nil {
			err = ErrMappingFailed
		} else {
			err = fmt.Errorf("%w: %w", ErrMappingFailed, err)
		}
		return nil, fmt.Errorf("could not map attachment scatter-gather table: %w", err)
	}
	att.dir = dir

	return att.sgt, nil
}

func (o *exporterOps) Unmap(priv any, _ *sg.Table, _ sg.Direction) {
	// Nothing to do: the device mapping stays cached on the attachment
	// until it is remapped in another direction or detached.
	if _, ok := priv.(*exportAttachment); !ok {
		slog.Warn("unmap of an unknown attachment")
	}
}

func (o *exporterOps) Vmap() []byte {
	return o.buf.vaddr
}

func (o *exporterOps) Release() {
	// Drop the reference obtained at export.
	o.buf.Release()
}
