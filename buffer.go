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
	"sync/atomic"

	"github.com/dpeckett/go-dmacontig/sg"
)

// Buffer is a reference-counted handle over one DMA-contiguous memory
// region. The acquisition path a buffer was created under is fixed at
// creation and selects the state carried in mem; all other fields are
// written during the single acquisition call and read-only until release.
type Buffer struct {
	ctx  *Ctx
	dev  Device
	size int
	dir  Direction

	// dmaAddr is the device-visible base address. For coherent
	// allocations it is fixed for the buffer's lifetime; for the other
	// paths it is valid only while a device mapping is in force.
	dmaAddr uintptr

	// vaddr is the CPU-visible view, nil for buffers without one.
	// Imported buffers populate it lazily from the exporting side.
	vaddr []byte

	// dmaSgt is non-nil exactly while the buffer holds an active device
	// mapping. Coherent allocations are mapped permanently at allocation
	// and never carry one.
	dmaSgt *sg.Table

	refs refCount
	mem  bufferMemory
}

// bufferMemory is the acquisition-path variant of a buffer: exactly one of
// allocatedMemory, pinnedMemory or importedMemory.
type bufferMemory interface {
	// release frees the path-specific resources. Called exactly once,
	// when the last reference is dropped.
	release(b *Buffer)
}

// newBuffer creates the common part of a buffer and retains the device for
// the buffer's lifetime.
func newBuffer(c *Ctx, size int, dir Direction, mem bufferMemory) *Buffer {
	b := &Buffer{ctx: c, dev: c.dev, size: size, dir: dir, mem: mem}
	if r, ok := b.dev.(Retainer); ok {
		r.Retain()
	}
	b.refs.Inc()

	return b
}

// Size returns the buffer's length in bytes.
func (b *Buffer) Size() int {
	return b.size
}

// Direction returns the cache-coherency direction the buffer was acquired
// for.
func (b *Buffer) Direction() Direction {
	return b.dir
}

// Cookie returns the buffer's device-visible address. For userptr and
// imported buffers it is zero while no device mapping is in force.
func (b *Buffer) Cookie() uintptr {
	return b.dmaAddr
}

// Vaddr returns the CPU-visible view of the buffer, or nil if it has none.
// For imported buffers the view is fetched lazily from the exporting side.
func (b *Buffer) Vaddr() []byte {
	if b.vaddr == nil {
		if m, ok := b.mem.(*importedMemory); ok {
			b.vaddr = m.att.Handle().Vmap()
		}
	}

	return b.vaddr
}

// NumUsers returns the number of parties currently holding the buffer.
func (b *Buffer) NumUsers() int {
	return b.refs.Load()
}

// Release drops one reference. When the last reference is dropped the
// path-specific resources are freed, the device reference is released and
// the buffer must not be used again. Independent references (user
// mappings, exported handles) are dropped through their own release calls.
func (b *Buffer) Release() {
	if !b.refs.DecAndTest() {
		return
	}

	b.mem.release(b)
	if r, ok := b.dev.(Retainer); ok {
		r.Release()
	}
}

// Prepare flushes CPU writes to the device. It must be called before every
// hardware transfer that touches the buffer. No-op for buffers without an
// active scatter-gather mapping and for imported buffers, whose exporter
// owns cache maintenance. Coherent regions that ask for access bracketing
// get their CPU access phase ended here instead.
func (b *Buffer) Prepare() {
	if am, ok := b.mem.(*allocatedMemory); ok {
		if r, ok := am.region.(SyncedRegion); ok {
			if err := r.SyncEnd(b.dir); err != nil {
				slog.Warn("could not end CPU access phase", "error", err)
			}
		}
		return
	}

	sgt := b.dmaSgt
	if sgt == nil || b.imported() {
		return
	}

	b.ctx.mapper.SyncForDevice(sgt, b.dir)
}

// Finish flushes device writes back to the CPU. It must be called after
// every hardware transfer that touches the buffer. Same no-op rules as
// Prepare, with bracketing regions starting a new CPU access phase.
func (b *Buffer) Finish() {
	if am, ok := b.mem.(*allocatedMemory); ok {
		if r, ok := am.region.(SyncedRegion); ok {
			if err := r.SyncStart(b.dir); err != nil {
				slog.Warn("could not start CPU access phase", "error", err)
			}
		}
		return
	}

	sgt := b.dmaSgt
	if sgt == nil || b.imported() {
		return
	}

	b.ctx.mapper.SyncForCPU(sgt, b.dir)
}

func (b *Buffer) imported() bool {
	_, ok := b.mem.(*importedMemory)
	return ok
}

// MapUser maps the buffer into the caller's address space. The whole
// buffer is mapped read/write regardless of direction, mirroring how the
// hardware mapping subsystem exposes device memory. The mapping holds a
// reference on the buffer until closed. Only coherent allocations have
// memory of their own to map.
func (b *Buffer) MapUser() (*UserMapping, error) {
	if _, ok := b.mem.(*allocatedMemory); !ok {
		return nil, fmt.Errorf("only coherent allocations can be mapped: %w", ErrUsage)
	}

	b.refs.Inc()

	return &UserMapping{b: b, data: b.vaddr}, nil
}

// UserMapping is a user-space view of a buffer. It keeps the buffer alive
// until closed.
type UserMapping struct {
	b      *Buffer
	data   []byte
	closed atomic.Bool
}

// Bytes returns the mapped view.
func (m *UserMapping) Bytes() []byte {
	return m.data
}

// Close drops the mapping's reference on the buffer. Safe to call more
// than once; only the first call drops the reference.
func (m *UserMapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.data = nil
	m.b.Release()

	return nil
}
