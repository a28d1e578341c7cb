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

// Package dmabuf implements cross-device buffer sharing: an owner exports a
// memory region as an opaque handle and other consumers attach to the
// handle and map the region for their own device, without copying.
package dmabuf

import (
	"fmt"
	"sync"

	"github.com/dpeckett/go-dmacontig/sg"
)

// Device identifies the consumer attaching to a handle. It is opaque to
// this package; the exporter's Ops decide whether a device is compatible.
type Device interface {
	Name() string
}

// Ops is implemented by the exporting allocator. All calls except Vmap and
// Release are made with the handle's lock held.
type Ops interface {
	// Attach prepares per-consumer state for the given device, returning
	// an opaque attachment value passed back to the other operations. The
	// mapper is the consumer's device mapper.
	Attach(dev Device, mapper sg.Mapper) (any, error)

	// Detach releases the per-consumer state, tearing down any device
	// mapping still in force.
	Detach(priv any)

	// Map returns the region's scatter-gather table mapped for the
	// consumer's device in the given direction.
	Map(priv any, dir sg.Direction) (*sg.Table, error)

	// Unmap is the inverse of Map. Exporters may keep the device mapping
	// cached until Detach.
	Unmap(priv any, t *sg.Table, dir sg.Direction)

	// Vmap returns a CPU-visible view of the region, or nil if the
	// exporter has none.
	Vmap() []byte

	// Release is called when the handle itself is released, dropping the
	// reference the handle holds on the exported region.
	Release()
}

// Handle is an exported buffer. It owns the single lock serializing
// attach, detach, map and unmap across every attachment of this handle:
// two consumers remapping the same region concurrently must not interleave.
type Handle struct {
	ops   Ops
	size  int
	flags uint32

	mu sync.Mutex
}

// Export wraps a region in a shareable handle. The handle holds a logical
// reference on the exported region until Release is called.
func Export(ops Ops, size int, flags uint32) (*Handle, error) {
	if ops == nil {
		return nil, fmt.Errorf("export requires exporter ops")
	}
	if size <= 0 {
		return nil, fmt.Errorf("export size must be positive, got %d", size)
	}

	return &Handle{ops: ops, size: size, flags: flags}, nil
}

// Size returns the number of bytes the handle advertises.
func (h *Handle) Size() int {
	return h.size
}

// Flags returns the flags the handle was exported with.
func (h *Handle) Flags() uint32 {
	return h.flags
}

// Vmap returns the exporter's CPU-visible view of the region, or nil.
func (h *Handle) Vmap() []byte {
	return h.ops.Vmap()
}

// Release drops the reference the handle holds on the exported region.
// Must be called exactly once, after all attachments are detached.
func (h *Handle) Release() {
	h.ops.Release()
}

// Attach associates a consumer device with the handle.
func (h *Handle) Attach(dev Device, mapper sg.Mapper) (*Attachment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	priv, err := h.ops.Attach(dev, mapper)
	if err != nil {
		return nil, fmt.Errorf("exporter rejected attachment: %w", err)
	}

	return &Attachment{h: h, dev: dev, priv: priv}, nil
}

// Attachment is one consumer's association with a handle.
type Attachment struct {
	h    *Handle
	dev  Device
	priv any
}

// Handle returns the handle this attachment belongs to.
func (a *Attachment) Handle() *Handle {
	return a.h
}

// Map returns the region's table mapped for this attachment's device.
// Serialized against all other map/unmap/attach/detach on the same handle.
func (a *Attachment) Map(dir sg.Direction) (*sg.Table, error) {
	a.h.mu.Lock()
	defer a.h.mu.Unlock()

	return a.h.ops.Map(a.priv, dir)
}

// Unmap releases the mapping returned by Map.
func (a *Attachment) Unmap(t *sg.Table, dir sg.Direction) {
	a.h.mu.Lock()
	defer a.h.mu.Unlock()

	a.h.ops.Unmap(a.priv, t, dir)
}

// Detach dissolves the association. Any cached device mapping is torn down.
func (a *Attachment) Detach() {
	a.h.mu.Lock()
	defer a.h.mu.Unlock()

	a.h.ops.Detach(a.priv)
	a.priv = nil
}
