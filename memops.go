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
	"github.com/dpeckett/go-dmacontig/dmabuf"
)

// MemOps is the operation table a buffer queue consumes to acquire buffers.
// Each acquisition path returns a *Buffer; the remaining operations of the
// table (release, cookie, virtual address, user mapping, prepare/finish,
// export, handle map/unmap, active user count) are methods on Buffer, so
// the queue drives every buffer the same way regardless of how it was
// acquired.
type MemOps interface {
	// Alloc acquires a coherent buffer owned by this allocator.
	Alloc(size int, dir Direction, flags AllocFlags) (*Buffer, error)

	// GetUserPtr acquires a buffer over caller-supplied memory.
	GetUserPtr(addr uintptr, size int, dir Direction) (*Buffer, error)

	// AttachHandle acquires a buffer by importing a shared handle.
	AttachHandle(handle *dmabuf.Handle, size int, dir Direction) (*Buffer, error)
}

var _ MemOps = (*Ctx)(nil)
