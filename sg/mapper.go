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

package sg

// Mapper maps tables for one device. A Mapper instance is bound to the
// device it was created for; the allocator context supplies one per device.
type Mapper interface {
	// MapSG assigns device addresses to the table's segments and returns
	// the number of segments mapped. Zero mapped segments means the device
	// could not map the region. When skipCPUSync is set the mapper must
	// not perform CPU cache maintenance; the caller brackets the transfer
	// with explicit sync calls instead.
	MapSG(t *Table, dir Direction, skipCPUSync bool) (int, error)

	// UnmapSG tears down the device mapping established by MapSG.
	UnmapSG(t *Table, dir Direction, skipCPUSync bool)

	// SyncForDevice flushes CPU writes so they are visible to the device.
	SyncForDevice(t *Table, dir Direction)

	// SyncForCPU flushes device writes so they are visible to the CPU.
	SyncForCPU(t *Table, dir Direction)
}

// IdentityMapper is the hosted mapper: the device observes memory at its
// CPU-visible address and shares the CPU's cache hierarchy, so mapping is
// address assignment and the sync calls are no-ops. Platforms with an
// IOMMU or non-coherent caches provide their own Mapper.
type IdentityMapper struct{}

func (IdentityMapper) MapSG(t *Table, _ Direction, _ bool) (int, error) {
	for i := range t.Segs {
		t.Segs[i].DMA = t.Segs[i].Addr
	}
	t.SetMapped(len(t.Segs))

	return len(t.Segs), nil
}

func (IdentityMapper) UnmapSG(t *Table, _ Direction, _ bool) {
	for i := range t.Segs {
		t.Segs[i].DMA = 0
	}
	t.SetMapped(0)
}

func (IdentityMapper) SyncForDevice(*Table, Direction) {}

func (IdentityMapper) SyncForCPU(*Table, Direction) {}
