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

// Package sg provides scatter-gather tables: ordered lists of contiguous
// memory segments describing a possibly discontiguous region as seen by a
// DMA engine.
package sg

import (
	"fmt"
)

// Direction is the intended data flow of a DMA transfer. It determines
// which cache maintenance operations a mapper must perform.
type Direction int

const (
	// DirNone means no mapping is in force.
	DirNone Direction = iota
	// DirBidirectional transfers flow both ways.
	DirBidirectional
	// DirToDevice transfers flow from the CPU to the device.
	DirToDevice
	// DirFromDevice transfers flow from the device to the CPU.
	DirFromDevice
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirBidirectional:
		return "bidirectional"
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Page is one physical page (or page fragment) backing a pinned region.
type Page struct {
	// Addr is the physical address of the page.
	Addr uintptr
	// Len is the number of bytes the page contributes.
	Len int
}

// Segment is one contiguous run of memory within a table. Addr describes
// the memory itself; DMA is the device-visible address and is only valid
// while the table is mapped.
type Segment struct {
	Addr uintptr
	Len  int
	DMA  uintptr
}

// Table is an ordered sequence of segments. A table starts out unmapped;
// a Mapper assigns device addresses and sets the mapped segment count.
type Table struct {
	Segs []Segment

	// nents is the number of segments with a valid device mapping,
	// zero while unmapped.
	nents int
}

// Mapped reports whether the table currently holds a device mapping.
func (t *Table) Mapped() bool {
	return t.nents > 0
}

// SetMapped records the number of mapped segments. It is intended for use
// by Mapper implementations.
func (t *Table) SetMapped(nents int) {
	t.nents = nents
}

// Size returns the total number of bytes described by the table.
func (t *Table) Size() int {
	var size int
	for i := range t.Segs {
		size += t.Segs[i].Len
	}
	return size
}

// Copy returns an unmapped copy of the table describing the same memory.
// The same table must never be mapped for multiple consumers at once, so
// every consumer maps its own copy.
func (t *Table) Copy() *Table {
	segs := make([]Segment, len(t.Segs))
	for i, s := range t.Segs {
		segs[i] = Segment{Addr: s.Addr, Len: s.Len}
	}
	return &Table{Segs: segs}
}

// TableFromPages builds an unmapped table covering size bytes of the given
// pages, starting offset bytes into the first page. Pages that are
// physically adjacent are coalesced into a single segment.
func TableFromPages(pages []Page, offset, size int) (*Table, error) {
	if size <= 0 {
		return nil, fmt.Errorf("table size must be positive, got %d", size)
	}

	var segs []Segment
	remaining := size
	for i, p := range pages {
		if remaining == 0 {
			break
		}

		addr, length := p.Addr, p.Len
		if i == 0 {
			if offset >= length {
				return nil, fmt.Errorf("offset %d exceeds first page length %d", offset, length)
			}
			addr += uintptr(offset)
			length -= offset
		}
		if length > remaining {
			length = remaining
		}

		if n := len(segs); n > 0 && segs[n-1].Addr+uintptr(segs[n-1].Len) == addr {
			segs[n-1].Len += length
		} else {
			segs = append(segs, Segment{Addr: addr, Len: length})
		}
		remaining -= length
	}

	if remaining > 0 {
		return nil, fmt.Errorf("pages cover only %d of %d bytes", size-remaining, size)
	}

	return &Table{Segs: segs}, nil
}

// TableFromBlock builds an unmapped page-granular table describing a single
// contiguous block. The block is split at page boundaries so that consumers
// can remap individual pages for their own device.
func TableFromBlock(addr uintptr, size, pageSize int) (*Table, error) {
	if size <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", size)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	var segs []Segment
	for off := 0; off < size; off += pageSize {
		length := pageSize
		if size-off < length {
			length = size - off
		}
		segs = append(segs, Segment{Addr: addr + uintptr(off), Len: length})
	}

	return &Table{Segs: segs}, nil
}

// ContiguousSpan returns the length in bytes of the longest run of
// device-contiguous segments at the head of a mapped table. The walk stops
// at the first segment whose device address does not follow on from the
// previous segment.
func ContiguousSpan(t *Table) int {
	if len(t.Segs) == 0 {
		return 0
	}

	var span int
	expected := t.Segs[0].DMA
	for i := 0; i < t.nents; i++ {
		s := &t.Segs[i]
		if s.DMA != expected {
			break
		}
		expected = s.DMA + uintptr(s.Len)
		span += s.Len
	}

	return span
}
