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

package pin

import (
	"fmt"
	"math/bits"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dpeckett/go-dmacontig/sg"
)

// ProcessPinner pins ranges of the calling process's own address space. It
// locks the range into resident memory and describes it page by page, using
// the virtual page address as the physical address. This is the hosted
// stand-in for a kernel page-pinning service.
type ProcessPinner struct {
	pageSize  int
	pageShift int
}

// NewProcessPinner creates a pinner for the current process.
func NewProcessPinner() *ProcessPinner {
	pageSize := unix.Getpagesize()

	return &ProcessPinner{
		pageSize:  pageSize,
		pageShift: bits.TrailingZeros(uint(pageSize)),
	}
}

// PageSize returns the platform page size.
func (p *ProcessPinner) PageSize() int {
	return p.pageSize
}

// FrameToDeviceAddr assumes device address == physical address. We cannot
// do any better without platform knowledge.
func (p *ProcessPinner) FrameToDeviceAddr(frame uint64) uintptr {
	return uintptr(frame) << p.pageShift
}

// Pin locks the pages backing [addr, addr+size) into memory.
func (p *ProcessPinner) Pin(addr uintptr, size int, writable bool) (Vec, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pin size must be positive, got %d", size)
	}

	first := addr &^ uintptr(p.pageSize-1)
	last := (addr + uintptr(size) - 1) &^ uintptr(p.pageSize-1)
	nPages := int((last-first)>>p.pageShift) + 1

	mem := unsafe.Slice((*byte)(unsafe.Pointer(first)), nPages*p.pageSize)
	if err := unix.Mlock(mem); err != nil {
		return nil, fmt.Errorf("could not lock pages: %w", err)
	}

	pages := make([]sg.Page, nPages)
	frames := make([]uint64, nPages)
	for i := 0; i < nPages; i++ {
		pageAddr := first + uintptr(i)<<p.pageShift
		pages[i] = sg.Page{Addr: pageAddr, Len: p.pageSize}
		frames[i] = uint64(pageAddr >> p.pageShift)
	}

	return &processVec{mem: mem, pages: pages, frames: frames}, nil
}

type processVec struct {
	mem    []byte
	pages  []sg.Page
	frames []uint64
}

func (v *processVec) Count() int {
	return len(v.pages)
}

func (v *processVec) Pages() ([]sg.Page, error) {
	return v.pages, nil
}

func (v *processVec) FrameNumbers() []uint64 {
	return v.frames
}

// Unpin unlocks the pages. Dirtiness needs no bookkeeping here: the pages
// belong to the process and stay mapped after the pin is dropped.
func (v *processVec) Unpin(_ bool) {
	_ = unix.Munlock(v.mem)
	v.pages = nil
	v.frames = nil
}
