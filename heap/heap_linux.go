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

package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	dmacontig "github.com/dpeckett/go-dmacontig"
	"github.com/dpeckett/go-dmacontig/sg"
)

// HeapAllocator allocates physically contiguous coherent memory from a
// Linux dma-heap character device, e.g. /dev/dma-heap/system or a
// CMA-backed heap. Each allocation is a dma-buf fd mapped into the
// process.
type HeapAllocator struct {
	name string
	fd   int
}

// NewHeapAllocator opens the named dma-heap.
func NewHeapAllocator(name string) (*HeapAllocator, error) {
	fd, err := unix.Open("/dev/dma-heap/"+name, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open dma-heap %q: %w", name, err)
	}

	return &HeapAllocator{name: name, fd: fd}, nil
}

// Name returns the heap's name.
func (a *HeapAllocator) Name() string {
	return a.name
}

// Close closes the heap device. Outstanding regions stay valid; each holds
// its own dma-buf fd.
func (a *HeapAllocator) Close() error {
	if err := unix.Close(a.fd); err != nil {
		return fmt.Errorf("could not close dma-heap %q: %w", a.name, err)
	}

	return nil
}

// Alloc allocates size bytes from the heap and maps them into the process.
func (a *HeapAllocator) Alloc(_ dmacontig.Device, size int, _ dmacontig.AllocFlags) (dmacontig.CoherentRegion, error) {
	data := dmaHeapAllocationData{
		Len:     uint64(size),
		FdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}

	if err := ioctlRetry(a.fd, dmaHeapIoctlAlloc, unsafe.Pointer(&data)); err != nil {
		return nil, fmt.Errorf("could not allocate from dma-heap %q: %w", a.name, err)
	}

	buf, err := unix.Mmap(int(data.Fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(int(data.Fd))

		return nil, fmt.Errorf("could not map dma-heap buffer: %w", err)
	}

	return &heapRegion{fd: int(data.Fd), buf: buf}, nil
}

// heapRegion is one dma-heap allocation: a dma-buf fd plus its CPU
// mapping.
type heapRegion struct {
	fd  int
	buf []byte
}

var _ dmacontig.SyncedRegion = (*heapRegion)(nil)

// DMAAddr returns the CPU mapping's base address. The true bus address of
// a dma-buf is only established when a device attaches to it; user space
// has no view of it, so the CPU address serves as the cookie.
func (r *heapRegion) DMAAddr() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

func (r *heapRegion) Bytes() []byte {
	return r.buf
}

func (r *heapRegion) Free() {
	_ = unix.Munmap(r.buf)
	_ = unix.Close(r.fd)
	r.buf = nil
}

// SyncStart brackets the start of CPU access to the region, giving the
// kernel exporter a chance to flush caches for the given direction.
func (r *heapRegion) SyncStart(dir sg.Direction) error {
	return r.sync(dmaBufSyncStart, dir)
}

// SyncEnd brackets the end of CPU access to the region.
func (r *heapRegion) SyncEnd(dir sg.Direction) error {
	return r.sync(dmaBufSyncEnd, dir)
}

func (r *heapRegion) sync(phase uint64, dir sg.Direction) error {
	arg := dmaBufSync{Flags: phase}
	switch dir {
	case sg.DirToDevice:
		arg.Flags |= dmaBufSyncWrite
	case sg.DirFromDevice:
		arg.Flags |= dmaBufSyncRead
	default:
		arg.Flags |= dmaBufSyncRW
	}

	if err := ioctlRetry(r.fd, dmaBufIoctlSync, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("could not sync dma-buf: %w", err)
	}

	return nil
}
