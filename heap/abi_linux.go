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
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// Argument for DMA_HEAP_IOCTL_ALLOC: metadata passed from userspace for
// a dma-heap allocation (see linux/dma-heap.h).
type dmaHeapAllocationData struct {
	// Len is the size of the allocation in bytes.
	Len uint64
	// Fd returns the file descriptor of the allocated buffer.
	Fd uint32
	// FdFlags are the file creation flags for the returned fd.
	FdFlags uint32
	// HeapFlags are flags passed to the heap. Currently must be zero.
	HeapFlags uint64
}

// Argument for DMA_BUF_IOCTL_SYNC: brackets CPU access to a dma-buf so the
// exporter can perform cache maintenance (see linux/dma-buf.h).
type dmaBufSync struct {
	Flags uint64
}

const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncRW    = dmaBufSyncRead | dmaBufSyncWrite
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

var (
	dmaHeapIoctlAlloc = ioctl.IOWR('H', 0x0, unsafe.Sizeof(dmaHeapAllocationData{}))
	dmaBufIoctlSync   = ioctl.IOW('b', 0, unsafe.Sizeof(dmaBufSync{}))
)
