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

// Package heap provides coherent-memory allocators backing the dmacontig
// allocation path.
package heap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	dmacontig "github.com/dpeckett/go-dmacontig"
)

// maxFreeBlocksPerSize bounds the number of released blocks kept around
// for reuse per block size; anything beyond is unmapped immediately.
const maxFreeBlocksPerSize = 16

// MmapAllocator allocates page-aligned anonymous memory. In a hosted
// environment anonymous mappings are trivially coherent, so this is the
// default backend for the allocation path. Released blocks are kept on a
// per-size free list and reused.
type MmapAllocator struct {
	mu          sync.Mutex
	free        map[int]*queue.Queue
	outstanding int
}

// NewMmapAllocator creates an anonymous-memory allocator.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		free: make(map[int]*queue.Queue),
	}
}

// Alloc returns a zeroed coherent region of at least size bytes.
func (a *MmapAllocator) Alloc(_ dmacontig.Device, size int, _ dmacontig.AllocFlags) (dmacontig.CoherentRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation size must be positive, got %d", size)
	}

	pageSize := unix.Getpagesize()
	size = (size + pageSize - 1) &^ (pageSize - 1)

	a.mu.Lock()
	if q := a.free[size]; q != nil && q.Length() > 0 {
		buf := q.Remove().([]byte)
		a.outstanding++
		a.mu.Unlock()

		// Reused blocks must look freshly allocated.
		for i := range buf {
			buf[i] = 0
		}

		return &mmapRegion{a: a, buf: buf}, nil
	}
	a.mu.Unlock()

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("could not map anonymous memory: %w", err)
	}

	a.mu.Lock()
	a.outstanding++
	a.mu.Unlock()

	return &mmapRegion{a: a, buf: buf}, nil
}

// Outstanding returns the number of regions currently allocated and not
// yet freed.
func (a *MmapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.outstanding
}

// Close unmaps all cached free blocks. Outstanding regions are unaffected.
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for size, q := range a.free {
		for q.Length() > 0 {
			if err := unix.Munmap(q.Remove().([]byte)); err != nil {
				return fmt.Errorf("could not unmap free block: %w", err)
			}
		}
		delete(a.free, size)
	}

	return nil
}

func (a *MmapAllocator) release(buf []byte) {
	a.mu.Lock()
	a.outstanding--
	q := a.free[len(buf)]
	if q == nil {
		q = queue.New()
		a.free[len(buf)] = q
	}
	if q.Length() < maxFreeBlocksPerSize {
		q.Add(buf)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	_ = unix.Munmap(buf)
}

type mmapRegion struct {
	a   *MmapAllocator
	buf []byte
}

// DMAAddr returns the region's base address. Hosted memory is observed by
// the "device" at its CPU address.
func (r *mmapRegion) DMAAddr() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

func (r *mmapRegion) Bytes() []byte {
	return r.buf
}

func (r *mmapRegion) Free() {
	r.a.release(r.buf)
	r.buf = nil
}
