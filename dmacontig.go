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

// Package dmacontig supplies DMA-contiguous buffers to a video capture
// buffer queue. Buffers are acquired over one of three paths: a coherent
// allocation owned by this allocator, a pinned user-supplied address range,
// or an imported shared handle exported by another device's allocator.
// All paths converge on a single reference-counted buffer whose
// device-visible address stays valid exactly as long as some party holds a
// reference.
package dmacontig

import (
	"fmt"

	"github.com/dpeckett/go-dmacontig/pin"
	"github.com/dpeckett/go-dmacontig/sg"
)

// Direction is the intended data flow of a DMA transfer.
type Direction = sg.Direction

const (
	DirBidirectional = sg.DirBidirectional
	DirToDevice      = sg.DirToDevice
	DirFromDevice    = sg.DirFromDevice
)

// defaultCacheAlignment is the DMA cache line alignment required of user
// pointers when the platform does not report one.
const defaultCacheAlignment = 64

// Device identifies the physical device buffers are allocated for.
type Device interface {
	Name() string
}

// Retainer is implemented by devices that track references held on them.
// Every buffer retains its device for the buffer's lifetime so the device
// cannot be torn down while a buffer still carries its address space.
type Retainer interface {
	Retain()
	Release()
}

// AllocFlags are platform allocation flags passed through to the coherent
// allocator.
type AllocFlags uint32

// CoherentRegion is one CPU/DMA-coherent allocation. CPU and device observe
// each other's writes without explicit cache maintenance.
type CoherentRegion interface {
	// DMAAddr returns the device-visible base address of the region.
	DMAAddr() uintptr

	// Bytes returns the CPU-visible view of the region.
	Bytes() []byte

	// Free releases the region. Must be called exactly once.
	Free()
}

// SyncedRegion is implemented by regions whose CPU view still needs access
// bracketing, such as dma-heap buffers whose exporter manages caches.
// Prepare and Finish drive the bracket.
type SyncedRegion interface {
	CoherentRegion

	// SyncEnd ends a CPU access phase before the device touches the
	// region.
	SyncEnd(dir Direction) error

	// SyncStart starts a CPU access phase once the device is done.
	SyncStart(dir Direction) error
}

// CoherentAllocator provides coherent memory keyed by device and size.
type CoherentAllocator interface {
	Alloc(dev Device, size int, flags AllocFlags) (CoherentRegion, error)
}

// Config carries the collaborator services a context binds to one device.
type Config struct {
	// Device is the device identity buffers are acquired for.
	Device Device

	// Allocator provides coherent memory.
	Allocator CoherentAllocator

	// Pinner pins user-supplied address ranges.
	Pinner pin.Pinner

	// Mapper maps scatter-gather tables for the device.
	Mapper sg.Mapper

	// CacheAlignment is the DMA cache line alignment required of user
	// pointers. Zero selects the default of 64 bytes.
	CacheAlignment int
}

// Ctx is an immutable association between the allocator and one device.
// It is created once at driver init and handed to every operation.
type Ctx struct {
	dev    Device
	alloc  CoherentAllocator
	pinner pin.Pinner
	mapper sg.Mapper
	align  int
}

// NewCtx creates an allocator context for one device.
func NewCtx(cfg Config) (*Ctx, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("context requires a device: %w", ErrInvalidArgument)
	}
	if cfg.Allocator == nil || cfg.Pinner == nil || cfg.Mapper == nil {
		return nil, fmt.Errorf("context requires allocator, pinner and mapper: %w", ErrInvalidArgument)
	}

	align := cfg.CacheAlignment
	if align == 0 {
		align = defaultCacheAlignment
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("cache alignment must be a power of two, got %d: %w", align, ErrInvalidArgument)
	}

	return &Ctx{
		dev:    cfg.Device,
		alloc:  cfg.Allocator,
		pinner: cfg.Pinner,
		mapper: cfg.Mapper,
		align:  align,
	}, nil
}

// Device returns the device this context allocates for.
func (c *Ctx) Device() Device {
	return c.dev
}

// CacheAlignment returns the DMA cache line alignment required of user
// pointers.
func (c *Ctx) CacheAlignment() int {
	return c.align
}
