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

// Package dmacontigtest provides resource-tracking fakes of the dmacontig
// collaborator services. Every fake counts what it hands out and what
// comes back, so tests can assert that acquisitions and releases balance
// exactly: no leak, no double free.
package dmacontigtest

import (
	"fmt"
	"sync"
	"sync/atomic"

	dmacontig "github.com/dpeckett/go-dmacontig"
	"github.com/dpeckett/go-dmacontig/pin"
	"github.com/dpeckett/go-dmacontig/sg"
)

// PageSize is the page size all fakes agree on.
const PageSize = 4096

const pageShift = 12

// Device is a fake device identity that counts references held on it.
type Device struct {
	name string
	refs atomic.Int32
}

// NewDevice creates a named fake device.
func NewDevice(name string) *Device {
	return &Device{name: name}
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Retain() {
	d.refs.Add(1)
}

func (d *Device) Release() {
	d.refs.Add(-1)
}

// Refs returns the number of references currently held on the device.
func (d *Device) Refs() int {
	return int(d.refs.Load())
}

// Allocator is a fake coherent allocator handing out regions at
// monotonically increasing fake device addresses.
type Allocator struct {
	// FailAlloc, when non-nil, makes the next Alloc fail with it.
	FailAlloc error

	// SyncedRegions makes allocated regions ask for CPU access
	// bracketing, like dma-heap regions do.
	SyncedRegions bool

	mu          sync.Mutex
	nextAddr    uintptr
	outstanding int
	doubleFrees int
	syncStarts  int
	syncEnds    int
}

// NewAllocator creates a fake allocator.
func NewAllocator() *Allocator {
	return &Allocator{nextAddr: 0x10_0000}
}

func (a *Allocator) Alloc(_ dmacontig.Device, size int, _ dmacontig.AllocFlags) (dmacontig.CoherentRegion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.FailAlloc != nil {
		err := a.FailAlloc
		a.FailAlloc = nil
		return nil, err
	}

	rounded := (size + PageSize - 1) &^ (PageSize - 1)
	addr := a.nextAddr
	a.nextAddr += uintptr(rounded) + PageSize
	a.outstanding++

	r := &Region{a: a, addr: addr, data: make([]byte, size)}
	if a.SyncedRegions {
		return &syncedRegion{Region: r}, nil
	}

	return r, nil
}

// SyncStarts returns the number of CPU access phases started on synced
// regions.
func (a *Allocator) SyncStarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.syncStarts
}

// SyncEnds returns the number of CPU access phases ended on synced regions.
func (a *Allocator) SyncEnds() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.syncEnds
}

// Outstanding returns the number of regions allocated and not yet freed.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.outstanding
}

// DoubleFrees returns how many times a region was freed more than once.
func (a *Allocator) DoubleFrees() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doubleFrees
}

// Region is a fake coherent region.
type Region struct {
	a     *Allocator
	addr  uintptr
	data  []byte
	freed atomic.Bool
}

func (r *Region) DMAAddr() uintptr {
	return r.addr
}

func (r *Region) Bytes() []byte {
	return r.data
}

func (r *Region) Free() {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()

	if r.freed.Swap(true) {
		r.a.doubleFrees++
		return
	}
	r.a.outstanding--
}

// syncedRegion is a fake region that asks for CPU access bracketing.
type syncedRegion struct {
	*Region
}

func (r *syncedRegion) SyncStart(_ dmacontig.Direction) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()

	r.a.syncStarts++

	return nil
}

func (r *syncedRegion) SyncEnd(_ dmacontig.Direction) error {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()

	r.a.syncEnds++

	return nil
}

// Layout scripts the physical layout behind a pinned range, keyed by the
// pin address.
type Layout struct {
	// Frames is the physical frame number of each pinned page. When nil
	// the range is physically contiguous at its own address.
	Frames []uint64

	// NoPages makes Pages fail so callers exercise the frame-number
	// fallback.
	NoPages bool
}

// Pinner is a fake page-pinning service with scripted layouts.
type Pinner struct {
	// FailPin, when non-nil, makes the next Pin fail with it.
	FailPin error

	// Layouts maps a pin address to the layout Pin should report.
	Layouts map[uintptr]Layout

	mu          sync.Mutex
	pinCalls    int
	active      int
	dirtyUnpins int
	doubleUnpin int
}

// NewPinner creates a fake pinner; pins are contiguous at their own
// address unless a Layout overrides them.
func NewPinner() *Pinner {
	return &Pinner{Layouts: make(map[uintptr]Layout)}
}

func (p *Pinner) PageSize() int {
	return PageSize
}

func (p *Pinner) FrameToDeviceAddr(frame uint64) uintptr {
	return uintptr(frame) << pageShift
}

func (p *Pinner) Pin(addr uintptr, size int, _ bool) (pin.Vec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pinCalls++
	if p.FailPin != nil {
		err := p.FailPin
		p.FailPin = nil
		return nil, err
	}

	first := addr &^ uintptr(PageSize-1)
	last := (addr + uintptr(size) - 1) &^ uintptr(PageSize-1)
	nPages := int((last-first)>>pageShift) + 1

	layout := p.Layouts[addr]
	frames := layout.Frames
	if frames == nil {
		frames = make([]uint64, nPages)
		for i := range frames {
			frames[i] = uint64(first>>pageShift) + uint64(i)
		}
	} else if len(frames) != nPages {
		return nil, fmt.Errorf("layout for %#x has %d frames, need %d", addr, len(frames), nPages)
	}

	pages := make([]sg.Page, nPages)
	for i, f := range frames {
		pages[i] = sg.Page{Addr: uintptr(f) << pageShift, Len: PageSize}
	}

	p.active++

	return &vec{p: p, pages: pages, frames: frames, noPages: layout.NoPages}, nil
}

// PinCalls returns how many times Pin was invoked.
func (p *Pinner) PinCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pinCalls
}

// ActivePins returns the number of vectors pinned and not yet unpinned.
func (p *Pinner) ActivePins() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.active
}

// DirtyUnpins returns how many vectors were marked dirty at unpin.
func (p *Pinner) DirtyUnpins() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dirtyUnpins
}

// DoubleUnpins returns how many times a vector was unpinned more than
// once.
func (p *Pinner) DoubleUnpins() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.doubleUnpin
}

type vec struct {
	p        *Pinner
	pages    []sg.Page
	frames   []uint64
	noPages  bool
	unpinned atomic.Bool
}

func (v *vec) Count() int {
	return len(v.frames)
}

func (v *vec) Pages() ([]sg.Page, error) {
	if v.noPages {
		return nil, pin.ErrNoPages
	}

	return v.pages, nil
}

func (v *vec) FrameNumbers() []uint64 {
	return v.frames
}

func (v *vec) Unpin(dirty bool) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()

	if v.unpinned.Swap(true) {
		v.p.doubleUnpin++
		return
	}
	v.p.active--
	if dirty {
		v.p.dirtyUnpins++
	}
}

// Mapper is a fake device mapper. By default it maps segments at their own
// address shifted by DMAOffset, so device contiguity mirrors the physical
// layout; GapAfter forces a discontinuity regardless of layout.
type Mapper struct {
	// FailMap makes the next MapSG report zero mapped segments.
	FailMap bool

	// GapAfter, when positive, inserts a device address gap before
	// segment index GapAfter.
	GapAfter int

	// DMAOffset shifts all device addresses, simulating an IOMMU window.
	DMAOffset uintptr

	mu          sync.Mutex
	mapped      int
	mapCalls    int
	syncDevice  int
	syncCPU     int
	doubleUnmap int
}

// NewMapper creates a fake mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

func (m *Mapper) MapSG(t *sg.Table, _ sg.Direction, _ bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapCalls++
	if m.FailMap {
		m.FailMap = false
		return 0, nil
	}

	for i := range t.Segs {
		dma := t.Segs[i].Addr + m.DMAOffset
		if m.GapAfter > 0 && i >= m.GapAfter {
			dma += 0x100_0000
		}
		t.Segs[i].DMA = dma
	}
	t.SetMapped(len(t.Segs))
	m.mapped++

	return len(t.Segs), nil
}

func (m *Mapper) UnmapSG(t *sg.Table, _ sg.Direction, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !t.Mapped() {
		m.doubleUnmap++
		return
	}

	for i := range t.Segs {
		t.Segs[i].DMA = 0
	}
	t.SetMapped(0)
	m.mapped--
}

func (m *Mapper) SyncForDevice(*sg.Table, sg.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncDevice++
}

func (m *Mapper) SyncForCPU(*sg.Table, sg.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCPU++
}

// MappedTables returns the number of tables currently holding a device
// mapping.
func (m *Mapper) MappedTables() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapped
}

// MapCalls returns how many times MapSG was invoked.
func (m *Mapper) MapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapCalls
}

// SyncForDeviceCalls returns the number of prepare-side syncs observed.
func (m *Mapper) SyncForDeviceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.syncDevice
}

// SyncForCPUCalls returns the number of finish-side syncs observed.
func (m *Mapper) SyncForCPUCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.syncCPU
}

// DoubleUnmaps returns how many times an unmapped table was unmapped
// again.
func (m *Mapper) DoubleUnmaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.doubleUnmap
}
