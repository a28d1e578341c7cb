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

package dmacontig_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	dmacontig "github.com/dpeckett/go-dmacontig"
	"github.com/dpeckett/go-dmacontig/dmacontigtest"
)

type fixture struct {
	dev    *dmacontigtest.Device
	alloc  *dmacontigtest.Allocator
	pinner *dmacontigtest.Pinner
	mapper *dmacontigtest.Mapper
	ctx    *dmacontig.Ctx
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		dev:    dmacontigtest.NewDevice("cap0"),
		alloc:  dmacontigtest.NewAllocator(),
		pinner: dmacontigtest.NewPinner(),
		mapper: dmacontigtest.NewMapper(),
	}

	var err error
	f.ctx, err = dmacontig.NewCtx(dmacontig.Config{
		Device:    f.dev,
		Allocator: f.alloc,
		Pinner:    f.pinner,
		Mapper:    f.mapper,
	})
	require.NoError(t, err)

	return f
}

func TestAllocLifecycle(t *testing.T) {
	f := newFixture(t)

	buf, err := f.ctx.Alloc(8192, dmacontig.DirFromDevice, 0)
	require.NoError(t, err)

	require.Equal(t, 1, buf.NumUsers())
	require.Equal(t, 8192, buf.Size())
	require.NotZero(t, buf.Cookie())
	require.Len(t, buf.Vaddr(), 8192)
	require.Equal(t, 1, f.dev.Refs())
	require.Equal(t, 1, f.alloc.Outstanding())

	buf.Release()

	require.Equal(t, 0, f.alloc.Outstanding())
	require.Zero(t, f.alloc.DoubleFrees())
	require.Equal(t, 0, f.dev.Refs())
}

func TestAllocInvalidSize(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctx.Alloc(0, dmacontig.DirFromDevice, 0)
	require.ErrorIs(t, err, dmacontig.ErrInvalidArgument)
}

func TestAllocOutOfMemory(t *testing.T) {
	f := newFixture(t)
	f.alloc.FailAlloc = errors.New("no memory")

	_, err := f.ctx.Alloc(4096, dmacontig.DirFromDevice, 0)
	require.ErrorIs(t, err, dmacontig.ErrOutOfMemory)

	require.Equal(t, 0, f.alloc.Outstanding())
	require.Equal(t, 0, f.dev.Refs())
}

func TestAllocPrepareFinishAreNoOps(t *testing.T) {
	// Coherent memory is cache-safe; no sync happens around transfers.
	f := newFixture(t)

	buf, err := f.ctx.Alloc(4096, dmacontig.DirBidirectional, 0)
	require.NoError(t, err)
	defer buf.Release()

	buf.Prepare()
	buf.Finish()

	require.Zero(t, f.mapper.SyncForDeviceCalls())
	require.Zero(t, f.mapper.SyncForCPUCalls())
}

func TestAllocSyncedRegionBracket(t *testing.T) {
	// Regions asking for CPU access bracketing get the bracket driven by
	// the prepare/finish pair instead of the device mapper.
	f := newFixture(t)
	f.alloc.SyncedRegions = true

	buf, err := f.ctx.Alloc(4096, dmacontig.DirFromDevice, 0)
	require.NoError(t, err)
	defer buf.Release()

	buf.Prepare()
	require.Equal(t, 1, f.alloc.SyncEnds())

	buf.Finish()
	require.Equal(t, 1, f.alloc.SyncStarts())

	require.Zero(t, f.mapper.SyncForDeviceCalls())
	require.Zero(t, f.mapper.SyncForCPUCalls())
}

func TestMapUserHoldsReference(t *testing.T) {
	f := newFixture(t)

	buf, err := f.ctx.Alloc(4096, dmacontig.DirFromDevice, 0)
	require.NoError(t, err)

	m, err := buf.MapUser()
	require.NoError(t, err)
	require.Equal(t, 2, buf.NumUsers())
	require.Len(t, m.Bytes(), 4096)

	// Dropping the queue's reference must not free the buffer while the
	// mapping is live.
	buf.Release()
	require.Equal(t, 1, f.alloc.Outstanding())

	require.NoError(t, m.Close())
	require.Equal(t, 0, f.alloc.Outstanding())

	// Closing again is harmless.
	require.NoError(t, m.Close())
	require.Zero(t, f.alloc.DoubleFrees())
}

func TestConcurrentLastReferenceRelease(t *testing.T) {
	// No matter how many parties drop their references at once, the
	// release logic must run exactly once.
	for i := 0; i < 100; i++ {
		f := newFixture(t)

		buf, err := f.ctx.Alloc(4096, dmacontig.DirFromDevice, 0)
		require.NoError(t, err)

		m, err := buf.MapUser()
		require.NoError(t, err)

		var g errgroup.Group
		g.Go(func() error {
			buf.Release()
			return nil
		})
		g.Go(func() error {
			return m.Close()
		})
		require.NoError(t, g.Wait())

		require.Equal(t, 0, f.alloc.Outstanding())
		require.Zero(t, f.alloc.DoubleFrees())
		require.Equal(t, 0, f.dev.Refs())
	}
}
