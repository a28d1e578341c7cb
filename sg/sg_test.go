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

package sg_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dpeckett/go-dmacontig/sg"
)

func TestContiguousSpan(t *testing.T) {
	for _, tt := range []struct {
		name string
		segs []sg.Segment
		want int
	}{
		{
			name: "empty",
			segs: nil,
			want: 0,
		},
		{
			name: "fully contiguous",
			segs: []sg.Segment{
				{DMA: 0x1000, Len: 0x1000},
				{DMA: 0x2000, Len: 0x1000},
				{DMA: 0x3000, Len: 0x800},
			},
			want: 0x2800,
		},
		{
			name: "break after second segment",
			segs: []sg.Segment{
				{DMA: 0x1000, Len: 0x1000},
				{DMA: 0x2000, Len: 0x1000},
				{DMA: 0x9000, Len: 0x1000},
			},
			want: 0x2000,
		},
		{
			name: "single segment",
			segs: []sg.Segment{
				{DMA: 0x7000, Len: 0x123},
			},
			want: 0x123,
		},
		{
			name: "break immediately after first",
			segs: []sg.Segment{
				{DMA: 0x1000, Len: 0x1000},
				{DMA: 0x1000, Len: 0x1000},
			},
			want: 0x1000,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tbl := &sg.Table{Segs: tt.segs}
			tbl.SetMapped(len(tt.segs))

			require.Equal(t, tt.want, sg.ContiguousSpan(tbl))
		})
	}
}

func TestContiguousSpanUnmapped(t *testing.T) {
	// An unmapped table has no device addresses to walk.
	tbl := &sg.Table{Segs: []sg.Segment{{Addr: 0x1000, Len: 0x1000}}}

	require.Zero(t, sg.ContiguousSpan(tbl))
}

func TestTableFromPages(t *testing.T) {
	t.Run("coalesces adjacent pages", func(t *testing.T) {
		pages := []sg.Page{
			{Addr: 0x1000, Len: 0x1000},
			{Addr: 0x2000, Len: 0x1000},
			{Addr: 0x5000, Len: 0x1000},
		}

		tbl, err := sg.TableFromPages(pages, 0, 0x3000)
		require.NoError(t, err)

		require.Equal(t, []sg.Segment{
			{Addr: 0x1000, Len: 0x2000},
			{Addr: 0x5000, Len: 0x1000},
		}, tbl.Segs)
		require.False(t, tbl.Mapped())
	})

	t.Run("honors offset into first page", func(t *testing.T) {
		pages := []sg.Page{
			{Addr: 0x1000, Len: 0x1000},
			{Addr: 0x2000, Len: 0x1000},
		}

		tbl, err := sg.TableFromPages(pages, 0x800, 0x1000)
		require.NoError(t, err)

		require.Equal(t, []sg.Segment{
			{Addr: 0x1800, Len: 0x1000},
		}, tbl.Segs)
	})

	t.Run("trims final page to size", func(t *testing.T) {
		pages := []sg.Page{
			{Addr: 0x1000, Len: 0x1000},
			{Addr: 0x9000, Len: 0x1000},
		}

		tbl, err := sg.TableFromPages(pages, 0, 0x1800)
		require.NoError(t, err)

		require.Equal(t, []sg.Segment{
			{Addr: 0x1000, Len: 0x1000},
			{Addr: 0x9000, Len: 0x800},
		}, tbl.Segs)
		require.Equal(t, 0x1800, tbl.Size())
	})

	t.Run("rejects short page vectors", func(t *testing.T) {
		pages := []sg.Page{{Addr: 0x1000, Len: 0x1000}}

		_, err := sg.TableFromPages(pages, 0, 0x2000)
		require.Error(t, err)
	})
}

func TestTableFromBlock(t *testing.T) {
	tbl, err := sg.TableFromBlock(0x4000, 0x2800, 0x1000)
	require.NoError(t, err)

	require.Equal(t, []sg.Segment{
		{Addr: 0x4000, Len: 0x1000},
		{Addr: 0x5000, Len: 0x1000},
		{Addr: 0x6000, Len: 0x800},
	}, tbl.Segs)
}

func TestTableCopy(t *testing.T) {
	tbl := &sg.Table{Segs: []sg.Segment{{Addr: 0x1000, Len: 0x1000, DMA: 0xa000}}}
	tbl.SetMapped(1)

	dup := tbl.Copy()

	// The copy describes the same memory but carries no device mapping.
	require.False(t, dup.Mapped())
	require.Equal(t, []sg.Segment{{Addr: 0x1000, Len: 0x1000}}, dup.Segs)

	// Mutating the copy must not affect the original.
	dup.Segs[0].DMA = 0xb000
	require.Equal(t, uintptr(0xa000), tbl.Segs[0].DMA)
}

func TestIdentityMapper(t *testing.T) {
	tbl := &sg.Table{Segs: []sg.Segment{
		{Addr: 0x1000, Len: 0x1000},
		{Addr: 0x2000, Len: 0x1000},
	}}

	var m sg.IdentityMapper

	nents, err := m.MapSG(tbl, sg.DirBidirectional, false)
	require.NoError(t, err)
	require.Equal(t, 2, nents)
	require.True(t, tbl.Mapped())
	require.Equal(t, 0x2000, sg.ContiguousSpan(tbl))

	m.UnmapSG(tbl, sg.DirBidirectional, false)
	require.False(t, tbl.Mapped())
}
