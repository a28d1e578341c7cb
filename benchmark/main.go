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

package main

import (
	"context"
	"fmt"
	"log"
	"runtime"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	dmacontig "github.com/dpeckett/go-dmacontig"
	"github.com/dpeckett/go-dmacontig/heap"
	"github.com/dpeckett/go-dmacontig/pin"
	"github.com/dpeckett/go-dmacontig/sg"
)

type device string

func (d device) Name() string {
	return string(d)
}

func main() {
	alloc := heap.NewMmapAllocator()
	defer func() {
		if err := alloc.Close(); err != nil {
			log.Fatalf("could not close allocator: %v", err)
		}
	}()

	capture, err := dmacontig.NewCtx(dmacontig.Config{
		Device:    device("capture0"),
		Allocator: alloc,
		Pinner:    pin.NewProcessPinner(),
		Mapper:    &sg.IdentityMapper{},
	})
	if err != nil {
		log.Fatalf("could not create capture context: %v", err)
	}

	encoder, err := dmacontig.NewCtx(dmacontig.Config{
		Device:    device("encoder0"),
		Allocator: alloc,
		Pinner:    pin.NewProcessPinner(),
		Mapper:    &sg.IdentityMapper{},
	})
	if err != nil {
		log.Fatalf("could not create encoder context: %v", err)
	}

	const (
		frameSize          = 2 * 1024 * 1024
		totalFrames        = 100000
		maxOutstandingBufs = 8
	)
	sem := semaphore.NewWeighted(int64(maxOutstandingBufs))

	bar := pb.StartNew(totalFrames)

	var g errgroup.Group

	nWorkers := runtime.GOMAXPROCS(0)
	for i := 0; i < nWorkers; i++ {
		g.Go(func() error {
			nFrames := totalFrames / nWorkers

			for i := 0; i < nFrames; i++ {
				if err := sem.Acquire(context.Background(), 1); err != nil {
					return fmt.Errorf("failed to acquire semaphore: %w", err)
				}

				err := captureFrame(capture, encoder, frameSize)
				sem.Release(1)
				if err != nil {
					return err
				}

				bar.Increment()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("error: %v", err)
	}

	bar.Finish()
}

// captureFrame runs one frame through the pipeline: allocate a buffer,
// "capture" into it, then hand it to a second device through a shared
// handle and read it back.
func captureFrame(capture, encoder *dmacontig.Ctx, frameSize int) error {
	buf, err := capture.Alloc(frameSize, dmacontig.DirFromDevice, 0)
	if err != nil {
		return fmt.Errorf("could not allocate frame: %w", err)
	}
	defer buf.Release()

	buf.Prepare()
	frame := buf.Vaddr()
	for i := 0; i < len(frame); i += 4096 {
		frame[i] = byte(i >> 12)
	}
	buf.Finish()

	handle, err := buf.ExportHandle(0)
	if err != nil {
		return fmt.Errorf("could not export frame: %w", err)
	}
	defer handle.Release()

	shared, err := encoder.AttachHandle(handle, frameSize, dmacontig.DirToDevice)
	if err != nil {
		return fmt.Errorf("could not attach to frame: %w", err)
	}
	defer shared.Release()

	if err := shared.MapHandle(); err != nil {
		return fmt.Errorf("could not map frame: %w", err)
	}
	defer shared.UnmapHandle()

	view := shared.Vaddr()
	for i := 0; i < len(view); i += 4096 {
		if view[i] != byte(i>>12) {
			return fmt.Errorf("frame corrupted at offset %d", i)
		}
	}

	return nil
}
