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

package dmacontig

import "errors"

// Acquisition errors. Every failed acquisition is fully unwound before the
// error is returned; the caller never releases a buffer it did not get.
var (
	// ErrInvalidArgument reports a zero size or a user pointer that does
	// not meet the platform's DMA alignment requirement.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory reports a failed memory or table allocation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrPinFault reports that the user range could not be pinned.
	ErrPinFault = errors.New("could not pin pages")

	// ErrMappingFailed reports that the device mapped zero segments, or
	// that a range could not be described for the device at all.
	ErrMappingFailed = errors.New("device mapping failed")

	// ErrNotContiguous reports that the requested span is not satisfied
	// by a single device-contiguous run.
	ErrNotContiguous = errors.New("mapping is not contiguous")

	// ErrIncompatible reports a shared handle the owner rejected, or one
	// advertising less memory than requested.
	ErrIncompatible = errors.New("incompatible shared handle")

	// ErrUsage reports an operation applied to a buffer of the wrong
	// acquisition path.
	ErrUsage = errors.New("operation not valid for this buffer")
)
