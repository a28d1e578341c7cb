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

import "sync/atomic"

// refCount is an explicit shared reference count. A buffer is shared
// between truly independent subsystems (the queue framework, user-space
// mappings, exported handles) whose release order is not known statically,
// so ownership is tracked with an atomic counter rather than borrowed
// lifetimes. DecAndTest guarantees the release logic runs exactly once no
// matter how many parties drop their references concurrently.
type refCount struct {
	n atomic.Int32
}

func (r *refCount) Inc() {
	r.n.Add(1)
}

// DecAndTest drops one reference and reports whether it was the last.
func (r *refCount) DecAndTest() bool {
	return r.n.Add(-1) == 0
}

func (r *refCount) Load() int {
	return int(r.n.Load())
}
