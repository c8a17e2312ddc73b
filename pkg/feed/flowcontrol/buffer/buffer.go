/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package buffer provides the fixed-size, reference-counted frame buffers and the pool that owns them.
//
// # Ownership
//
// An idle `Buffer` belongs to its `Pool`. `Pool.Get` hands it to the producer side, which fills it and calls `Retain`
// with the number of readers before handing it to the dispatch queue. Every reader calls `Release` once; the last
// release returns the buffer to the pool. A buffer is never mutated while its read-count is nonzero.
package buffer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// Buffer is one fixed-capacity unit of frame data.
type Buffer struct {
	pool   *Pool
	handle int
	data   []byte
	n      int
	tag    types.ContentTag
	// acceptedAt is stamped when the producer handed over the frame; used for dispatch latency tracking.
	acceptedAt time.Time
	refs       atomic.Int32
	idle       bool // guarded by pool.mu
}

// NewSentinel returns an unpooled, payload-free buffer carrying a control tag (END_OF_DATA, END_OF_BACKLOG).
// Sentinels never consume pool capacity.
func NewSentinel(tag types.ContentTag) *Buffer {
	return &Buffer{handle: -1, tag: tag}
}

// Handle returns the buffer's index in its pool's arena, or -1 for sentinels.
func (b *Buffer) Handle() int { return b.handle }

// Tag returns the content tag.
func (b *Buffer) Tag() types.ContentTag { return b.tag }

// Bytes returns the populated part of the buffer. The slice must not be retained past `Release`.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Len returns the number of populated bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the fixed capacity (the frame size).
func (b *Buffer) Cap() int { return cap(b.data) }

// AcceptedAt returns the time the frame was accepted from the producer.
func (b *Buffer) AcceptedAt() time.Time { return b.acceptedAt }

// ReadCount returns the number of outstanding readers.
func (b *Buffer) ReadCount() int { return int(b.refs.Load()) }

// Fill copies frame into the buffer and tags it. It panics if the buffer is currently shared.
func (b *Buffer) Fill(tag types.ContentTag, frame []byte, acceptedAt time.Time) error {
	if b.refs.Load() != 0 {
		panic(fmt.Sprintf("invariant violation: buffer %d mutated while shared by %d readers", b.handle, b.refs.Load()))
	}
	if len(frame) > cap(b.data) {
		return fmt.Errorf("%w: %d > %d", types.ErrFrameTooLarge, len(frame), cap(b.data))
	}
	b.n = copy(b.data[:cap(b.data)], frame)
	b.tag = tag
	b.acceptedAt = acceptedAt
	return nil
}

// Retain sets the desired read-count before the buffer is shared. It panics unless the buffer is exclusively owned.
func (b *Buffer) Retain(readers int) {
	if readers < 1 {
		panic(fmt.Sprintf("invariant violation: buffer %d retained for %d readers", b.handle, readers))
	}
	if !b.refs.CompareAndSwap(0, int32(readers)) {
		panic(fmt.Sprintf("invariant violation: buffer %d retained while already shared", b.handle))
	}
}

// Release marks one read as complete. The last release returns the buffer to its pool.
// Releasing a buffer that has no outstanding readers is a programming error and panics.
func (b *Buffer) Release() {
	remaining := b.refs.Add(-1)
	switch {
	case remaining < 0:
		panic(fmt.Sprintf("invariant violation: buffer %d released more times than retained", b.handle))
	case remaining == 0 && b.pool != nil:
		b.pool.reclaim(b)
	}
}

// Discard returns an exclusively owned buffer (read-count zero) to its pool without sharing it.
func (b *Buffer) Discard() {
	if b.refs.Load() != 0 {
		panic(fmt.Sprintf("invariant violation: buffer %d discarded while shared", b.handle))
	}
	if b.pool != nil {
		b.pool.reclaim(b)
	}
}
