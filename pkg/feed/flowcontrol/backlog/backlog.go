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

// Package backlog provides the bounded, in-memory FIFO a gate fills while its runtime is stalled.
package backlog

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Backlog is a concurrent-safe FIFO of raw frames bounded by frame count.
type Backlog struct {
	frames    *list.List
	maxFrames int
	byteSize  atomic.Int64
	mu        sync.RWMutex
}

// New creates a Backlog holding at most maxFrames frames. A non-positive bound holds nothing.
func New(maxFrames int) *Backlog {
	return &Backlog{frames: list.New(), maxFrames: maxFrames}
}

// Push copies frame to the back of the backlog. It returns false, leaving the backlog untouched, when it is full.
func (b *Backlog) Push(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frames.Len() >= b.maxFrames {
		return false
	}
	b.frames.PushBack(append([]byte(nil), frame...))
	b.byteSize.Add(int64(len(frame)))
	return true
}

// Pop removes and returns the oldest frame.
func (b *Backlog) Pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	front := b.frames.Front()
	if front == nil {
		return nil, false
	}
	frame := b.frames.Remove(front).([]byte)
	b.byteSize.Add(-int64(len(frame)))
	return frame, true
}

// SetMaxFrames changes the bound. Frames already held above a lowered bound are kept.
func (b *Backlog) SetMaxFrames(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxFrames = n
}

// Len returns the number of frames held.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frames.Len()
}

// Full reports whether the next Push would be refused.
func (b *Backlog) Full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frames.Len() >= b.maxFrames
}

// Bytes returns the total payload size held.
func (b *Backlog) Bytes() int64 {
	return b.byteSize.Load()
}

// Reset drops every frame.
func (b *Backlog) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames.Init()
	b.byteSize.Store(0)
}
