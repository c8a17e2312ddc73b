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

package buffer

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
)

const (
	// defaultExpansionStep is the number of buffers added by a single controlled expansion.
	defaultExpansionStep = 1
)

// Stats is a snapshot of a pool's accounting.
type Stats struct {
	FrameSize  int
	Allocated  int
	Idle       int
	MaxBuffers int
}

// Pool owns an arena of equally sized buffers whose memory is accounted against a shared budget.
//
// `Get` never blocks: it returns an idle buffer, attempts one controlled expansion, or returns nil and lets the
// caller decide what to do. All methods are safe for concurrent use; `Get`, `reclaim`, `Expand` and `Reset` are
// serialized by a single mutex.
//
// Invariant: `allocated >= len(idle)`.
type Pool struct {
	frameSize     int
	budget        contracts.MemoryBudget
	expansionStep int
	logger        logr.Logger

	mu         sync.Mutex
	arena      []*Buffer
	freeSlots  []int
	idle       []int
	allocated  int
	maxBuffers int // zero means only the budget limits growth

	subscribers map[uint64]chan struct{}
	nextSubID   uint64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithExpansionStep sets how many buffers one controlled expansion adds.
func WithExpansionStep(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.expansionStep = n
		}
	}
}

// WithMaxBuffers caps the number of buffers the pool may allocate.
func WithMaxBuffers(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.maxBuffers = n
		}
	}
}

// WithLogger sets the pool's logger.
func WithLogger(logger logr.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool of frameSize buffers and pre-allocates initial of them against budget.
func NewPool(frameSize, initial int, budget contracts.MemoryBudget, opts ...PoolOption) (*Pool, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, but got %d", frameSize)
	}
	if initial < 0 {
		return nil, fmt.Errorf("initial buffer count cannot be negative, but got %d", initial)
	}
	if budget == nil {
		return nil, fmt.Errorf("memory budget cannot be nil")
	}
	p := &Pool{
		frameSize:     frameSize,
		budget:        budget,
		expansionStep: defaultExpansionStep,
		logger:        logr.Discard(),
		subscribers:   make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithName("buffer-pool")

	p.mu.Lock()
	added := p.expandLocked(initial)
	p.mu.Unlock()
	if added < initial {
		p.Reset()
		return nil, fmt.Errorf("memory budget cannot hold %d initial buffers of %d bytes (got %d)",
			initial, frameSize, added)
	}
	return p, nil
}

// FrameSize returns the fixed size of every buffer.
func (p *Pool) FrameSize() int { return p.frameSize }

// Get returns an idle buffer with a zero read-count, expanding the pool once if needed. It returns nil when the pool
// is exhausted and expansion is denied.
func (p *Pool) Get() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) == 0 && p.expandLocked(p.expansionStep) == 0 {
		return nil
	}
	h := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	b := p.arena[h]
	b.idle = false
	if rc := b.refs.Load(); rc != 0 {
		panic(fmt.Sprintf("invariant violation: idle buffer %d has read-count %d", h, rc))
	}
	b.n = 0
	return b
}

// HasIdle reports whether Get would succeed without expanding.
func (p *Pool) HasIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) > 0
}

// Expand adds up to delta buffers and returns how many were added.
func (p *Pool) Expand(delta int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expandLocked(delta)
}

// expandLocked allocates up to delta buffers within the max-buffer cap and the memory budget.
func (p *Pool) expandLocked(delta int) int {
	added := 0
	for ; added < delta; added++ {
		if p.maxBuffers > 0 && p.allocated >= p.maxBuffers {
			break
		}
		if !p.budget.Reserve(int64(p.frameSize)) {
			break
		}
		b := &Buffer{pool: p, data: make([]byte, 0, p.frameSize), idle: true}
		if n := len(p.freeSlots); n > 0 {
			b.handle = p.freeSlots[n-1]
			p.freeSlots = p.freeSlots[:n-1]
			p.arena[b.handle] = b
		} else {
			b.handle = len(p.arena)
			p.arena = append(p.arena, b)
		}
		p.idle = append(p.idle, b.handle)
		p.allocated++
	}
	if added > 0 {
		p.logger.V(logging.TRACE).Info("Expanded buffer pool", "added", added, "allocated", p.allocated)
	}
	return added
}

// SetMaxBuffers changes the allocation ceiling. Idle buffers above the new ceiling are freed immediately; outstanding
// ones are freed as they come back. Zero removes the ceiling.
func (p *Pool) SetMaxBuffers(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBuffers = max(n, 0)
	for p.overCeilingLocked() && len(p.idle) > 0 {
		h := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.freeLocked(p.arena[h])
	}
}

// Reset frees every buffer and returns the memory to the budget.
// It must not be called while buffers are outstanding; doing so is a programming error and panics.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) != p.allocated {
		panic(fmt.Sprintf("invariant violation: pool reset with %d of %d buffers outstanding",
			p.allocated-len(p.idle), p.allocated))
	}
	for _, h := range p.idle {
		p.freeLocked(p.arena[h])
	}
	p.idle = p.idle[:0]
	p.arena = p.arena[:0]
	p.freeSlots = p.freeSlots[:0]
}

// Stats returns a snapshot of the pool's accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{FrameSize: p.frameSize, Allocated: p.allocated, Idle: len(p.idle), MaxBuffers: p.maxBuffers}
}

// Subscribe returns a channel signalled (coalesced, never blocking the pool) each time a buffer is reclaimed, and a
// function that cancels the subscription.
func (p *Pool) Subscribe() (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan struct{}, 1)
	p.subscribers[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

// reclaim returns a buffer whose last reader finished.
func (p *Pool) reclaim(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.idle {
		panic(fmt.Sprintf("invariant violation: buffer %d returned to the pool twice", b.handle))
	}
	if p.overCeilingLocked() {
		p.freeLocked(b)
	} else {
		b.idle = true
		b.n = 0
		p.idle = append(p.idle, b.handle)
	}
	for _, ch := range p.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) overCeilingLocked() bool {
	return p.maxBuffers > 0 && p.allocated > p.maxBuffers
}

// freeLocked drops a buffer that is not in the idle list and returns its memory.
func (p *Pool) freeLocked(b *Buffer) {
	b.idle = true
	b.pool = nil
	p.arena[b.handle] = nil
	p.freeSlots = append(p.freeSlots, b.handle)
	p.allocated--
	p.budget.Release(int64(p.frameSize))
}
