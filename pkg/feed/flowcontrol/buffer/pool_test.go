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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/memory"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// poolTestHarness bundles a pool with the budget it draws from.
type poolTestHarness struct {
	t      *testing.T
	budget *memory.Manager
	pool   *Pool
}

func newPoolTestHarness(t *testing.T, budgetBytes int64, initial int, opts ...PoolOption) *poolTestHarness {
	t.Helper()
	budget, err := memory.NewManager(budgetBytes)
	require.NoError(t, err, "Test setup: creating the memory budget should not fail")
	pool, err := NewPool(64, initial, budget, opts...)
	require.NoError(t, err, "Test setup: creating the pool should not fail")
	return &poolTestHarness{t: t, budget: budget, pool: pool}
}

func (h *poolTestHarness) mustGet() *Buffer {
	h.t.Helper()
	b := h.pool.Get()
	require.NotNil(h.t, b, "Test setup: pool should have a buffer available")
	return b
}

func TestNewPool_Validation(t *testing.T) {
	t.Parallel()

	budget, err := memory.NewManager(128)
	require.NoError(t, err)

	testCases := []struct {
		name      string
		frameSize int
		initial   int
		budget    *memory.Manager
	}{
		{name: "ZeroFrameSize", frameSize: 0, initial: 1, budget: budget},
		{name: "NegativeInitial", frameSize: 64, initial: -1, budget: budget},
		{name: "InitialExceedsBudget", frameSize: 64, initial: 3, budget: budget},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPool(tc.frameSize, tc.initial, tc.budget)
			assert.Error(t, err)
		})
	}
	assert.Zero(t, budget.Used(), "a failed construction must return any reserved memory")
}

func TestPool_GetExpandsThenExhausts(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 128, 1)

	first := h.mustGet()
	second := h.pool.Get()
	require.NotNil(t, second, "Get should expand once when the budget allows")
	assert.NotEqual(t, first.Handle(), second.Handle(), "distinct buffers must have distinct handles")
	assert.Nil(t, h.pool.Get(), "Get must return nil once the budget is exhausted")

	stats := h.pool.Stats()
	assert.Equal(t, 2, stats.Allocated)
	assert.Zero(t, stats.Idle)
	assert.Equal(t, int64(128), h.budget.Used())
}

func TestPool_MaxBuffersCapsExpansion(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 0, 0, WithMaxBuffers(2))

	h.mustGet()
	h.mustGet()
	assert.Nil(t, h.pool.Get(), "expansion must stop at the max-buffer ceiling")
	assert.Zero(t, h.pool.Expand(5), "Expand must not exceed the ceiling")
}

func TestBuffer_RefCountLifecycle(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 64, 1)

	b := h.mustGet()
	now := time.Now()
	require.NoError(t, b.Fill(types.ContentData, []byte("hello"), now))
	assert.Equal(t, []byte("hello"), b.Bytes())
	assert.Equal(t, types.ContentData, b.Tag())
	assert.Equal(t, now, b.AcceptedAt())

	b.Retain(2)
	assert.Equal(t, 2, b.ReadCount())
	assert.Panics(t, func() { _ = b.Fill(types.ContentData, []byte("x"), now) }, "a shared buffer must not be mutated")
	assert.Panics(t, func() { b.Retain(1) }, "retain is only legal on an exclusively owned buffer")

	b.Release()
	assert.False(t, h.pool.HasIdle(), "the buffer must stay out of the pool until the last reader releases it")
	b.Release()
	assert.True(t, h.pool.HasIdle(), "the last release must return the buffer to the pool")
	assert.Panics(t, b.Release, "releasing below zero is a programming error")
}

func TestBuffer_FillTooLarge(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 64, 1)

	b := h.mustGet()
	err := b.Fill(types.ContentData, make([]byte, 65), time.Now())
	assert.ErrorIs(t, err, types.ErrFrameTooLarge)
}

func TestBuffer_Discard(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 64, 1)

	b := h.mustGet()
	b.Discard()
	assert.True(t, h.pool.HasIdle(), "an unshared buffer can be handed straight back")
}

func TestSentinel_IsUnpooled(t *testing.T) {
	t.Parallel()

	s := NewSentinel(types.ContentEndOfData)
	assert.Equal(t, -1, s.Handle())
	assert.Equal(t, types.ContentEndOfData, s.Tag())
	assert.Empty(t, s.Bytes())
	s.Retain(3)
	assert.NotPanics(t, func() {
		s.Release()
		s.Release()
		s.Release()
	})
}

func TestPool_SetMaxBuffersShrinks(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 0, 4)

	held := h.mustGet()
	held.Retain(1)
	h.pool.SetMaxBuffers(1)

	stats := h.pool.Stats()
	assert.Equal(t, 1, stats.Allocated, "idle buffers above the new ceiling are freed immediately")
	assert.Zero(t, stats.Idle)
	assert.Equal(t, int64(64), h.budget.Used())

	h.pool.SetMaxBuffers(0)
	held.Release()
	assert.Equal(t, 1, h.pool.Stats().Idle)

	// Shrinking below the outstanding count frees buffers as they come back.
	a, b := h.mustGet(), h.mustGet()
	a.Retain(1)
	b.Retain(1)
	h.pool.SetMaxBuffers(1)
	a.Release()
	assert.Equal(t, 1, h.pool.Stats().Allocated, "a returned buffer above the ceiling must be freed")
	b.Release()
	assert.Equal(t, Stats{FrameSize: 64, Allocated: 1, Idle: 1, MaxBuffers: 1}, h.pool.Stats())
}

func TestPool_Reset(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 0, 3)

	b := h.mustGet()
	assert.Panics(t, h.pool.Reset, "reset with outstanding buffers is a programming error")
	b.Discard()

	h.pool.Reset()
	assert.Zero(t, h.pool.Stats().Allocated)
	assert.Zero(t, h.budget.Used(), "reset must return all memory to the budget")
	assert.NotNil(t, h.pool.Get(), "the pool must be usable again after reset")
}

func TestPool_HandleReuse(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 0, 2)

	a := h.mustGet()
	a.Retain(1)
	h.pool.SetMaxBuffers(1)
	a.Release()
	h.pool.SetMaxBuffers(0)

	seen := map[int]bool{}
	for range 2 {
		seen[h.mustGet().Handle()] = true
	}
	assert.Len(t, seen, 2)
	for handle := range seen {
		assert.Less(t, handle, 2, "freed arena slots must be reused")
	}
}

func TestPool_SubscribeSignalsReclaim(t *testing.T) {
	t.Parallel()
	h := newPoolTestHarness(t, 0, 1)

	ch, cancel := h.pool.Subscribe()
	b := h.mustGet()
	b.Retain(1)
	b.Release()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not signalled on reclaim")
	}

	cancel()
	b = h.mustGet()
	b.Retain(1)
	b.Release()
	select {
	case <-ch:
		t.Fatal("a cancelled subscriber must not be signalled")
	default:
	}
}
