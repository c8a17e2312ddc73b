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

package backlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacklog_FIFOWithinBound(t *testing.T) {
	t.Parallel()
	b := New(2)

	require.True(t, b.Push([]byte("one")))
	require.True(t, b.Push([]byte("three")))
	assert.True(t, b.Full())
	assert.False(t, b.Push([]byte("x")), "a push beyond the bound must be refused")
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, int64(8), b.Bytes())

	frame, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("one"), frame)
	frame, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("three"), frame)
	_, ok = b.Pop()
	assert.False(t, ok)
	assert.Zero(t, b.Bytes())
}

func TestBacklog_PushCopies(t *testing.T) {
	t.Parallel()
	b := New(1)

	src := []byte("abc")
	require.True(t, b.Push(src))
	src[0] = 'z'

	frame, _ := b.Pop()
	assert.Equal(t, []byte("abc"), frame, "the backlog must own its copy of the frame")
}

func TestBacklog_SetMaxFramesAndReset(t *testing.T) {
	t.Parallel()
	b := New(0)
	assert.False(t, b.Push([]byte("a")), "a zero bound holds nothing")

	b.SetMaxFrames(3)
	for range 3 {
		require.True(t, b.Push([]byte("a")))
	}
	b.SetMaxFrames(1)
	assert.Equal(t, 3, b.Len(), "lowering the bound must not drop held frames")
	assert.False(t, b.Push([]byte("a")))

	b.Reset()
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Bytes())
	assert.True(t, b.Push([]byte("a")))
}
