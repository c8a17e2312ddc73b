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

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// scriptedGate replays a fixed sequence of Accept results.
type scriptedGate struct {
	mu       sync.Mutex
	results  []error
	accepted []string
	ended    bool
}

func (g *scriptedGate) Accept(frame []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if frame == nil {
		g.ended = true
		return nil
	}
	var err error
	if len(g.results) > 0 {
		err, g.results = g.results[0], g.results[1:]
	}
	if err == nil {
		g.accepted = append(g.accepted, string(frame))
	}
	return err
}

func TestDemoProducer_HoldsRejectedFrames(t *testing.T) {
	t.Parallel()
	congested := fmt.Errorf("%w: %w", types.ErrRejected, types.ErrCongestionUnresolved)
	g := &scriptedGate{results: []error{nil, congested, congested, nil, nil}}
	p := newDemoProducer(0, 3, 10000, 1024, clock.RealClock{}, logr.Discard())

	require.NoError(t, p.Run(context.Background(), g))
	assert.True(t, g.ended, "end of stream must follow the last frame")
	require.Len(t, g.accepted, 3)
	for i, f := range g.accepted {
		assert.Contains(t, f, fmt.Sprintf(`"seq":%d`, i), "rejected frames must be offered again in order")
	}
	assert.Equal(t, int64(2), p.retried.Load())
}

func TestDemoProducer_StopsOnClosedGate(t *testing.T) {
	t.Parallel()
	g := &scriptedGate{results: []error{fmt.Errorf("%w: %w", types.ErrRejected, types.ErrGateClosed)}}
	p := newDemoProducer(1, 0, 10000, 1024, clock.RealClock{}, logr.Discard())

	err := p.Run(context.Background(), g)
	assert.ErrorIs(t, err, types.ErrGateClosed)
	assert.False(t, g.ended)
}

func TestDemoProducer_SplitsRecordsLargerThanAFrame(t *testing.T) {
	t.Parallel()
	g := &scriptedGate{}
	p := newDemoProducer(0, 2, 10000, 8, clock.RealClock{}, logr.Discard())

	require.NoError(t, p.Run(context.Background(), g))
	require.Greater(t, len(g.accepted), 2)
	for _, f := range g.accepted {
		assert.LessOrEqual(t, len(f), 8)
	}
	joined := strings.Join(g.accepted, "")
	assert.Equal(t, 2, strings.Count(joined, `{"partition":0`), "every record must be delivered whole")
	assert.Equal(t, int64(2), p.produced.Load())
}

func TestLogConsumer(t *testing.T) {
	t.Parallel()
	c := newLogConsumer(0, time.Millisecond, clock.RealClock{}, logr.Discard())
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.Forward(ctx, []byte("abc")))
	require.NoError(t, c.EndOfBacklog(ctx))
	assert.Equal(t, int64(1), c.frames.Load())
	assert.Equal(t, int64(3), c.bytes.Load())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	slow := newLogConsumer(0, time.Hour, clock.RealClock{}, logr.Discard())
	assert.ErrorIs(t, slow.Forward(cancelled, []byte("x")), context.Canceled)

	errDown := errors.New("down")
	c.Fail(errDown)
	assert.ErrorIs(t, *c.failed.Load(), errDown)
	assert.NoError(t, c.Close())
}

func TestRunner_RunDeliversEveryFrame(t *testing.T) {
	spillDir := t.TempDir()
	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyFile, []byte("spill.to.disk.on.congestion: true\n"), 0o600))

	r := NewRunner().WithLogger(logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := r.Run(ctx, []string{
		"--metrics-port=0",
		"--partitions=2",
		"--frame-size=256",
		"--pool-frames=2",
		"--memory-budget=1KiB",
		"--demo-frames=40",
		"--demo-rate=2000",
		"--demo-consume-delay=1ms",
		"--spill-dir", spillDir,
		"--policy-file", policyFile,
	})
	require.NoError(t, err)

	require.Len(t, r.consumers, 2)
	for i, c := range r.consumers {
		assert.Equal(t, int64(40), c.frames.Load(), "partition %d must deliver every produced frame", i)
		assert.Nil(t, c.failed.Load())
	}
	for _, g := range r.gates {
		assert.Equal(t, types.ModeEnd, g.Mode())
	}
	entries, err := os.ReadDir(spillDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill files must be gone once the stream ended")
}

func TestRunner_RunDeliversEveryFrameAcrossStalls(t *testing.T) {
	spillDir := t.TempDir()
	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyFile, []byte("spill.to.disk.on.congestion: true\n"), 0o600))

	r := NewRunner().WithLogger(logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stalls start every 10ms and last 5ms, so end of stream regularly arrives while a gate is stalled.
	err := r.Run(ctx, []string{
		"--metrics-port=0",
		"--partitions=2",
		"--frame-size=256",
		"--pool-frames=2",
		"--memory-budget=1KiB",
		"--demo-frames=60",
		"--demo-rate=2000",
		"--demo-consume-delay=1ms",
		"--demo-stall-every=10ms",
		"--spill-dir", spillDir,
		"--policy-file", policyFile,
	})
	require.NoError(t, err)

	for i, c := range r.consumers {
		assert.Equal(t, int64(60), c.frames.Load(), "partition %d must not lose frames parked by a stall", i)
		assert.Nil(t, c.failed.Load())
	}
	for _, g := range r.gates {
		assert.Equal(t, types.ModeEnd, g.Mode(), "gates must end by draining, not by being closed")
	}
	entries, err := os.ReadDir(spillDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
