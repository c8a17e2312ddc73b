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

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/mailbox"
)

var (
	testConn = types.ConnectionID{Namespace: "ns", Feed: "tweets", Target: "ds"}
	rt0      = types.RuntimeID{Kind: types.RuntimeKindStore, Partition: 0, OperandID: "store"}
	rt1      = types.RuntimeID{Kind: types.RuntimeKindStore, Partition: 1, OperandID: "store"}
)

func newTestCoordinator(t *testing.T, opts ...ConfigOption) *Coordinator {
	t.Helper()
	cfg, err := NewConfig(opts...)
	require.NoError(t, err, "Test setup: coordinator config should be valid")
	return New(cfg, logr.Discard())
}

func TestNewConfig(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultEpisodeTTL, cfg.EpisodeTTL)

	_, err = NewConfig(WithEpisodeTTL(-time.Second))
	assert.Error(t, err)
}

func TestCoordinator_Handle(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	ctx := context.Background()

	first := types.CongestionReport{EpisodeID: "e1", Connection: testConn, Runtime: rt0, Mode: types.ModeDiscard, InflowRate: 10}
	require.NoError(t, c.Handle(ctx, first))
	got, ok := c.Latest(testConn, rt0)
	require.True(t, ok)
	assert.Equal(t, first, got)

	dup := first
	dup.InflowRate = 99
	require.NoError(t, c.Handle(ctx, dup))
	got, _ = c.Latest(testConn, rt0)
	assert.Equal(t, 10.0, got.InflowRate, "a repeated episode must not overwrite the recorded report")

	next := types.CongestionReport{EpisodeID: "e2", Connection: testConn, Runtime: rt0, Mode: types.ModePostSpillDiscard, ScaleOutHint: true}
	require.NoError(t, c.Handle(ctx, next))
	got, _ = c.Latest(testConn, rt0)
	assert.Equal(t, "e2", got.EpisodeID)

	other := types.CongestionReport{EpisodeID: "e3", Connection: testConn, Runtime: rt1}
	require.NoError(t, c.Handle(ctx, other))
	reports := c.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, rt0, reports[0].Runtime)
	assert.Equal(t, rt1, reports[1].Runtime)

	c.Forget(testConn, rt0)
	_, ok = c.Latest(testConn, rt0)
	assert.False(t, ok)
}

func TestCoordinator_EpisodesExpire(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, WithEpisodeTTL(10*time.Millisecond))
	ctx := context.Background()

	r := types.CongestionReport{EpisodeID: "e1", Connection: testConn, Runtime: rt0, InflowRate: 1}
	require.NoError(t, c.Handle(ctx, r))
	r.InflowRate = 2
	require.Eventually(t, func() bool {
		_ = c.Handle(ctx, r)
		got, _ := c.Latest(testConn, rt0)
		return got.InflowRate == 2
	}, 5*time.Second, 5*time.Millisecond, "an expired episode id must no longer suppress reports")
}

func TestCoordinator_AsMailboxHandler(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	cfg, err := mailbox.NewConfig()
	require.NoError(t, err)
	mb := mailbox.New("congestion", c.Handle, cfg, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mb.Run(ctx)

	for i, rt := range []types.RuntimeID{rt0, rt1} {
		require.NoError(t, mb.Send(types.CongestionReport{EpisodeID: string(rune('a' + i)), Connection: testConn, Runtime: rt}))
	}
	mb.Close()
	<-mb.Done()
	assert.Len(t, c.Reports(), 2, "closing the mailbox must drain every pending report")
}

func TestCoordinator_TracesReports(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	cfg, err := NewConfig()
	require.NoError(t, err)
	c := New(cfg, logr.Discard(), WithTracerProvider(tp))

	r := types.CongestionReport{EpisodeID: "e1", Connection: testConn, Runtime: rt0, Mode: types.ModeDiscard}
	require.NoError(t, c.Handle(context.Background(), r))
	require.NoError(t, c.Handle(context.Background(), r))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "feedflow.congestion_report", spans[0].Name())
	assert.Empty(t, spans[0].Events())
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "duplicate", spans[1].Events()[0].Name)
}
