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

// Package coordinator receives unresolved-congestion reports from the node's gates. It stands in for the cluster-wide
// recovery coordinator: it keeps the latest report per runtime, suppresses duplicates of an episode and surfaces
// scale-out hints.
package coordinator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

const defaultEpisodeTTL = 10 * time.Minute

// Config configures a Coordinator.
type Config struct {
	// EpisodeTTL is how long an episode id is remembered for duplicate suppression.
	// Optional: Defaults to `defaultEpisodeTTL` (10m).
	EpisodeTTL time.Duration
}

// ConfigOption customizes a Config.
type ConfigOption func(*Config)

// WithEpisodeTTL sets the duplicate suppression window.
func WithEpisodeTTL(d time.Duration) ConfigOption {
	return func(c *Config) { c.EpisodeTTL = d }
}

// NewConfig returns a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.EpisodeTTL == 0 {
		c.EpisodeTTL = defaultEpisodeTTL
	}
	if c.EpisodeTTL < 0 {
		return Config{}, fmt.Errorf("EpisodeTTL must be positive, but got %v", c.EpisodeTTL)
	}
	return c, nil
}

// Coordinator collects congestion reports. `Handle` is meant to be the handler of the congestion mailbox, and is safe
// for concurrent use.
type Coordinator struct {
	episodes *ttlcache.Cache[string, struct{}]
	tracer   trace.Tracer
	logger   logr.Logger

	mu     sync.RWMutex
	latest map[string]types.CongestionReport
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTracerProvider traces report handling with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp.Tracer(tracerName) }
}

const tracerName = "github.com/zetxqx/feedflow/coordinator"

// New returns a Coordinator.
func New(config Config, logger logr.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		episodes: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](config.EpisodeTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		tracer: otel.Tracer(tracerName),
		logger: logger.WithName("congestion-coordinator"),
		latest: make(map[string]types.CongestionReport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func runtimeKey(conn types.ConnectionID, rt types.RuntimeID) string {
	return conn.String() + "/" + rt.String()
}

// Handle records one report.
func (c *Coordinator) Handle(ctx context.Context, r types.CongestionReport) error {
	conn, rt := r.Connection.String(), r.Runtime.String()
	_, span := c.tracer.Start(ctx, "feedflow.congestion_report", trace.WithAttributes(
		attribute.String("feedflow.connection", conn),
		attribute.String("feedflow.runtime", rt),
		attribute.String("feedflow.episode", r.EpisodeID),
		attribute.String("feedflow.mode", r.Mode.String()),
		attribute.Float64("feedflow.inflow_rate", r.InflowRate),
		attribute.Float64("feedflow.outflow_rate", r.OutflowRate),
		attribute.Bool("feedflow.scale_out_hint", r.ScaleOutHint),
	))
	defer span.End()

	c.episodes.DeleteExpired()
	if r.EpisodeID != "" {
		if _, seen := c.episodes.GetOrSet(r.EpisodeID, struct{}{}); seen {
			span.AddEvent("duplicate")
			c.logger.V(logging.DEBUG).Info("Ignoring duplicate congestion report", "episode", r.EpisodeID)
			return nil
		}
	}

	c.mu.Lock()
	c.latest[runtimeKey(r.Connection, r.Runtime)] = r
	c.mu.Unlock()
	metrics.RecordCongestionReport(conn, rt)

	logger := c.logger.WithValues("connection", conn, "runtime", rt, "episode", r.EpisodeID)
	logger.Info("Unresolved congestion", "mode", r.Mode.String(),
		"inflowRate", r.InflowRate, "outflowRate", r.OutflowRate)
	if r.ScaleOutHint {
		logger.Info("Scale-out recommended", "inflowRate", r.InflowRate, "outflowRate", r.OutflowRate)
	}
	return nil
}

// Latest returns the most recent report of one runtime.
func (c *Coordinator) Latest(conn types.ConnectionID, rt types.RuntimeID) (types.CongestionReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.latest[runtimeKey(conn, rt)]
	return r, ok
}

// Reports returns the most recent report of every runtime, ordered by connection then runtime.
func (c *Coordinator) Reports() []types.CongestionReport {
	c.mu.RLock()
	keys := make([]string, 0, len(c.latest))
	for k := range c.latest {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, strings.Compare)
	out := make([]types.CongestionReport, len(keys))
	for i, k := range keys {
		out[i] = c.latest[k]
	}
	c.mu.RUnlock()
	return out
}

// Forget drops what is known about one runtime, e.g. after its gate was deregistered.
func (c *Coordinator) Forget(conn types.ConnectionID, rt types.RuntimeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest, runtimeKey(conn, rt))
}
