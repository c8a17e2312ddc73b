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

// Package runner hosts a node's feed ingestion pipeline: one input gate per partition fed by a synthetic producer,
// the congestion and control mailboxes, the metrics endpoint and policy hot reload.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/common/observability/profiling"
	"github.com/zetxqx/feedflow/pkg/common/observability/tracing"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/buffer"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/coordinator"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/gate"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/memory"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/policy"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/registry"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/spill"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/mailbox"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

const shutdownTimeout = 5 * time.Second

// Runner wires and runs the pipeline.
type Runner struct {
	opts     *Options
	clock    clock.WithTicker
	registry *prometheus.Registry
	logger   logr.Logger

	// Populated by Run.
	gates     []*gate.InputGate
	pools     []*buffer.Pool
	consumers []*logConsumer
	producers []*demoProducer
}

// NewRunner returns a Runner with default options.
func NewRunner() *Runner {
	return &Runner{
		opts:     NewOptions(),
		clock:    clock.RealClock{},
		registry: prometheus.NewRegistry(),
	}
}

// WithLogger replaces the zap logger built from the verbosity flag.
func (r *Runner) WithLogger(logger logr.Logger) *Runner {
	r.logger = logger
	return r
}

// Run parses args and runs the pipeline until every producer finished or ctx ends.
func (r *Runner) Run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("feedgate", pflag.ContinueOnError)
	r.opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if r.logger.GetSink() == nil {
		logger, err := logging.NewLogger(logging.Options{Verbosity: r.opts.LogVerbosity, Development: true})
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		r.logger = logger
	}
	setupLog := r.logger.WithName("setup")
	if err := r.opts.Complete(setupLog); err != nil {
		setupLog.Error(err, "Failed to complete options")
		return err
	}
	if err := r.opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}
	flags := make(map[string]any)
	fs.VisitAll(func(f *pflag.Flag) { flags[f.Name] = f.Value.String() })
	setupLog.Info("Flags processed", "flags", flags)

	metrics.Register(r.registry,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if r.opts.Tracing {
		shutdown, err := tracing.Init(ctx, tracing.Options{}, r.logger)
		if err != nil {
			setupLog.Error(err, "Failed to initialize tracing")
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				setupLog.Error(err, "Failed to flush traces")
			}
		}()
	}

	holder := policy.NewHolder(policy.Default())
	if r.opts.PolicyFile != "" {
		v, err := policy.LoadFile(r.opts.PolicyFile)
		if err != nil {
			setupLog.Error(err, "Failed to load policy")
			return err
		}
		if err := v.Validate(); err != nil {
			setupLog.Error(err, "Policy holds malformed values, defaults apply to them")
		}
		holder.Store(v)
	}

	budget, err := memory.NewManager(r.opts.memoryBudgetBytes)
	if err != nil {
		return err
	}

	// Services outlive the producers: they are stopped once every gate has ended.
	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	services, svcCtx := errgroup.WithContext(svcCtx)

	mbConfig, err := mailbox.NewConfig()
	if err != nil {
		return err
	}
	coord, err := r.newCoordinator()
	if err != nil {
		return err
	}
	congestion := mailbox.New("congestion", coord.Handle, mbConfig, r.logger)
	gates := registry.New(r.logger)
	control := mailbox.New("recovery-control", gates.Handle, mbConfig, r.logger)
	services.Go(func() error { congestion.Run(svcCtx); return nil })
	services.Go(func() error { control.Run(svcCtx); return nil })

	if err := r.buildGates(svcCtx, holder, budget, congestion, gates); err != nil {
		setupLog.Error(err, "Failed to build input gates")
		r.closeGates()
		return err
	}
	defer r.closeGates()

	if r.opts.PolicyFile != "" {
		w, err := policy.NewWatcher(r.opts.PolicyFile, holder, r.logger)
		if err != nil {
			setupLog.Error(err, "Failed to watch policy file")
			return err
		}
		services.Go(func() error { return w.Run(svcCtx) })
	}
	if r.opts.MetricsPort > 0 {
		if err := r.serveMetrics(svcCtx, services); err != nil {
			setupLog.Error(err, "Failed to start metrics server")
			return err
		}
	}
	services.Go(func() error { r.logStats(svcCtx); return nil })
	if r.opts.DemoStallEvery > 0 {
		services.Go(func() error { r.simulateRecovery(svcCtx, control); return nil })
	}

	setupLog.Info("Feed gate started", "partitions", r.opts.Partitions, "frameSize", r.opts.FrameSize,
		"memoryBudget", r.opts.MemoryBudget)

	producers, prodCtx := errgroup.WithContext(svcCtx)
	for i, p := range r.producers {
		g := r.gates[i]
		producers.Go(func() error { return p.Run(prodCtx, g) })
	}
	prodErr := producers.Wait()
	if prodErr != nil {
		setupLog.Error(prodErr, "Producer failed")
	}

	r.closeGates()
	congestion.Close()
	control.Close()
	<-congestion.Done()
	<-control.Done()
	stopServices()
	if err := services.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(prodErr, err)
	}
	r.logSummary(coord)
	return prodErr
}

func (r *Runner) newCoordinator() (*coordinator.Coordinator, error) {
	cfg, err := coordinator.NewConfig()
	if err != nil {
		return nil, err
	}
	return coordinator.New(cfg, r.logger), nil
}

// buildGates creates one pool, consumer, gate and producer per partition.
func (r *Runner) buildGates(ctx context.Context, holder *policy.Holder, budget *memory.Manager,
	reporter contracts.CongestionReporter, reg *registry.Registry) error {
	frameSize := int(r.opts.frameSizeBytes)
	conn := types.ConnectionID{Namespace: "demo", Feed: "synthetic", Target: "sink"}
	share := budget.PartitionShare(frameSize, r.opts.Partitions)
	spillFactory := spill.NewFactory(r.opts.SpillDir, r.logger)

	for p := range r.opts.Partitions {
		poolOpts := []buffer.PoolOption{buffer.WithLogger(r.logger)}
		if share > 0 {
			poolOpts = append(poolOpts, buffer.WithMaxBuffers(share))
		}
		initial := r.opts.PoolFrames
		if share > 0 {
			initial = min(initial, share)
		}
		pool, err := buffer.NewPool(frameSize, initial, budget, poolOpts...)
		if err != nil {
			return fmt.Errorf("partition %d: %w", p, err)
		}
		consumer := newLogConsumer(p, r.opts.DemoConsumeDelay, r.clock, r.logger)
		cfg, err := gate.NewConfig(conn, types.RuntimeID{Kind: types.RuntimeKindStore, Partition: p, OperandID: "sink"},
			gate.WithPartitions(r.opts.Partitions))
		if err != nil {
			return err
		}
		g, err := gate.New(ctx, cfg, gate.Deps{
			Pool:      pool,
			Consumers: []contracts.Consumer{consumer},
			Policy:    holder,
			Reporter:  reporter,
			Spill:     spillFactory,
			Budget:    budget,
			Clock:     r.clock,
			Logger:    r.logger,
		})
		if err != nil {
			return fmt.Errorf("partition %d: %w", p, err)
		}
		r.gates = append(r.gates, g)
		r.pools = append(r.pools, pool)
		r.consumers = append(r.consumers, consumer)
		r.producers = append(r.producers,
			newDemoProducer(p, r.opts.DemoFrames, r.opts.DemoRate, frameSize, r.clock, r.logger))
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) closeGates() {
	for _, g := range r.gates {
		_ = g.Close()
	}
}

func (r *Runner) serveMetrics(ctx context.Context, group *errgroup.Group) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	if r.opts.EnablePprof {
		profiling.Register(mux)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(r.opts.MetricsPort)))
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	r.logger.WithName("setup").Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

// logStats refreshes gauges and logs a line per gate every StatsInterval.
func (r *Runner) logStats(ctx context.Context) {
	ticker := r.clock.NewTicker(r.opts.StatsInterval)
	defer ticker.Stop()
	logger := r.logger.WithName("stats")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		for i, g := range r.gates {
			s := g.Stats()
			metrics.RecordPoolStats(g.Config().Runtime.String(), s.Pool.Allocated, s.Pool.Idle)
			logger.V(logging.DEFAULT).Info("Gate statistics", "partition", i, "mode", s.Mode.String(),
				"accepted", s.Accepted, "forwarded", s.Forwarded, "spilled", s.Spilled, "discarded", s.Discarded,
				"rejected", s.Rejected, "backlog", s.BacklogFrames, "poolIdle", s.Pool.Idle,
				"inflow1m", s.Rates.Inflow1m, "outflow1m", s.Rates.Outflow1m)
		}
	}
}

// simulateRecovery stalls every gate and resumes it half a period later, the way a recovering cluster does.
func (r *Runner) simulateRecovery(ctx context.Context, control *mailbox.Mailbox[registry.ControlCommand]) {
	ticker := r.clock.NewTicker(r.opts.DemoStallEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		if err := control.Send(registry.ControlCommand{Kind: registry.CommandStall}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.opts.DemoStallEvery / 2):
		}
		if err := control.Send(registry.ControlCommand{Kind: registry.CommandResume}); err != nil {
			return
		}
	}
}

func (r *Runner) logSummary(coord *coordinator.Coordinator) {
	logger := r.logger.WithName("summary")
	for i, c := range r.consumers {
		logger.Info("Partition done", "partition", i, "produced", r.producers[i].produced.Load(),
			"delivered", c.frames.Load(), "retries", r.producers[i].retried.Load())
	}
	for _, rep := range coord.Reports() {
		logger.Info("Unresolved congestion seen", "runtime", rep.Runtime.String(), "mode", rep.Mode.String(),
			"scaleOutHint", rep.ScaleOutHint)
	}
}
