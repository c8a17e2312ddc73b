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

// Package gate implements the InputGate: the per-runtime state machine that decides, for every inbound frame, whether
// it is forwarded downstream, parked in the in-memory backlog, spilled to disk, discarded, or rejected.
//
// # Modes
//
// A gate starts in PROCESS. When no buffer can be obtained it moves to SPILL (if policy allows spilling) or DISCARD.
// A failed spill write moves it to POST_SPILL_DISCARD. A recovery coordinator may STALL it; frames for runtimes that
// must preserve data are then parked in the backlog (overflowing to spill, then discard). Re-entering PROCESS with
// parked or spilled frames goes through PROCESS_BACKLOG / PROCESS_SPILL, which forward the historical frames in
// their original order before any live frame, then emit END_OF_BACKLOG. Frames accepted while a drain is incomplete
// are parked behind the historical ones, so END_OF_BACKLOG follows everything parked before the drain completed.
// END and FAIL are terminal.
//
// # Concurrency
//
// Mode, last mode, routing and drain progress are guarded by one mutex, which is never held while waiting. `Accept`
// never blocks on the consumer: back-pressure shows up as pool exhaustion, never as a blocked producer. Only
// `Accept(nil)` waits, outside the mutex, for the stream to end. Drains advance incrementally, on each
// `Accept` and from a gate-owned goroutine woken whenever the pool reclaims a buffer. The dispatcher worker never
// takes the gate lock; its fatal errors are picked up by the gate on the next operation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/backlog"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/buffer"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/discard"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/dispatcher"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/policy"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/spill"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

// PartitionSharer computes how many frames one partition may hold under a shared memory budget.
type PartitionSharer interface {
	PartitionShare(frameSize, partitions int) int
}

// Deps are the collaborators an InputGate is built from.
type Deps struct {
	// Pool supplies the gate's buffers. Required.
	Pool *buffer.Pool
	// Consumers receive forwarded frames. Required.
	Consumers []contracts.Consumer
	// Policy publishes the ingestion policy. Optional: defaults to a holder of the default policy.
	Policy *policy.Holder
	// Reporter receives unresolved-congestion reports. Required.
	Reporter contracts.CongestionReporter
	// Handler sanitizes frames whose forwarding failed. Optional: failed frames are skipped when policy allows.
	Handler contracts.ExceptionHandler
	// Spill builds the gate's spill store. Required.
	Spill spill.Factory
	// Budget recomputes the pool ceiling on `Reset`. Optional.
	Budget PartitionSharer
	// Clock is used for stall timing, report timestamps and latency tracking. Optional: defaults to the real clock.
	Clock clock.WithTicker
	// Logger is the parent logger. Optional.
	Logger logr.Logger
}

func (d Deps) validate() error {
	var errs []error
	if d.Pool == nil {
		errs = append(errs, errors.New("Pool is required"))
	}
	if len(d.Consumers) == 0 {
		errs = append(errs, errors.New("at least one Consumer is required"))
	}
	if d.Reporter == nil {
		errs = append(errs, errors.New("Reporter is required"))
	}
	if d.Spill == nil {
		errs = append(errs, errors.New("Spill factory is required"))
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time snapshot of a gate.
type Stats struct {
	Mode     types.Mode
	LastMode types.Mode
	// EndPending is set once the end of the stream was signalled and END has not been reached yet.
	EndPending bool

	Accepted   uint64
	Forwarded  uint64
	Backlogged uint64
	Spilled    uint64
	Discarded  uint64
	Rejected   uint64
	Dropped    uint64

	BacklogFrames int
	SpillFrames   int
	SpillBytes    int64
	Pool          buffer.Stats
	Rates         types.RateSnapshot
}

// episode tracks one unresolved-congestion episode. At most one report is sent per episode.
type episode struct {
	id       string
	reported bool
}

// InputGate routes the frames of one runtime. All methods are safe for concurrent use.
type InputGate struct {
	config     Config
	pool       *buffer.Pool
	dispatcher *dispatcher.Dispatcher
	policy     *policy.Holder
	reporter   contracts.CongestionReporter
	handler    contracts.ExceptionHandler
	budget     PartitionSharer
	clock      clock.WithTicker
	logger     logr.Logger

	connLabel    string
	runtimeLabel string

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	mode          types.Mode
	lastMode      types.Mode
	applied       *policy.View
	spill         *spill.Store
	backlog       *backlog.Backlog
	discarder     *discard.Discarder
	replay        *spill.Replayer
	episode       *episode
	stallSince    time.Time
	endPending    bool
	endCut        bool
	failure       error
	stats         Stats
	terminated    chan struct{}
	terminateOnce sync.Once

	unsubscribe func()
	wakeDone    chan struct{}
	closeOnce   sync.Once
}

// New builds an InputGate in PROCESS mode and starts its dispatcher and wake-up goroutine. Both stop when ctx ends or
// the gate is closed.
func New(ctx context.Context, config Config, deps Deps) (*InputGate, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid gate dependencies: %w", err)
	}
	if deps.Policy == nil {
		deps.Policy = policy.NewHolder(policy.Default())
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger.GetSink() == nil {
		deps.Logger = logr.Discard()
	}

	g := &InputGate{
		config:       config,
		pool:         deps.Pool,
		policy:       deps.Policy,
		reporter:     deps.Reporter,
		handler:      deps.Handler,
		budget:       deps.Budget,
		clock:        deps.Clock,
		connLabel:    config.Connection.String(),
		runtimeLabel: config.Runtime.String(),
		mode:         types.ModeProcess,
		lastMode:     types.ModeProcess,
		terminated:   make(chan struct{}),
		wakeDone:     make(chan struct{}),
	}
	g.logger = deps.Logger.WithName("input-gate").WithValues("connection", g.connLabel, "runtime", g.runtimeLabel)

	pol := g.policy.Load()
	g.applied = pol
	g.spill = deps.Spill(g.runtimeLabel, pol.MaxSpillBytes())
	g.backlog = backlog.New(pol.BacklogMaxFrames())
	g.discarder = discard.New(pol.MaxDiscardCount(), pol.MaxDiscardFraction())

	dcfg := config.Dispatcher
	dcfg.TimeTracking = dcfg.TimeTracking || pol.TimeTracking()
	d, err := dispatcher.New(dcfg, deps.Consumers,
		dispatcher.WithFailureHandler(g.handleForwardFailure),
		dispatcher.WithClock(g.clock),
		dispatcher.WithLogger(g.logger),
		dispatcher.WithLabels(g.connLabel, g.runtimeLabel))
	if err != nil {
		return nil, err
	}
	g.dispatcher = d

	g.ctx, g.cancel = context.WithCancel(ctx)
	g.dispatcher.Start(g.ctx)
	reclaimed, unsubscribe := g.pool.Subscribe()
	g.unsubscribe = unsubscribe
	go g.wakeLoop(reclaimed)

	metrics.RecordMode(g.connLabel, g.runtimeLabel, int(g.mode), int(g.mode), g.mode.String(), g.mode.String())
	g.logger.V(logging.DEFAULT).Info("Input gate started", "frameSize", g.pool.FrameSize())
	return g, nil
}

// Accept hands one frame to the gate. A nil frame signals the end of the stream: Accept then completes any pending
// drain, forwards END_OF_DATA and waits for the consumers to finish, bounded by the gate's context. On a stalled gate
// the wait includes the drain that follows `Resume`. Frames offered after the end of the stream are rejected.
//
// A nil error means the gate took responsibility for the frame (forwarded, parked, spilled, or dropped under policy).
// An error wrapping `types.ErrRejected` means the frame was refused and the producer still owns it.
func (g *InputGate) Accept(frame []byte) error {
	if frame == nil {
		return g.endOfStream()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkUsableLocked(); err != nil {
		return err
	}
	if g.endPending {
		return fmt.Errorf("%w: %w: end of stream already signalled", types.ErrRejected, types.ErrGateClosed)
	}
	if len(frame) > g.pool.FrameSize() {
		g.stats.Rejected++
		metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeRejected)
		return fmt.Errorf("%w: %w: %d > %d bytes", types.ErrRejected, types.ErrFrameTooLarge, len(frame), g.pool.FrameSize())
	}
	g.applyPolicyLocked()
	g.stats.Accepted++
	g.discarder.Observe()
	g.dispatcher.ObserveInflow(1)
	metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeAccepted)

	g.advanceLocked()
	err := g.routeLocked(frame)
	if err != nil && errors.Is(err, types.ErrRejected) {
		g.stats.Rejected++
		metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeRejected)
	}
	return err
}

// SetMode requests a mode change. Only PROCESS, STALL, SPILL, DISCARD and POST_SPILL_DISCARD may be requested; the
// drain modes are entered through PROCESS, and the terminal modes through `Close` and `Fail`. Requesting the current
// mode is a no-op.
func (g *InputGate) SetMode(m types.Mode) error {
	switch m {
	case types.ModeProcess, types.ModeStall, types.ModeSpill, types.ModeDiscard, types.ModePostSpillDiscard:
	default:
		return fmt.Errorf("mode %s cannot be requested directly", m)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkUsableLocked(); err != nil {
		return err
	}
	g.setModeLocked(m)
	return nil
}

// Stall suspends forwarding until `Resume`.
func (g *InputGate) Stall() error {
	return g.SetMode(types.ModeStall)
}

// Resume leaves STALL, draining any parked frames first. It is a no-op unless the gate is stalled.
func (g *InputGate) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkUsableLocked(); err != nil {
		return err
	}
	if g.mode == types.ModeStall {
		g.setModeLocked(types.ModeProcess)
	}
	return nil
}

// Reset prepares the gate for a recovered topology: it recomputes the pool ceiling for partitionCount partitions,
// clears the discard counters and the congestion episode, and re-enters PROCESS through the normal re-entry path.
func (g *InputGate) Reset(partitionCount int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkUsableLocked(); err != nil {
		return err
	}
	if g.budget != nil {
		if share := g.budget.PartitionShare(g.pool.FrameSize(), partitionCount); share > 0 {
			g.pool.SetMaxBuffers(share)
		}
	}
	g.discarder.Reset()
	g.episode = nil
	g.logger.V(logging.DEFAULT).Info("Input gate reset", "partitions", partitionCount)
	if g.mode != types.ModeProcess && !g.mode.IsDraining() {
		g.setModeLocked(types.ModeProcess)
	}
	return nil
}

// Fail moves the gate to FAIL, failing the consumers with err.
func (g *InputGate) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode.IsTerminal() {
		return
	}
	g.failLocked(err)
}

// Close moves a non-terminal gate to END, stops its dispatcher and rate monitoring, and releases its spill files.
// Close is idempotent, safe during a drain, and waits for the dispatcher and wake-up goroutine to stop.
func (g *InputGate) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		if !g.mode.IsTerminal() {
			g.endCut = g.endPending
			g.transitionLocked(types.ModeEnd)
		}
		g.releaseResourcesLocked()
		g.mu.Unlock()

		g.dispatcher.Close()
		<-g.dispatcher.Done()
		g.cancel()
		<-g.wakeDone
		g.logger.V(logging.DEFAULT).Info("Input gate closed")
	})
	return nil
}

// Mode returns the current mode.
func (g *InputGate) Mode() types.Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// LastMode returns the mode held before the most recent change.
func (g *InputGate) LastMode() types.Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastMode
}

// Err returns the error that failed the gate, if any.
func (g *InputGate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failure
}

// Done is closed once the gate reaches END or FAIL.
func (g *InputGate) Done() <-chan struct{} {
	return g.terminated
}

// Config returns the gate's configuration.
func (g *InputGate) Config() Config {
	return g.config
}

// Policy returns the policy currently in force.
func (g *InputGate) Policy() *policy.View {
	return g.policy.Load()
}

// UpdatePolicy replaces the gate's policy wholesale.
func (g *InputGate) UpdatePolicy(v *policy.View) {
	g.policy.Store(v)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applyPolicyLocked()
}

// Stats returns a snapshot of the gate and refreshes its gauges.
func (g *InputGate) Stats() Stats {
	g.mu.Lock()
	s := g.stats
	s.Mode, s.LastMode = g.mode, g.lastMode
	s.EndPending = g.endPending && !g.mode.IsTerminal()
	s.BacklogFrames = g.backlog.Len()
	s.SpillFrames, s.SpillBytes = g.spill.Len(), g.spill.Bytes()
	g.mu.Unlock()

	s.Pool = g.pool.Stats()
	s.Rates = g.dispatcher.Rates()
	metrics.RecordBacklogFrames(g.connLabel, g.runtimeLabel, s.BacklogFrames)
	metrics.RecordSpillBytes(g.connLabel, g.runtimeLabel, s.SpillBytes)
	metrics.RecordFlowRates(g.connLabel, g.runtimeLabel, s.Rates.Inflow1m, s.Rates.Outflow1m)
	return s
}

// --- Lifecycle internals ---

// checkUsableLocked returns an error for terminal gates, first folding in a fatal dispatcher error.
func (g *InputGate) checkUsableLocked() error {
	if !g.mode.IsTerminal() {
		if err := g.dispatcher.Err(); err != nil {
			g.failLocked(err)
		}
	}
	switch g.mode {
	case types.ModeEnd:
		return fmt.Errorf("%w: %w", types.ErrRejected, types.ErrGateClosed)
	case types.ModeFail:
		return fmt.Errorf("%w: %w: %w", types.ErrRejected, types.ErrGateFailed, g.failure)
	}
	return nil
}

func (g *InputGate) failLocked(err error) {
	if err == nil {
		err = types.ErrFatal
	}
	g.failure = err
	g.logger.Error(err, "Input gate failed", "mode", g.mode)
	g.transitionLocked(types.ModeFail)
	g.releaseResourcesLocked()
	g.dispatcher.Abort(err)
}

// releaseResourcesLocked drops everything parked in the gate.
func (g *InputGate) releaseResourcesLocked() {
	if g.replay != nil {
		g.replay.Close()
		g.replay = nil
	}
	_ = g.spill.Close()
	g.backlog.Reset()
	if g.unsubscribe != nil {
		g.unsubscribe()
		g.unsubscribe = nil
	}
}

// endOfStream implements `Accept(nil)`.
func (g *InputGate) endOfStream() error {
	g.mu.Lock()
	if err := g.checkUsableLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	g.endPending = true
	switch {
	case g.mode == types.ModeStall:
		// END follows the drain triggered by Resume.
		g.logger.V(logging.VERBOSE).Info("End of stream recorded while stalled")
	case g.mode.IsDraining():
		g.drainLocked()
	case g.mode == types.ModeProcess:
		g.finishLocked()
	default:
		// No live frames can follow, so congestion modes re-enter PROCESS and drain as buffers come back.
		g.setModeLocked(types.ModeProcess)
	}
	g.mu.Unlock()

	select {
	case <-g.terminated:
	case <-g.ctx.Done():
	}
	select {
	case <-g.terminated:
	default:
		return g.ctx.Err()
	}
	select {
	case <-g.dispatcher.Done():
	case <-g.ctx.Done():
	}
	g.dispatcher.Close()

	g.mu.Lock()
	failure, cut := g.failure, g.endCut
	g.mu.Unlock()
	switch {
	case failure != nil:
		return failure
	case cut:
		return fmt.Errorf("%w: closed before the end of stream completed", types.ErrGateClosed)
	}
	select {
	case <-g.dispatcher.Done():
		return nil
	default:
		return g.ctx.Err()
	}
}

// finishLocked completes a pending end of stream once nothing is left to drain. A full dispatcher queue leaves the end
// pending; advanceLocked retries when the worker frees a slot.
func (g *InputGate) finishLocked() {
	err := g.dispatcher.TryFinish()
	if errors.Is(err, types.ErrDispatcherBusy) {
		g.logger.V(logging.DEBUG).Info("Dispatcher busy, end of stream stays pending")
		return
	}
	if err != nil {
		g.failLocked(fmt.Errorf("failed to finish dispatch: %w", err))
		return
	}
	g.transitionLocked(types.ModeEnd)
	g.releaseResourcesLocked()
	g.logger.V(logging.DEFAULT).Info("End of stream reached")
}

// wakeLoop advances drains, congestion recovery and a pending end of stream when buffers come back to the pool or
// leave the dispatcher queue, with a timer as fallback.
func (g *InputGate) wakeLoop(reclaimed <-chan struct{}) {
	defer close(g.wakeDone)
	ticker := g.clock.NewTicker(g.config.WakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.terminated:
			return
		case <-reclaimed:
		case <-g.dispatcher.Dequeued():
		case <-ticker.C():
		}
		g.mu.Lock()
		if g.checkUsableLocked() == nil {
			g.advanceLocked()
		}
		g.mu.Unlock()
	}
}
