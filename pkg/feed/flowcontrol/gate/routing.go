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

package gate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/dispatcher"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

// errCongestion is returned for frames that neither spill nor discard could absorb.
var errCongestion = fmt.Errorf("%w: %w", types.ErrRejected, types.ErrCongestionUnresolved)

// routeLocked decides the fate of one live frame in the current mode.
func (g *InputGate) routeLocked(frame []byte) error {
	switch g.mode {
	case types.ModeProcess:
		forwarded, err := g.forwardLocked(frame)
		if err != nil || forwarded {
			return err
		}
		g.beginEpisodeLocked()
		if g.applied.SpillOnCongestion() {
			g.transitionLocked(types.ModeSpill)
			return g.spillLocked(frame)
		}
		g.transitionLocked(types.ModeDiscard)
		return g.discardLocked(frame)
	case types.ModeProcessBacklog, types.ModeProcessSpill:
		return g.parkLocked(frame)
	case types.ModeSpill:
		return g.spillLocked(frame)
	case types.ModeDiscard, types.ModePostSpillDiscard:
		return g.discardLocked(frame)
	case types.ModeStall:
		return g.stallLocked(frame)
	default:
		panic(fmt.Sprintf("invariant violation: input gate %s routing a frame in mode %s", g.runtimeLabel, g.mode))
	}
}

// forwardLocked hands frame to the dispatcher if a buffer and a queue slot are available.
func (g *InputGate) forwardLocked(frame []byte) (bool, error) {
	if !g.dispatcher.HasRoom() {
		return false, nil
	}
	b := g.pool.Get()
	if b == nil {
		return false, nil
	}
	if err := g.dispatchLocked(b, frame); err != nil {
		if errors.Is(err, types.ErrDispatcherBusy) {
			return false, nil
		}
		g.failLocked(err)
		return false, fmt.Errorf("%w: %w: %w", types.ErrRejected, types.ErrGateFailed, err)
	}
	return true, nil
}

// spillLocked handles a frame in SPILL. A refused write switches to POST_SPILL_DISCARD.
func (g *InputGate) spillLocked(frame []byte) error {
	if g.writeSpillLocked(frame) {
		return nil
	}
	g.logger.V(logging.VERBOSE).Info("Spill refused, falling back to discard",
		"spillBytes", g.spill.Bytes(), "limit", g.applied.MaxSpillBytes())
	g.transitionLocked(types.ModePostSpillDiscard)
	return g.discardLocked(frame)
}

func (g *InputGate) writeSpillLocked(frame []byte) bool {
	if !g.applied.SpillOnCongestion() || !g.spill.Write(frame) {
		return false
	}
	g.stats.Spilled++
	metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeSpilled)
	metrics.RecordSpillBytes(g.connLabel, g.runtimeLabel, g.spill.Bytes())
	return true
}

// discardLocked drops frame if the discard ceilings allow it and escalates otherwise.
func (g *InputGate) discardLocked(frame []byte) error {
	if g.discarder.Process(frame) {
		g.stats.Discarded++
		metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeDiscarded)
		return nil
	}
	return g.congestionLocked()
}

// parkLocked queues frame behind every frame already parked, preserving arrival order.
func (g *InputGate) parkLocked(frame []byte) error {
	if g.replay == nil && !g.spill.HasData() && g.backlog.Push(frame) {
		g.stats.Backlogged++
		metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeBacklogged)
		metrics.RecordBacklogFrames(g.connLabel, g.runtimeLabel, g.backlog.Len())
		return nil
	}
	return g.spillParkedLocked(frame)
}

// spillParkedLocked parks frame on disk without changing mode, discarding it if spilling is refused.
func (g *InputGate) spillParkedLocked(frame []byte) error {
	if g.writeSpillLocked(frame) {
		return nil
	}
	return g.discardLocked(frame)
}

// stallLocked handles a frame while the runtime is stalled.
func (g *InputGate) stallLocked(frame []byte) error {
	if !g.config.Runtime.Kind.RequiresPreservation() {
		g.stats.Dropped++
		metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeDropped)
		g.logger.V(logging.DEBUG).Info("Dropping frame while stalled", "bytes", len(frame))
		return nil
	}
	if delay := g.applied.MaxDelayBeforePersistence(); delay > 0 && g.clock.Since(g.stallSince) >= delay {
		return g.spillParkedLocked(frame)
	}
	return g.parkLocked(frame)
}

func (g *InputGate) beginEpisodeLocked() {
	if g.episode == nil {
		g.episode = &episode{id: uuid.NewString()}
	}
}

// congestionLocked reports unresolved congestion once per episode and rejects the frame.
func (g *InputGate) congestionLocked() error {
	g.beginEpisodeLocked()
	if g.episode.reported {
		return errCongestion
	}
	rates := g.dispatcher.Rates()
	report := types.CongestionReport{
		EpisodeID:    g.episode.id,
		Connection:   g.config.Connection,
		Runtime:      g.config.Runtime,
		Mode:         g.mode,
		InflowRate:   rates.InflowRate,
		OutflowRate:  rates.OutflowRate,
		ScaleOutHint: g.applied.Elastic(),
		ReportedAt:   g.clock.Now(),
	}
	if err := g.reporter.Send(report); err != nil {
		g.logger.Error(err, "Failed to report unresolved congestion", "episode", g.episode.id)
		return errCongestion
	}
	g.episode.reported = true
	g.logger.Info("Reported unresolved congestion", "episode", g.episode.id, "mode", g.mode.String(),
		"inflowRate", rates.InflowRate, "outflowRate", rates.OutflowRate, "scaleOutHint", report.ScaleOutHint)
	return errCongestion
}

// applyPolicyLocked pushes a newly published policy into the gate's components.
func (g *InputGate) applyPolicyLocked() {
	pol := g.policy.Load()
	if pol == g.applied {
		return
	}
	g.applied = pol
	g.discarder.SetLimits(pol.MaxDiscardCount(), pol.MaxDiscardFraction())
	g.spill.SetMaxBytes(pol.MaxSpillBytes())
	g.backlog.SetMaxFrames(pol.BacklogMaxFrames())
	g.dispatcher.SetTimeTracking(g.config.Dispatcher.TimeTracking || pol.TimeTracking())
	if err := pol.Validate(); err != nil {
		g.logger.Error(err, "Policy holds malformed values, defaults apply to them")
	}
	g.logger.V(logging.VERBOSE).Info("Applied policy update", "keys", pol.Keys())
}

// handleForwardFailure runs on the dispatcher worker and must not take the gate lock.
func (g *InputGate) handleForwardFailure(err error, frame []byte) ([]byte, dispatcher.FailureAction) {
	pol := g.policy.Load()
	if !pol.SoftwareFailureContinue() {
		return nil, dispatcher.ActionFatal
	}
	kv := []any{"error", err.Error()}
	if pol.SoftwareFailureLogData() {
		kv = append(kv, "frame", fmt.Sprintf("%q", frame))
	}
	g.logger.Info("Recovering from forward failure", kv...)
	if g.handler == nil {
		return nil, dispatcher.ActionSkip
	}
	if replacement := g.handler.Handle(err, frame); replacement != nil {
		return replacement, dispatcher.ActionRetry
	}
	return nil, dispatcher.ActionSkip
}
