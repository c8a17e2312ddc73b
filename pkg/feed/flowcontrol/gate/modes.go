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

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/buffer"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

// setModeLocked performs a mode change. Re-entering PROCESS drains parked frames first. Setting the current mode
// changes nothing, including the last mode.
func (g *InputGate) setModeLocked(target types.Mode) {
	if target == g.mode {
		return
	}
	switch target {
	case types.ModeProcess:
		g.reenterProcessLocked()
	case types.ModeStall:
		g.stallSince = g.clock.Now()
		g.transitionLocked(target)
	default:
		g.transitionLocked(target)
	}
}

// transitionLocked records a mode change.
func (g *InputGate) transitionLocked(target types.Mode) {
	old := g.mode
	if old == target {
		return
	}
	if old.IsTerminal() {
		panic(fmt.Sprintf("invariant violation: input gate %s left terminal mode %s for %s", g.runtimeLabel, old, target))
	}
	g.lastMode, g.mode = old, target
	metrics.RecordMode(g.connLabel, g.runtimeLabel, int(old), int(target), old.String(), target.String())
	g.logger.V(logging.VERBOSE).Info("Mode changed", "from", old.String(), "to", target.String())
	if target.IsTerminal() {
		g.terminateOnce.Do(func() { close(g.terminated) })
	}
}

// reenterProcessLocked picks the drain that must precede live forwarding, if any.
func (g *InputGate) reenterProcessLocked() {
	switch {
	case g.backlog.Len() > 0:
		g.transitionLocked(types.ModeProcessBacklog)
	case g.replay != nil || g.spill.HasData():
		g.transitionLocked(types.ModeProcessSpill)
	default:
		g.enterProcessLocked()
		return
	}
	g.drainLocked()
}

// enterProcessLocked returns to live forwarding, closing the congestion episode.
func (g *InputGate) enterProcessLocked() {
	g.transitionLocked(types.ModeProcess)
	g.episode = nil
	if g.endPending {
		g.finishLocked()
	}
}

// advanceLocked makes progress that does not depend on a new frame: drain steps, congestion recovery and a pending
// end of stream.
func (g *InputGate) advanceLocked() {
	switch g.mode {
	case types.ModeProcess:
		if g.endPending {
			g.finishLocked()
		}
	case types.ModeProcessBacklog, types.ModeProcessSpill:
		g.drainLocked()
	case types.ModeSpill, types.ModeDiscard, types.ModePostSpillDiscard:
		if g.canForwardLocked() {
			g.logger.V(logging.DEBUG).Info("Congestion relieved", "mode", g.mode.String())
			g.setModeLocked(types.ModeProcess)
		}
	}
}

// canForwardLocked reports whether a frame could be forwarded right now.
func (g *InputGate) canForwardLocked() bool {
	if !g.dispatcher.HasRoom() {
		return false
	}
	b := g.pool.Get()
	if b == nil {
		return false
	}
	b.Discard()
	return true
}

// drainLocked forwards parked frames, oldest first, for as long as buffers are available. Once nothing is parked it
// emits END_OF_BACKLOG and returns to PROCESS.
func (g *InputGate) drainLocked() {
	defer g.recordParkedLocked()
	for g.mode.IsDraining() {
		if !g.dispatcher.HasRoom() {
			return
		}
		b := g.pool.Get()
		if b == nil {
			return
		}
		frame, source, ok := g.nextParkedLocked()
		if !ok {
			b.Discard()
			g.completeDrainLocked()
			return
		}
		g.transitionLocked(source)
		if err := g.dispatchLocked(b, frame); err != nil {
			g.failLocked(fmt.Errorf("failed to forward parked frame: %w", err))
			return
		}
	}
}

// nextParkedLocked returns the oldest parked frame: backlog first, then the active replay, then the spill store.
func (g *InputGate) nextParkedLocked() ([]byte, types.Mode, bool) {
	if frame, ok := g.backlog.Pop(); ok {
		return frame, types.ModeProcessBacklog, true
	}
	for {
		if g.replay != nil {
			frame, ok, err := g.replay.Next()
			if err != nil {
				g.logger.Error(err, "Abandoning unreadable spill episode")
				g.replay = nil
				continue
			}
			if ok {
				return frame, types.ModeProcessSpill, true
			}
			g.replay = nil
		}
		if !g.spill.HasData() {
			return nil, types.ModeProcess, false
		}
		r, err := g.spill.Replay()
		if err != nil {
			g.logger.Error(err, "Failed to replay spill episode")
			continue
		}
		g.replay = r
	}
}

func (g *InputGate) completeDrainLocked() {
	if err := g.dispatcher.Dispatch(buffer.NewSentinel(types.ContentEndOfBacklog)); err != nil {
		if errors.Is(err, types.ErrDispatcherBusy) {
			return
		}
		g.failLocked(fmt.Errorf("failed to emit end of backlog: %w", err))
		return
	}
	g.spill.Reset()
	g.logger.V(logging.DEBUG).Info("Parked frames drained", "drainMode", g.mode.String())
	g.enterProcessLocked()
}

// dispatchLocked fills b with frame and hands it to the dispatcher. On error b is returned to the pool.
func (g *InputGate) dispatchLocked(b *buffer.Buffer, frame []byte) error {
	if err := b.Fill(types.ContentData, frame, g.clock.Now()); err != nil {
		b.Discard()
		return err
	}
	if err := g.dispatcher.Dispatch(b); err != nil {
		b.Discard()
		return err
	}
	g.stats.Forwarded++
	metrics.RecordFrame(g.connLabel, g.runtimeLabel, metrics.OutcomeForwarded)
	return nil
}

func (g *InputGate) recordParkedLocked() {
	metrics.RecordBacklogFrames(g.connLabel, g.runtimeLabel, g.backlog.Len())
	metrics.RecordSpillBytes(g.connLabel, g.runtimeLabel, g.spill.Bytes())
}
