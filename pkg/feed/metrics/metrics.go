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

// Package metrics declares the Prometheus collectors for the ingestion flow-control components.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// --- Subsystems ---
	FeedGateComponent    = "feed_gate"
	FeedPoolComponent    = "feed_buffer_pool"
	FeedMailboxComponent = "feed_mailbox"
	FeedCoordinator      = "feed_coordinator"
)

// Frame outcomes, used as the "outcome" label of the frames counter.
const (
	OutcomeAccepted   = "accepted"
	OutcomeForwarded  = "forwarded"
	OutcomeBacklogged = "backlogged"
	OutcomeSpilled    = "spilled"
	OutcomeDiscarded  = "discarded"
	OutcomeRejected   = "rejected"
	OutcomeDropped    = "dropped"
	OutcomeFailed     = "failed"
)

var (
	// --- Common Label Sets ---
	RuntimeLabels = []string{"connection", "runtime"}

	// DispatchLatencyBuckets spans 100us to 10s.
	DispatchLatencyBuckets = []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}
)

// --- Gate Metrics ---
var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FeedGateComponent,
			Name:      "frames_total",
			Help:      "Counter of frames handled by input gates, broken out by outcome.",
		},
		append(RuntimeLabels, "outcome"),
	)

	gateMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FeedGateComponent,
			Name:      "mode",
			Help:      "Current operating mode of each input gate, as the numeric mode value.",
		},
		RuntimeLabels,
	)

	modeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FeedGateComponent,
			Name:      "mode_transitions_total",
			Help:      "Counter of input gate mode changes.",
		},
		append(RuntimeLabels, "from", "to"),
	)

	spillBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FeedGateComponent,
			Name:      "spill_bytes",
			Help:      "Bytes held in the current spill episode of each input gate.",
		},
		RuntimeLabels,
	)

	backlogFrames = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FeedGateComponent,
			Name:      "backlog_frames",
			Help:      "Frames held in the in-memory backlog of each input gate.",
		},
		RuntimeLabels,
	)

	flowRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FeedGateComponent,
			Name:      "flow_rate_frames_per_second",
			Help:      "One-minute moving average of the frame rate into and out of each dispatcher.",
		},
		append(RuntimeLabels, "direction"),
	)

	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: FeedGateComponent,
			Name:      "dispatch_latency_seconds",
			Help:      "Time from frame acceptance to downstream forwarding, recorded when time tracking is enabled.",
			Buckets:   DispatchLatencyBuckets,
		},
		RuntimeLabels,
	)
)

// --- Pool Metrics ---
var (
	poolBuffers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FeedPoolComponent,
			Name:      "buffers",
			Help:      "Buffers owned by each pool, broken out by state (allocated, idle).",
		},
		[]string{"pool", "state"},
	)
)

// --- Mailbox Metrics ---
var (
	mailboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FeedMailboxComponent,
			Name:      "pending",
			Help:      "Messages waiting to be handled by each mailbox.",
		},
		[]string{"mailbox"},
	)

	mailboxRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FeedMailboxComponent,
			Name:      "retries_total",
			Help:      "Counter of message handling retries.",
		},
		[]string{"mailbox"},
	)

	mailboxDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FeedMailboxComponent,
			Name:      "dropped_total",
			Help:      "Counter of messages abandoned after exhausting their retries.",
		},
		[]string{"mailbox"},
	)
)

// --- Coordinator Metrics ---
var (
	congestionReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FeedCoordinator,
			Name:      "congestion_reports_total",
			Help:      "Counter of distinct unresolved-congestion reports received, by connection and runtime.",
		},
		RuntimeLabels,
	)
)

var registerMetrics sync.Once

// Register registers all collectors with reg. Only the first call has an effect.
func Register(reg prometheus.Registerer, customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		reg.MustRegister(framesTotal, gateMode, modeTransitions, spillBytes, backlogFrames, flowRate, dispatchLatency)
		reg.MustRegister(poolBuffers)
		reg.MustRegister(mailboxPending, mailboxRetries, mailboxDropped)
		reg.MustRegister(congestionReports)
		for _, c := range customCollectors {
			reg.MustRegister(c)
		}
	})
}

// Reset clears every series. Intended for tests.
func Reset() {
	framesTotal.Reset()
	gateMode.Reset()
	modeTransitions.Reset()
	spillBytes.Reset()
	backlogFrames.Reset()
	flowRate.Reset()
	dispatchLatency.Reset()
	poolBuffers.Reset()
	mailboxPending.Reset()
	mailboxRetries.Reset()
	mailboxDropped.Reset()
	congestionReports.Reset()
}

// RecordFrame counts one frame outcome.
func RecordFrame(connection, runtime, outcome string) {
	framesTotal.WithLabelValues(connection, runtime, outcome).Inc()
}

// RecordFrames counts n frames with the same outcome.
func RecordFrames(connection, runtime, outcome string, n int) {
	framesTotal.WithLabelValues(connection, runtime, outcome).Add(float64(n))
}

// RecordMode records the current mode and, when it changed, the transition.
func RecordMode(connection, runtime string, from, to int, fromName, toName string) {
	gateMode.WithLabelValues(connection, runtime).Set(float64(to))
	if from != to {
		modeTransitions.WithLabelValues(connection, runtime, fromName, toName).Inc()
	}
}

func RecordSpillBytes(connection, runtime string, n int64) {
	spillBytes.WithLabelValues(connection, runtime).Set(float64(n))
}

func RecordBacklogFrames(connection, runtime string, n int) {
	backlogFrames.WithLabelValues(connection, runtime).Set(float64(n))
}

// RecordFlowRates records the smoothed inflow and outflow rates of a dispatcher.
func RecordFlowRates(connection, runtime string, inflow, outflow float64) {
	flowRate.WithLabelValues(connection, runtime, "in").Set(inflow)
	flowRate.WithLabelValues(connection, runtime, "out").Set(outflow)
}

// RecordDispatchLatency records the time between acceptance and forwarding.
func RecordDispatchLatency(connection, runtime string, accepted, forwarded time.Time) {
	if forwarded.Before(accepted) {
		return
	}
	dispatchLatency.WithLabelValues(connection, runtime).Observe(forwarded.Sub(accepted).Seconds())
}

// RecordPoolStats records a pool's buffer accounting.
func RecordPoolStats(pool string, allocated, idle int) {
	poolBuffers.WithLabelValues(pool, "allocated").Set(float64(allocated))
	poolBuffers.WithLabelValues(pool, "idle").Set(float64(idle))
}

func RecordMailboxPending(mailbox string, n int) {
	mailboxPending.WithLabelValues(mailbox).Set(float64(n))
}

func RecordMailboxRetry(mailbox string) {
	mailboxRetries.WithLabelValues(mailbox).Inc()
}

func RecordMailboxDropped(mailbox string) {
	mailboxDropped.WithLabelValues(mailbox).Inc()
}

func RecordCongestionReport(connection, runtime string) {
	congestionReports.WithLabelValues(connection, runtime).Inc()
}
