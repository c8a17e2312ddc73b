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

// Package dispatcher implements the monitored dispatcher that moves filled buffers from an input gate to the
// downstream consumers on a dedicated worker goroutine.
//
// # Concurrency
//
// Producers hand buffers over with the non-blocking `Dispatch`; a single worker forwards them in order. The worker
// never calls back into its producer except through the `FailureHandler`, which must not take producer locks. Fatal
// failures are recorded atomically and observed by the producer through `Err` or `Done`.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	gometrics "github.com/rcrowley/go-metrics"
	"k8s.io/utils/clock"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/buffer"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

// FailureAction tells the worker how to proceed after a forward failure.
type FailureAction int

const (
	// ActionFatal terminates the dispatcher.
	ActionFatal FailureAction = iota
	// ActionRetry forwards the replacement frame instead.
	ActionRetry
	// ActionSkip abandons the frame for this consumer.
	ActionSkip
)

// FailureHandler decides what happens to a frame whose forwarding failed. It runs on the worker goroutine.
type FailureHandler func(err error, frame []byte) (replacement []byte, action FailureAction)

// Dispatcher forwards buffers to its consumers on one worker goroutine and meters the flow through it.
type Dispatcher struct {
	config    Config
	consumers []contracts.Consumer
	onFailure FailureHandler
	clock     clock.PassiveClock
	logger    logr.Logger

	connection string
	runtime    string

	queue chan *buffer.Buffer

	// sendMu serializes producers and orders them with shutdown, so a buffer is either queued before the worker drains
	// the channel or refused.
	sendMu sync.Mutex
	closed bool

	timeTracking atomic.Bool
	fatal        atomic.Pointer[error]
	dropped      atomic.Uint64

	inflow    gometrics.Meter
	outflow   gometrics.Meter
	meterOnce sync.Once

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	cancelMu  sync.Mutex
	done      chan struct{}

	// dequeued is signalled (coalesced) whenever the worker takes a buffer off the queue.
	dequeued chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFailureHandler installs the forward-failure policy. Without one, every failure is fatal.
func WithFailureHandler(h FailureHandler) Option {
	return func(d *Dispatcher) { d.onFailure = h }
}

// WithClock sets the clock used for latency tracking.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithLabels sets the connection and runtime labels used for metrics.
func WithLabels(connection, runtime string) Option {
	return func(d *Dispatcher) {
		d.connection = connection
		d.runtime = runtime
	}
}

// New creates a Dispatcher feeding consumers. It does nothing until `Start`.
func New(config Config, consumers []contracts.Consumer, opts ...Option) (*Dispatcher, error) {
	if len(consumers) == 0 {
		return nil, errors.New("dispatcher requires at least one consumer")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	d := &Dispatcher{
		config:    config,
		consumers: append([]contracts.Consumer(nil), consumers...),
		clock:     clock.RealClock{},
		logger:    logr.Discard(),
		queue:     make(chan *buffer.Buffer, config.QueueCapacity),
		inflow:    gometrics.NewMeter(),
		outflow:   gometrics.NewMeter(),
		done:      make(chan struct{}),
		dequeued:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.onFailure == nil {
		d.onFailure = func(error, []byte) ([]byte, FailureAction) { return nil, ActionFatal }
	}
	d.logger = d.logger.WithName("dispatcher")
	d.timeTracking.Store(config.TimeTracking)
	return d, nil
}

// Start launches the worker. Subsequent calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.cancelMu.Lock()
		ctx, d.cancel = context.WithCancel(ctx)
		d.cancelMu.Unlock()
		go d.run(ctx)
	})
}

// Dispatch queues buf for forwarding without blocking. On success the dispatcher owns the buffer; on error the caller
// still does.
func (d *Dispatcher) Dispatch(buf *buffer.Buffer) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if err := d.acceptingLocked(); err != nil {
		return err
	}
	// The worker is the only receiver, so a free slot observed under sendMu stays free.
	if len(d.queue) == cap(d.queue) {
		return types.ErrDispatcherBusy
	}
	d.enqueueLocked(buf)
	return nil
}

// TryFinish queues the END_OF_DATA sentinel without blocking and returns `types.ErrDispatcherBusy` when the queue is
// full. Once it succeeds no buffer is accepted; the worker stops after everything queued before the sentinel has been
// forwarded.
func (d *Dispatcher) TryFinish() error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if err := d.acceptingLocked(); err != nil {
		return err
	}
	if len(d.queue) == cap(d.queue) {
		return types.ErrDispatcherBusy
	}
	d.queue <- buffer.NewSentinel(types.ContentEndOfData)
	d.closed = true
	return nil
}

// Dequeued is signalled, coalesced, whenever the worker takes a buffer off the queue. It lets a producer retry a
// refused `Dispatch` or `TryFinish` without polling.
func (d *Dispatcher) Dequeued() <-chan struct{} {
	return d.dequeued
}

func (d *Dispatcher) acceptingLocked() error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.closed {
		return types.ErrDispatcherClosed
	}
	select {
	case <-d.done:
		return types.ErrDispatcherClosed
	default:
		return nil
	}
}

func (d *Dispatcher) enqueueLocked(buf *buffer.Buffer) {
	if buf.Tag() == types.ContentData {
		buf.Retain(len(d.consumers))
	}
	d.queue <- buf
}

// QueueLen returns the number of buffers waiting for the worker.
func (d *Dispatcher) QueueLen() int { return len(d.queue) }

// HasRoom reports whether the next `Dispatch` would find a free slot. With a single producer the answer stays true
// until that producer dispatches.
func (d *Dispatcher) HasRoom() bool { return len(d.queue) < cap(d.queue) }

// ObserveInflow records n frames arriving at the owning gate.
func (d *Dispatcher) ObserveInflow(n int64) {
	d.inflow.Mark(n)
}

// Rates returns the current inflow and outflow rates in frames per second. After `Close` the values are frozen.
func (d *Dispatcher) Rates() types.RateSnapshot {
	in, out := d.inflow.Snapshot(), d.outflow.Snapshot()
	return types.RateSnapshot{
		InflowRate:  in.RateMean(),
		OutflowRate: out.RateMean(),
		Inflow1m:    in.Rate1(),
		Outflow1m:   out.Rate1(),
	}
}

// SetTimeTracking toggles dispatch latency tracking.
func (d *Dispatcher) SetTimeTracking(enabled bool) {
	d.timeTracking.Store(enabled)
}

// Err returns the fatal error that stopped the worker, if any, wrapped with `types.ErrFatal`.
func (d *Dispatcher) Err() error {
	if p := d.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Dropped returns the number of queued frames that were never forwarded because the dispatcher stopped first.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Done is closed once the worker has stopped and closed its consumers.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Close stops accepting buffers, stops the worker after its current frame and disables rate monitoring. Buffers still
// queued are returned to their pool unforwarded, logged and counted as dropped (see `Dropped`). Close is idempotent
// and does not wait; use `Done`.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.sendMu.Lock()
		d.closed = true
		d.sendMu.Unlock()

		d.cancelMu.Lock()
		cancel := d.cancel
		d.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		} else {
			// Never started: nothing will drain the queue or close the consumers otherwise.
			d.startOnce.Do(func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				go d.run(ctx)
			})
		}
		d.stopMeters()
	})
}

// Abort records err as fatal, unless a fatal error was already recorded, and closes the dispatcher. Consumers are
// failed with the recorded error.
func (d *Dispatcher) Abort(err error) {
	d.setFatal(err)
	d.Close()
}

func (d *Dispatcher) stopMeters() {
	d.meterOnce.Do(func() {
		d.inflow.Stop()
		d.outflow.Stop()
	})
}

// --- Worker ---

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.shutdown()

	for _, c := range d.consumers {
		if ctx.Err() != nil {
			return
		}
		if err := c.Open(ctx); err != nil {
			d.setFatal(fmt.Errorf("failed to open consumer: %w", err))
			return
		}
	}
	d.logger.V(logging.DEFAULT).Info("Dispatcher worker started", "consumers", len(d.consumers))

	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-d.queue:
			select {
			case d.dequeued <- struct{}{}:
			default:
			}
			switch buf.Tag() {
			case types.ContentEndOfData:
				d.logger.V(logging.DEBUG).Info("End of data reached")
				return
			case types.ContentEndOfBacklog:
				d.endOfBacklog(ctx)
			default:
				if err := d.forwardAll(ctx, buf); err != nil {
					if ctx.Err() == nil {
						d.setFatal(err)
					}
					return
				}
			}
		}
	}
}

// forwardAll fans buf out to every consumer and releases one read per consumer, whatever the outcome.
func (d *Dispatcher) forwardAll(ctx context.Context, buf *buffer.Buffer) error {
	remaining := len(d.consumers)
	defer func() {
		for ; remaining > 0; remaining-- {
			buf.Release()
		}
	}()

	accepted := buf.AcceptedAt()
	for _, c := range d.consumers {
		err := d.forward(ctx, c, buf.Bytes())
		remaining--
		buf.Release()
		if err != nil {
			return err
		}
	}
	d.outflow.Mark(1)
	if d.timeTracking.Load() && !accepted.IsZero() {
		metrics.RecordDispatchLatency(d.connection, d.runtime, accepted, d.clock.Now())
	}
	return nil
}

func (d *Dispatcher) forward(ctx context.Context, c contracts.Consumer, frame []byte) error {
	for retries := 0; ; retries++ {
		err := c.Forward(ctx, frame)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		replacement, action := d.onFailure(err, frame)
		switch action {
		case ActionSkip:
			d.logger.V(logging.VERBOSE).Info("Skipping frame after forward failure", "error", err.Error())
			return nil
		case ActionRetry:
			if retries >= d.config.MaxForwardRetries || replacement == nil {
				return fmt.Errorf("%w: forward failed after %d retries: %w", types.ErrFatal, retries, err)
			}
			frame = replacement
		default:
			return fmt.Errorf("%w: %w", types.ErrFatal, err)
		}
	}
}

func (d *Dispatcher) endOfBacklog(ctx context.Context) {
	for _, c := range d.consumers {
		if aware, ok := c.(contracts.BacklogAware); ok {
			if err := aware.EndOfBacklog(ctx); err != nil {
				d.logger.Error(err, "Consumer failed to handle end of backlog")
			}
		}
	}
}

func (d *Dispatcher) setFatal(err error) {
	if !errors.Is(err, types.ErrFatal) {
		err = fmt.Errorf("%w: %w", types.ErrFatal, err)
	}
	if d.fatal.CompareAndSwap(nil, &err) {
		d.logger.Error(err, "Dispatcher stopped on fatal error")
	}
}

// shutdown refuses further buffers, returns queued ones to their pool and closes the consumers.
func (d *Dispatcher) shutdown() {
	d.sendMu.Lock()
	d.closed = true
	d.sendMu.Unlock()

	var dropped int
	for drained := false; !drained; {
		select {
		case buf := <-d.queue:
			if buf.Tag() == types.ContentData {
				dropped++
			}
			for range buf.ReadCount() {
				buf.Release()
			}
		default:
			drained = true
		}
	}
	if dropped > 0 {
		d.dropped.Add(uint64(dropped))
		metrics.RecordFrames(d.connection, d.runtime, metrics.OutcomeDropped, dropped)
		d.logger.V(logging.DEFAULT).Info("Dropped queued frames on shutdown", "frames", dropped)
	}

	err := d.Err()
	for _, c := range d.consumers {
		if err != nil {
			c.Fail(err)
		}
		if cerr := c.Close(); cerr != nil {
			d.logger.Error(cerr, "Failed to close consumer")
		}
	}
	d.logger.V(logging.DEFAULT).Info("Dispatcher worker stopped")
}
