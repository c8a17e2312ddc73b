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
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/zetxqx/feedflow/pkg/common"
	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// Acceptor is the producer-facing side of an input gate.
type Acceptor interface {
	Accept(frame []byte) error
}

// demoProducer feeds synthetic records into one gate at a fixed rate, one frame per tick. Records larger than a frame
// are split. Frames refused for unresolved congestion are kept and offered again on the next tick.
type demoProducer struct {
	partition int
	frames    int
	interval  time.Duration
	frameSize int
	clock     clock.WithTicker
	logger    logr.Logger

	produced atomic.Int64
	retried  atomic.Int64
}

func newDemoProducer(partition, frames int, rate float64, frameSize int, clk clock.WithTicker, logger logr.Logger) *demoProducer {
	interval := time.Duration(float64(time.Second) / rate)
	if interval <= 0 {
		interval = time.Microsecond
	}
	return &demoProducer{
		partition: partition,
		frames:    frames,
		interval:  interval,
		frameSize: frameSize,
		clock:     clk,
		logger:    logger.WithName("demo-producer").WithValues("partition", partition),
	}
}

// record renders the seq-th record as frames.
func (p *demoProducer) record(seq int) [][]byte {
	rec := fmt.Sprintf(`{"partition":%d,"seq":%d,"ts":%q}`, p.partition, seq, p.clock.Now().UTC().Format(time.RFC3339Nano))
	return common.SplitFrames([]byte(rec), p.frameSize)
}

// Run produces until the configured frame count is reached, then signals end of stream. With no frame count it runs
// until ctx ends.
func (p *demoProducer) Run(ctx context.Context, gate Acceptor) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	var pending [][]byte
	for seq := 0; p.frames == 0 || seq < p.frames; {
		select {
		case <-ctx.Done():
			p.logger.V(logging.DEFAULT).Info("Producer interrupted", "produced", p.produced.Load())
			return nil
		case <-ticker.C():
		}
		if len(pending) == 0 {
			pending = p.record(seq)
		}
		err := gate.Accept(pending[0])
		switch {
		case err == nil:
			pending = pending[1:]
			if len(pending) == 0 {
				seq++
				p.produced.Add(1)
			}
		case errors.Is(err, types.ErrCongestionUnresolved):
			p.retried.Add(1)
			p.logger.V(logging.DEBUG).Info("Gate congested, holding frame", "seq", seq)
		default:
			return fmt.Errorf("partition %d: %w", p.partition, err)
		}
	}
	p.logger.V(logging.DEFAULT).Info("Producer finished", "produced", p.produced.Load(), "retries", p.retried.Load())
	if err := gate.Accept(nil); err != nil {
		return fmt.Errorf("partition %d: end of stream: %w", p.partition, err)
	}
	return nil
}

// logConsumer is the demo downstream stage: it counts frames and logs progress.
type logConsumer struct {
	partition int
	delay     time.Duration
	clock     clock.Clock
	logger    logr.Logger

	frames atomic.Int64
	bytes  atomic.Int64
	failed atomic.Pointer[error]
}

var _ contracts.BacklogAware = (*logConsumer)(nil)

func newLogConsumer(partition int, delay time.Duration, clk clock.Clock, logger logr.Logger) *logConsumer {
	return &logConsumer{
		partition: partition,
		delay:     delay,
		clock:     clk,
		logger:    logger.WithName("demo-consumer").WithValues("partition", partition),
	}
}

func (c *logConsumer) Open(context.Context) error {
	c.logger.V(logging.VERBOSE).Info("Consumer opened")
	return nil
}

func (c *logConsumer) Forward(ctx context.Context, frame []byte) error {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.delay):
		}
	}
	n := c.frames.Add(1)
	c.bytes.Add(int64(len(frame)))
	c.logger.V(logging.TRACE).Info("Forwarded frame", "n", n, "frame", string(frame))
	return nil
}

func (c *logConsumer) EndOfBacklog(context.Context) error {
	c.logger.V(logging.DEFAULT).Info("Historical frames replayed", "frames", c.frames.Load())
	return nil
}

func (c *logConsumer) Fail(err error) {
	c.failed.Store(&err)
	c.logger.Error(err, "Upstream runtime failed")
}

func (c *logConsumer) Close() error {
	c.logger.V(logging.DEFAULT).Info("Consumer closed",
		"frames", c.frames.Load(), "bytes", humanize.IBytes(uint64(c.bytes.Load())))
	return nil
}
