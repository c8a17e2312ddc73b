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

// Package mailbox provides an unbounded, single-consumer message queue whose messages are handled serially by one
// long-running loop.
//
// `Send` never blocks, so it is safe to call while holding locks on hot paths (for example, a gate reporting
// congestion from inside `Accept`). Handling failures are retried with exponential backoff; a message that keeps
// failing is dropped and logged so one poison message cannot wedge the loop.
package mailbox

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/metrics"
)

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 10 * time.Millisecond
	defaultMaxBackoff     = time.Second
)

// Handler processes one message. Returning an error wrapped with `Permanent` skips further retries.
type Handler[T any] func(ctx context.Context, msg T) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Config holds the retry behavior of a Mailbox.
type Config struct {
	// MaxRetries is the number of retries after the first failed attempt. Zero disables retries.
	MaxRetries uint64
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
}

// ConfigOption customizes a Config.
type ConfigOption func(*Config)

// WithMaxRetries sets the number of retries after the first failed attempt.
func WithMaxRetries(n uint64) ConfigOption {
	return func(c *Config) { c.MaxRetries = n }
}

// WithBackoff sets the first retry delay and the cap on later ones.
func WithBackoff(initial, maxInterval time.Duration) ConfigOption {
	return func(c *Config) {
		c.InitialBackoff = initial
		c.MaxBackoff = maxInterval
	}
}

// NewConfig returns a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("InitialBackoff must be positive, but got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("MaxBackoff (%v) must not be less than InitialBackoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

// Mailbox is a typed message queue drained by `Run`.
type Mailbox[T any] struct {
	name    string
	handler Handler[T]
	config  Config
	logger  logr.Logger

	mu      sync.Mutex
	pending *list.List
	closed  bool

	// notify has capacity 1 so senders never block; one signal wakes the loop for every message queued before it.
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a Mailbox. Messages queue up until `Run` is started.
func New[T any](name string, handler Handler[T], config Config, logger logr.Logger) *Mailbox[T] {
	return &Mailbox[T]{
		name:    name,
		handler: handler,
		config:  config,
		logger:  logger.WithName("mailbox").WithValues("mailbox", name),
		pending: list.New(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the mailbox name.
func (m *Mailbox[T]) Name() string { return m.name }

// Send enqueues msg without blocking. It fails with `types.ErrMailboxClosed` after `Close`.
func (m *Mailbox[T]) Send(msg T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrMailboxClosed, m.name)
	}
	m.pending.PushBack(msg)
	n := m.pending.Len()
	m.mu.Unlock()

	metrics.RecordMailboxPending(m.name, n)
	m.signal()
	return nil
}

// Len returns the number of messages not yet handled.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Close stops accepting messages. The loop handles everything already queued, then `Run` returns. Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Done is closed when `Run` has returned.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Run handles messages one at a time until the mailbox is closed and drained or ctx is cancelled. Messages still
// queued at cancellation are abandoned. Run must be called at most once.
func (m *Mailbox[T]) Run(ctx context.Context) {
	started := false
	m.once.Do(func() { started = true })
	if !started {
		panic(fmt.Sprintf("invariant violation: mailbox %s run more than once", m.name))
	}
	defer close(m.done)

	m.logger.V(logging.DEFAULT).Info("Mailbox loop starting")
	defer m.logger.V(logging.DEFAULT).Info("Mailbox loop stopped")

	for {
		for {
			msg, ok := m.pop()
			if !ok {
				break
			}
			m.handle(ctx, msg)
			if ctx.Err() != nil {
				return
			}
		}

		if m.isClosedAndEmpty() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		}
	}
}

func (m *Mailbox[T]) handle(ctx context.Context, msg T) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.config.InitialBackoff
	b.MaxInterval = m.config.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := func() error { return m.handler(ctx, msg) }
	notify := func(err error, wait time.Duration) {
		metrics.RecordMailboxRetry(m.name)
		m.logger.V(logging.DEBUG).Info("Retrying message", "error", err.Error(), "backoff", wait)
	}
	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, m.config.MaxRetries), ctx), notify)
	if err == nil {
		return
	}
	metrics.RecordMailboxDropped(m.name)
	m.logger.Error(err, "Dropping message after failed handling", "maxRetries", m.config.MaxRetries)
}

func (m *Mailbox[T]) pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	front := m.pending.Front()
	if front == nil {
		var zero T
		return zero, false
	}
	msg := m.pending.Remove(front).(T)
	metrics.RecordMailboxPending(m.name, m.pending.Len())
	return msg, true
}

func (m *Mailbox[T]) isClosedAndEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed && m.pending.Len() == 0
}

func (m *Mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
