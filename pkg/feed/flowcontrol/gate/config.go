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
	"time"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/dispatcher"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

const (
	// defaultPartitions is the partition count used to size the pool when none is configured.
	defaultPartitions = 1
	// defaultWakeInterval is the period of the fallback timer that advances drains and recovery when no buffer has
	// been reclaimed.
	defaultWakeInterval = 100 * time.Millisecond
)

// Config holds the identity and tunables of an InputGate.
type Config struct {
	// Connection identifies the feed connection the gate serves.
	Connection types.ConnectionID

	// Runtime identifies the runtime (kind and partition) the gate feeds. Its kind decides whether stalled frames
	// must be preserved.
	Runtime types.RuntimeID

	// Partitions is the number of partitions sharing the memory budget, used to cap the pool on `Reset`.
	// Optional: Defaults to `defaultPartitions` (1).
	Partitions int

	// WakeInterval is the period of the fallback timer driving drains and recovery.
	// Optional: Defaults to `defaultWakeInterval` (100ms).
	WakeInterval time.Duration

	// Dispatcher configures the gate's monitored dispatcher.
	Dispatcher dispatcher.Config
}

// ConfigOption customizes a Config.
type ConfigOption func(*Config)

// WithPartitions sets the partition count used to size the pool.
func WithPartitions(n int) ConfigOption {
	return func(c *Config) { c.Partitions = n }
}

// WithWakeInterval sets the fallback timer period.
func WithWakeInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.WakeInterval = d }
}

// WithDispatcherConfig sets the dispatcher configuration.
func WithDispatcherConfig(dc dispatcher.Config) ConfigOption {
	return func(c *Config) { c.Dispatcher = dc }
}

// NewConfig returns a validated Config for the given connection and runtime with defaults applied.
func NewConfig(connection types.ConnectionID, runtime types.RuntimeID, opts ...ConfigOption) (Config, error) {
	c := Config{Connection: connection, Runtime: runtime}
	for _, opt := range opts {
		opt(&c)
	}
	if c.Partitions == 0 {
		c.Partitions = defaultPartitions
	}
	if c.WakeInterval == 0 {
		c.WakeInterval = defaultWakeInterval
	}
	if c.Dispatcher == (dispatcher.Config{}) {
		dc, err := dispatcher.NewConfig()
		if err != nil {
			return Config{}, err
		}
		c.Dispatcher = dc
	}
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid gate config: %w", err)
	}
	return c, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Connection == (types.ConnectionID{}) {
		errs = append(errs, errors.New("Connection must be set"))
	}
	if c.Partitions < 1 {
		errs = append(errs, fmt.Errorf("Partitions must be positive, but got %d", c.Partitions))
	}
	if c.WakeInterval <= 0 {
		errs = append(errs, fmt.Errorf("WakeInterval must be positive, but got %v", c.WakeInterval))
	}
	if c.Dispatcher.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("Dispatcher.QueueCapacity must be positive, but got %d", c.Dispatcher.QueueCapacity))
	}
	return errors.Join(errs...)
}
