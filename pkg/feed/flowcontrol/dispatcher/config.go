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

package dispatcher

import (
	"fmt"
)

const (
	// defaultQueueCapacity is the number of buffers that may wait for the worker.
	defaultQueueCapacity = 64
	// defaultMaxForwardRetries bounds how many sanitized replacements are tried for one frame.
	defaultMaxForwardRetries = 3
)

// Config holds the tunables of a Dispatcher.
type Config struct {
	// QueueCapacity is the capacity of the channel between producers and the worker. `Dispatch` reports
	// `types.ErrDispatcherBusy` when it is full.
	// Optional: Defaults to `defaultQueueCapacity` (64).
	QueueCapacity int

	// MaxForwardRetries bounds the number of retries with a sanitized frame before a failure becomes fatal.
	// Optional: Defaults to `defaultMaxForwardRetries` (3).
	MaxForwardRetries int

	// TimeTracking enables the dispatch latency histogram at start. It can be toggled later.
	TimeTracking bool
}

// ConfigOption customizes a Config.
type ConfigOption func(*Config)

// WithQueueCapacity sets how many buffers may wait for the worker.
func WithQueueCapacity(n int) ConfigOption {
	return func(c *Config) { c.QueueCapacity = n }
}

// WithMaxForwardRetries bounds the sanitized retries of one frame.
func WithMaxForwardRetries(n int) ConfigOption {
	return func(c *Config) { c.MaxForwardRetries = n }
}

// WithTimeTracking enables the dispatch latency histogram.
func WithTimeTracking(enabled bool) ConfigOption {
	return func(c *Config) { c.TimeTracking = enabled }
}

// NewConfig returns a validated Config with defaults applied to unset fields.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.MaxForwardRetries == 0 {
		c.MaxForwardRetries = defaultMaxForwardRetries
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QueueCapacity must be positive, but got %d", c.QueueCapacity)
	}
	if c.MaxForwardRetries < 0 {
		return fmt.Errorf("MaxForwardRetries cannot be negative, but got %d", c.MaxForwardRetries)
	}
	return nil
}
