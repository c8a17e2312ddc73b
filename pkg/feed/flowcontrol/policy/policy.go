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

// Package policy holds the string-keyed ingestion policy that governs congestion and failure handling.
//
// A `View` is immutable. Gates read it through a `Holder`, and configuration changes replace the View wholesale, so a
// decision taken under one View never observes a half-applied update.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// View is an immutable snapshot of policy key/value pairs. Unset or malformed keys resolve to their defaults.
type View struct {
	values map[string]string
}

// New returns a View over a copy of values.
func New(values map[string]string) *View {
	return &View{values: maps.Clone(values)}
}

// Default returns a View with no keys set.
func Default() *View {
	return &View{}
}

// Get returns the raw value of any key, recognized or not.
func (v *View) Get(key string) (string, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Keys returns the set keys in sorted order.
func (v *View) Keys() []string {
	return slices.Sorted(maps.Keys(v.values))
}

// With returns a new View with key set to value.
func (v *View) With(key, value string) *View {
	values := maps.Clone(v.values)
	if values == nil {
		values = make(map[string]string, 1)
	}
	values[key] = value
	return &View{values: values}
}

func (v *View) SoftwareFailureContinue() bool {
	return v.boolean(KeySoftwareFailureContinue, defaultSoftwareFailureContinue)
}

func (v *View) SoftwareFailureLogData() bool {
	return v.boolean(KeySoftwareFailureLogData, defaultSoftwareFailureLogData)
}

func (v *View) HardwareFailureContinue() bool {
	return v.boolean(KeyHardwareFailureContinue, defaultHardwareFailureContinue)
}

func (v *View) ClusterRebootAutoRestart() bool {
	return v.boolean(KeyClusterRebootAutoRestart, defaultClusterRebootAutoRestart)
}

func (v *View) SpillOnCongestion() bool {
	return v.boolean(KeySpillOnCongestion, defaultSpillOnCongestion)
}

// MaxSpillBytes is the per-episode spill budget in bytes; zero means unbounded. Accepts "1048576", "512MiB", "2 GB".
func (v *View) MaxSpillBytes() int64 {
	n, err := v.bytes(KeyMaxSpillSizeOnDisk)
	if err != nil {
		return defaultMaxSpillSizeOnDisk
	}
	return n
}

// MaxDiscardFraction is the largest share, in [0, 1], of observed frames that may be discarded.
func (v *View) MaxDiscardFraction() float64 {
	f, err := v.fraction(KeyMaxFractionDiscard)
	if err != nil {
		return defaultMaxFractionDiscard
	}
	return f
}

func (v *View) MaxDiscardCount() uint64 {
	raw, ok := v.values[KeyMaxDiscardCount]
	if !ok {
		return defaultMaxDiscardCount
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return defaultMaxDiscardCount
	}
	return n
}

// MaxDelayBeforePersistence bounds how long a stalled runtime keeps preserved frames in memory before spilling them.
// Zero disables the bound.
func (v *View) MaxDelayBeforePersistence() time.Duration {
	d, err := v.duration(KeyMaxDelayBeforePersistence)
	if err != nil {
		return defaultMaxDelayBeforePersistence
	}
	return d
}

func (v *View) Elastic() bool {
	return v.boolean(KeyElastic, defaultElastic)
}

func (v *View) TimeTracking() bool {
	return v.boolean(KeyTimeTracking, defaultTimeTracking)
}

func (v *View) BacklogMaxFrames() int {
	raw, ok := v.values[KeyBacklogMaxFrames]
	if !ok {
		return defaultBacklogMaxFrames
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultBacklogMaxFrames
	}
	return n
}

// Validate reports every recognized key whose value cannot be parsed. Unknown keys are not errors.
func (v *View) Validate() error {
	var errs []error
	check := func(key string, parse func(string) error) {
		raw, ok := v.values[key]
		if !ok {
			return
		}
		if err := parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("invalid value %q for policy key %q: %w", raw, key, err))
		}
	}
	for _, key := range []string{
		KeySoftwareFailureContinue, KeySoftwareFailureLogData, KeyHardwareFailureContinue, KeyClusterRebootAutoRestart,
		KeySpillOnCongestion, KeyElastic, KeyTimeTracking,
	} {
		check(key, func(s string) error { _, err := strconv.ParseBool(s); return err })
	}
	check(KeyMaxSpillSizeOnDisk, func(string) error { _, err := v.bytes(KeyMaxSpillSizeOnDisk); return err })
	check(KeyMaxFractionDiscard, func(string) error { _, err := v.fraction(KeyMaxFractionDiscard); return err })
	check(KeyMaxDiscardCount, func(s string) error { _, err := strconv.ParseUint(s, 10, 64); return err })
	check(KeyMaxDelayBeforePersistence, func(string) error {
		_, err := v.duration(KeyMaxDelayBeforePersistence)
		return err
	})
	check(KeyBacklogMaxFrames, func(s string) error {
		n, err := strconv.Atoi(s)
		if err == nil && n < 0 {
			return errors.New("must not be negative")
		}
		return err
	})
	return errors.Join(errs...)
}

func (v *View) boolean(key string, def bool) bool {
	raw, ok := v.values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func (v *View) bytes(key string) (int64, error) {
	raw, ok := v.values[key]
	if !ok {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s is too large", raw)
	}
	return int64(n), nil
}

func (v *View) fraction(key string) (float64, error) {
	raw, ok := v.values[key]
	if !ok {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("fraction %v is outside [0, 1]", f)
	}
	return f, nil
}

// duration accepts Go duration strings ("30s") or a bare number of milliseconds.
func (v *View) duration(key string) (time.Duration, error) {
	raw, ok := v.values[key]
	if !ok {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, errors.New("duration must not be negative")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return d, nil
}

// Holder publishes the current View to concurrent readers. The zero value holds the default View.
type Holder struct {
	current atomic.Pointer[View]
}

// NewHolder returns a Holder publishing v.
func NewHolder(v *View) *Holder {
	h := &Holder{}
	h.Store(v)
	return h
}

// Load returns the current View.
func (h *Holder) Load() *View {
	if v := h.current.Load(); v != nil {
		return v
	}
	return Default()
}

// Store replaces the current View. A nil View restores the defaults.
func (h *Holder) Store(v *View) {
	if v == nil {
		v = Default()
	}
	h.current.Store(v)
}
