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

// Package discard implements the policy-bounded frame dropper a gate falls back to when it can neither forward nor
// spill.
package discard

import (
	"sync"
)

// Stats is a snapshot of a Discarder's counters.
type Stats struct {
	Observed  uint64
	Discarded uint64
}

// Discarder decides whether another frame may be dropped under the absolute and fractional ceilings.
//
// A ceiling of zero is not applied; when both are zero, discarding is disabled and `Process` always refuses.
type Discarder struct {
	mu          sync.Mutex
	maxCount    uint64
	maxFraction float64
	observed    uint64
	discarded   uint64
}

// New returns a Discarder with the given ceilings.
func New(maxCount uint64, maxFraction float64) *Discarder {
	d := &Discarder{}
	d.SetLimits(maxCount, maxFraction)
	return d
}

// SetLimits replaces the ceilings without touching the counters. Fractions are clamped to [0, 1].
func (d *Discarder) SetLimits(maxCount uint64, maxFraction float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxCount = maxCount
	d.maxFraction = min(max(maxFraction, 0), 1)
}

// Enabled reports whether any ceiling permits discarding.
func (d *Discarder) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabledLocked()
}

func (d *Discarder) enabledLocked() bool {
	return d.maxCount > 0 || d.maxFraction > 0
}

// Observe counts one inbound frame, whatever its fate.
func (d *Discarder) Observe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed++
}

// Process drops the frame if doing so keeps the discard count within both ceilings. It returns false when the frame must
// not be dropped; the caller then owns the congestion.
func (d *Discarder) Process(_ []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabledLocked() {
		return false
	}
	candidate := d.discarded + 1
	if d.maxCount > 0 && candidate > d.maxCount {
		return false
	}
	if d.maxFraction > 0 && float64(candidate) > d.maxFraction*float64(max(d.observed, 1)) {
		return false
	}
	d.discarded = candidate
	return true
}

// Reset clears the counters.
func (d *Discarder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed, d.discarded = 0, 0
}

// Stats returns a snapshot of the counters.
func (d *Discarder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Observed: d.observed, Discarded: d.discarded}
}
