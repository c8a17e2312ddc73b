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

package types

import "time"

// RateSnapshot is a point-in-time view of the measured frame rates of one runtime, in frames per second.
type RateSnapshot struct {
	InflowRate  float64
	OutflowRate float64
	// Inflow1m and Outflow1m are one-minute exponentially weighted moving averages.
	Inflow1m  float64
	Outflow1m float64
}

// CongestionReport is sent to the cluster coordinator when a runtime cannot absorb its inflow through spill or
// discard.
type CongestionReport struct {
	EpisodeID    string
	Connection   ConnectionID
	Runtime      RuntimeID
	Mode         Mode
	InflowRate   float64
	OutflowRate  float64
	ScaleOutHint bool
	ReportedAt   time.Time
}
