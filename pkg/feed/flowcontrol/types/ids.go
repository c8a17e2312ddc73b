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

// Package types defines the core data types, identifiers and errors shared across the feed flow-control subsystem.
package types

import "fmt"

// RuntimeKind identifies the kind of pipeline stage a runtime instance belongs to.
type RuntimeKind int

const (
	// RuntimeKindIntake is the stage fed directly by a source adapter.
	RuntimeKindIntake RuntimeKind = iota
	// RuntimeKindCollect gathers records from intake partitions.
	RuntimeKindCollect
	// RuntimeKindComputeCollect is a collect stage fused with a compute stage.
	RuntimeKindComputeCollect
	// RuntimeKindCompute applies user functions to records.
	RuntimeKindCompute
	// RuntimeKindStore persists records into the target dataset.
	RuntimeKindStore
	// RuntimeKindOther covers auxiliary stages (e.g. statistics, joins).
	RuntimeKindOther
)

func (k RuntimeKind) String() string {
	switch k {
	case RuntimeKindIntake:
		return "INTAKE"
	case RuntimeKindCollect:
		return "COLLECT"
	case RuntimeKindComputeCollect:
		return "COMPUTE_COLLECT"
	case RuntimeKindCompute:
		return "COMPUTE"
	case RuntimeKindStore:
		return "STORE"
	case RuntimeKindOther:
		return "OTHER"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// RequiresPreservation reports whether frames reaching this kind of stage must be retained during a stall instead of
// being dropped.
func (k RuntimeKind) RequiresPreservation() bool {
	switch k {
	case RuntimeKindCollect, RuntimeKindComputeCollect, RuntimeKindCompute, RuntimeKindStore:
		return true
	case RuntimeKindIntake, RuntimeKindOther:
		return false
	default:
		return false
	}
}

// RuntimeID identifies one instance of one pipeline stage. It is comparable and used as a map key.
type RuntimeID struct {
	Kind      RuntimeKind
	Partition int
	OperandID string
}

func (r RuntimeID) String() string {
	return fmt.Sprintf("%s[%d]:%s", r.Kind, r.Partition, r.OperandID)
}

// ConnectionID identifies the logical ingestion pipeline (feed connected to a target) a runtime belongs to.
type ConnectionID struct {
	Namespace string
	Feed      string
	Target    string
}

func (c ConnectionID) String() string {
	return fmt.Sprintf("%s.%s->%s", c.Namespace, c.Feed, c.Target)
}
