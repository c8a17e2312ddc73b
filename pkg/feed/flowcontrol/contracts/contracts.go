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

// Package contracts defines the service interfaces that decouple the input gate from the collaborators it does not
// own: the downstream stage, the failure sanitizer, the process-wide memory budget and the coordinator link.
package contracts

import (
	"context"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// Consumer is the downstream stage fed by a dispatcher.
//
// The dispatcher guarantees `Forward` is never called concurrently with itself for a given instance. The frame slice
// is only valid for the duration of the call; implementations that retain data must copy it.
type Consumer interface {
	Open(ctx context.Context) error
	Forward(ctx context.Context, frame []byte) error
	// Fail notifies the consumer that the upstream runtime terminated with a fatal error.
	Fail(err error)
	Close() error
}

// BacklogAware is optionally implemented by consumers that want to observe the END_OF_BACKLOG sentinel emitted once
// replayed frames have all been forwarded.
type BacklogAware interface {
	EndOfBacklog(ctx context.Context) error
}

// ExceptionHandler sanitizes frames whose forwarding failed.
//
// It returns a replacement frame to retry, or nil to give up on the unit.
type ExceptionHandler interface {
	Handle(err error, frame []byte) []byte
}

// MemoryBudget is the process-wide memory accounting shared by every buffer pool.
// It is constructed by the pipeline bootstrap and injected; there is no global instance.
type MemoryBudget interface {
	// Reserve claims bytes from the budget. It returns false, without side effects, when the claim does not fit.
	Reserve(bytes int64) bool
	// Release returns previously reserved bytes.
	Release(bytes int64)
}

// CongestionReporter delivers congestion reports to the cluster coordinator without blocking the caller.
type CongestionReporter interface {
	Send(report types.CongestionReport) error
}
