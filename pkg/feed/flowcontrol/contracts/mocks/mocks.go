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

// Package mocks provides simple, configurable mock implementations of the flow-control contracts, intended for use in
// unit and integration tests.
package mocks

import (
	"context"
	"sync"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// MockConsumer is a thread-safe `contracts.Consumer` that records everything it receives.
//
// `ForwardFunc` runs before a frame is recorded; returning an error fails the forward. It may block to simulate a slow
// downstream stage.
type MockConsumer struct {
	OpenErr     error
	CloseErr    error
	ForwardFunc func(ctx context.Context, frame []byte) error

	mu           sync.Mutex
	frames       [][]byte
	opened       int
	closed       int
	failedWith   error
	endOfBacklog int
	// timeline records frames and end-of-backlog markers in arrival order.
	timeline []string
}

var _ contracts.Consumer = &MockConsumer{}
var _ contracts.BacklogAware = &MockConsumer{}

func (m *MockConsumer) Open(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return m.OpenErr
}

func (m *MockConsumer) Forward(ctx context.Context, frame []byte) error {
	if m.ForwardFunc != nil {
		if err := m.ForwardFunc(ctx, frame); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, append([]byte(nil), frame...))
	m.timeline = append(m.timeline, string(frame))
	return nil
}

func (m *MockConsumer) EndOfBacklog(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endOfBacklog++
	m.timeline = append(m.timeline, EndOfBacklogMarker)
	return nil
}

func (m *MockConsumer) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedWith = err
}

func (m *MockConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return m.CloseErr
}

// EndOfBacklogMarker is the timeline entry recorded for an END_OF_BACKLOG notification.
const EndOfBacklogMarker = "<END_OF_BACKLOG>"

// Frames returns a copy of the forwarded frames, in order.
func (m *MockConsumer) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.frames...)
}

// FrameCount returns the number of forwarded frames.
func (m *MockConsumer) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Timeline returns forwarded frames (as strings) interleaved with end-of-backlog markers.
func (m *MockConsumer) Timeline() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.timeline...)
}

func (m *MockConsumer) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MockConsumer) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConsumer) EndOfBacklogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endOfBacklog
}

func (m *MockConsumer) FailedWith() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedWith
}

// MockExceptionHandler is a `contracts.ExceptionHandler` driven by `HandleFunc`. Without one, it gives up on every
// frame.
type MockExceptionHandler struct {
	HandleFunc func(err error, frame []byte) []byte

	mu    sync.Mutex
	calls int
}

var _ contracts.ExceptionHandler = &MockExceptionHandler{}

func (m *MockExceptionHandler) Handle(err error, frame []byte) []byte {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.HandleFunc != nil {
		return m.HandleFunc(err, frame)
	}
	return nil
}

func (m *MockExceptionHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockReporter is a thread-safe `contracts.CongestionReporter` that records reports.
type MockReporter struct {
	SendErr error

	mu      sync.Mutex
	reports []types.CongestionReport
}

var _ contracts.CongestionReporter = &MockReporter{}

func (m *MockReporter) Send(report types.CongestionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.reports = append(m.reports, report)
	return nil
}

// Reports returns a copy of the recorded reports.
func (m *MockReporter) Reports() []types.CongestionReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CongestionReport(nil), m.reports...)
}
