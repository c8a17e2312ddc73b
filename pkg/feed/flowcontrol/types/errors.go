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

import (
	"errors"
)

// --- High-Level Outcome Errors ---

var (
	// ErrRejected indicates a frame was not taken by the gate. The producer still owns it.
	//
	// Callers should use `errors.Is(err, ErrRejected)` to check for this general class of failure.
	ErrRejected = errors.New("frame rejected")

	// ErrFatal indicates a non-recoverable failure that terminated the runtime.
	ErrFatal = errors.New("fatal runtime failure")
)

// --- Resource Exhaustion Errors ---

// The following errors are normally handled locally by a mode transition. They surface to callers only once every
// local mitigation is exhausted, wrapped by `ErrRejected`.
var (
	// ErrPoolExhausted indicates no idle buffer was available and expansion was denied.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrSpillBudgetExceeded indicates the spill store refused a write because its byte budget would be exceeded.
	ErrSpillBudgetExceeded = errors.New("spill budget exceeded")

	// ErrDiscardCeilingReached indicates the discarder refused to drop more frames.
	ErrDiscardCeilingReached = errors.New("discard ceiling reached")

	// ErrCongestionUnresolved indicates neither spill nor discard could absorb the frame and congestion was escalated.
	ErrCongestionUnresolved = errors.New("unresolved congestion")
)

// --- Lifecycle Errors ---

var (
	// ErrGateClosed indicates the gate reached END or was closed.
	ErrGateClosed = errors.New("input gate is closed")

	// ErrGateFailed indicates the gate is in FAIL mode.
	ErrGateFailed = errors.New("input gate has failed")

	// ErrDispatcherClosed indicates the dispatcher no longer accepts buffers.
	ErrDispatcherClosed = errors.New("dispatcher is closed")

	// ErrDispatcherBusy indicates the dispatcher's inbound channel is full.
	ErrDispatcherBusy = errors.New("dispatcher is busy")

	// ErrMailboxClosed indicates the mailbox no longer accepts messages.
	ErrMailboxClosed = errors.New("mailbox is closed")
)

// --- Input Errors ---

var (
	// ErrFrameTooLarge indicates a frame larger than the connection's frame size.
	ErrFrameTooLarge = errors.New("frame exceeds frame size")
)
