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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeKind_RequiresPreservation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		kind     RuntimeKind
		preserve bool
	}{
		{RuntimeKindIntake, false},
		{RuntimeKindCollect, true},
		{RuntimeKindComputeCollect, true},
		{RuntimeKindCompute, true},
		{RuntimeKindStore, true},
		{RuntimeKindOther, false},
		{RuntimeKind(42), false},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.preserve, tc.kind.RequiresPreservation())
		})
	}
}

func TestMode_Predicates(t *testing.T) {
	t.Parallel()

	assert.True(t, ModeEnd.IsTerminal())
	assert.True(t, ModeFail.IsTerminal())
	assert.False(t, ModeStall.IsTerminal())
	assert.True(t, ModeProcessBacklog.IsDraining())
	assert.True(t, ModeProcessSpill.IsDraining())
	assert.False(t, ModeProcess.IsDraining())
	assert.Equal(t, "POST_SPILL_DISCARD", ModePostSpillDiscard.String())
	assert.Equal(t, "Unknown(99)", Mode(99).String())
	assert.Equal(t, "END_OF_BACKLOG", ContentEndOfBacklog.String())
}

func TestIdentifiers_String(t *testing.T) {
	t.Parallel()

	rid := RuntimeID{Kind: RuntimeKindStore, Partition: 3, OperandID: "op-7"}
	cid := ConnectionID{Namespace: "ns", Feed: "tweets", Target: "ds"}
	assert.Equal(t, "STORE[3]:op-7", rid.String())
	assert.Equal(t, "ns.tweets->ds", cid.String())

	seen := map[RuntimeID]bool{rid: true}
	assert.True(t, seen[RuntimeID{Kind: RuntimeKindStore, Partition: 3, OperandID: "op-7"}],
		"RuntimeID must be usable as a map key by value")
}

func TestErrors_Wrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("%w: %w", ErrRejected, ErrCongestionUnresolved)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.True(t, errors.Is(err, ErrCongestionUnresolved))
	assert.False(t, errors.Is(err, ErrFatal))
}
