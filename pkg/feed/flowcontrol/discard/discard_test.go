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

package discard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscarder_Process(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		maxCount    uint64
		maxFraction float64
		// observed is the number of frames seen before each Process call.
		observed []int
		expected []bool
	}{
		{
			name:     "Disabled",
			observed: []int{1, 1},
			expected: []bool{false, false},
		},
		{
			name:     "AbsoluteCeiling",
			maxCount: 1,
			observed: []int{3, 1},
			expected: []bool{true, false},
		},
		{
			name:        "FractionalCeiling",
			maxFraction: 0.5,
			// 2 seen: 1/2 allowed; 3 seen: 2/3 refused; 4 seen: 2/4 allowed.
			observed: []int{2, 1, 1},
			expected: []bool{true, false, true},
		},
		{
			name:        "BothCeilingsMustHold",
			maxCount:    1,
			maxFraction: 1,
			observed:    []int{1, 1},
			expected:    []bool{true, false},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := New(tc.maxCount, tc.maxFraction)
			for i, seen := range tc.observed {
				for range seen {
					d.Observe()
				}
				assert.Equal(t, tc.expected[i], d.Process([]byte("f")), "Process call %d", i)
			}
		})
	}
}

func TestDiscarder_ResetAndLimits(t *testing.T) {
	t.Parallel()
	d := New(1, 0)
	assert.True(t, d.Enabled())

	d.Observe()
	assert.True(t, d.Process(nil))
	assert.Equal(t, Stats{Observed: 1, Discarded: 1}, d.Stats())
	assert.False(t, d.Process(nil))

	d.Reset()
	assert.Equal(t, Stats{}, d.Stats())
	assert.True(t, d.Process(nil), "reset must start a fresh discard budget")

	d.SetLimits(0, 7)
	assert.True(t, d.Enabled())
	d.SetLimits(0, -1)
	assert.False(t, d.Enabled(), "negative fractions clamp to zero")
}
