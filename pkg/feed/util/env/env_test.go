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

package env

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
)

func TestInt(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name     string
		value    string
		set      bool
		expected int
	}{
		{name: "valid", value: "128", set: true, expected: 128},
		{name: "padded", value: " 7 ", set: true, expected: 7},
		{name: "invalid falls back", value: "many", set: true, expected: 42},
		{name: "empty falls back", value: "", set: true, expected: 42},
		{name: "unset falls back", expected: 42},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv("TEST_FEED_INT", tc.value)
			}
			assert.Equal(t, tc.expected, Int("TEST_FEED_INT", 42, logger))
		})
	}
}

func TestTypedLookups(t *testing.T) {
	logger := testr.New(t)
	t.Setenv("TEST_FEED_FLOAT", "0.25")
	t.Setenv("TEST_FEED_BOOL", "true")
	t.Setenv("TEST_FEED_BAD_BOOL", "maybe")
	t.Setenv("TEST_FEED_DURATION", "250ms")
	t.Setenv("TEST_FEED_STRING", "/var/spill")
	t.Setenv("TEST_FEED_BYTES", "64KiB")
	t.Setenv("TEST_FEED_BAD_BYTES", "lots")

	assert.Equal(t, 0.25, Float("TEST_FEED_FLOAT", 1, logger))
	assert.True(t, Bool("TEST_FEED_BOOL", false, logger))
	assert.False(t, Bool("TEST_FEED_BAD_BOOL", false, logger))
	assert.Equal(t, 250*time.Millisecond, Duration("TEST_FEED_DURATION", time.Second, logger))
	assert.Equal(t, time.Second, Duration("TEST_FEED_DURATION_MISSING", time.Second, logger))
	assert.Equal(t, "/var/spill", String("TEST_FEED_STRING", "/tmp", logger))
	assert.Equal(t, int64(64*1024), Bytes("TEST_FEED_BYTES", 0, logger))
	assert.Equal(t, int64(512), Bytes("TEST_FEED_BAD_BYTES", 512, logger))
}

func TestLookup(t *testing.T) {
	t.Setenv("FEEDGATE_POOL_FRAMES", "16")
	t.Setenv("FEEDGATE_MEMORY_BUDGET", "1MiB")
	t.Setenv("FEEDGATE_SPILL", "false")
	l := Lookup{Logger: testr.New(t)}

	assert.Equal(t, 16, l.Int("pool_frames", 4))
	assert.Equal(t, int64(1<<20), l.Bytes("memory_budget", 0))
	assert.False(t, l.Bool("spill", true))
	assert.Equal(t, "default", l.String("missing", "default"))
	assert.Equal(t, time.Minute, l.Duration("missing", time.Minute))
}
