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

package policy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestView_Defaults(t *testing.T) {
	t.Parallel()
	v := Default()

	assert.False(t, v.SoftwareFailureContinue())
	assert.False(t, v.SoftwareFailureLogData())
	assert.False(t, v.HardwareFailureContinue())
	assert.True(t, v.ClusterRebootAutoRestart(), "auto restart is on unless disabled")
	assert.False(t, v.SpillOnCongestion())
	assert.Zero(t, v.MaxSpillBytes(), "spill is unbounded by default")
	assert.Zero(t, v.MaxDiscardFraction())
	assert.Zero(t, v.MaxDiscardCount())
	assert.Zero(t, v.MaxDelayBeforePersistence())
	assert.False(t, v.Elastic())
	assert.False(t, v.TimeTracking())
	assert.Equal(t, 1024, v.BacklogMaxFrames())
	assert.NoError(t, v.Validate())
}

func TestView_TypedAccessors(t *testing.T) {
	t.Parallel()
	v := New(map[string]string{
		KeySoftwareFailureContinue:   "true",
		KeySpillOnCongestion:         "TRUE",
		KeyMaxSpillSizeOnDisk:        "512KiB",
		KeyMaxFractionDiscard:        "0.25",
		KeyMaxDiscardCount:           "10",
		KeyMaxDelayBeforePersistence: "1500",
		KeyElastic:                   "1",
		KeyBacklogMaxFrames:          "8",
		"custom.key":                 "kept",
	})

	assert.True(t, v.SoftwareFailureContinue())
	assert.True(t, v.SpillOnCongestion())
	assert.Equal(t, int64(512*1024), v.MaxSpillBytes())
	assert.Equal(t, 0.25, v.MaxDiscardFraction())
	assert.Equal(t, uint64(10), v.MaxDiscardCount())
	assert.Equal(t, 1500*time.Millisecond, v.MaxDelayBeforePersistence(), "bare numbers are milliseconds")
	assert.True(t, v.Elastic())
	assert.Equal(t, 8, v.BacklogMaxFrames())

	raw, ok := v.Get("custom.key")
	assert.True(t, ok, "unknown keys must be preserved")
	assert.Equal(t, "kept", raw)
	assert.NoError(t, v.Validate())
}

func TestView_MalformedValuesFallBack(t *testing.T) {
	t.Parallel()
	v := New(map[string]string{
		KeyClusterRebootAutoRestart:  "maybe",
		KeyMaxSpillSizeOnDisk:        "lots",
		KeyMaxFractionDiscard:        "1.5",
		KeyMaxDiscardCount:           "-3",
		KeyMaxDelayBeforePersistence: "-1s",
		KeyBacklogMaxFrames:          "-1",
	})

	assert.True(t, v.ClusterRebootAutoRestart())
	assert.Zero(t, v.MaxSpillBytes())
	assert.Zero(t, v.MaxDiscardFraction())
	assert.Zero(t, v.MaxDiscardCount())
	assert.Zero(t, v.MaxDelayBeforePersistence())
	assert.Equal(t, 1024, v.BacklogMaxFrames())

	err := v.Validate()
	require.Error(t, err)
	for _, key := range []string{
		KeyClusterRebootAutoRestart, KeyMaxSpillSizeOnDisk, KeyMaxFractionDiscard,
		KeyMaxDiscardCount, KeyMaxDelayBeforePersistence, KeyBacklogMaxFrames,
	} {
		assert.Contains(t, err.Error(), key, "validation must report every malformed key")
	}
}

func TestView_IsImmutable(t *testing.T) {
	t.Parallel()
	src := map[string]string{KeyElastic: "true"}
	v := New(src)
	src[KeyElastic] = "false"
	assert.True(t, v.Elastic(), "a view must not observe changes to its source map")

	w := v.With(KeyElastic, "false")
	assert.True(t, v.Elastic(), "With must not modify the receiver")
	assert.False(t, w.Elastic())
	assert.Equal(t, []string{KeyElastic}, w.Keys())

	assert.True(t, Default().With(KeyTimeTracking, "true").TimeTracking())
}

func TestHolder(t *testing.T) {
	t.Parallel()

	var zero Holder
	assert.NotNil(t, zero.Load(), "the zero holder must publish the default view")

	h := NewHolder(New(map[string]string{KeyElastic: "true"}))
	assert.True(t, h.Load().Elastic())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				h.Store(Default())
			} else {
				_ = h.Load().Elastic()
			}
		}()
	}
	wg.Wait()

	h.Store(nil)
	assert.False(t, h.Load().Elastic(), "storing nil restores the defaults")
}

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		input     string
		expectErr bool
		check     func(t *testing.T, v *View)
	}{
		{
			name: "ScalarsOfEveryKind",
			input: `
spill.to.disk.on.congestion: true
max.spill.size.on.disk: 64MiB
max.fraction.discard: 0.1
max.discard.count: 100000000
max.delay.before.persistence: 2s
unset.key: null
`,
			check: func(t *testing.T, v *View) {
				assert.True(t, v.SpillOnCongestion())
				assert.Equal(t, int64(64<<20), v.MaxSpillBytes())
				assert.Equal(t, 0.1, v.MaxDiscardFraction())
				assert.Equal(t, uint64(100000000), v.MaxDiscardCount(), "large integers must not be rendered in exponent form")
				assert.Equal(t, 2*time.Second, v.MaxDelayBeforePersistence())
				_, ok := v.Get("unset.key")
				assert.False(t, ok, "null values are treated as unset")
			},
		},
		{
			name:  "JSON",
			input: `{"elastic": true}`,
			check: func(t *testing.T, v *View) { assert.True(t, v.Elastic()) },
		},
		{
			name:      "NestedValue",
			input:     "elastic:\n  enabled: true\n",
			expectErr: true,
		},
		{
			name:      "NotYAML",
			input:     "elastic: [true",
			expectErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := Parse([]byte(tc.input))
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, v)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("time.tracking: true\n"), 0o600))

	v, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, v.TimeTracking())

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
