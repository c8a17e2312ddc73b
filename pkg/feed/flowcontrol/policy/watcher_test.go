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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("elastic: false\n"), 0o600))
	initial, err := LoadFile(path)
	require.NoError(t, err)
	holder := NewHolder(initial)

	w, err := NewWatcher(path, holder, logr.Discard(), WithDebounce(time.Millisecond))
	require.NoError(t, err)
	reloaded := make(chan error, 8)
	w.reloaded = reloaded

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitReload := func() error {
		t.Helper()
		select {
		case err := <-reloaded:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("policy was not reloaded")
			return nil
		}
	}

	replaceFile(t, path, "elastic: true\nmax.spill.size.on.disk: 1MiB\n")
	require.NoError(t, waitReload())
	assert.True(t, holder.Load().Elastic())
	assert.Equal(t, int64(1<<20), holder.Load().MaxSpillBytes())

	before := holder.Load()
	replaceFile(t, path, "elastic: [true\n")
	assert.Error(t, waitReload())
	assert.Same(t, before, holder.Load(), "an unparsable file must keep the current policy")
}

// replaceFile swaps the file in place with a rename, the way config management tools publish files.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := filepath.Join(filepath.Dir(path), ".policy.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	t.Parallel()
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent", "policy.yaml"), NewHolder(nil), logr.Discard())
	assert.Error(t, err)
}
