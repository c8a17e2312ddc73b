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
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
)

// defaultDebounce lets bursts of write events settle before the file is re-read.
const defaultDebounce = 250 * time.Millisecond

// Watcher republishes a policy file through a Holder each time the file changes.
type Watcher struct {
	path     string
	holder   *Holder
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   logr.Logger
	// reloaded is signalled after every reload attempt. Nil outside tests.
	reloaded chan<- error
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long events must be quiet before the file is re-read.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher starts watching path. The parent directory is watched so that editors replacing the file atomically
// are seen too.
func NewWatcher(path string, holder *Holder, logger logr.Logger, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		holder:   holder,
		watcher:  fw,
		debounce: defaultDebounce,
		logger:   logger.WithName("policy-watcher").WithValues("path", abs),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run processes file events until ctx ends, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	traceLogger := w.logger.V(logging.TRACE)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			traceLogger.Info("Policy directory changed", "event", ev.String())
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "Policy watcher failed")
		}
	}
}

// reload re-reads the file. A file that fails to parse leaves the current policy in force.
func (w *Watcher) reload() {
	v, err := LoadFile(w.path)
	if err == nil {
		if verr := v.Validate(); verr != nil {
			w.logger.Error(verr, "Reloaded policy holds malformed values, defaults apply to them")
		}
		w.holder.Store(v)
		w.logger.V(logging.DEFAULT).Info("Reloaded policy", "keys", v.Keys())
	} else {
		w.logger.Error(err, "Failed to reload policy, keeping the current one")
	}
	if w.reloaded != nil {
		w.reloaded <- err
	}
}
