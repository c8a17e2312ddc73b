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

// Package spill implements the per-runtime, disk-backed overflow log used while a gate is congested or stalled.
//
// A Store accumulates one spill episode. `Replay` hands the episode's bytes to a forward-only `Replayer` and lets the
// Store start a fresh file, so replaying the previous episode and spilling into the next can overlap.
package spill

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
)

// Store is a spill log with a byte budget. It is owned by exactly one gate and is not safe for concurrent use.
type Store struct {
	dir      string
	name     string
	maxBytes int64 // zero means unbounded
	logger   logr.Logger

	file    *os.File
	path    string
	bytes   int64
	frames  int
	scratch []byte
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes sets the per-episode byte budget. Zero means unbounded.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = max(n, 0)
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a Store that will lazily create its files in dir. name identifies the owning runtime in file names.
func New(dir, name string, opts ...Option) *Store {
	s := &Store{dir: dir, name: sanitize(name), logger: logr.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("spill").WithValues("store", s.name)
	return s
}

// Factory builds the spill store for one runtime.
type Factory func(name string, maxBytes int64) *Store

// NewFactory returns a Factory creating stores under dir.
func NewFactory(dir string, logger logr.Logger) Factory {
	return func(name string, maxBytes int64) *Store {
		return New(dir, name, WithMaxBytes(maxBytes), WithLogger(logger))
	}
}

// SetMaxBytes replaces the byte budget. It applies to subsequent writes only.
func (s *Store) SetMaxBytes(n int64) {
	s.maxBytes = max(n, 0)
}

// Write appends a frame and hands it to the file before returning. It returns false when the budget would be exceeded
// or the file cannot be written; the caller must then fall back to discarding. A failed write leaves the episode as
// it was: the next record overwrites whatever part of the failed one reached the file.
func (s *Store) Write(frame []byte) bool {
	size := RecordSize(len(frame))
	if s.maxBytes > 0 && s.bytes+size > s.maxBytes {
		s.logger.V(logging.DEBUG).Info("Spill budget exhausted",
			"written", humanize.IBytes(uint64(s.bytes)), "limit", humanize.IBytes(uint64(s.maxBytes)))
		return false
	}
	if s.file == nil {
		if err := s.open(); err != nil {
			s.logger.Error(err, "Failed to create spill file", "dir", s.dir)
			return false
		}
	}
	s.scratch = appendRecord(s.scratch[:0], frame)
	if _, err := s.file.WriteAt(s.scratch, s.bytes); err != nil {
		s.logger.Error(err, "Failed to write spill record", "path", s.path)
		return false
	}
	s.bytes += size
	s.frames++
	return true
}

// Len returns the number of frames in the current episode.
func (s *Store) Len() int { return s.frames }

// Bytes returns the on-disk size of the current episode.
func (s *Store) Bytes() int64 { return s.bytes }

// HasData reports whether the current episode holds any frame.
func (s *Store) HasData() bool { return s.frames > 0 }

// Replay returns a cursor over the current episode. The Store is left empty and ready for a new
// episode; the Replayer owns the old file and deletes it once exhausted or closed.
func (s *Store) Replay() (*Replayer, error) {
	if s.file == nil {
		return &Replayer{}, nil
	}
	file, path, frames := s.file, s.path, s.frames
	s.file, s.path, s.bytes, s.frames = nil, "", 0, 0

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		discard(file, path)
		return nil, fmt.Errorf("failed to rewind spill file %s: %w", path, err)
	}
	s.logger.V(logging.DEBUG).Info("Replaying spill episode", "path", path, "frames", frames)
	return &Replayer{file: file, r: bufio.NewReader(file), path: path, remaining: frames}, nil
}

// Reset drops the current episode and removes its file. Replayers handed out earlier are unaffected.
func (s *Store) Reset() {
	if s.file != nil {
		discard(s.file, s.path)
	}
	s.file, s.path, s.bytes, s.frames = nil, "", 0, 0
}

// Close releases the store's file.
func (s *Store) Close() error {
	s.Reset()
	return nil
}

func (s *Store) open() error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("spill-%s-%s.log", s.name, uuid.NewString()))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	s.file, s.path = f, path
	s.logger.V(logging.DEBUG).Info("Created spill file", "path", path)
	return nil
}

// Replayer is a forward-only cursor over one spill episode. It is consumed exactly once.
type Replayer struct {
	file      *os.File
	r         *bufio.Reader
	path      string
	remaining int
}

// Next returns the next frame. ok is false once the episode is exhausted, at which point the file has been deleted.
func (r *Replayer) Next() (frame []byte, ok bool, err error) {
	if r.file == nil || r.remaining == 0 {
		r.Close()
		return nil, false, nil
	}
	frame, err = readRecord(r.r)
	if err != nil {
		r.Close()
		return nil, false, fmt.Errorf("failed to read spill file %s: %w", r.path, err)
	}
	r.remaining--
	return frame, true, nil
}

// Remaining returns the number of frames not yet read.
func (r *Replayer) Remaining() int { return r.remaining }

// Close abandons the cursor and deletes the file.
func (r *Replayer) Close() {
	if r.file != nil {
		discard(r.file, r.path)
		r.file = nil
	}
	r.remaining = 0
}

func discard(file *os.File, path string) {
	_ = file.Close()
	_ = os.Remove(path)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
