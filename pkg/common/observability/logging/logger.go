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

// Package logging holds the verbosity ladder and logger construction shared by every feed component.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logr's V(). Higher is chattier.
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// atomicLevel is shared by every logger built through NewLogger so the verbosity can be adjusted after start.
var atomicLevel = uberzap.NewAtomicLevelAt(zapcore.Level(-1 * DEFAULT))

// Options configures the process logger.
type Options struct {
	// Verbosity is the logr V-level ceiling; messages with V(n) where n > Verbosity are dropped.
	Verbosity int
	// Development switches to zap's console encoder with stack traces on warnings.
	Development bool
}

// NewLogger builds the process-wide zap-backed logr.Logger.
func NewLogger(opts Options) (logr.Logger, error) {
	SetVerbosity(opts.Verbosity)

	cfg := uberzap.NewProductionConfig()
	if opts.Development {
		cfg = uberzap.NewDevelopmentConfig()
	}
	cfg.Level = atomicLevel
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// SetVerbosity updates the shared level so loggers already handed out pick up the change.
func SetVerbosity(v int) {
	if v < 0 {
		v = 0
	}
	// zapr maps V(n) onto zap level -n.
	atomicLevel.SetLevel(zapcore.Level(-1 * v))
}

// NewTestLogger creates a new Zap logger using the dev mode.
func NewTestLogger() logr.Logger {
	cfg := uberzap.NewDevelopmentConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-1 * TRACE))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

// NewTestLoggerIntoContext creates a new Zap logger using the dev mode and inserts it into the given context.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return logr.NewContext(ctx, NewTestLogger())
}
