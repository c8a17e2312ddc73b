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

// Package env reads typed settings from environment variables, falling back to defaults with a log line instead of an
// error.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
)

// Prefix is prepended to every key looked up through a Lookup.
const Prefix = "FEEDGATE_"

// lookup resolves key and parses it, returning defaultVal when the variable is unset or malformed.
func lookup[T any](key string, defaultVal T, kind string, parse func(string) (T, error), logger logr.Logger) T {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		logger.V(logging.DEBUG).Info("Environment variable not set, using default", "key", key, "default", defaultVal)
		return defaultVal
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		logger.Info(fmt.Sprintf("Environment variable is not a valid %s, using default", kind),
			"key", key, "raw", raw, "error", err.Error(), "default", defaultVal)
		return defaultVal
	}
	logger.V(logging.VERBOSE).Info("Loaded environment variable", "key", key, "value", v)
	return v
}

// Int reads an int.
func Int(key string, defaultVal int, logger logr.Logger) int {
	return lookup(key, defaultVal, "integer", strconv.Atoi, logger)
}

// Float reads a float64.
func Float(key string, defaultVal float64, logger logr.Logger) float64 {
	return lookup(key, defaultVal, "float", func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }, logger)
}

// Bool reads a bool in any form accepted by strconv.ParseBool.
func Bool(key string, defaultVal bool, logger logr.Logger) bool {
	return lookup(key, defaultVal, "boolean", strconv.ParseBool, logger)
}

// Duration reads a Go duration such as "250ms".
func Duration(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	return lookup(key, defaultVal, "duration", time.ParseDuration, logger)
}

// String reads a string.
func String(key string, defaultVal string, logger logr.Logger) string {
	return lookup(key, defaultVal, "string", func(s string) (string, error) { return s, nil }, logger)
}

// Bytes reads a byte size such as "64KiB" or "1.5GB".
func Bytes(key string, defaultVal int64, logger logr.Logger) int64 {
	return lookup(key, defaultVal, "byte size", func(s string) (int64, error) {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, err
		}
		if n > uint64(1<<63-1) {
			return 0, fmt.Errorf("%s overflows int64", s)
		}
		return int64(n), nil
	}, logger)
}

// Lookup reads prefixed variables, e.g. `Lookup{}.Int("POOL_FRAMES", ...)` reads FEEDGATE_POOL_FRAMES.
type Lookup struct {
	Logger logr.Logger
}

func (l Lookup) key(name string) string { return Prefix + strings.ToUpper(name) }

func (l Lookup) Int(name string, defaultVal int) int { return Int(l.key(name), defaultVal, l.Logger) }

func (l Lookup) Bool(name string, defaultVal bool) bool { return Bool(l.key(name), defaultVal, l.Logger) }

func (l Lookup) Duration(name string, defaultVal time.Duration) time.Duration {
	return Duration(l.key(name), defaultVal, l.Logger)
}

func (l Lookup) String(name string, defaultVal string) string {
	return String(l.key(name), defaultVal, l.Logger)
}

func (l Lookup) Bytes(name string, defaultVal int64) int64 { return Bytes(l.key(name), defaultVal, l.Logger) }
