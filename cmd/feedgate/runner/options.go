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

package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/util/env"
)

const (
	DefaultFrameSize     = "32KiB"
	DefaultMemoryBudget  = "64MiB"
	DefaultPoolFrames    = 8
	DefaultPartitions    = 2
	DefaultMetricsPort   = 9090
	DefaultDemoFrames    = 10000
	DefaultDemoRate      = 500.0
	DefaultStatsInterval = 10 * time.Second
)

// Options contains the command-line configuration of the feed gate host.
type Options struct {
	//
	// Buffering.
	//
	FrameSize    string // Fixed frame size, e.g. "32KiB".
	MemoryBudget string // Budget shared by every partition's pool; "0" is unbounded.
	PoolFrames   int    // Buffers pre-allocated per partition.
	Partitions   int    // Number of partitions, one gate each.
	SpillDir     string // Directory for spill files.
	PolicyFile   string // Optional ingestion policy YAML, reloaded on change.
	//
	// Diagnostics.
	//
	MetricsPort   int           // Port serving /metrics; 0 disables it.
	EnablePprof   bool          // Serves pprof handlers on the metrics port.
	Tracing       bool          // Enables OpenTelemetry tracing (configured through OTEL_* variables).
	LogVerbosity  int           // Number for the log level verbosity.
	StatsInterval time.Duration // Period of the gate statistics log line.
	//
	// Demo pipeline.
	//
	DemoFrames       int           // Frames produced per partition; 0 produces until interrupted.
	DemoRate         float64       // Frames per second per partition.
	DemoConsumeDelay time.Duration // Artificial per-frame delay of the demo consumer.
	DemoStallEvery   time.Duration // Period of simulated recovery stalls; 0 disables them.

	// Parsed in Complete.
	frameSizeBytes    int64
	memoryBudgetBytes int64

	fs *pflag.FlagSet
}

// NewOptions returns Options initialized with default values.
func NewOptions() *Options {
	return &Options{
		FrameSize:     DefaultFrameSize,
		MemoryBudget:  DefaultMemoryBudget,
		PoolFrames:    DefaultPoolFrames,
		Partitions:    DefaultPartitions,
		SpillDir:      filepath.Join(os.TempDir(), "feedgate-spill"),
		MetricsPort:   DefaultMetricsPort,
		LogVerbosity:  logging.DEFAULT,
		StatsInterval: DefaultStatsInterval,
		DemoFrames:    DefaultDemoFrames,
		DemoRate:      DefaultDemoRate,
	}
}

// AddFlags binds the Options fields to flags on fs.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.FrameSize, "frame-size", opts.FrameSize, "Fixed frame size of every buffer, e.g. 32KiB.")
	fs.StringVar(&opts.MemoryBudget, "memory-budget", opts.MemoryBudget,
		"Memory shared by all buffer pools, e.g. 64MiB. 0 means unbounded.")
	fs.IntVar(&opts.PoolFrames, "pool-frames", opts.PoolFrames, "Buffers pre-allocated per partition.")
	fs.IntVar(&opts.Partitions, "partitions", opts.Partitions, "Number of partitions, each with its own input gate.")
	fs.StringVar(&opts.SpillDir, "spill-dir", opts.SpillDir, "Directory holding spill files.")
	fs.StringVar(&opts.PolicyFile, "policy-file", opts.PolicyFile,
		"Ingestion policy YAML file. Changes are applied without restart.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "Port serving Prometheus metrics. 0 disables it.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof, "Serves pprof handlers on the metrics port.")
	fs.BoolVar(&opts.Tracing, "tracing", opts.Tracing,
		"Enables OpenTelemetry tracing. Exporter and sampling follow the OTEL_* environment variables.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.")
	fs.DurationVar(&opts.StatsInterval, "stats-interval", opts.StatsInterval, "How often gate statistics are logged.")
	fs.IntVar(&opts.DemoFrames, "demo-frames", opts.DemoFrames,
		"Frames produced per partition by the demo producer. 0 produces until interrupted.")
	fs.Float64Var(&opts.DemoRate, "demo-rate", opts.DemoRate, "Frames per second per partition.")
	fs.DurationVar(&opts.DemoConsumeDelay, "demo-consume-delay", opts.DemoConsumeDelay,
		"Per-frame delay of the demo consumer, used to provoke congestion.")
	fs.DurationVar(&opts.DemoStallEvery, "demo-stall-every", opts.DemoStallEvery,
		"Simulate a recovery stall and resume with this period. 0 disables it.")
}

// Complete applies environment overrides to flags left unset and parses size flags.
//
// Every flag can be set through FEEDGATE_<FLAG>, e.g. FEEDGATE_MEMORY_BUDGET=1GiB. Explicit flags win.
func (opts *Options) Complete(logger logr.Logger) error {
	if opts.fs != nil {
		lookup := env.Lookup{Logger: logger}
		var errs []string
		opts.fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			if v := lookup.String(strings.ReplaceAll(f.Name, "-", "_"), ""); v != "" {
				if err := opts.fs.Set(f.Name, v); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", f.Name, err))
				}
			}
		})
		if len(errs) > 0 {
			return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
		}
	}

	frameSize, err := humanize.ParseBytes(opts.FrameSize)
	if err != nil {
		return fmt.Errorf("invalid value %q for flag %q: %w", opts.FrameSize, "frame-size", err)
	}
	budget, err := humanize.ParseBytes(opts.MemoryBudget)
	if err != nil {
		return fmt.Errorf("invalid value %q for flag %q: %w", opts.MemoryBudget, "memory-budget", err)
	}
	opts.frameSizeBytes, opts.memoryBudgetBytes = int64(frameSize), int64(budget)
	return nil
}

// Validate checks the Options for invalid or conflicting values. It must run after Complete.
func (opts *Options) Validate() error {
	if opts.frameSizeBytes < 1 || opts.frameSizeBytes > 1<<30 {
		return fmt.Errorf("invalid value %q for flag %q: must be between 1B and 1GiB", opts.FrameSize, "frame-size")
	}
	for _, pc := range []struct {
		name  string
		value int
	}{
		{"pool-frames", opts.PoolFrames},
		{"partitions", opts.Partitions},
	} {
		if pc.value < 1 {
			return fmt.Errorf("invalid value %d for flag %q: must be positive", pc.value, pc.name)
		}
	}
	if need := opts.frameSizeBytes * int64(opts.Partitions); opts.memoryBudgetBytes > 0 && opts.memoryBudgetBytes < need {
		return fmt.Errorf("memory-budget %s cannot hold one %s frame per partition (%d partitions)",
			opts.MemoryBudget, opts.FrameSize, opts.Partitions)
	}
	if opts.MetricsPort < 0 || opts.MetricsPort > 65535 {
		return fmt.Errorf("invalid value %d for flag %q: must be between 0 and 65535", opts.MetricsPort, "metrics-port")
	}
	if opts.LogVerbosity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.LogVerbosity, "v")
	}
	if opts.DemoFrames < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.DemoFrames, "demo-frames")
	}
	if opts.DemoRate <= 0 {
		return fmt.Errorf("invalid value %v for flag %q: must be positive", opts.DemoRate, "demo-rate")
	}
	if opts.StatsInterval <= 0 {
		return fmt.Errorf("invalid value %v for flag %q: must be positive", opts.StatsInterval, "stats-interval")
	}
	if opts.SpillDir == "" {
		return fmt.Errorf("flag %q must not be empty", "spill-dir")
	}
	return nil
}
