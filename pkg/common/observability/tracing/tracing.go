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

// Package tracing sets up the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/util/env"
)

const (
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"

	defaultSampleRatio = 0.1
)

// Options configures tracing. Zero fields are read from the standard OTEL_* environment variables.
type Options struct {
	ServiceName string
	// Exporter is "console" (stdout, for development) or "otlp" (gRPC to a collector).
	Exporter string
	// SampleRatio is the parent-based trace id ratio.
	SampleRatio float64
}

func (o *Options) complete(logger logr.Logger) {
	if o.ServiceName == "" {
		o.ServiceName = env.String("OTEL_SERVICE_NAME", "feedgate", logger)
	}
	if o.Exporter == "" {
		o.Exporter = env.String("OTEL_TRACES_EXPORTER", ExporterConsole, logger)
	}
	if o.SampleRatio <= 0 {
		o.SampleRatio = env.Float("OTEL_TRACES_SAMPLER_ARG", defaultSampleRatio, logger)
	}
}

type errorHandler struct {
	logger logr.Logger
}

func (h errorHandler) Handle(err error) {
	h.logger.V(logging.DEFAULT).Error(err, "Trace error occurred")
}

// Init installs a global tracer provider and returns a function flushing and stopping it.
func Init(ctx context.Context, opts Options, logger logr.Logger) (func(context.Context) error, error) {
	logger = logger.WithName("trace")
	opts.complete(logger)

	exporter, err := newExporter(ctx, opts.Exporter)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(opts.ServiceName))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(errorHandler{logger: logger})
	logger.V(logging.DEFAULT).Info("Tracing enabled", "exporter", opts.Exporter, "sampleRatio", opts.SampleRatio)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, kind string) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(kind) {
	case ExporterConsole:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grpc trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", kind)
	}
}
