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

package tracing

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "feedgate-test", Exporter: "console", SampleRatio: 1},
		logr.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Options{Exporter: "zipkin"}, logr.Discard())
	assert.ErrorContains(t, err, "zipkin")
}

func TestOptionsFromEnvironment(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "ingest")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")
	var opts Options
	opts.complete(logr.Discard())
	assert.Equal(t, "ingest", opts.ServiceName)
	assert.Equal(t, ExporterConsole, opts.Exporter)
	assert.Equal(t, 0.5, opts.SampleRatio)
}
