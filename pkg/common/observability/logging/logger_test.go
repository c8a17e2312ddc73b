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

package logging

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_VerbosityGate(t *testing.T) {
	logger, err := NewLogger(Options{Verbosity: DEFAULT})
	require.NoError(t, err, "building the production logger should not fail")

	assert.True(t, logger.V(DEFAULT).Enabled(), "DEFAULT messages must be enabled at DEFAULT verbosity")
	assert.False(t, logger.V(TRACE).Enabled(), "TRACE messages must be filtered at DEFAULT verbosity")

	SetVerbosity(TRACE)
	t.Cleanup(func() { SetVerbosity(DEFAULT) })
	assert.True(t, logger.V(TRACE).Enabled(), "raising the shared level must affect existing loggers")
}

func TestNewTestLoggerIntoContext(t *testing.T) {
	t.Parallel()
	ctx := NewTestLoggerIntoContext(context.Background())
	logger, err := logr.FromContext(ctx)
	require.NoError(t, err, "a logger must be attached to the context")
	assert.True(t, logger.V(TRACE).Enabled(), "test loggers log at TRACE")
}
