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

// Package memory provides the explicitly constructed memory budget shared by the buffer pools of one pipeline host.
package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/contracts"
)

// Manager tracks bytes reserved against a fixed limit. A limit of zero means unbounded.
// All methods are safe for concurrent use.
type Manager struct {
	limit int64
	used  atomic.Int64
}

var _ contracts.MemoryBudget = &Manager{}

// NewManager creates a budget of limitBytes.
func NewManager(limitBytes int64) (*Manager, error) {
	if limitBytes < 0 {
		return nil, fmt.Errorf("memory budget cannot be negative, but got %d", limitBytes)
	}
	return &Manager{limit: limitBytes}, nil
}

// Reserve claims bytes if they fit in the remaining budget.
func (m *Manager) Reserve(bytes int64) bool {
	if bytes <= 0 {
		return true
	}
	for {
		cur := m.used.Load()
		if m.limit > 0 && cur+bytes > m.limit {
			return false
		}
		if m.used.CompareAndSwap(cur, cur+bytes) {
			return true
		}
	}
}

// Release returns bytes to the budget.
func (m *Manager) Release(bytes int64) {
	if bytes <= 0 {
		return
	}
	if m.used.Add(-bytes) < 0 {
		panic(fmt.Sprintf("invariant violation: memory budget released %d bytes more than reserved", -m.used.Load()))
	}
}

// Used returns the reserved byte count.
func (m *Manager) Used() int64 { return m.used.Load() }

// Limit returns the configured limit; zero means unbounded.
func (m *Manager) Limit() int64 { return m.limit }

// PartitionShare returns how many frames of frameSize one of partitions equal consumers may hold. It returns zero
// (no ceiling) when the budget is unbounded.
func (m *Manager) PartitionShare(frameSize, partitions int) int {
	if m.limit == 0 || frameSize <= 0 {
		return 0
	}
	if partitions < 1 {
		partitions = 1
	}
	share := int(m.limit / int64(partitions) / int64(frameSize))
	return max(share, 1)
}
