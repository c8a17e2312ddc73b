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

// Package registry tracks the InputGates hosted by a node and applies the recovery coordinator's control commands to
// them.
//
// Gates are spread over a fixed number of shards selected by an xxhash of the gate's identity, so lookups on the hot
// path contend only with writers of the same shard. Control commands arrive through a `mailbox.Mailbox` and are applied
// serially by `Registry.Handle`, never on the producer's goroutine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"

	"github.com/zetxqx/feedflow/pkg/common/observability/logging"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/gate"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/policy"
	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
	"github.com/zetxqx/feedflow/pkg/feed/mailbox"
)

const defaultShardCount = 16

var (
	// ErrAlreadyRegistered is returned when a gate with the same connection and runtime is already registered.
	ErrAlreadyRegistered = errors.New("gate already registered")
	// ErrInvalidCommand is returned for control commands that cannot be applied.
	ErrInvalidCommand = errors.New("invalid control command")
)

// Gate is the control surface of an InputGate used by the registry.
type Gate interface {
	Config() gate.Config
	Policy() *policy.View
	Mode() types.Mode
	Stall() error
	Resume() error
	Reset(partitionCount int) error
	Fail(err error)
	Close() error
}

var _ Gate = (*gate.InputGate)(nil)

// Key identifies a registered gate.
type Key struct {
	Connection types.ConnectionID
	Runtime    types.RuntimeID
}

func (k Key) String() string {
	return k.Connection.String() + "/" + k.Runtime.String()
}

func keyOf(g Gate) Key {
	cfg := g.Config()
	return Key{Connection: cfg.Connection, Runtime: cfg.Runtime}
}

type shard struct {
	mu    sync.RWMutex
	gates map[Key]Gate
}

// Registry is a sharded set of gates. It is safe for concurrent use.
type Registry struct {
	shards []*shard
	logger logr.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithShardCount sets the number of shards. Values below one are ignored.
func WithShardCount(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// New returns an empty Registry.
func New(logger logr.Logger, opts ...Option) *Registry {
	r := &Registry{
		shards: make([]*shard, defaultShardCount),
		logger: logger.WithName("gate-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{gates: make(map[Key]Gate)}
	}
	return r
}

func (r *Registry) shardFor(k Key) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(k.Connection.String())
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(k.Runtime.String())
	return r.shards[h.Sum64()%uint64(len(r.shards))]
}

// Register adds g under its configured connection and runtime.
func (r *Registry) Register(g Gate) error {
	k := keyOf(g)
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gates[k]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, k)
	}
	s.gates[k] = g
	r.logger.V(logging.VERBOSE).Info("Registered gate", "gate", k.String())
	return nil
}

// Deregister removes and returns the gate registered under k.
func (r *Registry) Deregister(k Key) (Gate, bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[k]
	if ok {
		delete(s.gates, k)
		r.logger.V(logging.VERBOSE).Info("Deregistered gate", "gate", k.String())
	}
	return g, ok
}

// Get returns the gate registered under k.
func (r *Registry) Get(k Key) (Gate, bool) {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[k]
	return g, ok
}

// ForConnection returns the gates of one connection, ordered by runtime.
func (r *Registry) ForConnection(conn types.ConnectionID) []Gate {
	return r.collect(func(k Key) bool { return k.Connection == conn })
}

// All returns every registered gate, ordered by connection then runtime.
func (r *Registry) All() []Gate {
	return r.collect(func(Key) bool { return true })
}

// Len returns the number of registered gates.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.gates)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) collect(match func(Key) bool) []Gate {
	type entry struct {
		key  string
		gate Gate
	}
	var entries []entry
	for _, s := range r.shards {
		s.mu.RLock()
		for k, g := range s.gates {
			if match(k) {
				entries = append(entries, entry{key: k.String(), gate: g})
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.key, b.key) })
	out := make([]Gate, len(entries))
	for i, e := range entries {
		out[i] = e.gate
	}
	return out
}

// --- Recovery control ---

// Handle applies one control command. It is the handler of the node's control mailbox.
//
// Errors from gates that already reached a terminal mode are logged and ignored: a command racing with END or FAIL
// has nothing left to act on. Any other failure is permanent, retrying a mode change does not help.
func (r *Registry) Handle(_ context.Context, cmd ControlCommand) error {
	if err := cmd.validate(); err != nil {
		return mailbox.Permanent(err)
	}
	targets := r.All()
	if cmd.Connection != (types.ConnectionID{}) {
		targets = r.ForConnection(cmd.Connection)
	}
	logger := r.logger.WithValues("command", cmd.Kind.String(), "gates", len(targets))
	logger.V(logging.DEFAULT).Info("Applying control command")

	var errs []error
	for _, g := range targets {
		k := keyOf(g)
		if err := r.apply(cmd, k, g); err != nil {
			if errors.Is(err, types.ErrGateClosed) || errors.Is(err, types.ErrGateFailed) {
				logger.V(logging.DEBUG).Info("Skipping terminated gate", "gate", k.String(), "mode", g.Mode().String())
				continue
			}
			errs = append(errs, fmt.Errorf("gate %s: %w", k, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return mailbox.Permanent(err)
	}
	return nil
}

func (r *Registry) apply(cmd ControlCommand, k Key, g Gate) error {
	switch cmd.Kind {
	case CommandStall:
		return g.Stall()
	case CommandResume:
		return g.Resume()
	case CommandReset:
		return g.Reset(cmd.Partitions)
	case CommandNodeFailure:
		if g.Policy().HardwareFailureContinue() {
			return g.Stall()
		}
		g.Fail(fmt.Errorf("%w: %w", types.ErrFatal, cmd.cause()))
		return nil
	case CommandClusterRestart:
		if g.Policy().ClusterRebootAutoRestart() {
			return g.Resume()
		}
		err := g.Close()
		r.Deregister(k)
		return err
	default:
		panic(fmt.Sprintf("invariant violation: unhandled control command %d", cmd.Kind))
	}
}
