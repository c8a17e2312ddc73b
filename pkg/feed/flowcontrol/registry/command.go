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

package registry

import (
	"errors"
	"fmt"

	"github.com/zetxqx/feedflow/pkg/feed/flowcontrol/types"
)

// CommandKind enumerates the recovery coordinator's control commands.
type CommandKind int

const (
	// CommandStall suspends forwarding on the targeted gates.
	CommandStall CommandKind = iota
	// CommandResume returns stalled gates to PROCESS, draining what they parked.
	CommandResume
	// CommandReset resizes pools for a new partition count and re-enters PROCESS.
	CommandReset
	// CommandNodeFailure reports the loss of a node the targeted gates depend on.
	CommandNodeFailure
	// CommandClusterRestart reports that the cluster came back after a restart.
	CommandClusterRestart
)

func (k CommandKind) String() string {
	switch k {
	case CommandStall:
		return "Stall"
	case CommandResume:
		return "Resume"
	case CommandReset:
		return "Reset"
	case CommandNodeFailure:
		return "NodeFailure"
	case CommandClusterRestart:
		return "ClusterRestart"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// ControlCommand is a recovery instruction for the gates of one connection, or of every connection when Connection
// is the zero value.
type ControlCommand struct {
	Kind       CommandKind
	Connection types.ConnectionID
	// Partitions is the new partition count. Used by CommandReset only.
	Partitions int
	// Cause describes a node failure. Optional.
	Cause error
}

func (c ControlCommand) validate() error {
	switch c.Kind {
	case CommandStall, CommandResume, CommandNodeFailure, CommandClusterRestart:
		return nil
	case CommandReset:
		if c.Partitions < 1 {
			return fmt.Errorf("%w: reset requires a positive partition count, got %d", ErrInvalidCommand, c.Partitions)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidCommand, c.Kind)
	}
}

var errNodeFailure = errors.New("node failure")

func (c ControlCommand) cause() error {
	if c.Cause != nil {
		return c.Cause
	}
	return errNodeFailure
}
