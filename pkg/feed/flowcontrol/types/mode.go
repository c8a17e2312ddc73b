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

package types

import "fmt"

// Mode is the operating mode of an input gate. It decides what happens to each inbound frame.
type Mode int

const (
	// ModeProcess forwards frames to the dispatcher through pooled buffers.
	ModeProcess Mode = iota
	// ModeProcessBacklog drains the in-memory backlog retained during a stall before live frames resume.
	ModeProcessBacklog
	// ModeProcessSpill drains frames spilled to disk before live frames resume.
	ModeProcessSpill
	// ModeSpill writes inbound frames to the spill store.
	ModeSpill
	// ModeDiscard hands inbound frames to the discarder.
	ModeDiscard
	// ModePostSpillDiscard discards after the spill budget ran out; the spilled frames are still replayed later.
	ModePostSpillDiscard
	// ModeStall retains (or drops, depending on the runtime kind) frames while the pipeline is paused.
	ModeStall
	// ModeEnd is terminal: end-of-stream was processed.
	ModeEnd
	// ModeFail is terminal: a fatal error stopped the runtime.
	ModeFail
)

func (m Mode) String() string {
	switch m {
	case ModeProcess:
		return "PROCESS"
	case ModeProcessBacklog:
		return "PROCESS_BACKLOG"
	case ModeProcessSpill:
		return "PROCESS_SPILL"
	case ModeSpill:
		return "SPILL"
	case ModeDiscard:
		return "DISCARD"
	case ModePostSpillDiscard:
		return "POST_SPILL_DISCARD"
	case ModeStall:
		return "STALL"
	case ModeEnd:
		return "END"
	case ModeFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// IsTerminal reports whether no further frames are accepted in this mode.
func (m Mode) IsTerminal() bool {
	return m == ModeEnd || m == ModeFail
}

// IsDraining reports whether the mode replays retained frames ahead of live ones.
func (m Mode) IsDraining() bool {
	return m == ModeProcessBacklog || m == ModeProcessSpill
}

// ContentTag classifies what a buffer carries.
type ContentTag int

const (
	// ContentData is a regular frame of ingested records.
	ContentData ContentTag = iota
	// ContentEndOfData marks the end of the stream.
	ContentEndOfData
	// ContentEndOfBacklog marks the point where replayed frames end and live frames resume.
	ContentEndOfBacklog
)

func (t ContentTag) String() string {
	switch t {
	case ContentData:
		return "DATA"
	case ContentEndOfData:
		return "END_OF_DATA"
	case ContentEndOfBacklog:
		return "END_OF_BACKLOG"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}
