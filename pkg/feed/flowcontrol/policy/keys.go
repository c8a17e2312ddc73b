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

package policy

import "time"

// Recognized policy keys. Values are consumed verbatim from configuration as strings.
const (
	KeySoftwareFailureContinue   = "software.failure.continue"
	KeySoftwareFailureLogData    = "software.failure.log.data"
	KeyHardwareFailureContinue   = "hardware.failure.continue"
	KeyClusterRebootAutoRestart  = "cluster.reboot.auto.restart"
	KeySpillOnCongestion         = "spill.to.disk.on.congestion"
	KeyMaxSpillSizeOnDisk        = "max.spill.size.on.disk"
	KeyMaxFractionDiscard        = "max.fraction.discard"
	KeyMaxDiscardCount           = "max.discard.count"
	KeyMaxDelayBeforePersistence = "max.delay.before.persistence"
	KeyElastic                   = "elastic"
	KeyTimeTracking              = "time.tracking"
	KeyBacklogMaxFrames          = "backlog.max.frames"
)

const (
	defaultSoftwareFailureContinue   = false
	defaultSoftwareFailureLogData    = false
	defaultHardwareFailureContinue   = false
	defaultClusterRebootAutoRestart  = true
	defaultSpillOnCongestion         = false
	defaultMaxSpillSizeOnDisk        = 0 // unbounded
	defaultMaxFractionDiscard        = 0
	defaultMaxDiscardCount           = 0
	defaultMaxDelayBeforePersistence = time.Duration(0)
	defaultElastic                   = false
	defaultTimeTracking              = false
	defaultBacklogMaxFrames          = 1024
)
