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

// Package common holds small helpers shared by the feed packages and binaries.
package common

// SplitFrames splits payload into consecutive frames of at most limit bytes. The frames alias payload. An empty payload
// yields no frames.
func SplitFrames(payload []byte, limit int) [][]byte {
	if limit <= 0 {
		panic("invariant violation: frame limit must be positive")
	}
	if len(payload) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(payload)+limit-1)/limit)
	for start := 0; start < len(payload); start += limit {
		end := min(start+limit, len(payload))
		frames = append(frames, payload[start:end:end])
	}
	return frames
}
