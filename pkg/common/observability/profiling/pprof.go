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

// Package profiling exposes runtime profiles next to the metrics endpoint.
package profiling

import (
	"net/http"
	"net/http/pprof"
	"runtime"
)

// profiles are the pre-defined runtime/pprof profiles served under /debug/pprof/.
var profiles = []string{"heap", "goroutine", "allocs", "threadcreate", "block", "mutex"}

// Register adds the pprof index, CPU profile and named profiles to mux, and turns on block and mutex sampling.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	for _, p := range profiles {
		mux.Handle("/debug/pprof/"+p, pprof.Handler(p))
	}
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
}
