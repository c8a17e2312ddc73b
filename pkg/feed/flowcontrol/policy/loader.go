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

import (
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"
)

// Parse builds a View from a flat YAML (or JSON) mapping of policy keys to scalar values.
//
//	spill.to.disk.on.congestion: true
//	max.spill.size.on.disk: 512MiB
//	max.fraction.discard: 0.1
func Parse(data []byte) (*View, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("the policy is invalid - %w", err)
	}
	values := make(map[string]string, len(raw))
	for key, val := range raw {
		switch typed := val.(type) {
		case nil:
			continue
		case string:
			values[key] = typed
		case bool:
			values[key] = strconv.FormatBool(typed)
		case float64:
			values[key] = strconv.FormatFloat(typed, 'f', -1, 64)
		case int64:
			values[key] = strconv.FormatInt(typed, 10)
		default:
			return nil, fmt.Errorf("the policy is invalid - key %q must hold a scalar, got %T", key, val)
		}
	}
	return &View{values: values}, nil
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (*View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return Parse(data)
}
