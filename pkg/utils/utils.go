// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"encoding/json"
	"math/rand"
	"time"
)

// RawJSON marshals the given object to a json.RawMessage.
// Panics on marshal errors, therefore only use for types that are known to serialise.
func RawJSON(obj interface{}) *json.RawMessage {
	data, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	raw := json.RawMessage(data)
	return &raw
}

// MergeMaps deep-merges the override map into base and returns the result.
// Maps are merged recursively, any other value from override wins.
// Neither input map is modified.
func MergeMaps(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		if baseMap, ok := merged[k].(map[string]interface{}); ok {
			if overrideMap, ok := v.(map[string]interface{}); ok {
				merged[k] = MergeMaps(baseMap, overrideMap)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// RandomDuration returns a uniformly distributed duration in [min, max].
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
