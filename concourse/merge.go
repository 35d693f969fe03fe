// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse

// MergeMaps deep-merges override into base without mutating either.
// Nested maps are merged recursively; any other value in override wins.
func MergeMaps(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range override {
		overrideMap, overrideIsMap := value.(map[string]interface{})
		baseMap, baseIsMap := merged[key].(map[string]interface{})
		if overrideIsMap && baseIsMap {
			merged[key] = MergeMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = value
	}
	return merged
}
