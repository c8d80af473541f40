// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statesync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Serialized session state passes through plain JSON, which loses time
// instants (they flatten to strings) and map key order. Values are therefore
// wrapped in self-describing markers before marshaling and unwrapped after,
// so a checkpoint round-trips losslessly.
const (
	markerKey      = "__type"
	markerDatetime = "datetime"
	markerOrdered  = "ordered_map"
)

// OrderedMap is a mapping that preserves key insertion order across
// serialization.
type OrderedMap struct {
	keys   []string
	values map[string]any
}

// NewOrderedMap creates an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]any)}
}

// Set inserts or updates a key. New keys append to the order.
func (m *OrderedMap) Set(key string, value any) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key.
func (m *OrderedMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *OrderedMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// encodeValue recursively replaces time instants and ordered maps with
// marker objects.
func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{markerKey: markerDatetime, "value": val.Format(time.RFC3339Nano)}
	case *time.Time:
		if val == nil {
			return nil
		}
		return encodeValue(*val)
	case *OrderedMap:
		entries := make([]any, 0, val.Len())
		for _, k := range val.keys {
			entries = append(entries, []any{k, encodeValue(val.values[k])})
		}
		return map[string]any{markerKey: markerOrdered, "entries": entries}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

// decodeValue reverses encodeValue.
func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if marker, ok := val[markerKey].(string); ok {
			switch marker {
			case markerDatetime:
				if s, ok := val["value"].(string); ok {
					if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
						return t
					}
				}
				return val
			case markerOrdered:
				om := NewOrderedMap()
				if entries, ok := val["entries"].([]any); ok {
					for _, e := range entries {
						pair, ok := e.([]any)
						if !ok || len(pair) != 2 {
							continue
						}
						if k, ok := pair[0].(string); ok {
							om.Set(k, decodeValue(pair[1]))
						}
					}
				}
				return om
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = decodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}

// MarshalState serializes a state map with markers applied.
func MarshalState(state map[string]any) ([]byte, error) {
	encoded := encodeValue(state)
	data, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// UnmarshalState deserializes a state map, restoring marked values.
func UnmarshalState(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	decoded, ok := decodeValue(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("state is not an object")
	}
	return decoded, nil
}
