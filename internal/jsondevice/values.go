// Copyright 2025 Patrick J. Scruggs
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

package jsondevice

import (
	"encoding/json"
	"fmt"
)

// ValueProvider produces a value at the moment a record is serialized.
// Results are never cached; Resolve runs once per record that carries it.
type ValueProvider interface {
	Resolve() any
}

// ValueProviderFunc adapts a function to ValueProvider.
type ValueProviderFunc func() any

// Resolve calls f.
func (f ValueProviderFunc) Resolve() any {
	if f == nil {
		return nil
	}
	return f()
}

// resolveValue replaces providers with their current value, descending into
// objects and arrays.
func resolveValue(v any) any {
	switch vt := v.(type) {
	case ValueProvider:
		return resolveValue(callProvider(vt))
	case map[string]any:
		return resolveMap(vt)
	case []any:
		out := make([]any, len(vt))
		for i, item := range vt {
			out[i] = resolveValue(item)
		}
		return out
	default:
		return v
	}
}

// resolveMap copies m with every provider resolved.
func resolveMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = resolveValue(v)
	}
	return out
}

// callProvider resolves p, turning a panic into a marker string the same way
// slog reports panicking LogValuers.
func callProvider(p ValueProvider) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Sprintf("!PANIC: %v", r)
		}
	}()
	return p.Resolve()
}

// sanitizeMap rebuilds doc so that every leaf can be encoded.
func sanitizeMap(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, item := range doc {
		out[k] = sanitize(item)
	}
	return out
}

// sanitize replaces values json rejects with their %+v text.
func sanitize(v any) any {
	switch vt := v.(type) {
	case map[string]any:
		return sanitizeMap(vt)
	case []any:
		out := make([]any, len(vt))
		for i, item := range vt {
			out[i] = sanitize(item)
		}
		return out
	case nil, string, bool, int, int64, uint64:
		return v
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Sprintf("%+v", v)
		}
		return v
	}
}
