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

package slogdd

import (
	"fmt"
	"log/slog"
	"time"
)

// valueToAny converts a resolved, non-group slog.Value into the Go value
// handed to the attribute registry and the mapping. Durations keep their
// type so the duration transforms can recognise them.
func valueToAny(v slog.Value) any {
	switch v.Kind() {
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindAny:
		return v.Any()
	default:
		return nil
	}
}

// resolveProvider calls p, turning a panic into a marker string.
func resolveProvider(p ValueProvider) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Sprintf("!PANIC: %v", r)
		}
	}()
	return p.Resolve()
}
