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
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// truncateMessage returns a message transform that cuts text to max runes.
func truncateMessage(max int) TransformFunc {
	return func(value any) map[string]any {
		text := textOf(value)
		if runes := []rune(text); len(runes) > max {
			text = string(runes[:max])
		}
		return map[string]any{FieldMessage: text}
	}
}

// stringifyMessage renders non-string messages as text without a length limit.
func stringifyMessage(value any) map[string]any {
	if s, ok := value.(string); ok {
		return map[string]any{FieldMessage: s}
	}
	return map[string]any{FieldMessage: textOf(value)}
}

// textOf returns the debug text form of v. A panicking Error or String
// method, e.g. on a nil pointer receiver, falls back to fmt's rendering.
func textOf(v any) (text string) {
	defer func() {
		if recover() != nil {
			text = fmt.Sprintf("%+v", v)
		}
	}()
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%+v", v)
	}
}

// durationNanos returns a transform that multiplies numeric input by
// multiplier and emits the rounded result as nanoseconds under "duration".
// Non-numeric input yields a null duration.
func durationNanos(multiplier int64) TransformFunc {
	return func(value any) map[string]any {
		return map[string]any{DurationKey: scaleDuration(value, multiplier)}
	}
}

// scaleDuration returns round(v*multiplier) as int64, or nil when v is not a
// finite number in range. time.Duration values are already nanoseconds.
func scaleDuration(value any, multiplier int64) any {
	switch v := value.(type) {
	case time.Duration:
		return int64(v)
	case int:
		return scaleInt(int64(v), multiplier)
	case int8:
		return scaleInt(int64(v), multiplier)
	case int16:
		return scaleInt(int64(v), multiplier)
	case int32:
		return scaleInt(int64(v), multiplier)
	case int64:
		return scaleInt(v, multiplier)
	case uint:
		return scaleDuration(uint64(v), multiplier)
	case uint8:
		return scaleInt(int64(v), multiplier)
	case uint16:
		return scaleInt(int64(v), multiplier)
	case uint32:
		return scaleInt(int64(v), multiplier)
	case uint64:
		if v <= math.MaxInt64 {
			return scaleInt(int64(v), multiplier)
		}
		return scaleFloat(float64(v), multiplier)
	case float32:
		return scaleFloat(float64(v), multiplier)
	case float64:
		return scaleFloat(v, multiplier)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return scaleInt(n, multiplier)
		}
		if f, err := v.Float64(); err == nil {
			return scaleFloat(f, multiplier)
		}
		return nil
	default:
		return nil
	}
}

func scaleInt(v, multiplier int64) any {
	if v == 0 {
		return int64(0)
	}
	product := v * multiplier
	if product/multiplier != v {
		return scaleFloat(float64(v), multiplier)
	}
	return product
}

func scaleFloat(v float64, multiplier int64) any {
	scaled := math.Round(v * float64(multiplier))
	if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return nil
	}
	if scaled >= math.MaxInt64 || scaled < math.MinInt64 {
		return nil
	}
	return int64(scaled)
}
