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
	"github.com/pjscruggs/slogdd/internal/jsondevice"
)

// TransformSpec describes where one raw field lands in the output document:
// a [Key], a [Path], a [TransformFunc] or [Wildcard].
type TransformSpec = jsondevice.TransformSpec

// Key places a value under a single literal output key.
type Key = jsondevice.Key

// Path places a value under nested objects, outermost key first.
type Path = jsondevice.Path

// TransformFunc turns a raw value into a fragment that is deep-merged into the
// output document.
type TransformFunc = jsondevice.TransformFunc

// Wildcard passes every attribute without an explicit entry through verbatim.
// It is only meaningful under the "attributes" key.
var Wildcard = jsondevice.Wildcard

// Record field names addressable from a field mapping.
const (
	FieldTime       = jsondevice.FieldTime
	FieldSeverity   = jsondevice.FieldSeverity
	FieldProgname   = jsondevice.FieldProgname
	FieldPID        = jsondevice.FieldPID
	FieldMessage    = jsondevice.FieldMessage
	FieldAttributes = jsondevice.FieldAttributes
)

// Duration attribute keys, normalized to nanoseconds under "duration".
const (
	DurationKey       = "duration"
	DurationMsKey     = "duration_ms"
	DurationMicrosKey = "duration_micros"
	DurationNsKey     = "duration_ns"
)

var durationMultipliers = map[string]int64{
	DurationKey:       1_000_000_000,
	DurationMsKey:     1_000_000,
	DurationMicrosKey: 1_000,
	DurationNsKey:     1,
}

// correlationKeys are emitted under their own names even when pass-through
// is disabled, unless the user mapping says otherwise.
var correlationKeys = []string{
	TraceGroup,
	OTelGroup,
	ServiceKey,
	EnvKey,
	VersionKey,
	HostnameKey,
	DDTagsKey,
}

// StandardFieldMapping returns the fixed placement of the standard record
// fields. Each call returns a fresh map.
func StandardFieldMapping() map[string]TransformSpec {
	return map[string]TransformSpec{
		FieldTime:     Key("timestamp"),
		FieldSeverity: Key("status"),
		FieldProgname: Path{"logger", "name"},
		FieldPID:      Key("pid"),
	}
}

// resolveMapping builds the table applied to every record. The standard
// fields override user entries for the same names.
func resolveMapping(s *settings) *jsondevice.Mapping {
	entries := make(map[string]TransformSpec, len(s.fieldMapping)+len(correlationKeys)+12)
	for _, key := range correlationKeys {
		entries[key] = Key(key)
	}
	for field, spec := range s.fieldMapping {
		entries[field] = spec
	}
	for field, spec := range StandardFieldMapping() {
		entries[field] = spec
	}

	if s.pidMode != PIDOn {
		delete(entries, FieldPID)
	}
	if s.passThrough {
		entries[FieldAttributes] = Wildcard
	}
	if s.maxMessageLength > 0 {
		entries[FieldMessage] = truncateMessage(s.maxMessageLength)
	} else {
		entries[FieldMessage] = TransformFunc(stringifyMessage)
	}
	for key, mult := range durationMultipliers {
		entries[key] = durationNanos(mult)
	}
	if s.threadNameMode != ThreadNameOff {
		entries[ThreadNameKey] = Path{"logger", "thread_name"}
	}
	return jsondevice.NewMapping(entries)
}
