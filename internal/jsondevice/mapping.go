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
	"fmt"
	"sort"
	"strings"
	"time"
)

// Names of the record fields a Mapping can address. Every other mapping key
// refers to an attribute.
const (
	FieldTime       = "time"
	FieldSeverity   = "severity"
	FieldProgname   = "progname"
	FieldPID        = "pid"
	FieldMessage    = "message"
	FieldAttributes = "attributes"
)

// TransformSpec describes where one raw field lands in the output document.
// The concrete variants are Key, Path, TransformFunc and Wildcard.
type TransformSpec interface {
	isTransformSpec()
}

// Key places the value under a single literal output key.
type Key string

// Path places the value under nested objects, outermost key first.
type Path []string

// TransformFunc turns a raw value into a fragment that is deep-merged into the
// output document.
type TransformFunc func(value any) map[string]any

type wildcard struct{}

// Wildcard passes every attribute without an explicit entry through verbatim
// at the top level of the document.
var Wildcard TransformSpec = wildcard{}

func (Key) isTransformSpec()           {}
func (Path) isTransformSpec()          {}
func (TransformFunc) isTransformSpec() {}
func (wildcard) isTransformSpec()      {}

// String renders the wildcard the way mapping files spell it.
func (wildcard) String() string { return "*" }

// IsWildcard reports whether spec is the Wildcard marker.
func IsWildcard(spec TransformSpec) bool {
	_, ok := spec.(wildcard)
	return ok
}

// Attribute is a single raw attribute in record order.
type Attribute struct {
	Key   string
	Value any
}

// Record is the raw input handed to the device for one log event.
type Record struct {
	Time       time.Time
	Severity   string
	Progname   string
	PID        int
	Message    any
	Attributes []Attribute
}

// Mapping is a resolved, read-only table of TransformSpecs keyed by record
// field or attribute name. It is safe for concurrent use.
type Mapping struct {
	entries  map[string]TransformSpec
	fields   []string
	wildcard bool
}

// NewMapping copies entries into an immutable Mapping.
func NewMapping(entries map[string]TransformSpec) *Mapping {
	m := &Mapping{
		entries: make(map[string]TransformSpec, len(entries)),
		fields:  make([]string, 0, len(entries)),
	}
	for field, spec := range entries {
		if spec == nil {
			continue
		}
		if p, ok := spec.(Path); ok {
			spec = append(Path(nil), p...)
		}
		if field == FieldAttributes && IsWildcard(spec) {
			m.wildcard = true
		}
		m.entries[field] = spec
		m.fields = append(m.fields, field)
	}
	sort.Strings(m.fields)
	return m
}

// Lookup returns the TransformSpec registered for field.
func (m *Mapping) Lookup(field string) (TransformSpec, bool) {
	if m == nil {
		return nil, false
	}
	spec, ok := m.entries[field]
	return spec, ok
}

// Fields lists the mapped names in lexical order.
func (m *Mapping) Fields() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.fields...)
}

// PassThrough reports whether unmapped attributes are emitted verbatim.
func (m *Mapping) PassThrough() bool {
	return m != nil && m.wildcard
}

// Apply builds the output document for rec. Record fields are applied first,
// then attributes in order, so later attributes overwrite earlier output at
// the same location. An attribute named after a record field that rec
// supplies is dropped, so it cannot replace e.g. the truncated message. A
// "pid" attribute still passes when the record carries no pid.
func (m *Mapping) Apply(rec Record) map[string]any {
	out := make(map[string]any, len(rec.Attributes)+6)
	if m == nil {
		return out
	}

	if !rec.Time.IsZero() {
		m.applyField(out, FieldTime, rec.Time.UTC().Format(time.RFC3339Nano))
	}
	if rec.Severity != "" {
		m.applyField(out, FieldSeverity, rec.Severity)
	}
	if rec.Progname != "" {
		m.applyField(out, FieldProgname, rec.Progname)
	}
	if rec.PID != 0 {
		m.applyField(out, FieldPID, rec.PID)
	}
	m.applyField(out, FieldMessage, resolveValue(rec.Message))

	for _, attr := range rec.Attributes {
		if attr.Key == "" || rec.supplies(attr.Key) {
			continue
		}
		value := resolveValue(attr.Value)
		if spec, ok := m.entries[attr.Key]; ok && !isRecordField(attr.Key) {
			applySpec(out, attr.Key, spec, value)
			continue
		}
		if m.wildcard {
			setPath(out, []string{attr.Key}, value)
		}
	}
	return out
}

// supplies reports whether rec carries its own value for the record field
// name.
func (rec Record) supplies(name string) bool {
	switch name {
	case FieldTime:
		return !rec.Time.IsZero()
	case FieldSeverity:
		return rec.Severity != ""
	case FieldProgname:
		return rec.Progname != ""
	case FieldPID:
		return rec.PID != 0
	case FieldMessage:
		return true
	default:
		return false
	}
}

// applyField applies the TransformSpec for a record field, if any.
func (m *Mapping) applyField(out map[string]any, field string, value any) {
	spec, ok := m.entries[field]
	if !ok {
		return
	}
	applySpec(out, field, spec, value)
}

// isRecordField reports whether name addresses a record field rather than an
// attribute.
func isRecordField(name string) bool {
	switch name {
	case FieldTime, FieldSeverity, FieldProgname, FieldPID, FieldMessage, FieldAttributes:
		return true
	default:
		return false
	}
}

// applySpec writes value into out according to spec.
func applySpec(out map[string]any, field string, spec TransformSpec, value any) {
	switch s := spec.(type) {
	case Key:
		setPath(out, []string{string(s)}, value)
	case Path:
		if len(s) == 0 {
			setPath(out, []string{field}, value)
			return
		}
		setPath(out, s, value)
	case TransformFunc:
		frag, ok := callTransform(s, value)
		if !ok {
			setPath(out, []string{field}, value)
			return
		}
		mergeMaps(out, frag)
	case wildcard:
		setPath(out, []string{field}, value)
	}
}

// callTransform runs fn, reporting false when it panics or is nil.
func callTransform(fn TransformFunc, value any) (frag map[string]any, ok bool) {
	if fn == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			frag, ok = nil, false
		}
	}()
	return resolveMap(fn(value)), true
}

// setPath stores value at the nested location described by path, creating
// intermediate objects and replacing scalars that are in the way. Two objects
// meeting at the same location are merged.
func setPath(out map[string]any, path []string, value any) {
	curr := out
	for _, key := range path[:len(path)-1] {
		next, ok := curr[key].(map[string]any)
		if !ok {
			next = make(map[string]any, 2)
			curr[key] = next
		}
		curr = next
	}

	last := path[len(path)-1]
	if incoming, ok := value.(map[string]any); ok {
		if existing, ok := curr[last].(map[string]any); ok {
			mergeMaps(existing, incoming)
			return
		}
		dup := make(map[string]any, len(incoming))
		mergeMaps(dup, incoming)
		curr[last] = dup
		return
	}
	curr[last] = value
}

// mergeMaps deep-merges src into dst.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		setPath(dst, []string{k}, v)
	}
}

// String renders the table for diagnostics, e.g. {message: func, time: "timestamp"}.
func (m *Mapping) String() string {
	if m == nil {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, field := range m.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(field)
		sb.WriteString(": ")
		sb.WriteString(describe(m.entries[field]))
	}
	sb.WriteByte('}')
	return sb.String()
}

// describe renders a spec for diagnostics.
func describe(spec TransformSpec) string {
	switch s := spec.(type) {
	case Key:
		return fmt.Sprintf("%q", string(s))
	case Path:
		return fmt.Sprintf("%q", []string(s))
	case TransformFunc:
		return "func"
	case wildcard:
		return "*"
	default:
		return fmt.Sprintf("%T", spec)
	}
}
