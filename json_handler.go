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
	"context"
	"log/slog"
	"maps"
	"reflect"
	"sync"

	"github.com/pjscruggs/slogdd/internal/jsondevice"
)

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

// jsonHandler turns slog records into jsondevice records. It is immutable;
// WithAttrs and WithGroup return copies.
type jsonHandler struct {
	settings       *settings
	device         *jsondevice.Device
	leveler        slog.Leveler
	progname       string
	pid            int
	replaceAttr    func([]string, slog.Attr) slog.Attr
	runtime        []fieldValue
	internalLogger *slog.Logger

	groupedAttrs []groupedAttr
	groups       []string
}

// newJSONHandler constructs the core handler for one NewHandler call.
func newJSONHandler(cfg *handlerConfig, s *settings, device *jsondevice.Device, leveler slog.Leveler, internalLogger *slog.Logger) *jsonHandler {
	if leveler == nil {
		leveler = slog.LevelInfo
	}
	h := &jsonHandler{
		settings:       s,
		device:         device,
		leveler:        leveler,
		progname:       cfg.Progname,
		pid:            cfg.PID,
		replaceAttr:    cfg.ReplaceAttr,
		runtime:        cfg.Runtime.fields(),
		internalLogger: internalLogger,
		groups:         append([]string(nil), cfg.InitialGroups...),
	}
	for _, ga := range cfg.InitialGroupedAttrs {
		if ga.attr.Equal(slog.Attr{}) {
			continue
		}
		h.groupedAttrs = append(h.groupedAttrs, ga)
	}
	return h
}

// Enabled reports whether level is enabled for emission.
func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.leveler.Level()
}

// Handle gathers tags, bound and record attributes and correlation fields
// and writes the record through the device.
func (h *jsonHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	b := builderPool.Get().(*recordBuilder)
	defer b.release()
	b.reset(h, int(r.NumAttrs())+len(h.groupedAttrs)+len(h.settings.tags))

	snapshot := tagSnapshot(ctx, h.settings)
	for _, t := range h.settings.tags {
		value := t.value
		if v, ok := snapshot[t.key]; ok {
			value = v
		} else if _, lazy := value.(ValueProvider); !lazy {
			value = h.formatAttribute(value)
		}
		b.setTop(t.key, value)
	}

	for _, ga := range h.groupedAttrs {
		b.path = append(b.path[:0], ga.groups...)
		b.walk(ga.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		b.path = append(b.path[:0], h.groups...)
		b.walk(a)
		return true
	})

	if h.settings.traceCorrelation {
		if dd, otel, ok := traceFields(ctx); ok {
			b.setTopIfAbsent(TraceGroup, dd)
			b.setTopIfAbsent(OTelGroup, otel)
		}
	}
	for _, f := range h.runtime {
		b.setTopIfAbsent(f.key, f.value)
	}

	rec := jsondevice.Record{
		Time:       r.Time,
		Severity:   statusName(r.Level),
		Progname:   h.progname,
		Message:    r.Message,
		Attributes: b.attributes(),
	}
	if h.settings.pidMode == PIDOn {
		rec.PID = h.pid
	}
	return h.device.Write(rec)
}

// WithAttrs returns a new handler that includes attrs on every record.
func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	child := h.clone()
	groups := append([]string(nil), h.groups...)
	for _, a := range attrs {
		child.groupedAttrs = append(child.groupedAttrs, groupedAttr{groups: groups, attr: a})
	}
	return child
}

// WithGroup nests subsequent attributes under name.
func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	child := h.clone()
	child.groups = append(child.groups, name)
	return child
}

// MessageFormatters returns the registry used by the package logging helpers.
func (h *jsonHandler) MessageFormatters() *Registry {
	return h.settings.messages
}

func (h *jsonHandler) clone() *jsonHandler {
	dup := *h
	dup.groupedAttrs = append([]groupedAttr(nil), h.groupedAttrs...)
	dup.groups = append([]string(nil), h.groups...)
	return &dup
}

// formatAttribute runs the attribute registry over v.
func (h *jsonHandler) formatAttribute(v any) any {
	if out, ok := h.settings.attributes.Format(v); ok {
		return out
	}
	return v
}

// recordBuilder accumulates the top-level attributes of one record in first
// seen order.
type recordBuilder struct {
	h      *jsonHandler
	fields map[string]any
	order  []string
	path   []string
	// owned holds the objects created for this record. Any other object met
	// on a group path belongs to the caller and is copied before writing.
	owned map[uintptr]struct{}
}

var builderPool = sync.Pool{
	New: func() any {
		return &recordBuilder{}
	},
}

func (b *recordBuilder) reset(h *jsonHandler, hint int) {
	b.h = h
	if b.fields == nil {
		b.fields = make(map[string]any, hint)
	}
	if b.owned == nil {
		b.owned = make(map[uintptr]struct{}, 4)
	}
	b.order = b.order[:0]
	b.path = b.path[:0]
}

func (b *recordBuilder) release() {
	clear(b.fields)
	clear(b.owned)
	clear(b.order)
	b.order = b.order[:0]
	b.path = b.path[:0]
	b.h = nil
	builderPool.Put(b)
}

// setTop stores value under key at the top level. Later values replace
// earlier ones but keep the original position.
func (b *recordBuilder) setTop(key string, value any) {
	if _, ok := b.fields[key]; !ok {
		b.order = append(b.order, key)
	}
	b.fields[key] = value
}

func (b *recordBuilder) setTopIfAbsent(key string, value any) {
	if _, ok := b.fields[key]; ok {
		return
	}
	b.setTop(key, value)
}

// ensurePath returns the object at path, creating it and replacing scalars
// that are in the way. Objects logged by the caller are copied, never
// written to.
func (b *recordBuilder) ensurePath(path []string) map[string]any {
	curr := b.object(b.fields[path[0]])
	b.setTop(path[0], curr)
	for _, key := range path[1:] {
		next := b.object(curr[key])
		curr[key] = next
		curr = next
	}
	return curr
}

// object returns v if this record created it. A caller's object is replaced
// by a shallow copy and anything else by a new object.
func (b *recordBuilder) object(v any) map[string]any {
	m, ok := v.(map[string]any)
	if ok && m != nil {
		if _, mine := b.owned[objectID(m)]; mine {
			return m
		}
	}
	out := make(map[string]any, len(m)+4)
	maps.Copy(out, m)
	b.owned[objectID(out)] = struct{}{}
	return out
}

func objectID(m map[string]any) uintptr {
	return reflect.ValueOf(m).Pointer()
}

// walk applies ReplaceAttr and the attribute registry to a, descending into
// groups. b.path holds the enclosing groups and is restored on return.
func (b *recordBuilder) walk(a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() != slog.KindGroup && b.h.replaceAttr != nil {
		var groups []string
		if len(b.path) > 0 {
			groups = append([]string(nil), b.path...)
		}
		a = b.h.replaceAttr(groups, a)
		a.Value = a.Value.Resolve()
	}

	if a.Value.Kind() == slog.KindGroup {
		children := a.Value.Group()
		if len(children) == 0 {
			return
		}
		depth := len(b.path)
		if a.Key != "" {
			b.path = append(b.path, a.Key)
		}
		for _, child := range children {
			b.walk(child)
			b.path = b.path[:depth+boolInt(a.Key != "")]
		}
		b.path = b.path[:depth]
		return
	}

	if a.Key == "" {
		return
	}
	value := b.h.formatAttribute(valueToAny(a.Value))
	if len(b.path) == 0 {
		b.setTop(a.Key, value)
		return
	}
	b.ensurePath(b.path)[a.Key] = value
}

// attributes returns the accumulated fields in order.
func (b *recordBuilder) attributes() []jsondevice.Attribute {
	out := make([]jsondevice.Attribute, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, jsondevice.Attribute{Key: key, Value: b.fields[key]})
	}
	return out
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
