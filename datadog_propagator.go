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
	"encoding/binary"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Datadog propagation headers.
const (
	DatadogTraceIDHeader          = "x-datadog-trace-id"
	DatadogParentIDHeader         = "x-datadog-parent-id"
	DatadogSamplingPriorityHeader = "x-datadog-sampling-priority"
	DatadogTagsHeader             = "x-datadog-tags"

	datadogHighTraceIDTag = "_dd.p.tid"
)

// DatadogPropagator carries span context in the x-datadog-* headers used by
// Datadog tracers. The low 64 bits of the trace id travel as a decimal in
// x-datadog-trace-id and the high 64 bits as hex in the _dd.p.tid tag.
type DatadogPropagator struct{}

var _ propagation.TextMapPropagator = DatadogPropagator{}

// Inject writes the span context of ctx into carrier.
func (DatadogPropagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	traceID := sc.TraceID()
	carrier.Set(DatadogTraceIDHeader, DatadogTraceID(traceID))
	carrier.Set(DatadogParentIDHeader, DatadogSpanID(sc.SpanID()))
	priority := "0"
	if sc.IsSampled() {
		priority = "1"
	}
	carrier.Set(DatadogSamplingPriorityHeader, priority)
	if high := binary.BigEndian.Uint64(traceID[:8]); high != 0 {
		carrier.Set(DatadogTagsHeader, datadogHighTraceIDTag+"="+hex64(high))
	}
}

// Extract returns ctx with the remote span context found in carrier. ctx is
// returned unchanged when the headers are missing or malformed.
func (DatadogPropagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	low, err := strconv.ParseUint(strings.TrimSpace(carrier.Get(DatadogTraceIDHeader)), 10, 64)
	if err != nil || low == 0 {
		return ctx
	}
	parent, err := strconv.ParseUint(strings.TrimSpace(carrier.Get(DatadogParentIDHeader)), 10, 64)
	if err != nil || parent == 0 {
		return ctx
	}

	var traceID trace.TraceID
	binary.BigEndian.PutUint64(traceID[8:], low)
	if high, ok := highTraceID(carrier.Get(DatadogTagsHeader)); ok {
		binary.BigEndian.PutUint64(traceID[:8], high)
	}
	var spanID trace.SpanID
	binary.BigEndian.PutUint64(spanID[:], parent)

	cfg := trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, Remote: true}
	if p, err := strconv.Atoi(strings.TrimSpace(carrier.Get(DatadogSamplingPriorityHeader))); err == nil && p > 0 {
		cfg.TraceFlags = trace.FlagsSampled
	}
	return trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(cfg))
}

// Fields returns the headers written by Inject.
func (DatadogPropagator) Fields() []string {
	return []string{
		DatadogTraceIDHeader,
		DatadogParentIDHeader,
		DatadogSamplingPriorityHeader,
		DatadogTagsHeader,
	}
}

// highTraceID finds _dd.p.tid in a comma separated key=value list.
func highTraceID(tags string) (uint64, bool) {
	for _, pair := range strings.Split(tags, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key != datadogHighTraceIDTag {
			continue
		}
		high, err := strconv.ParseUint(value, 16, 64)
		return high, err == nil
	}
	return 0, false
}

func hex64(v uint64) string {
	s := strconv.FormatUint(v, 16)
	return strings.Repeat("0", 16-len(s)) + s
}
