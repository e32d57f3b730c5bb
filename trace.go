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
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/trace"
)

// Attribute groups used for trace correlation. Datadog links a log to an APM
// trace through dd.trace_id and dd.span_id; the otel group keeps the W3C hex
// identifiers for tools that expect them.
const (
	TraceGroup = "dd"
	OTelGroup  = "otel"

	TraceIDKey      = "trace_id"
	SpanIDKey       = "span_id"
	TraceSampledKey = "trace_sampled"
)

// DatadogTraceID returns the decimal form of the low 64 bits of id, which is
// how Datadog represents OpenTelemetry trace ids in log correlation.
func DatadogTraceID(id trace.TraceID) string {
	return strconv.FormatUint(binary.BigEndian.Uint64(id[8:]), 10)
}

// DatadogSpanID returns the decimal form of id.
func DatadogSpanID(id trace.SpanID) string {
	return strconv.FormatUint(binary.BigEndian.Uint64(id[:]), 10)
}

// ExtractTraceSpan returns the OpenTelemetry span context carried by ctx along
// with its hex trace and span ids. The ids are empty when ctx has no valid
// span context.
func ExtractTraceSpan(ctx context.Context) (traceID, spanID string, sampled bool, sc trace.SpanContext) {
	if ctx == nil {
		return "", "", false, sc
	}
	sc = trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", "", false, sc
	}
	return sc.TraceID().String(), sc.SpanID().String(), sc.IsSampled(), sc
}

// TraceAttributes returns the dd and otel correlation groups for ctx. The
// result can be passed to logger.With when building request-scoped loggers.
func TraceAttributes(ctx context.Context) ([]slog.Attr, bool) {
	traceID, spanID, sampled, sc := ExtractTraceSpan(ctx)
	if !sc.IsValid() {
		return nil, false
	}
	return []slog.Attr{
		slog.Group(TraceGroup,
			slog.String(TraceIDKey, DatadogTraceID(sc.TraceID())),
			slog.String(SpanIDKey, DatadogSpanID(sc.SpanID())),
		),
		slog.Group(OTelGroup,
			slog.String(TraceIDKey, traceID),
			slog.String(SpanIDKey, spanID),
			slog.Bool(TraceSampledKey, sampled),
		),
	}, true
}

// traceFields returns the correlation groups as document fragments.
func traceFields(ctx context.Context) (dd, otel map[string]any, ok bool) {
	traceID, spanID, sampled, sc := ExtractTraceSpan(ctx)
	if !sc.IsValid() {
		return nil, nil, false
	}
	dd = map[string]any{
		TraceIDKey: DatadogTraceID(sc.TraceID()),
		SpanIDKey:  DatadogSpanID(sc.SpanID()),
	}
	otel = map[string]any{
		TraceIDKey:      traceID,
		SpanIDKey:       spanID,
		TraceSampledKey: sampled,
	}
	return dd, otel, true
}
