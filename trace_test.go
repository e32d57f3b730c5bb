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
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/trace"
)

func spanContext(t *testing.T, traceHex, spanHex string, sampled bool) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		t.Fatalf("TraceIDFromHex: %v", err)
	}
	spanID, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		t.Fatalf("SpanIDFromHex: %v", err)
	}
	cfg := trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}
	if sampled {
		cfg.TraceFlags = trace.FlagsSampled
	}
	return trace.NewSpanContext(cfg)
}

// TestDatadogIDs converts W3C hex ids to Datadog decimals.
func TestDatadogIDs(t *testing.T) {
	t.Parallel()

	sc := spanContext(t, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7", true)
	if got := DatadogTraceID(sc.TraceID()); got != "11803532876627986230" {
		t.Fatalf("DatadogTraceID = %q", got)
	}
	if got := DatadogSpanID(sc.SpanID()); got != "67667974448284343" {
		t.Fatalf("DatadogSpanID = %q", got)
	}
}

// TestExtractTraceSpan reports nothing for contexts without a valid span.
func TestExtractTraceSpan(t *testing.T) {
	t.Parallel()

	var nilCtx context.Context
	if traceID, _, _, sc := ExtractTraceSpan(nilCtx); traceID != "" || sc.IsValid() {
		t.Fatalf("nil context produced a trace")
	}
	if traceID, _, _, _ := ExtractTraceSpan(context.Background()); traceID != "" {
		t.Fatalf("background context produced trace %q", traceID)
	}

	sc := spanContext(t, "00000000000000000000000000000100", "000000000000002a", false)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	traceID, spanID, sampled, got := ExtractTraceSpan(ctx)
	if traceID != "00000000000000000000000000000100" || spanID != "000000000000002a" || sampled {
		t.Fatalf("ExtractTraceSpan = (%q, %q, %v)", traceID, spanID, sampled)
	}
	if !got.Equal(sc) {
		t.Fatalf("span context mismatch")
	}
}

// TestTraceAttributes builds the dd and otel groups.
func TestTraceAttributes(t *testing.T) {
	t.Parallel()

	if attrs, ok := TraceAttributes(context.Background()); ok || attrs != nil {
		t.Fatalf("TraceAttributes without span = (%v, %v)", attrs, ok)
	}

	sc := spanContext(t, "00000000000000000000000000000100", "000000000000002a", true)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	attrs, ok := TraceAttributes(ctx)
	if !ok {
		t.Fatalf("TraceAttributes reported no span")
	}
	want := []slog.Attr{
		slog.Group(TraceGroup, slog.String(TraceIDKey, "256"), slog.String(SpanIDKey, "42")),
		slog.Group(OTelGroup,
			slog.String(TraceIDKey, "00000000000000000000000000000100"),
			slog.String(SpanIDKey, "000000000000002a"),
			slog.Bool(TraceSampledKey, true),
		),
	}
	if len(attrs) != len(want) {
		t.Fatalf("TraceAttributes = %v", attrs)
	}
	for i := range want {
		if !attrs[i].Equal(want[i]) {
			t.Fatalf("attr %d = %v, want %v", i, attrs[i], want[i])
		}
	}

	dd, otel, ok := traceFields(ctx)
	if !ok {
		t.Fatalf("traceFields reported no span")
	}
	if diff := cmp.Diff(map[string]any{TraceIDKey: "256", SpanIDKey: "42"}, dd); diff != "" {
		t.Fatalf("dd mismatch (-want +got):\n%s", diff)
	}
	if otel[TraceSampledKey] != true {
		t.Fatalf("otel = %v, want sampled", otel)
	}
}
