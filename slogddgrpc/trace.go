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
package slogddgrpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/pjscruggs/slogdd"
)

type metadataCarrier struct {
	metadata.MD
}

var _ propagation.TextMapCarrier = metadataCarrier{}

// Get returns the first value for key.
func (mc metadataCarrier) Get(key string) string {
	values := mc.MD.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set stores value under key.
func (mc metadataCarrier) Set(key, value string) {
	mc.MD.Set(key, value)
}

// Keys reports every metadata key.
func (mc metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc.MD))
	for k := range mc.MD {
		keys = append(keys, k)
	}
	return keys
}

// propagator returns the configured propagator or the global one.
func (cfg *config) propagator() propagation.TextMapPropagator {
	if cfg.propagators != nil {
		return cfg.propagators
	}
	return otel.GetTextMapPropagator()
}

// ensureServerSpanContext returns ctx carrying the caller's span context,
// trying the propagator, then W3C traceparent, then Datadog metadata.
func ensureServerSpanContext(ctx context.Context, md metadata.MD, cfg *config) (context.Context, trace.SpanContext) {
	sc := trace.SpanContextFromContext(ctx)
	if !cfg.propagateTrace || sc.IsValid() || len(md) == 0 {
		return ctx, sc
	}

	carrier := metadataCarrier{md}
	for _, p := range []propagation.TextMapPropagator{
		cfg.propagator(),
		propagation.TraceContext{},
		slogdd.DatadogPropagator{},
	} {
		extracted := p.Extract(ctx, carrier)
		if esc := trace.SpanContextFromContext(extracted); esc.IsValid() {
			return extracted, esc
		}
	}
	return ctx, sc
}

// injectClientTrace writes trace metadata for an outbound RPC into md.
func injectClientTrace(ctx context.Context, md metadata.MD, cfg *config) {
	if !cfg.propagateTrace {
		return
	}
	cfg.propagator().Inject(ctx, metadataCarrier{md})
}
