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
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AttrEnricher can append additional attributes to the request-scoped logger.
type AttrEnricher func(ctx context.Context, info *RequestInfo) []slog.Attr

// AttrTransformer can rewrite or redact attributes before they are bound to
// the request-scoped logger.
type AttrTransformer func(ctx context.Context, attrs []slog.Attr, info *RequestInfo) []slog.Attr

// Option configures the interceptors and option helpers.
type Option func(*config)

type config struct {
	logger           *slog.Logger
	enableOTel       bool
	tracerProvider   trace.TracerProvider
	propagators      propagation.TextMapPropagator
	propagateTrace   bool
	spanAttributes   []attribute.KeyValue
	filters          []otelgrpc.Filter
	attrEnrichers    []AttrEnricher
	attrTransformers []AttrTransformer
	includePeer      bool
	includeSizes     bool
	accessLog        bool
}

// defaultConfig enables otelgrpc, propagation, peer and size attributes and
// the access log.
func defaultConfig() *config {
	return &config{
		enableOTel:     true,
		includePeer:    true,
		includeSizes:   true,
		propagateTrace: true,
		accessLog:      true,
	}
}

// applyOptions applies opts on top of defaultConfig.
func applyOptions(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithLogger overrides the base logger used to derive per-RPC loggers. When
// unset, the logger carried by the RPC context is used.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithPropagators sets the propagator used to extract (server) or inject
// (client) trace metadata. When omitted, the global propagator is used.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *config) {
		cfg.propagators = p
	}
}

// WithTracerProvider configures the tracer provider used by the otelgrpc
// stats handlers.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithTracePropagation toggles extraction and injection of trace metadata.
// Enabled by default.
func WithTracePropagation(enabled bool) Option {
	return func(cfg *config) {
		cfg.propagateTrace = enabled
	}
}

// WithOTel enables or disables the otelgrpc stats handlers installed by
// ServerOptions and DialOptions. Enabled by default.
func WithOTel(enabled bool) Option {
	return func(cfg *config) {
		cfg.enableOTel = enabled
	}
}

// WithSpanAttributes appends attributes to every otelgrpc span.
func WithSpanAttributes(attrs ...attribute.KeyValue) Option {
	return func(cfg *config) {
		cfg.spanAttributes = append(cfg.spanAttributes, attrs...)
	}
}

// WithFilter appends an otelgrpc filter applied before spans are created.
func WithFilter(filter otelgrpc.Filter) Option {
	return func(cfg *config) {
		if filter != nil {
			cfg.filters = append(cfg.filters, filter)
		}
	}
}

// WithAttrEnricher registers a callback adding attributes to derived loggers.
func WithAttrEnricher(enricher AttrEnricher) Option {
	return func(cfg *config) {
		if enricher != nil {
			cfg.attrEnrichers = append(cfg.attrEnrichers, enricher)
		}
	}
}

// WithAttrTransformer registers a callback rewriting attributes before they
// are bound to derived loggers.
func WithAttrTransformer(transformer AttrTransformer) Option {
	return func(cfg *config) {
		if transformer != nil {
			cfg.attrTransformers = append(cfg.attrTransformers, transformer)
		}
	}
}

// WithPeerInfo toggles the peer address attribute. Enabled by default.
func WithPeerInfo(enabled bool) Option {
	return func(cfg *config) {
		cfg.includePeer = enabled
	}
}

// WithPayloadSizes toggles message size accounting. Enabled by default.
func WithPayloadSizes(enabled bool) Option {
	return func(cfg *config) {
		cfg.includeSizes = enabled
	}
}

// WithAccessLog toggles the completion record logged after each RPC.
// Enabled by default.
func WithAccessLog(enabled bool) Option {
	return func(cfg *config) {
		cfg.accessLog = enabled
	}
}
