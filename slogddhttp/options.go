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
package slogddhttp

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AttrEnricher can append additional attributes to the request-scoped logger.
// Implementations may inspect the request or the *RequestScope. Returned
// attributes are appended in call order.
type AttrEnricher func(*http.Request, *RequestScope) []slog.Attr

// AttrTransformer can modify or redact the attribute slice before it is
// bound to the request-scoped logger. Transformers run after enrichers.
type AttrTransformer func([]slog.Attr, *http.Request, *RequestScope) []slog.Attr

// Option configures the middleware and transport.
type Option func(*config)

type config struct {
	logger            *slog.Logger
	enableOTel        bool
	tracerProvider    trace.TracerProvider
	propagators       propagation.TextMapPropagator
	propagatorsSet    bool
	propagateTrace    bool
	publicEndpoint    bool
	spanNameFormatter func(string, *http.Request) string
	filters           []otelhttp.Filter
	attrEnrichers     []AttrEnricher
	attrTransformers  []AttrTransformer
	routeGetter       func(*http.Request) string
	includeClientIP   bool
	includeQuery      bool
	includeUserAgent  bool
	accessLog         bool
	trustedProxyHops  int
}

// defaultConfig enables otelhttp, trace propagation, client IPs, user agents
// and the access log.
func defaultConfig() *config {
	return &config{
		enableOTel:       true,
		propagateTrace:   true,
		includeClientIP:  true,
		includeUserAgent: true,
		accessLog:        true,
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

// propagator returns the configured propagator, or nil when the global one
// should be used.
func (cfg *config) propagator() propagation.TextMapPropagator {
	if !cfg.propagateTrace {
		return propagation.NewCompositeTextMapPropagator()
	}
	if cfg.propagatorsSet {
		return cfg.propagators
	}
	return nil
}

// WithLogger sets the base logger used to derive per-request loggers. When
// unset or nil, the logger stored in the request context is used, falling
// back to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithPropagators supplies the propagator used to extract (server) or inject
// (client) trace context. When omitted, otel.GetTextMapPropagator() is used.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *config) {
		cfg.propagators = p
		cfg.propagatorsSet = p != nil
	}
}

// WithTracerProvider installs the tracer provider handed to otelhttp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithTracePropagation toggles extraction and injection of trace context.
// Enabled by default.
func WithTracePropagation(enabled bool) Option {
	return func(cfg *config) {
		cfg.propagateTrace = enabled
	}
}

// WithPublicEndpoint marks the server as internet facing: otelhttp starts a
// new root span and incoming trace headers are not trusted for log
// correlation when otelhttp is disabled.
func WithPublicEndpoint(enabled bool) Option {
	return func(cfg *config) {
		cfg.publicEndpoint = enabled
	}
}

// WithOTel enables or disables otelhttp instrumentation. Enabled by default.
func WithOTel(enabled bool) Option {
	return func(cfg *config) {
		cfg.enableOTel = enabled
	}
}

// WithSpanNameFormatter customizes otelhttp span naming.
func WithSpanNameFormatter(formatter func(string, *http.Request) string) Option {
	return func(cfg *config) {
		cfg.spanNameFormatter = formatter
	}
}

// WithFilter appends an otelhttp filter. Filtered requests are not traced
// but are still logged.
func WithFilter(filter otelhttp.Filter) Option {
	return func(cfg *config) {
		if filter != nil {
			cfg.filters = append(cfg.filters, filter)
		}
	}
}

// WithAttrEnricher registers a callback that adds attributes to the derived
// logger.
func WithAttrEnricher(enricher AttrEnricher) Option {
	return func(cfg *config) {
		if enricher != nil {
			cfg.attrEnrichers = append(cfg.attrEnrichers, enricher)
		}
	}
}

// WithAttrTransformer registers a callback that can rewrite the attribute
// slice before it is bound to the request-scoped logger.
func WithAttrTransformer(transformer AttrTransformer) Option {
	return func(cfg *config) {
		if transformer != nil {
			cfg.attrTransformers = append(cfg.attrTransformers, transformer)
		}
	}
}

// WithRouteGetter overrides how the route template is resolved. Without it
// the pattern matched by an http.ServeMux is reported on the access log.
func WithRouteGetter(fn func(*http.Request) string) Option {
	return func(cfg *config) {
		cfg.routeGetter = fn
	}
}

// WithClientIP toggles network.client.ip. Enabled by default.
func WithClientIP(enabled bool) Option {
	return func(cfg *config) {
		cfg.includeClientIP = enabled
	}
}

// WithIncludeQuery toggles http.url_details.queryString. Queries are omitted
// by default.
func WithIncludeQuery(enabled bool) Option {
	return func(cfg *config) {
		cfg.includeQuery = enabled
	}
}

// WithUserAgent toggles http.useragent. Enabled by default.
func WithUserAgent(enabled bool) Option {
	return func(cfg *config) {
		cfg.includeUserAgent = enabled
	}
}

// WithAccessLog toggles the completion record emitted after each request.
// Enabled by default.
func WithAccessLog(enabled bool) Option {
	return func(cfg *config) {
		cfg.accessLog = enabled
	}
}

// WithTrustedProxyHops makes the middleware trust X-Forwarded-For and
// X-Forwarded-Proto set by n reverse proxies in front of the server. The
// client IP is the n-th address from the right. Zero, the default, uses the
// connection's remote address.
func WithTrustedProxyHops(n int) Option {
	return func(cfg *config) {
		if n < 0 {
			n = 0
		}
		cfg.trustedProxyHops = n
	}
}
