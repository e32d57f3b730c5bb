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
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pjscruggs/slogdd"
)

const instrumentationName = "github.com/pjscruggs/slogdd/slogddhttp"

// AccessLogMessage is the message of the completion record.
const AccessLogMessage = "http request completed"

// Middleware returns an http.Handler middleware that extracts trace context,
// stores a request-scoped logger in the request context and, unless disabled
// with WithAccessLog(false), logs one record per completed request.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	cfg := applyOptions(opts)
	if !cfg.propagatorsSet {
		slogdd.EnsurePropagation()
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.NotFoundHandler()
		}

		loggingHandler := buildLoggingHandler(cfg, next)
		handlerChain := wrapWithOTel(cfg, loggingHandler)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if newCtx, _ := ensureSpanContext(ctx, r, cfg); newCtx != ctx {
				r = r.WithContext(newCtx)
			}
			handlerChain.ServeHTTP(w, r)
		})
	}
}

// buildLoggingHandler constructs the logging middleware around next.
func buildLoggingHandler(cfg *config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		scope := newRequestScope(r, start, cfg)

		attrs := buildRequestAttributes(cfg, r, scope)
		requestLogger := loggerWithAttrs(baseLogger(cfg, ctx), attrs)

		ctx = slogdd.ContextWithLogger(ctx, requestLogger)
		ctx = context.WithValue(ctx, requestScopeKey{}, scope)
		r = r.WithContext(ctx)

		wrapped, recorder := wrapResponseWriter(w, scope)
		defer func() {
			status := recorder.Status()
			rec := recover()
			if rec != nil && !recorder.wroteHeader {
				status = http.StatusInternalServerError
			}
			scope.finalize(status, recorder.BytesWritten(), time.Since(start))
			if scope.route == "" {
				scope.route = routeFromPattern(r.Pattern)
			}
			if cfg.accessLog {
				logCompletion(ctx, requestLogger, scope)
			}
			if rec != nil {
				panic(rec)
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}

// baseLogger returns the configured logger or the one carried by ctx.
func baseLogger(cfg *config, ctx context.Context) *slog.Logger {
	if cfg.logger != nil {
		return cfg.logger
	}
	return slogdd.Logger(ctx)
}

// buildRequestAttributes assembles request-scoped attributes including
// enrichers and transformers.
func buildRequestAttributes(cfg *config, r *http.Request, scope *RequestScope) []slog.Attr {
	traceAttrs, _ := slogdd.TraceAttributes(r.Context())
	attrs := scope.loggerAttrs(cfg, traceAttrs)
	for _, enricher := range cfg.attrEnrichers {
		if extra := enricher(r, scope); len(extra) > 0 {
			attrs = append(attrs, extra...)
		}
	}
	for _, transformer := range cfg.attrTransformers {
		attrs = transformer(attrs, r, scope)
	}
	return attrs
}

// logCompletion emits the access record. Server errors log at ERROR, client
// errors at WARN.
func logCompletion(ctx context.Context, logger *slog.Logger, scope *RequestScope) {
	level := slog.LevelInfo
	switch status := scope.Status(); {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status >= http.StatusBadRequest:
		level = slog.LevelWarn
	}
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.LogAttrs(ctx, level, AccessLogMessage, scope.completionAttrs()...)
}

// wrapWithOTel wraps handler with otelhttp when enabled.
func wrapWithOTel(cfg *config, handler http.Handler) http.Handler {
	if !cfg.enableOTel {
		return handler
	}
	return otelhttp.NewHandler(handler, instrumentationName, otelOptions(cfg)...)
}

// otelOptions builds otelhttp options shared by the handler and transport.
func otelOptions(cfg *config) []otelhttp.Option {
	var otelOpts []otelhttp.Option
	if cfg.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.tracerProvider))
	}
	if p := cfg.propagator(); p != nil {
		otelOpts = append(otelOpts, otelhttp.WithPropagators(p))
	}
	if cfg.publicEndpoint {
		otelOpts = append(otelOpts, otelhttp.WithPublicEndpointFn(func(*http.Request) bool {
			return true
		}))
	}
	if cfg.spanNameFormatter != nil {
		otelOpts = append(otelOpts, otelhttp.WithSpanNameFormatter(cfg.spanNameFormatter))
	}
	for _, filter := range cfg.filters {
		otelOpts = append(otelOpts, otelhttp.WithFilter(filter))
	}
	return otelOpts
}

// ensureSpanContext returns ctx carrying the span context of the incoming
// request, extracting it from headers when no span is present yet. Datadog
// x-datadog-* headers are tried when the propagator finds nothing.
func ensureSpanContext(ctx context.Context, r *http.Request, cfg *config) (context.Context, trace.SpanContext) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() || !cfg.propagateTrace || r == nil {
		return ctx, sc
	}
	if cfg.publicEndpoint && !cfg.enableOTel {
		return ctx, sc
	}

	propagator := cfg.propagator()
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	carrier := propagation.HeaderCarrier(r.Header)
	for _, p := range []propagation.TextMapPropagator{propagator, slogdd.DatadogPropagator{}} {
		extracted := p.Extract(ctx, carrier)
		if esc := trace.SpanContextFromContext(extracted); esc.IsValid() {
			return extracted, esc
		}
	}
	return ctx, sc
}

// routeFromPattern strips the method and host from an http.ServeMux pattern
// such as "GET example.com/items/{id}".
func routeFromPattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if _, rest, ok := strings.Cut(pattern, " "); ok {
		pattern = strings.TrimSpace(rest)
	}
	if i := strings.IndexByte(pattern, '/'); i > 0 {
		pattern = pattern[i:]
	}
	return pattern
}

// loggerWithAttrs returns base enriched with attrs.
func loggerWithAttrs(base *slog.Logger, attrs []slog.Attr) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if len(attrs) == 0 {
		return base
	}
	return slog.New(base.Handler().WithAttrs(attrs))
}
