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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pjscruggs/slogdd"
)

// ClientAccessLogMessage is the message of the outbound completion record.
const ClientAccessLogMessage = "http client request completed"

// Transport returns an http.RoundTripper that injects trace context, stores a
// request-scoped logger in the outbound request context and logs each
// completed round trip. With OTel enabled the result is wrapped by
// otelhttp.NewTransport so each request gets a client span.
func Transport(base http.RoundTripper, opts ...Option) http.RoundTripper {
	cfg := applyOptions(opts)
	if base == nil {
		base = http.DefaultTransport
	}
	if !cfg.propagatorsSet {
		slogdd.EnsurePropagation()
	}

	var rt http.RoundTripper = roundTripper{base: base, cfg: cfg}
	if cfg.enableOTel {
		rt = otelhttp.NewTransport(rt, otelOptions(cfg)...)
	}
	return rt
}

type roundTripper struct {
	base http.RoundTripper
	cfg  *config
}

// RoundTrip instruments req and forwards it to the base transport.
func (t roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("slogddhttp: nil request")
	}

	cfg := t.cfg
	ctx := req.Context()
	scope := newClientScope(req, time.Now(), cfg)

	traceAttrs, _ := slogdd.TraceAttributes(ctx)
	attrs := scope.loggerAttrs(cfg, traceAttrs)
	for _, enricher := range cfg.attrEnrichers {
		if extra := enricher(req, scope); len(extra) > 0 {
			attrs = append(attrs, extra...)
		}
	}
	for _, transformer := range cfg.attrTransformers {
		attrs = transformer(attrs, req, scope)
	}
	requestLogger := loggerWithAttrs(baseLogger(cfg, ctx), attrs)

	ctx = slogdd.ContextWithLogger(ctx, requestLogger)
	ctx = context.WithValue(ctx, requestScopeKey{}, scope)
	req = req.WithContext(ctx)
	t.injectTrace(ctx, req)

	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(scope.Start())
	if resp != nil {
		scope.finalize(resp.StatusCode, resp.ContentLength, elapsed)
	} else {
		scope.finalize(0, -1, elapsed)
	}
	if cfg.accessLog {
		logClientCompletion(ctx, requestLogger, scope, resp, err)
	}

	if err != nil {
		return resp, fmt.Errorf("round trip request: %w", err)
	}
	return resp, nil
}

// injectTrace writes the trace headers of ctx onto req.
func (t roundTripper) injectTrace(ctx context.Context, req *http.Request) {
	if !t.cfg.propagateTrace {
		return
	}
	propagator := t.cfg.propagator()
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// logClientCompletion logs transport failures and 5xx responses at ERROR and
// 4xx responses at WARN.
func logClientCompletion(ctx context.Context, logger *slog.Logger, scope *RequestScope, resp *http.Response, err error) {
	level := slog.LevelInfo
	switch {
	case err != nil || resp == nil:
		level = slog.LevelError
	case resp.StatusCode >= http.StatusInternalServerError:
		level = slog.LevelError
	case resp.StatusCode >= http.StatusBadRequest:
		level = slog.LevelWarn
	}
	if !logger.Enabled(ctx, level) {
		return
	}
	attrs := scope.completionAttrs()
	if err != nil {
		attrs = append(attrs, slog.Any(slogdd.ErrorKey, err))
	}
	logger.LogAttrs(ctx, level, ClientAccessLogMessage, attrs...)
}

// newClientScope builds a RequestScope describing an outbound request.
func newClientScope(req *http.Request, start time.Time, cfg *config) *RequestScope {
	scope := &RequestScope{
		start:       start,
		method:      req.Method,
		requestSize: req.ContentLength,
		outbound:    true,
		userAgent:   req.Header.Get("User-Agent"),
	}
	if req.URL != nil {
		scope.path = req.URL.Path
		scope.query = req.URL.RawQuery
		scope.scheme = req.URL.Scheme
		scope.host = req.URL.Hostname()
		if port, err := strconv.Atoi(req.URL.Port()); err == nil {
			scope.peerPort = port
		}
	}
	if scope.host == "" {
		scope.host = extractIP(req.Host)
	}
	if cfg.includeClientIP {
		if ip := net.ParseIP(scope.host); ip != nil {
			scope.clientIP = ip.String()
		}
	}
	scope.status.Store(http.StatusOK)
	scope.latencyNS.Store(unsetLatencySentinel)
	return scope
}
