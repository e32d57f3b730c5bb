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
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pjscruggs/slogdd"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// RequestScope captures request metadata surfaced to handlers via context.
type RequestScope struct {
	start       time.Time
	method      string
	path        string
	query       string
	route       string
	scheme      string
	host        string
	clientIP    string
	peerPort    int
	outbound    bool
	userAgent   string
	referer     string
	requestSize int64

	status    atomic.Int64
	respBytes atomic.Int64
	latencyNS atomic.Int64
}

const unsetLatencySentinel = int64(-1)

// newRequestScope builds a RequestScope for an inbound request.
func newRequestScope(r *http.Request, start time.Time, cfg *config) *RequestScope {
	scope := &RequestScope{start: start}
	if r != nil {
		scope.requestSize = r.ContentLength
		scope.method = r.Method
		scope.userAgent = r.UserAgent()
		scope.referer = r.Referer()
		scope.host = r.Host
		if r.URL != nil {
			scope.path = r.URL.Path
			scope.query = r.URL.RawQuery
			scope.scheme = r.URL.Scheme
		}
		if scope.scheme == "" {
			scope.scheme = inferScheme(r, cfg)
		}
		if cfg.includeClientIP {
			scope.clientIP = clientIPFromRequest(r, cfg)
		}
		if cfg.routeGetter != nil {
			scope.route = strings.TrimSpace(cfg.routeGetter(r))
		}
	}
	scope.status.Store(http.StatusOK)
	scope.latencyNS.Store(unsetLatencySentinel)
	return scope
}

// inferScheme prefers X-Forwarded-Proto when proxies are trusted and
// otherwise falls back to TLS presence.
func inferScheme(r *http.Request, cfg *config) string {
	if cfg.trustedProxyHops > 0 {
		if proto := xForwardedProto(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			return proto
		}
	}
	if r.TLS != nil {
		return schemeHTTPS
	}
	return schemeHTTP
}

// loggerAttrs assembles the Datadog standard attributes bound to the
// request-scoped logger.
func (rs *RequestScope) loggerAttrs(cfg *config, traceAttrs []slog.Attr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(traceAttrs)+2)
	attrs = append(attrs, traceAttrs...)

	urlDetails := make([]any, 0, 5)
	if rs.path != "" {
		urlDetails = append(urlDetails, slog.String("path", rs.path))
	}
	if rs.host != "" {
		urlDetails = append(urlDetails, slog.String("host", rs.host))
	}
	if rs.scheme != "" {
		urlDetails = append(urlDetails, slog.String("scheme", rs.scheme))
	}
	if cfg.includeQuery && rs.query != "" {
		urlDetails = append(urlDetails, slog.String("queryString", rs.query))
	}
	if rs.peerPort > 0 {
		urlDetails = append(urlDetails, slog.Int("port", rs.peerPort))
	}

	httpAttrs := make([]any, 0, 6)
	if rs.method != "" {
		httpAttrs = append(httpAttrs, slog.String("method", rs.method))
	}
	if rs.outbound {
		if u := rs.url(cfg); u != "" {
			httpAttrs = append(httpAttrs, slog.String("url", u))
		}
	}
	if len(urlDetails) > 0 {
		httpAttrs = append(httpAttrs, slog.Group("url_details", urlDetails...))
	}
	if rs.route != "" {
		httpAttrs = append(httpAttrs, slog.String("route", rs.route))
	}
	if cfg.includeUserAgent && rs.userAgent != "" {
		httpAttrs = append(httpAttrs, slog.String("useragent", rs.userAgent))
	}
	if rs.referer != "" {
		httpAttrs = append(httpAttrs, slog.String("referer", rs.referer))
	}
	if len(httpAttrs) > 0 {
		attrs = append(attrs, slog.Group("http", httpAttrs...))
	}

	if cfg.includeClientIP && rs.clientIP != "" {
		peer := "client"
		if rs.outbound {
			peer = "destination"
		}
		attrs = append(attrs, slog.Group("network", slog.Group(peer, slog.String("ip", rs.clientIP))))
	}
	return attrs
}

// url renders scheme://host/path for outbound requests.
func (rs *RequestScope) url(cfg *config) string {
	if rs.host == "" {
		return ""
	}
	host := rs.host
	if rs.peerPort > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(rs.peerPort))
	}
	u := host + rs.path
	if rs.scheme != "" {
		u = rs.scheme + "://" + u
	}
	if cfg.includeQuery && rs.query != "" {
		u += "?" + rs.query
	}
	return u
}

// completionAttrs returns the attributes of the access record.
func (rs *RequestScope) completionAttrs() []slog.Attr {
	latency, _ := rs.Latency()
	httpAttrs := []any{slog.Int("status_code", rs.Status())}
	if rs.route != "" {
		httpAttrs = append(httpAttrs, slog.String("route", rs.route))
	}

	sent, received := rs.ResponseSize(), rs.requestSize
	if rs.outbound {
		sent, received = rs.requestSize, rs.ResponseSize()
	}
	networkAttrs := make([]any, 0, 2)
	if !rs.outbound || sent > 0 {
		networkAttrs = append(networkAttrs, slog.Int64("bytes_written", sent))
	}
	if rs.outbound || received > 0 {
		networkAttrs = append(networkAttrs, slog.Int64("bytes_read", received))
	}

	return []slog.Attr{
		slog.Group("http", httpAttrs...),
		slog.Group("network", networkAttrs...),
		slog.Int64(slogdd.DurationNsKey, latency.Nanoseconds()),
	}
}

// Method returns the HTTP method.
func (rs *RequestScope) Method() string { return rs.method }

// Path returns the request path.
func (rs *RequestScope) Path() string { return rs.path }

// Query returns the raw query string without the '?' prefix.
func (rs *RequestScope) Query() string { return rs.query }

// Route returns the route template, if known.
func (rs *RequestScope) Route() string { return rs.route }

// Scheme returns the resolved request scheme.
func (rs *RequestScope) Scheme() string { return rs.scheme }

// Host returns the request host.
func (rs *RequestScope) Host() string { return rs.host }

// ClientIP returns the client address for inbound requests and the
// destination host for outbound ones.
func (rs *RequestScope) ClientIP() string { return rs.clientIP }

// UserAgent returns the User-Agent header.
func (rs *RequestScope) UserAgent() string { return rs.userAgent }

// Start returns the time the request began processing.
func (rs *RequestScope) Start() time.Time { return rs.start }

// RequestSize returns the content length reported for the request body.
func (rs *RequestScope) RequestSize() int64 { return rs.requestSize }

// Status returns the response status code with a default of 200.
func (rs *RequestScope) Status() int {
	code := rs.status.Load()
	if code == 0 {
		return http.StatusOK
	}
	return int(code)
}

// Latency returns the latency and whether the request has completed.
func (rs *RequestScope) Latency() (time.Duration, bool) {
	ns := rs.latencyNS.Load()
	if ns != unsetLatencySentinel {
		return time.Duration(ns), true
	}
	return time.Since(rs.start), false
}

// ResponseSize returns the number of response body bytes.
func (rs *RequestScope) ResponseSize() int64 {
	return rs.respBytes.Load()
}

func (rs *RequestScope) setStatus(code int) {
	if code <= 0 {
		code = http.StatusOK
	}
	rs.status.Store(int64(code))
}

func (rs *RequestScope) addResponseBytes(delta int64) {
	if delta > 0 {
		rs.respBytes.Add(delta)
	}
}

// finalize stores the terminal status, byte count and latency.
func (rs *RequestScope) finalize(status int, bytes int64, d time.Duration) {
	rs.setStatus(status)
	if bytes >= 0 {
		rs.respBytes.Store(bytes)
	}
	if d < 0 {
		d = 0
	}
	rs.latencyNS.Store(d.Nanoseconds())
}

type requestScopeKey struct{}

// ScopeFromContext returns the RequestScope stored by the middleware or the
// transport.
func ScopeFromContext(ctx context.Context) (*RequestScope, bool) {
	if ctx == nil {
		return nil, false
	}
	scope, ok := ctx.Value(requestScopeKey{}).(*RequestScope)
	return scope, ok && scope != nil
}

type responseRecorder struct {
	http.ResponseWriter
	scope        *RequestScope
	status       int
	wroteHeader  bool
	bytesWritten int64
}

// WriteHeader records the first status code before delegating.
func (rr *responseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.scope.setStatus(status)
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

// Write counts body bytes.
func (rr *responseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.count(int64(n))
	if err != nil {
		return n, fmt.Errorf("write response body: %w", err)
	}
	return n, nil
}

// ReadFrom streams src, keeping the wrapped writer's sendfile path.
func (rr *responseRecorder) ReadFrom(src io.Reader) (int64, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	var (
		n   int64
		err error
	)
	if rf, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(src)
	} else {
		n, err = io.Copy(rr.ResponseWriter, src)
	}
	rr.count(n)
	if err != nil {
		return n, fmt.Errorf("read from body: %w", err)
	}
	return n, nil
}

func (rr *responseRecorder) count(n int64) {
	if n > 0 {
		rr.bytesWritten += n
		rr.scope.addResponseBytes(n)
	}
}

// Status returns the status code written to the client.
func (rr *responseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// BytesWritten reports the number of body bytes sent to the client.
func (rr *responseRecorder) BytesWritten() int64 {
	return rr.bytesWritten
}

// Unwrap exposes the underlying ResponseWriter for http.ResponseController.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Flush forwards to the wrapped writer when supported.
func (rr *responseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack delegates to the wrapped Hijacker when supported.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, rw, nil
}

// Push forwards HTTP/2 push requests when supported.
func (rr *responseRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := rr.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	if err := pusher.Push(target, opts); err != nil {
		return fmt.Errorf("http/2 push: %w", err)
	}
	return nil
}

// wrapResponseWriter decorates w to capture the status and body size.
func wrapResponseWriter(w http.ResponseWriter, scope *RequestScope) (http.ResponseWriter, *responseRecorder) {
	rec := &responseRecorder{
		ResponseWriter: w,
		scope:          scope,
		status:         http.StatusOK,
	}
	return rec, rec
}

// extractIP strips the port from a host:port string.
func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// clientIPFromRequest returns the trusted X-Forwarded-For entry when proxies
// are configured, else the remote address.
func clientIPFromRequest(r *http.Request, cfg *config) string {
	if cfg.trustedProxyHops > 0 {
		if ip := forwardedClientIP(r.Header.Values("X-Forwarded-For"), cfg.trustedProxyHops); ip != "" {
			return ip
		}
	}
	return extractIP(r.RemoteAddr)
}

// xForwardedProto returns the first X-Forwarded-Proto token when it is http
// or https.
func xForwardedProto(value string) string {
	value, _, _ = strings.Cut(value, ",")
	value = strings.ToLower(strings.TrimSpace(value))
	if value == schemeHTTP || value == schemeHTTPS {
		return value
	}
	return ""
}

// forwardedClientIP selects the hops-th address from the right across all
// X-Forwarded-For header lines and validates it.
func forwardedClientIP(values []string, hops int) string {
	var entries []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.Trim(strings.TrimSpace(part), "\"")
			if part != "" {
				entries = append(entries, part)
			}
		}
	}
	if len(entries) < hops {
		return ""
	}
	candidate := strings.Trim(entries[len(entries)-hops], "[]")
	addr, err := netip.ParseAddr(candidate)
	if err != nil {
		return ""
	}
	return addr.String()
}
