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
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/pjscruggs/slogdd"
)

// RPC kinds reported as grpc.kind.
const (
	KindUnary        = "unary"
	KindClientStream = "client_stream"
	KindServerStream = "server_stream"
	KindBidiStream   = "bidi_stream"
)

// RequestInfo captures per-RPC metadata such as method, sizes, latency and
// status.
type RequestInfo struct {
	fullMethod string
	service    string
	method     string
	kind       string
	client     bool
	start      time.Time
	peer       string
	status     atomic.Uint32
	latencyNS  atomic.Int64
	reqBytes   atomic.Int64
	respBytes  atomic.Int64
	reqCount   atomic.Int64
	respCount  atomic.Int64
	err        atomic.Pointer[error]
}

const unsetLatencySentinel = int64(-1)

// newRequestInfo constructs a RequestInfo for fullMethod.
func newRequestInfo(fullMethod, kind string, client bool, start time.Time) *RequestInfo {
	service, method := splitFullMethod(fullMethod)
	info := &RequestInfo{
		fullMethod: fullMethod,
		service:    service,
		method:     method,
		kind:       kind,
		client:     client,
		start:      start,
	}
	info.status.Store(uint32(codes.OK))
	info.latencyNS.Store(unsetLatencySentinel)
	return info
}

// recordRequest tracks request payload sizes and counts.
func (ri *RequestInfo) recordRequest(msg any) {
	if msg == nil {
		return
	}
	if size := messageSize(msg); size > 0 {
		ri.reqBytes.Add(size)
	}
	ri.reqCount.Add(1)
}

// recordResponse tracks response payload sizes and counts.
func (ri *RequestInfo) recordResponse(msg any) {
	if msg == nil {
		return
	}
	if size := messageSize(msg); size > 0 {
		ri.respBytes.Add(size)
	}
	ri.respCount.Add(1)
}

// finalize stores the terminal status code, error and latency.
func (ri *RequestInfo) finalize(code codes.Code, err error, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	ri.status.Store(uint32(code))
	if err != nil {
		ri.err.Store(&err)
	}
	ri.latencyNS.Store(duration.Nanoseconds())
}

// Service returns the service component of the method.
func (ri *RequestInfo) Service() string { return ri.service }

// Method returns the method name component.
func (ri *RequestInfo) Method() string { return ri.method }

// FullMethod returns the fully-qualified gRPC method string.
func (ri *RequestInfo) FullMethod() string { return ri.fullMethod }

// Kind returns the RPC kind.
func (ri *RequestInfo) Kind() string { return ri.kind }

// IsClient reports whether the RequestInfo describes a client-side call.
func (ri *RequestInfo) IsClient() bool { return ri.client }

// Peer returns the remote peer address, if known.
func (ri *RequestInfo) Peer() string { return ri.peer }

// Status returns the recorded gRPC status code.
func (ri *RequestInfo) Status() codes.Code {
	return codes.Code(ri.status.Load())
}

// Err returns the error the RPC finished with.
func (ri *RequestInfo) Err() error {
	if p := ri.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Latency returns the recorded latency, or the elapsed time while the RPC is
// in flight.
func (ri *RequestInfo) Latency() time.Duration {
	if ns := ri.latencyNS.Load(); ns != unsetLatencySentinel {
		return time.Duration(ns)
	}
	return time.Since(ri.start)
}

// RequestBytes returns the cumulative size of request messages.
func (ri *RequestInfo) RequestBytes() int64 { return ri.reqBytes.Load() }

// ResponseBytes returns the cumulative size of response messages.
func (ri *RequestInfo) ResponseBytes() int64 { return ri.respBytes.Load() }

// RequestCount returns the number of request messages observed.
func (ri *RequestInfo) RequestCount() int64 { return ri.reqCount.Load() }

// ResponseCount returns the number of response messages observed.
func (ri *RequestInfo) ResponseCount() int64 { return ri.respCount.Load() }

// loggerAttrs builds the attributes bound to the request-scoped logger.
func (ri *RequestInfo) loggerAttrs(cfg *config, traceAttrs []slog.Attr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(traceAttrs)+2)
	attrs = append(attrs, traceAttrs...)

	grpcAttrs := make([]any, 0, 4)
	if ri.service != "" {
		grpcAttrs = append(grpcAttrs, slog.String("service", ri.service))
	}
	if ri.method != "" {
		grpcAttrs = append(grpcAttrs, slog.String("method", ri.method))
	}
	grpcAttrs = append(grpcAttrs, slog.String("full_method", ri.fullMethod), slog.String("kind", ri.kind))
	attrs = append(attrs, slog.Group("grpc", grpcAttrs...))

	if cfg.includePeer && ri.peer != "" {
		side := "client"
		if ri.client {
			side = "destination"
		}
		attrs = append(attrs, slog.Group("network", slog.Group(side, slog.String("ip", ri.peer))))
	}
	return attrs
}

// completionAttrs returns the attributes of the access record.
func (ri *RequestInfo) completionAttrs(cfg *config) []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	grpcAttrs := []any{slog.String("code", ri.Status().String())}
	if cfg.includeSizes {
		grpcAttrs = append(grpcAttrs,
			slog.Int64("request_messages", ri.RequestCount()),
			slog.Int64("response_messages", ri.ResponseCount()),
		)
	}
	attrs = append(attrs, slog.Group("grpc", grpcAttrs...))

	if cfg.includeSizes {
		read, written := ri.RequestBytes(), ri.ResponseBytes()
		if ri.client {
			read, written = written, read
		}
		attrs = append(attrs, slog.Group("network",
			slog.Int64("bytes_read", read),
			slog.Int64("bytes_written", written),
		))
	}
	attrs = append(attrs, slog.Int64(slogdd.DurationNsKey, ri.Latency().Nanoseconds()))
	if err := ri.Err(); err != nil {
		attrs = append(attrs, slog.Any(slogdd.ErrorKey, err))
	}
	return attrs
}

// splitFullMethod parses "/pkg.Service/Method".
func splitFullMethod(full string) (service, method string) {
	if !strings.HasPrefix(full, "/") {
		return "", strings.TrimSpace(full)
	}
	full = strings.TrimPrefix(full, "/")
	if service, method, ok := strings.Cut(full, "/"); ok {
		return service, method
	}
	return full, ""
}

// messageSize returns the encoded size of a message when it can be computed.
func messageSize(msg any) int64 {
	switch m := msg.(type) {
	case proto.Message:
		return int64(proto.Size(m))
	case interface{ Size() int }:
		return int64(m.Size())
	default:
		return 0
	}
}
