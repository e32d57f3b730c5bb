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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pjscruggs/slogdd"
)

const testTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

// newTestLogger returns a slogdd logger writing into a buffer.
func newTestLogger(t *testing.T) (*slog.Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	h, err := slogdd.NewHandler(&buf, nil, slogdd.WithLevel(slog.LevelDebug))
	if err != nil {
		t.Fatalf("NewHandler() returned %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return slog.New(h), &buf
}

// decodeEntries parses every JSON line in buf.
func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("json.Unmarshal(%q) returned %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// field walks nested objects along path.
func field(entry map[string]any, path ...string) any {
	var cur any = entry
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func peerContext(ctx context.Context) context.Context {
	return peer.NewContext(ctx, &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 5000},
	})
}

// TestUnaryServerInterceptorLogsRequest checks the scoped logger and access record.
func TestUnaryServerInterceptorLogsRequest(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := UnaryServerInterceptor(WithLogger(logger))

	ctx := metadata.NewIncomingContext(peerContext(context.Background()), metadata.Pairs("traceparent", testTraceparent))
	info := &grpc.UnaryServerInfo{FullMethod: "/coffee.v1.Brewer/Brew"}

	var captured *RequestInfo
	resp, err := interceptor(ctx, wrapperspb.String("hello"), info, func(ctx context.Context, req any) (any, error) {
		ri, ok := InfoFromContext(ctx)
		if !ok {
			t.Errorf("request info missing from context")
		}
		captured = ri
		slogdd.Logger(ctx).Info("brewing")
		return wrapperspb.String("done"), nil
	})
	if err != nil || resp == nil {
		t.Fatalf("interceptor returned (%v, %v)", resp, err)
	}
	if captured == nil || captured.Service() != "coffee.v1.Brewer" || captured.Method() != "Brew" {
		t.Fatalf("request info = %+v", captured)
	}
	if captured.RequestBytes() != 7 || captured.ResponseBytes() != 6 {
		t.Fatalf("sizes = %d/%d, want 7/6", captured.RequestBytes(), captured.ResponseBytes())
	}

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("got %d records, want request log and access log", len(entries))
	}

	inner := entries[0]
	innerChecks := []struct {
		path []string
		want any
	}{
		{[]string{"message"}, "brewing"},
		{[]string{"grpc", "service"}, "coffee.v1.Brewer"},
		{[]string{"grpc", "method"}, "Brew"},
		{[]string{"grpc", "kind"}, KindUnary},
		{[]string{"network", "client", "ip"}, "192.0.2.7"},
		{[]string{"dd", "trace_id"}, "11803532876627986230"},
		{[]string{"dd", "span_id"}, "67667974448284343"},
	}
	for _, c := range innerChecks {
		if got := field(inner, c.path...); got != c.want {
			t.Errorf("%s = %v, want %v", strings.Join(c.path, "."), got, c.want)
		}
	}

	access := entries[1]
	accessChecks := []struct {
		path []string
		want any
	}{
		{[]string{"message"}, AccessLogMessage},
		{[]string{"status"}, "INFO"},
		{[]string{"grpc", "code"}, "OK"},
		{[]string{"grpc", "service"}, "coffee.v1.Brewer"},
		{[]string{"grpc", "request_messages"}, float64(1)},
		{[]string{"network", "bytes_read"}, float64(7)},
		{[]string{"network", "bytes_written"}, float64(6)},
	}
	for _, c := range accessChecks {
		if got := field(access, c.path...); got != c.want {
			t.Errorf("%s = %v, want %v", strings.Join(c.path, "."), got, c.want)
		}
	}
	if _, ok := access["duration"]; !ok {
		t.Errorf("access record missing duration: %v", access)
	}
}

// TestUnaryServerInterceptorStatusLevels maps codes to statuses.
func TestUnaryServerInterceptorStatusLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "ok", want: "INFO"},
		{name: "not found", err: status.Error(codes.NotFound, "missing"), want: "WARN"},
		{name: "internal", err: status.Error(codes.Internal, "boom"), want: "ERROR"},
		{name: "plain error", err: errors.New("boom"), want: "ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, buf := newTestLogger(t)
			interceptor := UnaryServerInterceptor(WithLogger(logger))
			_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, func(context.Context, any) (any, error) {
				return nil, tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			entries := decodeEntries(t, buf)
			if len(entries) != 1 || entries[0]["status"] != tc.want {
				t.Fatalf("entries = %v, want one %s record", entries, tc.want)
			}
			if tc.err != nil && field(entries[0], slogdd.ErrorKey, "message") != tc.err.Error() {
				t.Fatalf("error.message = %v", field(entries[0], slogdd.ErrorKey, "message"))
			}
		})
	}
}

// TestUnaryServerInterceptorDatadogMetadata falls back to x-datadog-* keys.
func TestUnaryServerInterceptorDatadogMetadata(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := UnaryServerInterceptor(WithLogger(logger), WithAccessLog(false))
	md := metadata.Pairs(
		slogdd.DatadogTraceIDHeader, "256",
		slogdd.DatadogParentIDHeader, "42",
		slogdd.DatadogSamplingPriorityHeader, "1",
	)
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, func(ctx context.Context, _ any) (any, error) {
		slogdd.Logger(ctx).Info("inside")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}
	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d records, want 1", len(entries))
	}
	if got := field(entries[0], "dd", "trace_id"); got != "256" {
		t.Fatalf("dd.trace_id = %v, want 256", got)
	}
	if got := field(entries[0], "dd", "span_id"); got != "42" {
		t.Fatalf("dd.span_id = %v, want 42", got)
	}
}

// TestUnaryServerInterceptorPropagationDisabled ignores incoming metadata.
func TestUnaryServerInterceptorPropagationDisabled(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := UnaryServerInterceptor(WithLogger(logger), WithTracePropagation(false), WithAccessLog(false))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("traceparent", testTraceparent))

	_, _ = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, func(ctx context.Context, _ any) (any, error) {
		slogdd.Logger(ctx).Info("inside")
		return nil, nil
	})
	entries := decodeEntries(t, buf)
	if len(entries) != 1 || entries[0]["dd"] != nil {
		t.Fatalf("entries = %v, want one record without dd", entries)
	}
}

// TestUnaryServerInterceptorEnrichAndTransform runs the callbacks in order.
func TestUnaryServerInterceptorEnrichAndTransform(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := UnaryServerInterceptor(
		WithLogger(logger),
		WithAccessLog(false),
		WithPeerInfo(false),
		WithAttrEnricher(func(_ context.Context, info *RequestInfo) []slog.Attr {
			return []slog.Attr{slog.String("tenant", "acme"), slog.String("rpc", info.Method())}
		}),
		WithAttrTransformer(func(_ context.Context, attrs []slog.Attr, _ *RequestInfo) []slog.Attr {
			out := attrs[:0]
			for _, a := range attrs {
				if a.Key == "tenant" {
					a.Value = slog.StringValue("redacted")
				}
				out = append(out, a)
			}
			return out
		}),
	)
	ctx := peerContext(context.Background())
	_, _ = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Get"}, func(ctx context.Context, _ any) (any, error) {
		slogdd.Logger(ctx).Info("inside")
		return nil, nil
	})

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d records, want 1", len(entries))
	}
	if entries[0]["tenant"] != "redacted" || entries[0]["rpc"] != "Get" {
		t.Fatalf("entry = %v", entries[0])
	}
	if field(entries[0], "network", "client", "ip") != nil {
		t.Fatalf("peer recorded although disabled: %v", entries[0])
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx  context.Context
	recv []any
	sent []any
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func (s *fakeServerStream) RecvMsg(m any) error {
	if len(s.recv) == 0 {
		return io.EOF
	}
	s.recv = s.recv[1:]
	return nil
}

func (s *fakeServerStream) SendMsg(m any) error {
	s.sent = append(s.sent, m)
	return nil
}

// TestStreamServerInterceptorCountsMessages wraps the stream context and sizes.
func TestStreamServerInterceptorCountsMessages(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := StreamServerInterceptor(WithLogger(logger))
	stream := &fakeServerStream{
		ctx:  peerContext(context.Background()),
		recv: []any{struct{}{}, struct{}{}},
	}
	info := &grpc.StreamServerInfo{FullMethod: "/chat.v1.Room/Talk", IsClientStream: true, IsServerStream: true}

	err := interceptor(nil, stream, info, func(_ any, ss grpc.ServerStream) error {
		if _, ok := InfoFromContext(ss.Context()); !ok {
			t.Errorf("request info missing from stream context")
		}
		msg := wrapperspb.String("hi")
		for {
			if err := ss.RecvMsg(msg); err != nil {
				break
			}
		}
		return ss.SendMsg(wrapperspb.String("bye"))
	})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d records, want 1", len(entries))
	}
	checks := []struct {
		path []string
		want any
	}{
		{[]string{"grpc", "kind"}, KindBidiStream},
		{[]string{"grpc", "request_messages"}, float64(2)},
		{[]string{"grpc", "response_messages"}, float64(1)},
		{[]string{"network", "bytes_written"}, float64(5)},
	}
	for _, c := range checks {
		if got := field(entries[0], c.path...); got != c.want {
			t.Errorf("%s = %v, want %v", strings.Join(c.path, "."), got, c.want)
		}
	}
}

// tracedContext returns a context carrying a sampled remote span.
func tracedContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatalf("TraceIDFromHex: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatalf("SpanIDFromHex: %v", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.Background(), sc)
}

// TestUnaryClientInterceptorInjectsAndLogs checks metadata and the client record.
func TestUnaryClientInterceptorInjectsAndLogs(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := UnaryClientInterceptor(
		WithLogger(logger),
		WithPropagators(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, slogdd.DatadogPropagator{})),
	)

	ctx := metadata.AppendToOutgoingContext(tracedContext(t), "x-request-id", "abc")
	var outgoing metadata.MD
	err := interceptor(ctx, "/coffee.v1.Brewer/Brew", wrapperspb.String("hello"), wrapperspb.String(""), nil,
		func(ctx context.Context, _ string, _, reply any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			outgoing, _ = metadata.FromOutgoingContext(ctx)
			reply.(*wrapperspb.StringValue).Value = "done"
			return status.Error(codes.Unavailable, "down")
		})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("err = %v, want Unavailable", err)
	}

	if got := outgoing.Get("x-request-id"); len(got) != 1 || got[0] != "abc" {
		t.Fatalf("x-request-id = %v", got)
	}
	if got := outgoing.Get("traceparent"); len(got) != 1 || !strings.HasPrefix(got[0], "00-4bf92f3577b34da6a3ce929d0e0e4736-") {
		t.Fatalf("traceparent = %v", got)
	}
	if got := outgoing.Get(slogdd.DatadogTraceIDHeader); len(got) != 1 || got[0] != "11803532876627986230" {
		t.Fatalf("%s = %v", slogdd.DatadogTraceIDHeader, got)
	}

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d records, want 1", len(entries))
	}
	entry := entries[0]
	checks := []struct {
		path []string
		want any
	}{
		{[]string{"message"}, ClientAccessLogMessage},
		{[]string{"status"}, "ERROR"},
		{[]string{"grpc", "code"}, "Unavailable"},
		{[]string{"grpc", "response_messages"}, float64(0)},
		{[]string{"network", "bytes_written"}, float64(7)},
		{[]string{"dd", "trace_id"}, "11803532876627986230"},
	}
	for _, c := range checks {
		if got := field(entry, c.path...); got != c.want {
			t.Errorf("%s = %v, want %v", strings.Join(c.path, "."), got, c.want)
		}
	}
}

type fakeClientStream struct {
	grpc.ClientStream
	ctx     context.Context
	replies int
}

func (s *fakeClientStream) Context() context.Context { return s.ctx }

func (s *fakeClientStream) SendMsg(any) error { return nil }

func (s *fakeClientStream) CloseSend() error { return nil }

func (s *fakeClientStream) RecvMsg(any) error {
	if s.replies == 0 {
		return io.EOF
	}
	s.replies--
	return nil
}

// TestStreamClientInterceptorLogsOnce logs when the stream ends.
func TestStreamClientInterceptorLogsOnce(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := StreamClientInterceptor(WithLogger(logger))
	desc := &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

	cs, err := interceptor(context.Background(), desc, nil, "/watch.v1.Watcher/Watch",
		func(ctx context.Context, _ *grpc.StreamDesc, _ *grpc.ClientConn, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
			return &fakeClientStream{ctx: ctx, replies: 2}, nil
		})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}
	if err := cs.SendMsg(wrapperspb.String("go")); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	for {
		if err := cs.RecvMsg(wrapperspb.String("")); err != nil {
			break
		}
	}
	_ = cs.RecvMsg(wrapperspb.String(""))

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("got %d records, want exactly one", len(entries))
	}
	if field(entries[0], "grpc", "kind") != KindServerStream || field(entries[0], "grpc", "code") != "OK" {
		t.Fatalf("entry = %v", entries[0])
	}
	if got := field(entries[0], "grpc", "response_messages"); got != float64(2) {
		t.Fatalf("response_messages = %v, want 2", got)
	}
}

// TestStreamClientInterceptorStreamerError logs a failed stream start.
func TestStreamClientInterceptorStreamerError(t *testing.T) {
	t.Parallel()

	logger, buf := newTestLogger(t)
	interceptor := StreamClientInterceptor(WithLogger(logger))
	want := status.Error(codes.PermissionDenied, "nope")
	_, err := interceptor(context.Background(), &grpc.StreamDesc{ClientStreams: true}, nil, "/svc/Upload",
		func(context.Context, *grpc.StreamDesc, *grpc.ClientConn, string, ...grpc.CallOption) (grpc.ClientStream, error) {
			return nil, want
		})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	entries := decodeEntries(t, buf)
	if len(entries) != 1 || entries[0]["status"] != "WARN" {
		t.Fatalf("entries = %v, want one WARN record", entries)
	}
}

func TestCodeLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code codes.Code
		want slog.Level
	}{
		{codes.OK, slog.LevelInfo},
		{codes.Canceled, slog.LevelWarn},
		{codes.InvalidArgument, slog.LevelWarn},
		{codes.Unauthenticated, slog.LevelWarn},
		{codes.Unknown, slog.LevelError},
		{codes.DeadlineExceeded, slog.LevelError},
		{codes.Internal, slog.LevelError},
		{codes.Unavailable, slog.LevelError},
	}
	for _, tc := range tests {
		if got := CodeLevel(tc.code); got != tc.want {
			t.Errorf("CodeLevel(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestSplitFullMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, service, method string
	}{
		{"/pkg.Service/Method", "pkg.Service", "Method"},
		{"/pkg.Service", "pkg.Service", ""},
		{"Method", "", "Method"},
		{"", "", ""},
	}
	for _, tc := range tests {
		service, method := splitFullMethod(tc.in)
		if service != tc.service || method != tc.method {
			t.Errorf("splitFullMethod(%q) = (%q, %q), want (%q, %q)", tc.in, service, method, tc.service, tc.method)
		}
	}
}

func TestTargetHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"10.0.0.1:443", "10.0.0.1"},
		{"dns:///api.example.com:443", "api.example.com"},
		{"passthrough:///localhost:50051", "localhost"},
		{"dns://8.8.8.8/api.example.com:443", "api.example.com"},
		{"dns:///api.example.com", "api.example.com"},
		{"unix:///tmp/grpc.sock", "/tmp/grpc.sock"},
		{"unix:/tmp/grpc.sock", "/tmp/grpc.sock"},
		{"localhost:50051", "localhost"},
		{"api.example.com", "api.example.com"},
		{"[::1]:50051", "::1"},
	}
	for _, tc := range tests {
		if got := targetHost(tc.in); got != tc.want {
			t.Errorf("targetHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStreamKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		client, server bool
		want           string
	}{
		{false, false, KindUnary},
		{true, false, KindClientStream},
		{false, true, KindServerStream},
		{true, true, KindBidiStream},
	}
	for _, tc := range tests {
		if got := streamKind(tc.client, tc.server); got != tc.want {
			t.Errorf("streamKind(%v, %v) = %q, want %q", tc.client, tc.server, got, tc.want)
		}
	}
}

func TestServerAndDialOptions(t *testing.T) {
	t.Parallel()

	if got := len(ServerOptions()); got != 3 {
		t.Fatalf("len(ServerOptions()) = %d, want 3", got)
	}
	if got := len(ServerOptions(WithOTel(false))); got != 2 {
		t.Fatalf("len(ServerOptions(WithOTel(false))) = %d, want 2", got)
	}
	if got := len(DialOptions(WithOTel(false))); got != 2 {
		t.Fatalf("len(DialOptions(WithOTel(false))) = %d, want 2", got)
	}
}

func TestMetadataCarrier(t *testing.T) {
	t.Parallel()

	carrier := metadataCarrier{metadata.MD{}}
	carrier.Set("Traceparent", testTraceparent)
	if got := carrier.Get("traceparent"); got != testTraceparent {
		t.Fatalf("Get(traceparent) = %q", got)
	}
	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("Get(missing) = %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Fatalf("Keys() = %v", keys)
	}
}
