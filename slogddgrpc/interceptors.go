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
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/pjscruggs/slogdd"
)

// Messages of the completion records.
const (
	AccessLogMessage       = "grpc request completed"
	ClientAccessLogMessage = "grpc client request completed"
)

type requestInfoKey struct{}

// InfoFromContext returns the RequestInfo attached by the interceptors.
func InfoFromContext(ctx context.Context) (*RequestInfo, bool) {
	if ctx == nil {
		return nil, false
	}
	info, ok := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info, ok && info != nil
}

// UnaryServerInterceptor derives a request-scoped logger for unary RPCs and
// logs their completion.
func UnaryServerInterceptor(opts ...Option) grpc.UnaryServerInterceptor {
	cfg := applyOptions(opts)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		md, _ := metadata.FromIncomingContext(ctx)
		ctx, _ = ensureServerSpanContext(ctx, md, cfg)

		requestInfo := newRequestInfo(info.FullMethod, KindUnary, false, start)
		if cfg.includePeer {
			requestInfo.peer = peerAddress(ctx)
		}
		if cfg.includeSizes {
			requestInfo.recordRequest(req)
		}

		ctx, logger := attachLogger(ctx, cfg, requestInfo)

		resp, err := handler(ctx, req)
		if cfg.includeSizes && err == nil {
			requestInfo.recordResponse(resp)
		}
		requestInfo.finalize(status.Code(err), err, time.Since(start))
		logCompletion(ctx, cfg, logger, requestInfo)
		return resp, err
	}
}

// StreamServerInterceptor derives a request-scoped logger for streaming RPCs
// and logs their completion.
func StreamServerInterceptor(opts ...Option) grpc.StreamServerInterceptor {
	cfg := applyOptions(opts)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx := ss.Context()

		md, _ := metadata.FromIncomingContext(ctx)
		ctx, _ = ensureServerSpanContext(ctx, md, cfg)

		requestInfo := newRequestInfo(info.FullMethod, streamKind(info.IsClientStream, info.IsServerStream), false, start)
		if cfg.includePeer {
			requestInfo.peer = peerAddress(ctx)
		}

		ctx, logger := attachLogger(ctx, cfg, requestInfo)
		wrapped := &serverStream{
			ServerStream: ss,
			ctx:          ctx,
			info:         requestInfo,
			cfg:          cfg,
		}

		err := handler(srv, wrapped)
		requestInfo.finalize(status.Code(err), err, time.Since(start))
		logCompletion(ctx, cfg, logger, requestInfo)
		return err
	}
}

// UnaryClientInterceptor derives a logger per outgoing unary RPC, injects
// trace metadata and logs the completion.
func UnaryClientInterceptor(opts ...Option) grpc.UnaryClientInterceptor {
	cfg := applyOptions(opts)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		start := time.Now()

		requestInfo := newRequestInfo(method, KindUnary, true, start)
		if cfg.includePeer && cc != nil {
			requestInfo.peer = targetHost(cc.Target())
		}
		if cfg.includeSizes {
			requestInfo.recordRequest(req)
		}

		ctx, logger := attachLogger(ctx, cfg, requestInfo)
		ctx = outgoingWithTrace(ctx, cfg)

		err := invoker(ctx, method, req, reply, cc, callOpts...)
		if cfg.includeSizes && err == nil {
			requestInfo.recordResponse(reply)
		}
		requestInfo.finalize(status.Code(err), err, time.Since(start))
		logCompletion(ctx, cfg, logger, requestInfo)
		return err
	}
}

// StreamClientInterceptor derives a logger per outgoing streaming RPC and
// logs the completion when the stream ends.
func StreamClientInterceptor(opts ...Option) grpc.StreamClientInterceptor {
	cfg := applyOptions(opts)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		start := time.Now()

		requestInfo := newRequestInfo(method, streamKind(desc.ClientStreams, desc.ServerStreams), true, start)
		if cfg.includePeer && cc != nil {
			requestInfo.peer = targetHost(cc.Target())
		}

		ctx, logger := attachLogger(ctx, cfg, requestInfo)
		ctx = outgoingWithTrace(ctx, cfg)

		cs, err := streamer(ctx, desc, cc, method, callOpts...)
		if err != nil {
			requestInfo.finalize(status.Code(err), err, time.Since(start))
			logCompletion(ctx, cfg, logger, requestInfo)
			return nil, err
		}
		return &clientStream{
			ClientStream: cs,
			ctx:          ctx,
			cfg:          cfg,
			logger:       logger,
			info:         requestInfo,
			start:        start,
		}, nil
	}
}

// ServerOptions returns grpc.ServerOptions installing the otelgrpc stats
// handler and both server interceptors.
func ServerOptions(opts ...Option) []grpc.ServerOption {
	cfg := applyOptions(opts)
	var serverOpts []grpc.ServerOption
	if cfg.enableOTel {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler(statsHandlerOptions(cfg)...)))
	}
	return append(serverOpts,
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(opts...)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(opts...)),
	)
}

// DialOptions returns grpc.DialOptions installing the otelgrpc stats handler
// and both client interceptors.
func DialOptions(opts ...Option) []grpc.DialOption {
	cfg := applyOptions(opts)
	var dialOpts []grpc.DialOption
	if cfg.enableOTel {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler(statsHandlerOptions(cfg)...)))
	}
	return append(dialOpts,
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(opts...)),
		grpc.WithChainStreamInterceptor(StreamClientInterceptor(opts...)),
	)
}

// statsHandlerOptions configures otelgrpc from cfg.
func statsHandlerOptions(cfg *config) []otelgrpc.Option {
	var opts []otelgrpc.Option
	if cfg.tracerProvider != nil {
		opts = append(opts, otelgrpc.WithTracerProvider(cfg.tracerProvider))
	}
	if cfg.propagators != nil {
		opts = append(opts, otelgrpc.WithPropagators(cfg.propagators))
	}
	if len(cfg.spanAttributes) > 0 {
		opts = append(opts, otelgrpc.WithSpanAttributes(cfg.spanAttributes...))
	}
	for _, filter := range cfg.filters {
		opts = append(opts, otelgrpc.WithFilter(filter))
	}
	return opts
}

// attachLogger stores a request-scoped logger and info in ctx.
func attachLogger(ctx context.Context, cfg *config, info *RequestInfo) (context.Context, *slog.Logger) {
	traceAttrs, _ := slogdd.TraceAttributes(ctx)
	attrs := info.loggerAttrs(cfg, traceAttrs)
	for _, enricher := range cfg.attrEnrichers {
		if extra := enricher(ctx, info); len(extra) > 0 {
			attrs = append(attrs, extra...)
		}
	}
	for _, transformer := range cfg.attrTransformers {
		attrs = transformer(ctx, attrs, info)
	}

	base := cfg.logger
	if base == nil {
		base = slogdd.Logger(ctx)
	}
	logger := base
	if len(attrs) > 0 {
		logger = slog.New(base.Handler().WithAttrs(attrs))
	}

	ctx = slogdd.ContextWithLogger(ctx, logger)
	ctx = context.WithValue(ctx, requestInfoKey{}, info)
	return ctx, logger
}

// outgoingWithTrace copies the outgoing metadata of ctx and injects trace
// context into it.
func outgoingWithTrace(ctx context.Context, cfg *config) context.Context {
	if !cfg.propagateTrace {
		return ctx
	}
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	injectClientTrace(ctx, md, cfg)
	return metadata.NewOutgoingContext(ctx, md)
}

// logCompletion emits the access record at a level derived from the status
// code.
func logCompletion(ctx context.Context, cfg *config, logger *slog.Logger, info *RequestInfo) {
	if !cfg.accessLog {
		return
	}
	level := CodeLevel(info.Status())
	if !logger.Enabled(ctx, level) {
		return
	}
	msg := AccessLogMessage
	if info.client {
		msg = ClientAccessLogMessage
	}
	logger.LogAttrs(ctx, level, msg, info.completionAttrs(cfg)...)
}

// CodeLevel maps a status code to the level of its completion record: INFO
// for OK, WARN for codes caused by the caller and ERROR for server faults.
func CodeLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.Canceled, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.ResourceExhausted,
		codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// peerAddress extracts the remote host from the peer in ctx.
func peerAddress(ctx context.Context) string {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr == nil || pr.Addr == nil {
		return ""
	}
	return targetHost(pr.Addr.String())
}

// targetHost strips the port and any resolver scheme from addr. Targets of
// the form scheme://authority/endpoint keep only the endpoint host; unix
// targets keep the socket path.
func targetHost(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" && u.Opaque == "" {
		if u.Scheme == "unix" {
			return u.Path
		}
		addr = strings.TrimPrefix(u.Path, "/")
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// streamKind names a stream from its directions.
func streamKind(clientStreams, serverStreams bool) string {
	switch {
	case clientStreams && serverStreams:
		return KindBidiStream
	case clientStreams:
		return KindClientStream
	case serverStreams:
		return KindServerStream
	default:
		return KindUnary
	}
}

type serverStream struct {
	grpc.ServerStream
	ctx  context.Context
	info *RequestInfo
	cfg  *config
}

// Context returns the request context carrying the scoped logger.
func (s *serverStream) Context() context.Context {
	return s.ctx
}

// RecvMsg records inbound message sizes.
func (s *serverStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil && s.cfg.includeSizes {
		s.info.recordRequest(m)
	}
	return err
}

// SendMsg records outbound message sizes.
func (s *serverStream) SendMsg(m any) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil && s.cfg.includeSizes {
		s.info.recordResponse(m)
	}
	return err
}

type clientStream struct {
	grpc.ClientStream
	ctx    context.Context
	cfg    *config
	logger *slog.Logger
	info   *RequestInfo
	start  time.Time
	once   sync.Once
}

// SendMsg records outbound message sizes and finishes the RPC on error.
func (c *clientStream) SendMsg(m any) error {
	err := c.ClientStream.SendMsg(m)
	if err != nil {
		c.finish(err)
		return err
	}
	if c.cfg.includeSizes {
		c.info.recordRequest(m)
	}
	return nil
}

// RecvMsg records inbound message sizes and finishes the RPC when the stream
// ends.
func (c *clientStream) RecvMsg(m any) error {
	err := c.ClientStream.RecvMsg(m)
	if err == nil {
		if c.cfg.includeSizes {
			c.info.recordResponse(m)
		}
		return nil
	}
	if errors.Is(err, io.EOF) {
		c.finish(nil)
	} else {
		c.finish(err)
	}
	return err
}

// CloseSend finishes the RPC when closing fails.
func (c *clientStream) CloseSend() error {
	err := c.ClientStream.CloseSend()
	if err != nil {
		c.finish(err)
	}
	return err
}

// finish finalizes and logs the RPC exactly once.
func (c *clientStream) finish(err error) {
	c.once.Do(func() {
		c.info.finalize(status.Code(err), err, time.Since(c.start))
		logCompletion(c.ctx, c.cfg, c.logger, c.info)
	})
}
