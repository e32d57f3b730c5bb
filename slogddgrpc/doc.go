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
/*
Package slogddgrpc provides gRPC interceptors that attach request-scoped slog
loggers carrying Datadog trace correlation and grpc.* attributes.

Server interceptors extract incoming trace metadata (the configured
propagator, W3C traceparent, then x-datadog-* headers), derive a logger bound
to grpc.service, grpc.method, grpc.kind and network.client.ip, and store it in
the handler context. Handlers retrieve it with slogdd.Logger(ctx). When the
RPC finishes one access record is logged with grpc.code, message counts,
network byte totals, duration_ns and the error, if any. Codes caused by the
caller log at WARN and server faults at ERROR.

	h, err := slogdd.NewHandler(os.Stdout, nil)
	if err != nil {
		log.Fatal(err)
	}
	server := grpc.NewServer(slogddgrpc.ServerOptions(slogddgrpc.WithLogger(slog.New(h)))...)

Client interceptors inject trace metadata into outgoing calls and log one
record per RPC. [DialOptions] installs them along with the otelgrpc client
stats handler.
*/
package slogddgrpc
