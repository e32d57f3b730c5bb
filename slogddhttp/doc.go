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
Package slogddhttp provides net/http middleware and a client transport that
attach request-scoped slog loggers carrying Datadog standard attributes.

[Middleware] extracts incoming trace context, optionally wraps the handler
with otelhttp, and stores a logger in the request context that already
carries http.method, http.url_details.*, http.useragent, network.client.ip
and the dd/otel trace correlation groups. Handlers retrieve it with
slogdd.Logger(r.Context()). After the handler returns, one access record is
logged with http.status_code, network.bytes_written and duration_ns; 5xx
responses log at ERROR and 4xx at WARN.

	h, err := slogdd.NewHandler(os.Stdout, nil)
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(h)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		slogdd.Logger(r.Context()).Info("loading order")
	})
	http.ListenAndServe(":8080", slogddhttp.Middleware(slogddhttp.WithLogger(logger))(mux))

[Transport] does the same for outbound requests and injects trace headers.
*/
package slogddhttp
