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

// Package slogdd provides a [log/slog] handler that reshapes every record into
// the JSON document layout used by the Datadog log management backend.
//
// The primary entry point is [NewHandler]. Each record passes through a
// resolved field mapping built once from a [Config]:
//   - the standard fields land under `timestamp`, `status`, `logger.name`
//     and `pid`;
//   - attributes are remapped, nested or transformed by [TransformSpec]
//     entries and the rest pass through verbatim unless disabled;
//   - `duration`, `duration_ms`, `duration_micros` and `duration_ns` are all
//     normalized to nanoseconds under `duration`;
//   - the message is stringified and optionally truncated.
//
// Values are routed through two type dispatch registries before mapping. The
// message registry turns non-string messages handed to [Log] and friends into
// text; by default an error logs its text and keeps the error under `error`.
// The attribute registry decomposes errors into `kind`, `message` and
// `stack`. Both can be extended with [Register] inside the configuration
// callback.
//
// Lazy tags such as the goroutine name ([ThreadNameOn]) or a host qualified
// pid ([PIDGlobal]) are resolved once per record. When the handler is wrapped
// in [github.com/pjscruggs/slogdd/slogddasync] they are resolved on the
// logging goroutine before the record is queued.
//
// Records logged with a context carrying an OpenTelemetry span get
// `dd.trace_id` and `dd.span_id` in the decimal form Datadog correlates on,
// and the Datadog unified service tags (DD_SERVICE, DD_ENV, DD_VERSION) are
// attached as `service`, `env` and `version`.
//
// # Subpackages
//
//   - [github.com/pjscruggs/slogdd/slogddhttp] offers net/http middleware
//     with request scoped loggers and access logs.
//   - [github.com/pjscruggs/slogdd/slogddgrpc] provides server interceptors
//     that log RPC completion with codes, sizes and durations.
//   - [github.com/pjscruggs/slogdd/slogddasync] wraps any handler with a
//     bounded queue and worker goroutines.
//
// # Quick Start
//
//	handler, err := slogdd.NewHandler(os.Stdout, func(c *slogdd.Config) {
//	    c.SetThreadNameMode(slogdd.ThreadNameOn)
//	})
//	if err != nil {
//	    log.Fatalf("create slogdd handler: %v", err)
//	}
//	defer handler.Close()
//
//	logger := slog.New(handler)
//	logger.Info("application started", "duration_ms", 12.5)
//
// # Configuration
//
// The SLOGDD_LEVEL, SLOGDD_MAX_MESSAGE_LENGTH, SLOGDD_THREAD_NAME, SLOGDD_PID,
// SLOGDD_ALL_ATTRIBUTES, SLOGDD_PRETTY and SLOGDD_FIELD_MAPPING_FILE
// variables seed the [Config] before the callback runs, so code always has
// the final word. A mapping file is YAML:
//
//	user_id: usr.id
//	request_path: [http, url_details, path]
package slogdd
