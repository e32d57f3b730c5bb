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

// Package slogddasync queues slog records on a bounded channel and drains
// them with worker goroutines. It wraps any [slog.Handler]; slogdd uses it
// when [github.com/pjscruggs/slogdd.WithAsync] is supplied.
//
// Values that depend on the logging goroutine must be captured before the
// record crosses the queue. [WithContextSnapshot] registers hooks that run
// on the caller goroutine and return the context handed to the workers:
//
//	async := slogddasync.Wrap(inner,
//		slogddasync.WithQueueSize(4096),
//		slogddasync.WithDropMode(slogddasync.DropModeDropNewest),
//		slogddasync.WithContextSnapshot(captureRequestValues),
//	)
//
// The following environment variables are recognized when [WithEnv] is
// supplied:
//   - SLOGDD_ASYNC_ENABLED: true/false to toggle the wrapper
//   - SLOGDD_ASYNC_QUEUE_SIZE: channel capacity (0 makes the queue unbuffered)
//   - SLOGDD_ASYNC_DROP_MODE: block | drop_newest | drop_oldest
//   - SLOGDD_ASYNC_WORKERS: number of worker goroutines
//   - SLOGDD_ASYNC_BATCH_SIZE: records drained per worker wake-up
//   - SLOGDD_ASYNC_FLUSH_TIMEOUT: duration string used by Close
//
// Values that do not parse are ignored and reported on the error writer.
package slogddasync
