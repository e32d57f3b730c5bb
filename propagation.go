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

package slogdd

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const envDisablePropagatorAutoSet = "SLOGDD_DISABLE_PROPAGATOR_AUTOSET"

var installPropagatorOnce sync.Once

// EnsurePropagation installs a W3C Trace Context plus Baggage text map
// propagator as the OpenTelemetry global, so incoming traceparent headers
// reach the trace correlation fields. It runs at most once per process and
// leaves an application supplied propagator in place. Setting
// SLOGDD_DISABLE_PROPAGATOR_AUTOSET to a truthy value disables it.
//
// The HTTP middleware calls it when constructed.
func EnsurePropagation() {
	installPropagatorOnce.Do(func() {
		if disableAutoSet() {
			return
		}
		if len(otel.GetTextMapPropagator().Fields()) > 0 {
			return
		}
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})
}

// disableAutoSet reports whether automatic propagator installation is disabled
// via the SLOGDD_DISABLE_PROPAGATOR_AUTOSET environment variable.
func disableAutoSet() bool {
	raw := strings.TrimSpace(os.Getenv(envDisablePropagatorAutoSet))
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return b
}
