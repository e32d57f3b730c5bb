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
	"runtime"
	"strconv"
	"strings"

	"github.com/pjscruggs/slogdd/internal/jsondevice"
)

// ThreadNameKey is the tag key carrying the goroutine name. The mapping
// places it at logger.thread_name.
const ThreadNameKey = "logger.thread_name"

// ValueProvider produces a tag value when a record is serialized. Resolve is
// called once per record and must be safe for concurrent use.
type ValueProvider = jsondevice.ValueProvider

// ValueProviderFunc adapts a function to ValueProvider.
type ValueProviderFunc = jsondevice.ValueProviderFunc

var (
	// GoroutineName resolves to the calling goroutine, e.g. "goroutine-17".
	GoroutineName ValueProvider = ValueProviderFunc(goroutineName)

	// GlobalThreadID resolves to "<host>-<pid>-<goroutine id>", unique across
	// processes and hosts.
	GlobalThreadID ValueProvider = ValueProviderFunc(globalThreadID)

	// GlobalPID resolves to "<host>-<pid>", with characters other than ASCII
	// letters and digits in the host name replaced by '-'.
	GlobalPID ValueProvider = ValueProviderFunc(globalPID)
)

func goroutineName() any {
	return "goroutine-" + strconv.FormatUint(goroutineID(), 10)
}

func globalThreadID() any {
	return globalPIDString() + "-" + strconv.FormatUint(goroutineID(), 10)
}

func globalPID() any {
	return globalPIDString()
}

func globalPIDString() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return normalizeHost(host) + "-" + strconv.Itoa(os.Getpid())
}

// normalizeHost replaces every byte outside [A-Za-z0-9] with '-'.
func normalizeHost(host string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, host)
}

// goroutineID parses the id from the "goroutine N [" header that
// runtime.Stack writes first. It returns 0 if the header is malformed.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
