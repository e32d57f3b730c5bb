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
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var frameLine = regexp.MustCompile(`^\S+ \(.+:\d+\)$`)

// TestWithStack wraps once and preserves the chain.
func TestWithStack(t *testing.T) {
	t.Parallel()

	if WithStack(nil) != nil {
		t.Fatalf("WithStack(nil) != nil")
	}

	base := errors.New("base")
	wrapped := WithStack(base)
	if !errors.Is(wrapped, base) {
		t.Fatalf("errors.Is lost the wrapped error")
	}
	if wrapped.Error() != "base" {
		t.Fatalf("Error() = %q", wrapped.Error())
	}
	if again := WithStack(wrapped); again != wrapped {
		t.Fatalf("WithStack rewrapped an error that already has a stack")
	}

	lines := errorStack(wrapped)
	if len(lines) == 0 {
		t.Fatalf("errorStack returned no lines")
	}
	if !strings.Contains(lines[0], "TestWithStack") {
		t.Fatalf("first frame = %q, want the test function", lines[0])
	}
	for _, line := range lines {
		if !frameLine.MatchString(line) {
			t.Fatalf("frame %q is not formatted as fn (file:line)", line)
		}
	}
	if errorStack(base) != nil {
		t.Fatalf("errorStack(plain) != nil")
	}
}

// TestCaptureStackTrimsInternalFrames drops leading runtime and package
// frames, so inside this package's tests the first kept frame belongs to the
// testing package.
func TestCaptureStackTrimsInternalFrames(t *testing.T) {
	t.Parallel()

	for _, lines := range [][]string{captureFromHelper(), CaptureStack(-1)} {
		if len(lines) == 0 {
			t.Fatalf("CaptureStack returned nothing")
		}
		if !strings.HasPrefix(lines[0], "testing.") {
			t.Fatalf("first frame = %q, want a testing frame", lines[0])
		}
		for _, line := range lines {
			if strings.HasPrefix(line, "runtime.goexit") {
				t.Fatalf("goexit frame leaked: %q", line)
			}
			if !frameLine.MatchString(line) {
				t.Fatalf("frame %q is not formatted as fn (file:line)", line)
			}
		}
	}
}

func captureFromHelper() []string {
	return CaptureStack(0)
}

// TestSkipInternalStackFrame classifies runtime, slog and package frames.
func TestSkipInternalStackFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{fn: "", want: false},
		{fn: "runtime.main", want: true},
		{fn: "log/slog.(*Logger).log", want: true},
		{fn: "github.com/pjscruggs/slogdd.Info", want: true},
		{fn: "github.com/pjscruggs/slogdd/slogddhttp.Middleware.func1", want: true},
		{fn: "main.main", want: false},
		{fn: "github.com/pjscruggs/slogddx.Run", want: false},
	}
	for _, tc := range tests {
		if got := SkipInternalStackFrame(tc.fn); got != tc.want {
			t.Fatalf("SkipInternalStackFrame(%q) = %v, want %v", tc.fn, got, tc.want)
		}
	}
}

// TestDropFrames removes matching lines without touching the input.
func TestDropFrames(t *testing.T) {
	t.Parallel()

	in := []string{
		"runtime.main (/go/src/runtime/proc.go:250)",
		"main.run (/app/main.go:10)",
		"log/slog.(*Logger).Info (/go/src/log/slog/logger.go:90)",
	}
	got := DropFrames(SkipInternalStackFrame).Clean(in)
	if diff := cmp.Diff([]string{"main.run (/app/main.go:10)"}, got); diff != "" {
		t.Fatalf("DropFrames mismatch (-want +got):\n%s", diff)
	}
	if len(in) != 3 || in[0] != "runtime.main (/go/src/runtime/proc.go:250)" {
		t.Fatalf("input mutated: %v", in)
	}
	if got := DropFrames(nil).Clean(in); len(got) != 3 {
		t.Fatalf("DropFrames(nil) dropped lines: %v", got)
	}
}
