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
	"runtime"
	"strconv"
	"strings"
	"sync"
)

const maxStackFrames = 64

var stackPCPool = sync.Pool{
	New: func() any {
		buf := make([]uintptr, maxStackFrames)
		return &buf
	},
}

// stackTracer is implemented by errors carrying program counters, such as
// those returned by WithStack. Compatible with github.com/pkg/errors style
// wrappers that expose []uintptr.
type stackTracer interface {
	StackTrace() []uintptr
}

// backtracer is implemented by errors carrying preformatted stack lines.
type backtracer interface {
	Backtrace() []string
}

// stackError attaches the program counters captured by WithStack.
type stackError struct {
	err error
	pcs []uintptr
}

// Error returns the wrapped error's text.
func (e *stackError) Error() string { return e.err.Error() }

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *stackError) Unwrap() error { return e.err }

// StackTrace returns the captured program counters.
func (e *stackError) StackTrace() []uintptr { return e.pcs }

// WithStack wraps err with the caller's stack so that decomposed error
// attributes carry a stack. It returns nil for a nil err and err itself when
// the chain already exposes a stack.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	var bt backtracer
	if errors.As(err, &st) || errors.As(err, &bt) {
		return err
	}
	var buf [maxStackFrames]uintptr
	n := runtime.Callers(2, buf[:])
	return &stackError{err: err, pcs: append([]uintptr(nil), buf[:n]...)}
}

// errorStack returns the stack lines exposed by the first error in err's
// chain that has any.
func errorStack(err error) []string {
	var bt backtracer
	if errors.As(err, &bt) {
		if lines := bt.Backtrace(); len(lines) > 0 {
			return append([]string(nil), lines...)
		}
	}
	var st stackTracer
	if errors.As(err, &st) {
		pcs := st.StackTrace()
		if len(pcs) > maxStackFrames {
			pcs = pcs[:maxStackFrames]
		}
		return formatFrames(pcs)
	}
	return nil
}

// formatFrames renders pcs as "function (file:line)" lines, omitting
// runtime.goexit and frames without symbol information.
func formatFrames(pcs []uintptr) []string {
	if len(pcs) == 0 {
		return nil
	}
	lines := make([]string, 0, len(pcs))
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		if frame.Function != "" && frame.Function != "runtime.goexit" {
			lines = append(lines, formatFrame(frame))
		}
		if !more || len(lines) >= maxStackFrames {
			break
		}
	}
	return lines
}

func formatFrame(frame runtime.Frame) string {
	var sb strings.Builder
	sb.Grow(len(frame.Function) + len(frame.File) + 16)
	sb.WriteString(frame.Function)
	sb.WriteString(" (")
	sb.WriteString(frame.File)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(frame.Line))
	sb.WriteByte(')')
	return sb.String()
}

// trimStackPCs removes leading frames that match skipFn while preserving the remainder.
func trimStackPCs(pcs []uintptr, skipFn func(string) bool) []uintptr {
	frames := runtime.CallersFrames(pcs)
	skip := 0
	for {
		frame, more := frames.Next()
		if !skipFn(frame.Function) {
			break
		}
		skip++
		if !more {
			return nil
		}
	}
	return pcs[skip:]
}

// SkipInternalStackFrame reports whether a frame belongs to the runtime,
// log/slog or slogdd itself.
func SkipInternalStackFrame(funcName string) bool {
	switch {
	case funcName == "":
		return false
	case strings.HasPrefix(funcName, "runtime."),
		strings.HasPrefix(funcName, "log/slog."),
		strings.HasPrefix(funcName, "github.com/pjscruggs/slogdd."),
		strings.HasPrefix(funcName, "github.com/pjscruggs/slogdd/"):
		return true
	default:
		return false
	}
}

// CaptureStack returns the current goroutine's stack as formatted lines,
// starting skip frames above its caller. Leading runtime, log/slog and slogdd
// frames are trimmed.
func CaptureStack(skip int) []string {
	if skip < 0 {
		skip = 0
	}
	bufPtr := stackPCPool.Get().(*[]uintptr)
	defer stackPCPool.Put(bufPtr)

	pcs := (*bufPtr)[:cap(*bufPtr)]
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	pcs = pcs[:n]
	if trimmed := trimStackPCs(pcs, SkipInternalStackFrame); len(trimmed) > 0 {
		pcs = trimmed
	}
	return formatFrames(pcs)
}

// DropFrames returns a cleaner that removes stack lines whose function
// matches skip, e.g. SkipInternalStackFrame.
func DropFrames(skip func(funcName string) bool) BacktraceCleaner {
	return BacktraceCleanerFunc(func(lines []string) []string {
		out := lines[:0:0]
		for _, line := range lines {
			fn, _, _ := strings.Cut(line, " (")
			if skip != nil && skip(fn) {
				continue
			}
			out = append(out, line)
		}
		return out
	})
}
