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
	"fmt"
	"log/slog"
	"reflect"
)

// Registry dispatches values to handlers by runtime type. A handler
// registered for a concrete type matches only that type; one registered for
// an interface matches every value implementing it.
//
// When several handlers match, the concrete one wins, then the interface with
// the most methods, then the most recent registration. Registries are
// populated during configuration and are read-only once a handler is built.
type Registry struct {
	entries []registryEntry
}

type registryEntry struct {
	typ reflect.Type
	fn  func(any) any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn as the handler for values of type T.
func Register[T any](r *Registry, fn func(T) any) {
	if r == nil || fn == nil {
		return
	}
	r.entries = append(r.entries, registryEntry{
		typ: reflect.TypeFor[T](),
		fn: func(v any) any {
			return fn(v.(T))
		},
	})
}

// Len reports the number of registrations.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// lookup returns the handler for v's dynamic type.
func (r *Registry) lookup(v any) (func(any) any, bool) {
	if r == nil || v == nil || len(r.entries) == 0 {
		return nil, false
	}
	rt := reflect.TypeOf(v)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].typ == rt {
			return r.entries[i].fn, true
		}
	}

	var (
		best        func(any) any
		bestMethods = -1
	)
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.typ.Kind() != reflect.Interface || !rt.Implements(e.typ) {
			continue
		}
		if n := e.typ.NumMethod(); n > bestMethods {
			best, bestMethods = e.fn, n
		}
	}
	return best, best != nil
}

// Format applies the matching handler to v. It reports false, returning v
// unchanged, when nothing matches or the handler panics.
func (r *Registry) Format(v any) (out any, ok bool) {
	fn, found := r.lookup(v)
	if !found {
		return v, false
	}
	defer func() {
		if rec := recover(); rec != nil {
			out, ok = v, false
		}
	}()
	return fn(v), true
}

// merge appends the registrations of other after those of r.
func (r *Registry) merge(other *Registry) {
	if other == nil {
		return
	}
	r.entries = append(r.entries, other.entries...)
}

// TaggedMessage is produced by message formatters that need to keep the
// original value alongside display text. Attrs are added to the record.
type TaggedMessage struct {
	Message string
	Attrs   []slog.Attr
}

// formatErrorMessage is the built-in message handler for errors.
func formatErrorMessage(err error) any {
	return TaggedMessage{
		Message: err.Error(),
		Attrs:   []slog.Attr{slog.Any(ErrorKey, err)},
	}
}

// ErrorKey is the attribute under which an error logged as a message is kept.
const ErrorKey = "error"

// ErrorDecomposition is the structured form of an error attribute.
type ErrorDecomposition struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Stack   []string `json:"stack,omitempty"`
}

// decomposeError expands err. Stack lines come from the first error in the
// chain that exposes them and pass through cleaner when one is set.
func decomposeError(err error, cleaner BacktraceCleaner) ErrorDecomposition {
	d := ErrorDecomposition{
		Kind:    errorKind(err),
		Message: err.Error(),
	}
	lines := errorStack(err)
	if len(lines) > 0 && cleaner != nil {
		lines = cleaner.Clean(lines)
	}
	if len(lines) > 0 {
		d.Stack = lines
	}
	return d
}

// errorKind names the type of err, looking through the wrapper added by
// WithStack.
func errorKind(err error) string {
	var se *stackError
	if errors.As(err, &se) && se == err {
		return fmt.Sprintf("%T", se.err)
	}
	return fmt.Sprintf("%T", err)
}

// defaultMessages serves loggers whose handler does not expose a registry.
var defaultMessages = func() *Registry {
	r := NewRegistry()
	Register(r, formatErrorMessage)
	return r
}()

// formatMessage converts msg to display text plus any attributes its
// formatter attached.
func formatMessage(r *Registry, msg any) (string, []slog.Attr) {
	if s, ok := msg.(string); ok {
		return s, nil
	}
	out, ok := r.Format(msg)
	if !ok {
		return textOf(msg), nil
	}
	switch v := out.(type) {
	case TaggedMessage:
		return v.Message, v.Attrs
	case *TaggedMessage:
		if v == nil {
			return textOf(msg), nil
		}
		return v.Message, v.Attrs
	default:
		return textOf(v), nil
	}
}
