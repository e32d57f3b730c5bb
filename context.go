// Copyright 2025-2026 Patrick J. Scruggs
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
	"context"
	"log/slog"
)

type contextKey int

const (
	loggerContextKey contextKey = iota
)

// snapshotKey scopes resolved tag values to the settings that produced them,
// so a context crossing two independent handlers is not misread.
type snapshotKey struct {
	s *settings
}

// ContextWithLogger returns a child context carrying logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger returns the logger stored by ContextWithLogger, or slog.Default.
func Logger(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// snapshotTags resolves every provider-valued tag of s on the calling
// goroutine and stores the results in ctx.
func snapshotTags(ctx context.Context, s *settings) context.Context {
	var resolved map[string]any
	for _, t := range s.tags {
		p, ok := t.value.(ValueProvider)
		if !ok {
			continue
		}
		if resolved == nil {
			resolved = make(map[string]any, len(s.tags))
		}
		resolved[t.key] = resolveProvider(p)
	}
	if resolved == nil {
		return ctx
	}
	return context.WithValue(ctx, snapshotKey{s: s}, resolved)
}

// tagSnapshot returns values captured by snapshotTags for s.
func tagSnapshot(ctx context.Context, s *settings) map[string]any {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(snapshotKey{s: s}).(map[string]any)
	return m
}
