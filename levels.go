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
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Level extends slog.Level with the remaining syslog severities Datadog
// recognizes as log statuses. Values stay compatible with slog.Level.
type Level slog.Level

const (
	// LevelDebug maps to status "DEBUG".
	LevelDebug Level = Level(slog.LevelDebug) // -4

	// LevelInfo maps to status "INFO".
	LevelInfo Level = Level(slog.LevelInfo) // 0

	// LevelNotice maps to status "NOTICE".
	LevelNotice Level = 2

	// LevelWarn maps to status "WARN".
	LevelWarn Level = Level(slog.LevelWarn) // 4

	// LevelError maps to status "ERROR".
	LevelError Level = Level(slog.LevelError) // 8

	// LevelCritical maps to status "CRITICAL".
	LevelCritical Level = 12

	// LevelAlert maps to status "ALERT".
	LevelAlert Level = 16

	// LevelEmergency maps to status "EMERGENCY".
	LevelEmergency Level = 20
)

var levelNames = []struct {
	level Level
	name  string
}{
	{LevelDebug, "DEBUG"},
	{LevelInfo, "INFO"},
	{LevelNotice, "NOTICE"},
	{LevelWarn, "WARN"},
	{LevelError, "ERROR"},
	{LevelCritical, "CRITICAL"},
	{LevelAlert, "ALERT"},
	{LevelEmergency, "EMERGENCY"},
}

// String returns the Datadog status for l. Levels between the named ones are
// rendered relative to the nearest lower name, e.g. "INFO+1" or "DEBUG-2".
func (l Level) String() string {
	base := levelNames[0]
	for _, candidate := range levelNames {
		if l < candidate.level {
			break
		}
		base = candidate
	}
	offset := int(l - base.level)
	if offset == 0 {
		return base.name
	}
	return fmt.Sprintf("%s%+d", base.name, offset)
}

// Level returns the underlying slog.Level so Level satisfies slog.Leveler.
func (l Level) Level() slog.Level {
	return slog.Level(l)
}

// statusName renders a slog level as a Datadog status.
func statusName(level slog.Level) string {
	return Level(level).String()
}

// parseLevel accepts status names, case-insensitively, "warning", and plain
// integers.
func parseLevel(raw string) (slog.Level, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return 0, false
	}
	if trimmed == "warning" {
		return slog.LevelWarn, true
	}
	for _, candidate := range levelNames {
		if strings.EqualFold(candidate.name, trimmed) {
			return slog.Level(candidate.level), true
		}
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return slog.Level(n), true
	}
	return 0, false
}
