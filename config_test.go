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
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestConfigDefaults documents the zero-configuration settings.
func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	s := newConfig().freeze()
	if s.maxMessageLength != 0 || s.cleaner != nil {
		t.Fatalf("unexpected length/cleaner defaults: %+v", s)
	}
	if s.threadNameMode != ThreadNameOff || s.pidMode != PIDOn {
		t.Fatalf("modes = (%v, %v), want (off, on)", s.threadNameMode, s.pidMode)
	}
	if !s.passThrough || s.pretty || !s.traceCorrelation {
		t.Fatalf("flags = pass-through %v pretty %v trace %v", s.passThrough, s.pretty, s.traceCorrelation)
	}
	if len(s.tags) != 0 {
		t.Fatalf("tags = %v, want none", s.tags)
	}
}

// TestConfigValidateCollectsEveryProblem joins all failures into one error.
func TestConfigValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()

	var nilCleaner *sliceCleaner
	c := newConfig()
	c.SetMaxMessageLength(-1)
	c.SetBacktraceCleaner(nilCleaner)
	c.RemapFields(map[string]TransformSpec{"a": Path{"x", ""}})
	c.Tag("", 1)

	err := c.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
	}
	for _, fragment := range []string{"max message length", "backtrace cleaner", "empty path element", "empty key"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("Validate() error %q missing %q", err, fragment)
		}
	}
}

// TestConfigValidateAcceptsValidSettings guards against false positives.
func TestConfigValidateAcceptsValidSettings(t *testing.T) {
	t.Parallel()

	c := newConfig()
	c.SetMaxMessageLength(1)
	c.SetBacktraceCleaner(&sliceCleaner{keep: 1})
	c.SetThreadNameMode(ThreadNameGlobal)
	c.SetPIDMode(PIDGlobal)
	c.RemapFields(map[string]TransformSpec{
		"a": Key("b"),
		"c": Path{"d", "e"},
		"f": TransformFunc(func(any) map[string]any { return nil }),
		"g": Wildcard,
	})
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

// TestConfigClearMaxMessageLength drops a previously invalid limit.
func TestConfigClearMaxMessageLength(t *testing.T) {
	t.Parallel()

	c := newConfig()
	c.SetMaxMessageLength(0)
	c.ClearMaxMessageLength()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() after Clear = %v, want nil", err)
	}
	if s := c.freeze(); s.maxMessageLength != 0 {
		t.Fatalf("maxMessageLength = %d, want unset", s.maxMessageLength)
	}
}

// TestConfigRemapFieldsLaterWins merges repeated remaps per key.
func TestConfigRemapFieldsLaterWins(t *testing.T) {
	t.Parallel()

	path := Path{"a", "b"}
	c := newConfig()
	c.RemapFields(map[string]TransformSpec{"x": Key("first"), "y": path})
	c.RemapFields(map[string]TransformSpec{"x": Key("second")})
	path[0] = "mutated"

	want := map[string]TransformSpec{"x": Key("second"), "y": Path{"a", "b"}}
	if diff := cmp.Diff(want, c.fieldMapping); diff != "" {
		t.Fatalf("fieldMapping mismatch (-want +got):\n%s", diff)
	}
}

// TestConfigLoadFieldMapping reads literal keys, paths and the wildcard from YAML.
func TestConfigLoadFieldMapping(t *testing.T) {
	t.Parallel()

	c := newConfig()
	c.RemapFields(map[string]TransformSpec{"user_id": Key("old")})
	doc := `
user_id: usr.id
request_path: [http, url_details, path]
attributes: "*"
`
	if err := c.LoadFieldMapping(strings.NewReader(doc)); err != nil {
		t.Fatalf("LoadFieldMapping() = %v", err)
	}
	want := map[string]TransformSpec{
		"user_id":       Key("usr.id"),
		"request_path":  Path{"http", "url_details", "path"},
		FieldAttributes: Wildcard,
	}
	if diff := cmp.Diff(want, c.fieldMapping); diff != "" {
		t.Fatalf("fieldMapping mismatch (-want +got):\n%s", diff)
	}
}

// TestConfigLoadFieldMappingErrors rejects malformed documents without partial merges.
func TestConfigLoadFieldMappingErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "syntax", doc: "a: [b"},
		{name: "number", doc: "a: 3"},
		{name: "nested map", doc: "a: {b: c}"},
		{name: "mixed path", doc: "a: [b, 2]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newConfig()
			err := c.LoadFieldMapping(strings.NewReader(tc.doc))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("LoadFieldMapping() = %v, want ErrInvalidConfig", err)
			}
			if len(c.fieldMapping) != 0 {
				t.Fatalf("fieldMapping = %v, want untouched", c.fieldMapping)
			}
		})
	}

	if err := newConfig().LoadFieldMapping(strings.NewReader("")); err != nil {
		t.Fatalf("LoadFieldMapping(empty) = %v, want nil", err)
	}
}

// TestConfigFreezeInstallsProviders maps modes to tag providers.
func TestConfigFreezeInstallsProviders(t *testing.T) {
	t.Parallel()

	c := newConfig()
	c.SetThreadNameMode(ThreadNameGlobal)
	c.SetPIDMode(PIDGlobal)
	c.Tag("team", "payments")
	s := c.freeze()

	var keys []string
	for _, tg := range s.tags {
		keys = append(keys, tg.key)
	}
	if diff := cmp.Diff([]string{ThreadNameKey, FieldPID, "team"}, keys); diff != "" {
		t.Fatalf("tag keys mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.tags[0].value.(ValueProvider); !ok {
		t.Fatalf("thread tag = %T, want ValueProvider", s.tags[0].value)
	}
	if got := s.tags[1].value.(ValueProvider).Resolve(); got != globalPIDString() {
		t.Fatalf("pid tag = %v, want %v", got, globalPIDString())
	}

	c.Tag("late", 1)
	if len(s.tags) != 3 {
		t.Fatalf("frozen settings observed a later Tag call")
	}
}

// TestConfigApplyEnv overlays variables and ignores malformed ones.
func TestConfigApplyEnv(t *testing.T) {
	t.Setenv(envLogLevel, "notice")
	t.Setenv(envMaxMessageLength, "-4")
	t.Setenv(envThreadName, "global")
	t.Setenv(envPID, "false")
	t.Setenv(envAllAttributes, "0")
	t.Setenv(envPretty, "yes please")
	t.Setenv(envFieldMappingFile, "")

	var diag strings.Builder
	logger := slog.New(slog.NewTextHandler(&diag, nil))

	c := newConfig()
	if err := c.applyEnv(logger); err != nil {
		t.Fatalf("applyEnv() = %v", err)
	}
	if c.level == nil || *c.level != LevelNotice.Level() {
		t.Fatalf("level = %v, want NOTICE", c.level)
	}
	if c.hasMaxMessageLength {
		t.Fatalf("invalid max length applied: %d", c.maxMessageLength)
	}
	if c.threadNameMode != ThreadNameGlobal || c.pidMode != PIDOff {
		t.Fatalf("modes = (%v, %v), want (global, off)", c.threadNameMode, c.pidMode)
	}
	if c.passThrough || c.pretty {
		t.Fatalf("pass-through %v pretty %v, want false false", c.passThrough, c.pretty)
	}
	for _, fragment := range []string{"invalid max message length", "invalid boolean"} {
		if !strings.Contains(diag.String(), fragment) {
			t.Fatalf("diagnostics %q missing %q", diag.String(), fragment)
		}
	}
}

// TestParseModeEnv normalizes the accepted spellings.
func TestParseModeEnv(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"off":       "off",
		" ON ":      "on",
		"true":      "on",
		"0":         "off",
		"GLOBAL":    "global",
		"sometimes": "",
	}
	for raw, want := range tests {
		if got := parseModeEnv(raw); got != want {
			t.Fatalf("parseModeEnv(%q) = %q, want %q", raw, got, want)
		}
	}
}

// TestModeStrings covers the enum names used in diagnostics.
func TestModeStrings(t *testing.T) {
	t.Parallel()

	if got := ThreadNameGlobal.String(); got != "global" {
		t.Fatalf("ThreadNameGlobal.String() = %q", got)
	}
	if got := PIDOff.String(); got != "off" {
		t.Fatalf("PIDOff.String() = %q", got)
	}
}

type sliceCleaner struct{ keep int }

// Clean keeps the first keep lines.
func (c *sliceCleaner) Clean(lines []string) []string {
	if len(lines) > c.keep {
		return lines[:c.keep]
	}
	return lines
}
