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
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

var goroutineNamePattern = regexp.MustCompile(`^goroutine-[1-9]\d*$`)

// TestGoroutineNameDiffersAcrossGoroutines resolves on the calling goroutine.
func TestGoroutineNameDiffersAcrossGoroutines(t *testing.T) {
	t.Parallel()

	here := GoroutineName.Resolve().(string)
	if !goroutineNamePattern.MatchString(here) {
		t.Fatalf("GoroutineName = %q", here)
	}
	if again := GoroutineName.Resolve(); again != here {
		t.Fatalf("same goroutine resolved %q then %q", here, again)
	}

	var wg sync.WaitGroup
	var other string
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = GoroutineName.Resolve().(string)
	}()
	wg.Wait()
	if other == here || !goroutineNamePattern.MatchString(other) {
		t.Fatalf("other goroutine resolved %q, here %q", other, here)
	}
}

// TestGlobalIdentifiers embed the normalized host and pid.
func TestGlobalIdentifiers(t *testing.T) {
	t.Parallel()

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	wantPID := normalizeHost(host) + "-" + strconv.Itoa(os.Getpid())
	if got := GlobalPID.Resolve(); got != wantPID {
		t.Fatalf("GlobalPID = %v, want %q", got, wantPID)
	}

	thread := GlobalThreadID.Resolve().(string)
	prefix := wantPID + "-"
	if !strings.HasPrefix(thread, prefix) {
		t.Fatalf("GlobalThreadID = %q, want prefix %q", thread, prefix)
	}
	if _, err := strconv.ParseUint(strings.TrimPrefix(thread, prefix), 10, 64); err != nil {
		t.Fatalf("GlobalThreadID suffix is not a goroutine id: %q", thread)
	}
}

// TestNormalizeHost keeps ASCII letters and digits only.
func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"web-01.example.com": "web-01-example-com",
		"Host_9":             "Host-9",
		"héte":               "h-te",
		"":                   "",
	}
	for in, want := range tests {
		if got := normalizeHost(in); got != want {
			t.Fatalf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestResolveProviderRecoversPanics renders a marker instead of failing.
func TestResolveProviderRecoversPanics(t *testing.T) {
	t.Parallel()

	got := resolveProvider(ValueProviderFunc(func() any { panic("nope") }))
	if got != "!PANIC: nope" {
		t.Fatalf("resolveProvider = %v", got)
	}
}

// TestSnapshotTagsScopedToSettings captures providers once per settings.
func TestSnapshotTagsScopedToSettings(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newConfig()
	c.Tag("static", "v")
	c.Tag("lazy", ValueProviderFunc(func() any {
		calls++
		return calls
	}))
	s := c.freeze()
	other := newConfig().freeze()

	if ctx := snapshotTags(context.Background(), other); ctx != context.Background() {
		t.Fatalf("settings without providers changed the context")
	}

	ctx := snapshotTags(context.Background(), s)
	snap := tagSnapshot(ctx, s)
	if len(snap) != 1 || snap["lazy"] != 1 {
		t.Fatalf("snapshot = %v, want lazy=1 only", snap)
	}
	if tagSnapshot(ctx, other) != nil {
		t.Fatalf("snapshot leaked to unrelated settings")
	}
	var nilCtx context.Context
	if tagSnapshot(nilCtx, s) != nil {
		t.Fatalf("nil context produced a snapshot")
	}
}
