package watch

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestIgnored(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"/repo/.git/index.lock", true},
		{"/repo/.git/refs/heads/main.LOCK", true},
		{"/repo/.git/objects/pack/tmp_pack_123", true},
		{"/repo/.git/refs/heads/main", false},
		{"/repo/.git/packed-refs", false},
	}
	for _, tt := range tests {
		if got := Ignored(tt.name); got != tt.want {
			t.Fatalf("Ignored(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPaths(t *testing.T) {
	gitDir := t.TempDir()
	for _, d := range []string{"refs/heads/feature", "refs/tags", "objects/pack"} {
		if err := os.MkdirAll(filepath.Join(gitDir, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	got := Paths(gitDir)
	want := []string{
		gitDir,
		filepath.Join(gitDir, "objects", "pack"),
		filepath.Join(gitDir, "refs"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "heads", "feature"),
		filepath.Join(gitDir, "refs", "tags"),
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Paths() = %v, want %v", got, want)
	}
}

func TestWatcherCoalescesRefUpdates(t *testing.T) {
	gitDir := t.TempDir()
	heads := filepath.Join(gitDir, "refs", "heads")
	if err := os.MkdirAll(heads, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	calls := make(chan struct{}, 10)
	w := New(gitDir, 50*time.Millisecond, func() { calls <- struct{}{} })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := range 3 {
		ref := filepath.Join(heads, "main")
		if err := os.WriteFile(ref, []byte{byte('a' + i), '\n'}, 0o644); err != nil {
			t.Fatalf("write ref: %v", err)
		}
	}
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatalf("no refresh after ref update")
	}
	select {
	case <-calls:
		t.Fatalf("burst produced more than one refresh")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(t.TempDir(), 0, func() {})
	w.Stop()
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
}
