package buildinfo

import (
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit string) {
	t.Helper()
	oldV, oldC := Version, Commit
	Version, Commit = version, commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })
}

func TestShortPrefersVersion(t *testing.T) {
	stamp(t, "v1.2.3", "0123456789abcdef")
	if got := Short(); got != "v1.2.3" {
		t.Fatalf("Short: got %q", got)
	}
}

func TestShortFallsBackToCommit(t *testing.T) {
	stamp(t, "dev", "0123456789abcdef")
	if got := Short(); got != "0123456789ab" {
		t.Fatalf("Short: got %q", got)
	}
}

func TestString(t *testing.T) {
	stamp(t, "v1.2.3", "abc")
	got := String()
	if !strings.HasPrefix(got, "v1.2.3 (commit abc, built ") {
		t.Fatalf("String: got %q", got)
	}
}
