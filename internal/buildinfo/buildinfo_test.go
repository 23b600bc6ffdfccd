package buildinfo

import (
	"strings"
	"testing"
)

func TestVersionWithTagsStartsWithVersion(t *testing.T) {
	v := Version()
	if v == "" {
		t.Fatal("empty version")
	}
	full := VersionWithTags()
	if !strings.HasPrefix(full, v) {
		t.Fatalf("VersionWithTags() = %q, want prefix %q", full, v)
	}
	if full != v && !strings.HasSuffix(full, ")") {
		t.Fatalf("malformed version suffix: %q", full)
	}
}
