package graph

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
)

func TestLanesLine(t *testing.T) {
	a := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c := plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc")

	lanes := NewLanes()
	if line := lanes.Line(a, []plumbing.Hash{b}); line != "*" {
		t.Fatalf("unexpected graph for first commit: %q", line)
	}
	if line := lanes.Line(b, []plumbing.Hash{c}); line != "*" {
		t.Fatalf("unexpected graph after advancing: %q", line)
	}
	if line := lanes.Line(c, nil); line != "*" {
		t.Fatalf("unexpected graph for root commit: %q", line)
	}
}

func TestLanesMerge(t *testing.T) {
	m := plumbing.NewHash("1111111111111111111111111111111111111111")
	p1 := plumbing.NewHash("2222222222222222222222222222222222222222")
	p2 := plumbing.NewHash("3333333333333333333333333333333333333333")
	base := plumbing.NewHash("4444444444444444444444444444444444444444")

	lanes := NewLanes()
	steps := []struct {
		id      plumbing.Hash
		parents []plumbing.Hash
		want    string
	}{
		{m, []plumbing.Hash{p1, p2}, "*"},
		{p2, []plumbing.Hash{base}, "| *"},
		{p1, []plumbing.Hash{base}, "* |"},
		{base, nil, "*"},
	}
	for _, s := range steps {
		if got := lanes.Line(s.id, s.parents); got != s.want {
			t.Fatalf("Line(%s) = %q, want %q", s.id.String()[:4], got, s.want)
		}
	}
	if lanes.Width() != 2 {
		t.Fatalf("Width() = %d, want 2", lanes.Width())
	}
}
