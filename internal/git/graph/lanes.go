package graph

import (
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// Lanes draws a one-line ASCII graph column for each commit of a walk.
// Feed it commits in emission order.
type Lanes struct {
	columns []plumbing.Hash
	widest  int
}

func NewLanes() *Lanes {
	return &Lanes{}
}

// Width reports the widest row drawn so far.
func (l *Lanes) Width() int { return l.widest }

// Line renders the row for id and moves its lane on to its parents.
func (l *Lanes) Line(id plumbing.Hash, parents []plumbing.Hash) string {
	idx := slices.Index(l.columns, id)
	if idx == -1 {
		l.columns = slices.Insert(l.columns, 0, id)
		idx = 0
	}
	l.widest = max(l.widest, len(l.columns))
	var b strings.Builder
	for i := range l.columns {
		if i == idx {
			b.WriteByte('*')
		} else {
			b.WriteByte('|')
		}
		if i != len(l.columns)-1 {
			b.WriteByte(' ')
		}
	}
	l.advance(idx, parents)
	return b.String()
}

func (l *Lanes) advance(idx int, parents []plumbing.Hash) {
	if len(parents) == 0 {
		l.columns = slices.Delete(l.columns, idx, idx+1)
		return
	}
	// A first parent already owned by another lane merges into it.
	if other := slices.Index(l.columns, parents[0]); other != -1 && other != idx {
		l.columns = slices.Delete(l.columns, idx, idx+1)
		if other > idx {
			other--
		}
		idx = other
	} else {
		l.columns[idx] = parents[0]
	}
	for i, parent := range parents[1:] {
		if slices.Contains(l.columns, parent) {
			continue
		}
		pos := min(idx+i+1, len(l.columns))
		l.columns = slices.Insert(l.columns, pos, parent)
	}
}
