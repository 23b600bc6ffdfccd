package graph

import (
	"container/heap"
	"context"
	"errors"
	"io"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/errs"
)

// topoState holds the reachable set collected by explore and the number of
// not yet emitted children each member still waits for.
type topoState struct {
	members  map[plumbing.Hash]struct{}
	children map[plumbing.Hash]int
	ready    commitHeap
}

func (w *Walker) explore(ctx context.Context) error {
	var visited []plumbing.Hash
	for {
		id, hide, ok, err := w.step(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !hide {
			visited = append(visited, id)
		}
	}

	t := &topoState{
		members:  make(map[plumbing.Hash]struct{}, len(visited)),
		children: make(map[plumbing.Hash]int, len(visited)),
	}
	for _, id := range visited {
		// A commit can be hidden after it was popped when clocks are skewed.
		if _, hidden := w.hidden[id]; !hidden {
			t.members[id] = struct{}{}
		}
	}
	for id := range t.members {
		for _, p := range w.commits[id].Parents {
			if _, ok := t.members[p]; ok {
				t.children[p]++
			}
		}
	}
	for id := range t.members {
		if t.children[id] == 0 {
			heap.Push(&t.ready, w.item(id))
		}
	}
	w.topo = t
	return nil
}

func (w *Walker) item(id plumbing.Hash) queueItem {
	return queueItem{id: id, when: w.commits[id].Committer.When.Unix()}
}

func (w *Walker) nextTopo(ctx context.Context) (Node, error) {
	if len(w.pending) > 0 {
		n := w.pending[0]
		w.pending = w.pending[1:]
		return n, nil
	}
	t := w.topo
	for t.ready.Len() > 0 {
		if err := errs.FromContext(ctx, "walk commits"); err != nil {
			return Node{}, err
		}
		it := heap.Pop(&t.ready).(queueItem)
		c := w.commits[it.id]
		for _, p := range c.Parents {
			if _, ok := t.members[p]; !ok {
				continue
			}
			t.children[p]--
			if t.children[p] == 0 {
				heap.Push(&t.ready, w.item(p))
			}
		}
		ok, matchErr, err := w.match(ctx, it.id, c)
		if err != nil {
			return Node{}, err
		}
		if !ok {
			continue
		}
		return Node{ID: it.id, Commit: c, Err: errors.Join(w.nodeErrs[it.id], matchErr)}, nil
	}
	return Node{}, io.EOF
}
