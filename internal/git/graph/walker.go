// Package graph walks the commit DAG from a set of starting commits.
//
// A Walker emits every reachable commit exactly once. Commits that cannot be
// read are reported on the Node that needed them and never stop the walk.
package graph

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
)

type Order uint8

const (
	// ChronologicalDescending emits by committer time, newest first, with
	// ties broken by ascending id.
	ChronologicalDescending Order = iota
	// Topological emits every commit before any of its parents.
	Topological
)

func (o Order) String() string {
	if o == Topological {
		return "topo"
	}
	return "date"
}

func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "date", "chrono", "chronological":
		return ChronologicalDescending, nil
	case "topo", "topological":
		return Topological, nil
	}
	return 0, fmt.Errorf("unknown order %q", s)
}

type CommitSource interface {
	Commit(ctx context.Context, id plumbing.Hash) (*objstore.Commit, error)
}

// Filter selects which traversed commits are emitted. Filtered commits are
// still walked through.
type Filter struct {
	MinParents int
	// MaxParents of 0 means no upper bound.
	MaxParents int
	// Author, Committer and Message are case-insensitive substrings.
	Author    string
	Committer string
	Message   string
	// Paths keeps commits that change one of these paths relative to their
	// first parent. It needs Options.Changes.
	Paths []string
}

func (f Filter) IsZero() bool {
	return f.MinParents == 0 && f.MaxParents == 0 && f.Author == "" &&
		f.Committer == "" && f.Message == "" && len(f.Paths) == 0
}

func (f Filter) Match(c *objstore.Commit) bool {
	n := len(c.Parents)
	if n < f.MinParents || (f.MaxParents > 0 && n > f.MaxParents) {
		return false
	}
	if f.Author != "" && !containsFold(c.Author.Name+" <"+c.Author.Email+">", f.Author) {
		return false
	}
	if f.Committer != "" && !containsFold(c.Committer.Name+" <"+c.Committer.Email+">", f.Committer) {
		return false
	}
	if f.Message != "" && !containsFold(c.Message, f.Message) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// ChangeDetector reports whether c changes any of paths relative to its
// first parent, or to the empty tree for a root commit.
type ChangeDetector interface {
	Touches(ctx context.Context, c *objstore.Commit, paths []string) (bool, error)
}

type Options struct {
	Order Order
	// Hide excludes every commit reachable from these ids.
	Hide   []plumbing.Hash
	Filter Filter
	// Changes evaluates Filter.Paths.
	Changes ChangeDetector
	// Limit stops the walk after that many nodes; 0 is unlimited. With
	// Reverse the newest Limit nodes are kept.
	Limit int
	// Reverse emits the walk's result last to first.
	Reverse bool
}

// Node is one emitted commit. Err carries a diagnostic for this element
// only, such as a parent that could not be read; Commit is nil when the
// commit itself was unreadable.
type Node struct {
	ID     plumbing.Hash
	Commit *objstore.Commit
	Err    error
}

type Walker struct {
	src  CommitSource
	opts Options

	starts  []plumbing.Hash
	started bool

	commits map[plumbing.Hash]*objstore.Commit
	seen    map[plumbing.Hash]struct{}
	hidden  map[plumbing.Hash]struct{}
	// nodeErrs holds diagnostics found while loading parents.
	nodeErrs map[plumbing.Hash]error
	pending  []Node

	queue       commitHeap
	interesting int
	walked      int
	emitted     int

	reversed []Node
	drained  bool

	topo *topoState
}

func NewWalker(src CommitSource, starts []plumbing.Hash, opts Options) *Walker {
	return &Walker{
		src:      src,
		opts:     opts,
		starts:   starts,
		commits:  make(map[plumbing.Hash]*objstore.Commit),
		seen:     make(map[plumbing.Hash]struct{}),
		hidden:   make(map[plumbing.Hash]struct{}),
		nodeErrs: make(map[plumbing.Hash]error),
	}
}

// Emitted reports how many nodes Next has returned so far.
func (w *Walker) Emitted() int { return w.emitted }

// Next returns the next node, or io.EOF when the walk is complete.
func (w *Walker) Next(ctx context.Context) (Node, error) {
	var (
		n   Node
		err error
	)
	if w.opts.Reverse {
		n, err = w.nextReversed(ctx)
	} else {
		n, err = w.next(ctx)
	}
	if err != nil {
		return Node{}, err
	}
	w.emitted++
	return n, nil
}

func (w *Walker) next(ctx context.Context) (Node, error) {
	if w.opts.Limit > 0 && w.walked >= w.opts.Limit {
		return Node{}, io.EOF
	}
	if err := errs.FromContext(ctx, "walk commits"); err != nil {
		return Node{}, err
	}
	if !w.started {
		w.started = true
		if err := w.seed(ctx); err != nil {
			return Node{}, err
		}
		if w.opts.Order == Topological {
			if err := w.explore(ctx); err != nil {
				return Node{}, err
			}
		}
	}
	var (
		n   Node
		err error
	)
	if w.opts.Order == Topological {
		n, err = w.nextTopo(ctx)
	} else {
		n, err = w.nextChrono(ctx)
	}
	if err != nil {
		return Node{}, err
	}
	w.walked++
	return n, nil
}

// nextReversed reads the whole walk on first use.
func (w *Walker) nextReversed(ctx context.Context) (Node, error) {
	if !w.drained {
		var nodes []Node
		for {
			n, err := w.next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return Node{}, err
			}
			nodes = append(nodes, n)
		}
		slices.Reverse(nodes)
		w.reversed, w.drained = nodes, true
	}
	if len(w.reversed) == 0 {
		return Node{}, io.EOF
	}
	n := w.reversed[0]
	w.reversed = w.reversed[1:]
	return n, nil
}

// match applies the filter. A commit whose changes cannot be computed is
// kept with the error attached.
func (w *Walker) match(ctx context.Context, id plumbing.Hash, c *objstore.Commit) (ok bool, diag, err error) {
	if !w.opts.Filter.Match(c) {
		return false, nil, nil
	}
	if len(w.opts.Filter.Paths) == 0 || w.opts.Changes == nil {
		return true, nil, nil
	}
	ok, err = w.opts.Changes.Touches(ctx, c, w.opts.Filter.Paths)
	if err != nil {
		if errs.IsCancelled(err) {
			return false, nil, err
		}
		return true, errs.Corrupt("diff against parent", id.String(), err), nil
	}
	return ok, nil, nil
}

// NextPage returns up to n nodes. done is true once the walk is exhausted.
func (w *Walker) NextPage(ctx context.Context, n int) ([]Node, bool, error) {
	nodes := make([]Node, 0, n)
	for len(nodes) < n {
		node, err := w.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nodes, true, nil
		}
		if err != nil {
			return nodes, false, err
		}
		nodes = append(nodes, node)
	}
	return nodes, false, nil
}

// Skip advances past n emitted nodes, as used when resuming from a cursor.
func (w *Walker) Skip(ctx context.Context, n int) error {
	for range n {
		if _, err := w.Next(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) seed(ctx context.Context) error {
	for _, id := range w.opts.Hide {
		if err := w.enqueue(ctx, id, true); err != nil {
			var nodeErr *nodeError
			if !errors.As(err, &nodeErr) {
				return err
			}
			slog.Warn("skipping unreadable hidden commit", slog.String("id", id.String()), slog.Any("error", nodeErr.err))
		}
	}
	for _, id := range w.starts {
		if _, ok := w.seen[id]; ok {
			continue
		}
		if err := w.enqueue(ctx, id, false); err != nil {
			var nodeErr *nodeError
			if !errors.As(err, &nodeErr) {
				return err
			}
			w.pending = append(w.pending, Node{ID: id, Err: nodeErr.err})
		}
	}
	return nil
}

type nodeError struct{ err error }

func (e *nodeError) Error() string { return e.err.Error() }
func (e *nodeError) Unwrap() error { return e.err }

// enqueue loads id and pushes it on the queue. Read failures other than
// cancellation are returned as *nodeError.
func (w *Walker) enqueue(ctx context.Context, id plumbing.Hash, hide bool) error {
	w.seen[id] = struct{}{}
	if hide {
		w.hidden[id] = struct{}{}
	}
	c, err := w.src.Commit(ctx, id)
	if err != nil {
		if errs.IsCancelled(err) {
			return err
		}
		return &nodeError{err: err}
	}
	w.commits[id] = c
	heap.Push(&w.queue, queueItem{id: id, when: c.Committer.When.Unix(), counted: !hide})
	if !hide {
		w.interesting++
	}
	return nil
}

// step pops the newest queued commit and queues its parents. ok is false
// once no interesting commit is left.
func (w *Walker) step(ctx context.Context) (id plumbing.Hash, hide bool, ok bool, err error) {
	for w.queue.Len() > 0 && w.interesting > 0 {
		if err := errs.FromContext(ctx, "walk commits"); err != nil {
			return id, false, false, err
		}
		it := heap.Pop(&w.queue).(queueItem)
		if it.counted {
			w.interesting--
		}
		_, hide = w.hidden[it.id]
		c := w.commits[it.id]
		var parentErrs []error
		for _, p := range c.Parents {
			if _, dup := w.seen[p]; dup {
				if hide {
					w.hidden[p] = struct{}{}
				}
				continue
			}
			if err := w.enqueue(ctx, p, hide); err != nil {
				var nodeErr *nodeError
				if !errors.As(err, &nodeErr) {
					return id, false, false, err
				}
				parentErrs = append(parentErrs, errs.Corrupt("read parent", p.String(), nodeErr.err))
			}
		}
		if len(parentErrs) > 0 && !hide {
			w.nodeErrs[it.id] = errors.Join(parentErrs...)
		}
		return it.id, hide, true, nil
	}
	return id, false, false, nil
}

func (w *Walker) nextChrono(ctx context.Context) (Node, error) {
	for {
		if len(w.pending) > 0 {
			n := w.pending[0]
			w.pending = w.pending[1:]
			return n, nil
		}
		id, hide, ok, err := w.step(ctx)
		if err != nil {
			return Node{}, err
		}
		if !ok {
			return Node{}, io.EOF
		}
		if hide {
			continue
		}
		c := w.commits[id]
		ok, matchErr, err := w.match(ctx, id, c)
		if err != nil {
			return Node{}, err
		}
		if !ok {
			continue
		}
		return Node{ID: id, Commit: c, Err: errors.Join(w.nodeErrs[id], matchErr)}, nil
	}
}

type queueItem struct {
	id      plumbing.Hash
	when    int64
	counted bool
}

func newer(a, b queueItem) bool {
	if a.when != b.when {
		return a.when > b.when
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

type commitHeap []queueItem

func (h commitHeap) Len() int           { return len(h) }
func (h commitHeap) Less(i, j int) bool { return newer(h[i], h[j]) }
func (h commitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *commitHeap) Push(x any)        { *h = append(*h, x.(queueItem)) }
func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
