package graph

import (
	"bytes"
	"context"
	"log/slog"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
)

// MergeBases returns the best common ancestors of a and b: commits reachable
// from both that are not an ancestor of another such commit. Hiding them
// from a walk started at a and b leaves the symmetric difference.
func MergeBases(ctx context.Context, src CommitSource, a, b plumbing.Hash) ([]plumbing.Hash, error) {
	fromA, err := ancestors(ctx, src, a)
	if err != nil {
		return nil, err
	}
	fromB, err := ancestors(ctx, src, b)
	if err != nil {
		return nil, err
	}
	common := map[plumbing.Hash]*objstore.Commit{}
	for id, c := range fromB {
		if _, ok := fromA[id]; ok {
			common[id] = c
		}
	}

	redundant := map[plumbing.Hash]struct{}{}
	var stack []plumbing.Hash
	for _, c := range common {
		if c != nil {
			stack = append(stack, c.Parents...)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := redundant[id]; done {
			continue
		}
		redundant[id] = struct{}{}
		if c := common[id]; c != nil {
			stack = append(stack, c.Parents...)
		}
	}

	var bases []plumbing.Hash
	for id := range common {
		if _, ok := redundant[id]; !ok {
			bases = append(bases, id)
		}
	}
	slices.SortFunc(bases, func(x, y plumbing.Hash) int { return bytes.Compare(x[:], y[:]) })
	return bases, nil
}

// ancestors maps every commit reachable from start, itself included, to the
// parsed commit. Unreadable commits map to nil and end their line.
func ancestors(ctx context.Context, src CommitSource, start plumbing.Hash) (map[plumbing.Hash]*objstore.Commit, error) {
	out := map[plumbing.Hash]*objstore.Commit{}
	stack := []plumbing.Hash{start}
	for len(stack) > 0 {
		if err := errs.FromContext(ctx, "merge base"); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[id]; ok {
			continue
		}
		c, err := src.Commit(ctx, id)
		if err != nil {
			if errs.IsCancelled(err) {
				return nil, err
			}
			slog.Warn("merge base: skipping unreadable commit", slog.String("id", id.String()), slog.Any("error", err))
			out[id] = nil
			continue
		}
		out[id] = c
		stack = append(stack, c.Parents...)
	}
	return out, nil
}
