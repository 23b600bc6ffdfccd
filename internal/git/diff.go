package git

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
	"github.com/thiagokokada/gitbrowse/internal/pool"
)

const maxPeelDepth = 8

// CommitChanges is a commit together with its changes against its first
// parent.
type CommitChanges struct {
	Commit *objstore.Commit
	// Parent is nil for a root commit.
	Parent  *ObjectID
	Entries []treediff.Entry
	// Note explains which parent a merge commit was compared with.
	Note string
}

// Diff compares two trees, or the trees of two commits or tags. A nil from
// compares against the empty tree.
func (s *Service) Diff(ctx context.Context, from *ObjectID, to ObjectID) ([]treediff.Entry, error) {
	toTree, err := s.treeOf(ctx, to)
	if err != nil {
		return nil, err
	}
	var fromTree *plumbing.Hash
	if from != nil {
		id, err := s.treeOf(ctx, *from)
		if err != nil {
			return nil, err
		}
		fromTree = &id
	}
	return s.differ.Diff(ctx, fromTree, toTree)
}

// DiffWith is Diff with options other than the configured ones.
func (s *Service) DiffWith(ctx context.Context, from *ObjectID, to ObjectID, opts treediff.Options) ([]treediff.Entry, error) {
	toTree, err := s.treeOf(ctx, to)
	if err != nil {
		return nil, err
	}
	var fromTree *plumbing.Hash
	if from != nil {
		id, err := s.treeOf(ctx, *from)
		if err != nil {
			return nil, err
		}
		fromTree = &id
	}
	return s.differ.DiffWith(ctx, fromTree, toTree, opts)
}

// DiffOptions returns the options Diff uses.
func (s *Service) DiffOptions() treediff.Options {
	return s.differ.Options()
}

// CommitDiff shows what a commit changed relative to its first parent.
func (s *Service) CommitDiff(ctx context.Context, id ObjectID) (CommitChanges, error) {
	c, err := s.objects.Commit(ctx, id)
	if err != nil {
		return CommitChanges{}, err
	}
	out := CommitChanges{Commit: c}
	var parentTree *plumbing.Hash
	if len(c.Parents) > 0 {
		parent := c.Parents[0]
		out.Parent = &parent
		pc, err := s.objects.Commit(ctx, parent)
		if err != nil {
			return CommitChanges{}, errs.Corrupt("read parent", parent.String(), err)
		}
		parentTree = &pc.Tree
	}
	if c.IsMerge() {
		out.Note = fmt.Sprintf("Merge commit: showing changes against first parent %s", c.Parents[0].String()[:7])
	}
	out.Entries, err = s.differ.Diff(ctx, parentTree, c.Tree)
	if err != nil {
		return CommitChanges{}, err
	}
	return out, nil
}

// DiffAsync runs CommitDiff on the worker pool. Starting another diff
// request cancels this one.
func (s *Service) DiffAsync(ctx context.Context, id ObjectID) *pool.Future[CommitChanges] {
	ctx, release := s.diffSlot.Start(ctx)
	return pool.Submit(ctx, s.pool, func(ctx context.Context) (CommitChanges, error) {
		defer release()
		return s.CommitDiff(ctx, id)
	})
}

// treeOf peels commits and tags down to a tree id.
func (s *Service) treeOf(ctx context.Context, id ObjectID) (plumbing.Hash, error) {
	cur := id
	for range maxPeelDepth {
		obj, err := s.objects.Read(ctx, cur)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		switch o := obj.(type) {
		case *objstore.Tree:
			return o.ID, nil
		case *objstore.Commit:
			return o.Tree, nil
		case *objstore.Tag:
			cur = o.Target
		default:
			return plumbing.ZeroHash, errs.NotFound("read tree", id.String(),
				fmt.Errorf("%w: %s is a %s", objstore.ErrWrongType, cur, obj.ObjectType()))
		}
	}
	return plumbing.ZeroHash, errs.Corruptf("read tree", id.String(), "tag chain exceeds depth %d", maxPeelDepth)
}
