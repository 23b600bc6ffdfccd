// Package treediff compares two trees and reports changed paths with
// renames, binary detection and line hunks.
package treediff

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"path"
	"slices"
	"sync"

	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"golang.org/x/sync/errgroup"

	"github.com/thiagokokada/gitbrowse/internal/cache"
	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
)

type ObjectSource interface {
	Tree(ctx context.Context, id plumbing.Hash) (*objstore.Tree, error)
	Blob(ctx context.Context, id plumbing.Hash) (*objstore.Blob, error)
}

type diffKey struct {
	from, to plumbing.Hash
	opts     string
}

type Differ struct {
	src   ObjectSource
	opts  Options
	cache *cache.Cache[diffKey, []Entry]
}

func New(src ObjectSource, opts Options) *Differ {
	opts = opts.withDefaults()
	return &Differ{
		src:  src,
		opts: opts,
		cache: cache.New(cache.Options[diffKey, []Entry]{
			Name:     "diffs",
			MaxBytes: opts.CacheBytes,
			Sizer:    entriesSize,
		}),
	}
}

func (d *Differ) Options() Options { return d.opts }

func (d *Differ) CacheStats() cache.Stats { return d.cache.Stats() }

// Diff compares the tree from with the tree to using the differ's options.
// A nil from stands for the empty tree. The returned slice is shared and
// must not be modified.
func (d *Differ) Diff(ctx context.Context, from *plumbing.Hash, to plumbing.Hash) ([]Entry, error) {
	return d.DiffWith(ctx, from, to, d.opts)
}

func (d *Differ) DiffWith(ctx context.Context, from *plumbing.Hash, to plumbing.Hash, opts Options) ([]Entry, error) {
	opts = opts.withDefaults()
	var old plumbing.Hash
	if from != nil {
		old = *from
	}
	if old == to {
		return nil, nil
	}
	key := diffKey{from: old, to: to, opts: opts.fingerprint()}
	return d.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]Entry, error) {
		return d.compute(ctx, old, to, opts)
	})
}

func (d *Differ) compute(ctx context.Context, from, to plumbing.Hash, opts Options) ([]Entry, error) {
	entries, err := d.walk(ctx, from, to, newPathFilter(opts.Paths))
	if err != nil {
		return nil, err
	}
	if !opts.NoRenames {
		entries = exactRenames(entries)
	}
	blobs, err := d.prefetch(ctx, entries, opts)
	if err != nil {
		return nil, err
	}
	if !opts.NoRenames {
		entries = inexactRenames(entries, blobs, opts)
	}
	for i := range entries {
		if err := errs.FromContext(ctx, "diff"); err != nil {
			return nil, err
		}
		d.finish(&entries[i], blobs, opts)
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Path(), b.Path()), cmp.Compare(a.Kind, b.Kind))
	})
	slog.Debug("tree diff computed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("entries", len(entries)))
	return entries, nil
}

type fileClass uint8

const (
	classFile fileClass = iota
	classSymlink
	classTree
	classSubmodule
)

func classOf(e objstore.TreeEntry) fileClass {
	switch {
	case e.Kind == objstore.EntryTree:
		return classTree
	case e.Kind == objstore.EntrySubmodule:
		return classSubmodule
	case e.Mode == filemode.Symlink:
		return classSymlink
	default:
		return classFile
	}
}

type pendingTrees struct {
	prefix   string
	old, new plumbing.Hash
}

// walk compares both trees level by level. Subtrees with equal ids, or
// outside filter, are skipped without being read.
func (d *Differ) walk(ctx context.Context, from, to plumbing.Hash, filter pathFilter) ([]Entry, error) {
	var entries []Entry
	stack := []pendingTrees{{old: from, new: to}}
	for len(stack) > 0 {
		if err := errs.FromContext(ctx, "diff"); err != nil {
			return nil, err
		}
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		oldTree, err := d.tree(ctx, p.old)
		if err == nil {
			var newTree *objstore.Tree
			newTree, err = d.tree(ctx, p.new)
			if err == nil {
				entries, stack = compareTrees(p.prefix, oldTree, newTree, filter, entries, stack)
				continue
			}
		}
		if p.prefix == "" || errs.IsCancelled(err) {
			return nil, err
		}
		// An unreadable subtree is reported on its own path.
		entries = append(entries, Entry{OldPath: p.prefix, NewPath: p.prefix, OldID: p.old, NewID: p.new, Kind: Modified, Err: err})
	}
	return entries, nil
}

func (d *Differ) tree(ctx context.Context, id plumbing.Hash) (*objstore.Tree, error) {
	if id.IsZero() {
		return &objstore.Tree{}, nil
	}
	return d.src.Tree(ctx, id)
}

func compareTrees(prefix string, oldTree, newTree *objstore.Tree, filter pathFilter, entries []Entry, stack []pendingTrees) ([]Entry, []pendingTrees) {
	names := make([]string, 0, len(oldTree.Entries)+len(newTree.Entries))
	for _, e := range oldTree.Entries {
		names = append(names, e.Name)
	}
	for _, e := range newTree.Entries {
		names = append(names, e.Name)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	for _, name := range names {
		full := path.Join(prefix, name)
		o, inOld := oldTree.Entry(name)
		n, inNew := newTree.Entry(name)
		if !filter.covers(full) {
			isTree := (inOld && classOf(o) == classTree) || (inNew && classOf(n) == classTree)
			if !isTree || !filter.reaches(full) {
				continue
			}
		}
		switch {
		case inOld && inNew:
			if o.ID == n.ID && o.Mode == n.Mode {
				continue
			}
			oc, nc := classOf(o), classOf(n)
			switch {
			case oc == classTree && nc == classTree:
				stack = append(stack, pendingTrees{prefix: full, old: o.ID, new: n.ID})
			case oc == nc:
				entries = append(entries, Entry{OldPath: full, NewPath: full, OldID: o.ID, NewID: n.ID, OldMode: o.Mode, NewMode: n.Mode, Kind: Modified})
			default:
				entries = append(entries, Entry{OldPath: full, NewPath: full, OldID: o.ID, NewID: n.ID, OldMode: o.Mode, NewMode: n.Mode, Kind: TypeChanged})
				if oc == classTree {
					stack = append(stack, pendingTrees{prefix: full, old: o.ID})
				}
				if nc == classTree {
					stack = append(stack, pendingTrees{prefix: full, new: n.ID})
				}
			}
		case inOld:
			if classOf(o) == classTree {
				stack = append(stack, pendingTrees{prefix: full, old: o.ID})
				continue
			}
			entries = append(entries, Entry{OldPath: full, OldID: o.ID, OldMode: o.Mode, Kind: Deleted})
		case inNew:
			if classOf(n) == classTree {
				stack = append(stack, pendingTrees{prefix: full, new: n.ID})
				continue
			}
			entries = append(entries, Entry{NewPath: full, NewID: n.ID, NewMode: n.Mode, Kind: Added})
		}
	}
	return entries, stack
}

type blobResult struct {
	data []byte
	err  error
}

func hasContent(mode filemode.FileMode) bool {
	return mode != filemode.Submodule && mode != filemode.Dir && mode != filemode.Empty
}

// prefetch loads every blob the rest of the diff needs on a bounded
// errgroup. Read failures are kept per blob.
func (d *Differ) prefetch(ctx context.Context, entries []Entry, opts Options) (map[plumbing.Hash]blobResult, error) {
	want := map[plumbing.Hash]struct{}{}
	for _, e := range entries {
		if e.Err != nil || e.Kind == TypeChanged {
			continue
		}
		if e.Kind == Renamed && e.Similarity == 100 && opts.NameOnly {
			continue
		}
		needHunks := !opts.NameOnly
		renameCandidate := !opts.NoRenames && (e.Kind == Added || e.Kind == Deleted)
		if !needHunks && !renameCandidate {
			continue
		}
		if hasContent(e.OldMode) && !e.OldID.IsZero() {
			want[e.OldID] = struct{}{}
		}
		if hasContent(e.NewMode) && !e.NewID.IsZero() {
			want[e.NewID] = struct{}{}
		}
	}

	var mu sync.Mutex
	blobs := make(map[plumbing.Hash]blobResult, len(want))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for id := range want {
		g.Go(func() error {
			b, err := d.src.Blob(gctx, id)
			if errs.IsCancelled(err) {
				return err
			}
			res := blobResult{err: err}
			if b != nil {
				res.data = b.Data
			}
			mu.Lock()
			blobs[id] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blobs, nil
}

// finish fills hunks, binary flags and language of a single entry.
func (d *Differ) finish(e *Entry, blobs map[plumbing.Hash]blobResult, opts Options) {
	e.Language = language(e.Path())
	if e.Err != nil || e.Kind == TypeChanged {
		return
	}
	var oldData, newData []byte
	var errList []error
	if r, ok := blobs[e.OldID]; ok && e.Kind != Added {
		oldData = r.data
		errList = append(errList, r.err)
	}
	if r, ok := blobs[e.NewID]; ok && e.Kind != Deleted {
		newData = r.data
		errList = append(errList, r.err)
	}
	if err := errors.Join(errList...); err != nil {
		e.Err = err
		return
	}
	if isBinary(oldData) || isBinary(newData) {
		e.IsBinary = true
		if e.Kind == Modified {
			e.Kind = Binary
		}
		return
	}
	if opts.NameOnly || (e.Kind == Renamed && e.Similarity == 100) {
		return
	}
	if !hasContent(e.OldMode) && !hasContent(e.NewMode) {
		return
	}
	e.Hunks = buildHunks(opts.LineAlgorithm, opts.Context, oldData, newData)
}

const maxLanguageNames = 4096

var (
	languageMu    sync.Mutex
	languageNames = map[string]string{}
)

// language maps a path to a chroma lexer name by its file name.
func language(p string) string {
	base := path.Base(p)
	languageMu.Lock()
	defer languageMu.Unlock()
	if name, ok := languageNames[base]; ok {
		return name
	}
	var name string
	if l := lexers.Match(base); l != nil {
		name = l.Config().Name
	}
	if len(languageNames) >= maxLanguageNames {
		clear(languageNames)
	}
	languageNames[base] = name
	return name
}

func entriesSize(entries []Entry) int64 {
	size := int64(64)
	for _, e := range entries {
		size += int64(256 + len(e.OldPath) + len(e.NewPath))
		for _, h := range e.Hunks {
			size += 64
			for _, l := range h.Lines {
				size += int64(24 + len(l.Text))
			}
		}
	}
	return size
}
