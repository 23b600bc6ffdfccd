// Package refs resolves branches, tags and HEAD into immutable snapshots.
package refs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/thiagokokada/gitbrowse/internal/cache"
	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
)

const (
	DefaultMaxSymbolicDepth = 10
	maxPeelDepth            = 8
)

type Kind uint8

const (
	KindOther Kind = iota
	KindHead
	KindBranch
	KindRemoteBranch
	KindTag
)

func (k Kind) String() string {
	switch k {
	case KindHead:
		return "head"
	case KindBranch:
		return "branch"
	case KindRemoteBranch:
		return "remote"
	case KindTag:
		return "tag"
	default:
		return "other"
	}
}

func kindOf(name plumbing.ReferenceName) Kind {
	switch {
	case name == plumbing.HEAD:
		return KindHead
	case name.IsBranch():
		return KindBranch
	case name.IsRemote():
		return KindRemoteBranch
	case name.IsTag():
		return KindTag
	default:
		return KindOther
	}
}

// Ref is a resolved reference. Target is the object the ref finally names,
// with annotated tags peeled to the object they tag; TagObject keeps the id
// of the outermost tag object.
type Ref struct {
	Name           plumbing.ReferenceName
	Short          string
	Kind           Kind
	Target         plumbing.Hash
	TagObject      plumbing.Hash
	Symbolic       bool
	SymbolicTarget plumbing.ReferenceName
	// Err is set when the ref could not be resolved or peeled.
	Err error
}

type Head struct {
	ID       plumbing.Hash
	Branch   string
	Detached bool
}

// ObjectReader is the part of the object store needed to peel tags and
// expand abbreviated ids.
type ObjectReader interface {
	Read(ctx context.Context, id plumbing.Hash) (objstore.Object, error)
	Expand(prefix string) (plumbing.Hash, error)
}

// ReferenceReader is satisfied by go-git's filesystem reference storage.
type ReferenceReader interface {
	Reference(plumbing.ReferenceName) (*plumbing.Reference, error)
	IterReferences() (storer.ReferenceIter, error)
}

type Options struct {
	MaxSymbolicDepth int
}

type Resolver struct {
	refs     ReferenceReader
	objects  ObjectReader
	maxDepth int
	current  cache.RefCache[Snapshot]
}

func New(refs ReferenceReader, objects ObjectReader, opts Options) *Resolver {
	if opts.MaxSymbolicDepth <= 0 {
		opts.MaxSymbolicDepth = DefaultMaxSymbolicDepth
	}
	return &Resolver{refs: refs, objects: objects, maxDepth: opts.MaxSymbolicDepth}
}

// Snapshot returns the current snapshot, building one if none is held.
func (r *Resolver) Snapshot(ctx context.Context) (*Snapshot, error) {
	return r.current.Get(func() (*Snapshot, error) {
		return r.build(ctx)
	})
}

// Refresh re-reads every ref and swaps the new snapshot in as a whole.
func (r *Resolver) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := r.build(ctx)
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	return snap, nil
}

func (r *Resolver) Invalidate() {
	r.current.Invalidate()
}

func (r *Resolver) build(ctx context.Context) (*Snapshot, error) {
	iter, err := r.refs.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	raw := map[plumbing.ReferenceName]*plumbing.Reference{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		raw[ref.Name()] = ref
		return nil
	})
	iter.Close()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}

	snap := &Snapshot{
		byName:  make(map[plumbing.ReferenceName]int, len(raw)),
		objects: r.objects,
		Taken:   time.Now(),
	}
	for name, ref := range raw {
		if err := errs.FromContext(ctx, "resolve refs"); err != nil {
			return nil, err
		}
		out := Ref{Name: name, Short: shortName(name), Kind: kindOf(name)}
		target := ref
		if ref.Type() == plumbing.SymbolicReference {
			out.Symbolic = true
			out.SymbolicTarget = ref.Target()
			target, err = r.follow(raw, ref)
			if err != nil {
				out.Err = err
				snap.add(out)
				continue
			}
		}
		out.Target = target.Hash()
		if out.Kind == KindTag {
			out.Target, out.TagObject, out.Err = r.peel(ctx, out.Target)
		}
		snap.add(out)
	}
	snap.sort()
	snap.resolveHead()
	slog.Debug("refs snapshot built", slog.Int("refs", len(snap.refs)))
	return snap, nil
}

// follow walks a symbolic ref chain to the hash ref it ends at.
func (r *Resolver) follow(raw map[plumbing.ReferenceName]*plumbing.Reference, ref *plumbing.Reference) (*plumbing.Reference, error) {
	cur := ref
	for range r.maxDepth {
		if cur.Type() != plumbing.SymbolicReference {
			return cur, nil
		}
		next, ok := raw[cur.Target()]
		if !ok {
			var err error
			next, err = r.refs.Reference(cur.Target())
			if err != nil {
				return nil, errs.NotFound("resolve ref", ref.Name().String(),
					fmt.Errorf("%s points at missing %s", cur.Name(), cur.Target()))
			}
		}
		cur = next
	}
	if cur.Type() != plumbing.SymbolicReference {
		return cur, nil
	}
	return nil, errs.Corruptf("resolve ref", ref.Name().String(),
		"symbolic reference chain exceeds depth %d", r.maxDepth)
}

// peel follows annotated tags to the object they finally name.
func (r *Resolver) peel(ctx context.Context, id plumbing.Hash) (target, tagObject plumbing.Hash, err error) {
	cur := id
	for range maxPeelDepth {
		obj, err := r.objects.Read(ctx, cur)
		if err != nil {
			return id, plumbing.ZeroHash, err
		}
		tag, ok := obj.(*objstore.Tag)
		if !ok {
			return cur, tagObject, nil
		}
		if tagObject.IsZero() {
			tagObject = tag.ID
		}
		cur = tag.Target
	}
	return id, tagObject, errs.Corruptf("peel tag", id.String(), "tag chain exceeds depth %d", maxPeelDepth)
}

func shortName(name plumbing.ReferenceName) string {
	s := name.Short()
	if s == "" {
		s = name.String()
	}
	return s
}

// Snapshot is an immutable view of every ref at one point in time.
type Snapshot struct {
	Taken time.Time

	refs    []Ref
	byName  map[plumbing.ReferenceName]int
	head    Head
	headErr error
	objects ObjectReader
}

func (s *Snapshot) add(r Ref) {
	s.refs = append(s.refs, r)
}

func (s *Snapshot) sort() {
	slices.SortFunc(s.refs, func(a, b Ref) int { return strings.Compare(a.Name.String(), b.Name.String()) })
	for i, r := range s.refs {
		s.byName[r.Name] = i
	}
}

func (s *Snapshot) resolveHead() {
	ref, ok := s.Lookup(plumbing.HEAD)
	if !ok {
		s.headErr = errs.NotFound("resolve HEAD", "", errors.New("no HEAD"))
		return
	}
	if ref.Symbolic && ref.SymbolicTarget.IsBranch() {
		s.head.Branch = ref.SymbolicTarget.Short()
	}
	if ref.Err != nil {
		s.headErr = ref.Err
		return
	}
	s.head.ID = ref.Target
	s.head.Detached = !ref.Symbolic
}

// Refs returns every ref, ordered by full name.
func (s *Snapshot) Refs() []Ref {
	return slices.Clone(s.refs)
}

func (s *Snapshot) filter(kind Kind) []Ref {
	var out []Ref
	for _, r := range s.refs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (s *Snapshot) Branches() []Ref       { return s.filter(KindBranch) }
func (s *Snapshot) Tags() []Ref           { return s.filter(KindTag) }
func (s *Snapshot) RemoteBranches() []Ref { return s.filter(KindRemoteBranch) }

func (s *Snapshot) Lookup(name plumbing.ReferenceName) (Ref, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Ref{}, false
	}
	return s.refs[i], true
}

// Head reports the checked out commit. An unborn branch yields NotFound with
// Head.Branch still set.
func (s *Snapshot) Head() (Head, error) {
	return s.head, s.headErr
}

// DefaultBranch picks the ref a log view should start from: the checked out
// branch, then main, then HEAD itself.
func (s *Snapshot) DefaultBranch() string {
	if s.headErr == nil && s.head.Branch != "" {
		return s.head.Branch
	}
	if r, ok := s.Lookup(plumbing.NewBranchReferenceName("main")); ok && r.Err == nil {
		return "main"
	}
	return plumbing.HEAD.String()
}

// Resolve maps a ref name or object id to the object it names. Names are
// tried the way git does: as given, then under refs/, refs/tags/,
// refs/heads/ and refs/remotes/.
func (s *Snapshot) Resolve(name string) (plumbing.Hash, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return plumbing.ZeroHash, errs.NotFound("resolve", name, errors.New("empty name"))
	}
	candidates := []plumbing.ReferenceName{
		plumbing.ReferenceName(name),
		plumbing.ReferenceName("refs/" + name),
		plumbing.NewTagReferenceName(name),
		plumbing.NewBranchReferenceName(name),
		plumbing.ReferenceName("refs/remotes/" + name),
		plumbing.ReferenceName("refs/remotes/" + name + "/HEAD"),
	}
	for _, c := range candidates {
		if r, ok := s.Lookup(c); ok {
			if r.Err != nil {
				return plumbing.ZeroHash, r.Err
			}
			return r.Target, nil
		}
	}
	if isHex(name) && len(name) >= 4 {
		return s.resolveID(name)
	}
	return plumbing.ZeroHash, errs.NotFound("resolve", name, plumbing.ErrReferenceNotFound)
}

func (s *Snapshot) resolveID(prefix string) (plumbing.Hash, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) == 40 {
		return plumbing.NewHash(prefix), nil
	}
	matches := map[plumbing.Hash]struct{}{}
	for _, r := range s.refs {
		if r.Err == nil && strings.HasPrefix(r.Target.String(), prefix) {
			matches[r.Target] = struct{}{}
		}
	}
	if len(matches) == 1 {
		for id := range matches {
			return id, nil
		}
	}
	if s.objects == nil {
		return plumbing.ZeroHash, errs.NotFound("resolve", prefix, plumbing.ErrObjectNotFound)
	}
	return s.objects.Expand(prefix)
}

func isHex(s string) bool {
	if len(s) > 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
