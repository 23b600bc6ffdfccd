// Package gittest builds small on-disk repositories object by object, with
// full control over timestamps, parents and raw message bytes.
package gittest

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Epoch is the committer time of the first commit made by a Repo.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type File struct {
	Content string
	Mode    filemode.FileMode
}

type Repo struct {
	T    testing.TB
	Dir  string
	Repo *gitlib.Repository

	clock time.Time
}

// New initializes a repository with HEAD pointing at the unborn branch main.
func New(t testing.TB) *Repo {
	t.Helper()
	dir := t.TempDir()
	repo, err := gitlib.PlainInitWithOptions(dir, &gitlib.PlainInitOptions{
		InitOptions: gitlib.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("init repository: %v", err)
	}
	return &Repo{T: t, Dir: dir, Repo: repo, clock: Epoch}
}

func (r *Repo) GitDir() string {
	return filepath.Join(r.Dir, ".git")
}

func (r *Repo) store(o interface{ Encode(plumbing.EncodedObject) error }) plumbing.Hash {
	r.T.Helper()
	obj := r.Repo.Storer.NewEncodedObject()
	if err := o.Encode(obj); err != nil {
		r.T.Fatalf("encode object: %v", err)
	}
	h, err := r.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		r.T.Fatalf("store object: %v", err)
	}
	return h
}

func (r *Repo) Blob(content string) plumbing.Hash {
	r.T.Helper()
	obj := r.Repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		r.T.Fatalf("blob writer: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		r.T.Fatalf("write blob: %v", err)
	}
	if err := w.Close(); err != nil {
		r.T.Fatalf("close blob: %v", err)
	}
	h, err := r.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		r.T.Fatalf("store blob: %v", err)
	}
	return h
}

// Tree stores regular files keyed by slash separated path and returns the
// root tree id.
func (r *Repo) Tree(files map[string]string) plumbing.Hash {
	r.T.Helper()
	specs := make(map[string]File, len(files))
	for p, c := range files {
		specs[p] = File{Content: c, Mode: filemode.Regular}
	}
	return r.TreeOf(specs)
}

func (r *Repo) TreeOf(files map[string]File) plumbing.Hash {
	r.T.Helper()
	var entries []object.TreeEntry
	subdirs := map[string]map[string]File{}
	for p, f := range files {
		dir, rest, nested := strings.Cut(p, "/")
		if nested {
			if subdirs[dir] == nil {
				subdirs[dir] = map[string]File{}
			}
			subdirs[dir][rest] = f
			continue
		}
		mode := f.Mode
		if mode == filemode.Empty {
			mode = filemode.Regular
		}
		id := plumbing.ZeroHash
		if mode == filemode.Submodule {
			id = plumbing.NewHash(f.Content)
		} else {
			id = r.Blob(f.Content)
		}
		entries = append(entries, object.TreeEntry{Name: p, Mode: mode, Hash: id})
	}
	for dir, sub := range subdirs {
		entries = append(entries, object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: r.TreeOf(sub)})
	}
	sort.Sort(object.TreeEntrySorter(entries))
	return r.store(&object.Tree{Entries: entries})
}

func (r *Repo) signature() object.Signature {
	return object.Signature{Name: "Test Author", Email: "author@example.com", When: r.clock}
}

// CommitTree stores a commit one minute after the previous one.
func (r *Repo) CommitTree(tree plumbing.Hash, message string, parents ...plumbing.Hash) plumbing.Hash {
	r.T.Helper()
	sig := r.signature()
	r.clock = r.clock.Add(time.Minute)
	return r.store(&object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	})
}

// CommitAt stores a commit with an explicit committer time.
func (r *Repo) CommitAt(when time.Time, files map[string]string, message string, parents ...plumbing.Hash) plumbing.Hash {
	r.T.Helper()
	sig := object.Signature{Name: "Test Author", Email: "author@example.com", When: when}
	return r.store(&object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     r.Tree(files),
		ParentHashes: parents,
	})
}

func (r *Repo) Commit(files map[string]string, message string, parents ...plumbing.Hash) plumbing.Hash {
	r.T.Helper()
	return r.CommitTree(r.Tree(files), message, parents...)
}

// CommitOn commits files on top of branch and advances it, creating the
// branch when it does not exist yet.
func (r *Repo) CommitOn(branch string, files map[string]string, message string) plumbing.Hash {
	r.T.Helper()
	var parents []plumbing.Hash
	ref, err := r.Repo.Storer.Reference(plumbing.NewBranchReferenceName(branch))
	if err == nil {
		parents = append(parents, ref.Hash())
	}
	id := r.Commit(files, message, parents...)
	r.SetBranch(branch, id)
	return id
}

func (r *Repo) SetRef(name plumbing.ReferenceName, id plumbing.Hash) {
	r.T.Helper()
	if err := r.Repo.Storer.SetReference(plumbing.NewHashReference(name, id)); err != nil {
		r.T.Fatalf("set ref %s: %v", name, err)
	}
}

func (r *Repo) SetBranch(branch string, id plumbing.Hash) {
	r.T.Helper()
	r.SetRef(plumbing.NewBranchReferenceName(branch), id)
}

func (r *Repo) SetSymbolic(name, target plumbing.ReferenceName) {
	r.T.Helper()
	if err := r.Repo.Storer.SetReference(plumbing.NewSymbolicReference(name, target)); err != nil {
		r.T.Fatalf("set symbolic ref %s: %v", name, err)
	}
}

// Detach points HEAD directly at id.
func (r *Repo) Detach(id plumbing.Hash) {
	r.T.Helper()
	r.SetRef(plumbing.HEAD, id)
}

func (r *Repo) LightweightTag(name string, id plumbing.Hash) {
	r.T.Helper()
	r.SetRef(plumbing.NewTagReferenceName(name), id)
}

func (r *Repo) AnnotatedTag(name string, target plumbing.Hash, message string) plumbing.Hash {
	r.T.Helper()
	sig := r.signature()
	tag := r.store(&object.Tag{
		Name:       name,
		Tagger:     sig,
		Message:    message,
		TargetType: plumbing.CommitObject,
		Target:     target,
	})
	r.SetRef(plumbing.NewTagReferenceName(name), tag)
	return tag
}

// Repack packs every object reachable from a ref into a single pack and
// removes their loose copies, so reads have to go through the pack index.
func (r *Repo) Repack(useRefDeltas bool) {
	r.T.Helper()
	if err := r.Repo.RepackObjects(&gitlib.RepackConfig{UseRefDeltas: useRefDeltas}); err != nil {
		r.T.Fatalf("repack: %v", err)
	}
}

// LoosePath returns the on-disk path of a loose object.
func (r *Repo) LoosePath(id plumbing.Hash) string {
	s := id.String()
	return filepath.Join(r.GitDir(), "objects", s[:2], s[2:])
}
