package objstore

import (
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Object is one of *Commit, *Tree, *Blob or *Tag.
type Object interface {
	ObjectID() plumbing.Hash
	ObjectType() plumbing.ObjectType
}

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func signatureFrom(s object.Signature) Signature {
	return Signature{Name: s.Name, Email: s.Email, When: s.When}
}

// Commit is a decoded commit. Message holds the raw message bytes, which are
// not guaranteed to be valid UTF-8.
type Commit struct {
	ID        plumbing.Hash
	Tree      plumbing.Hash
	Parents   []plumbing.Hash
	Author    Signature
	Committer Signature
	Message   string
	Encoding  string
}

func (c *Commit) ObjectID() plumbing.Hash         { return c.ID }
func (c *Commit) ObjectType() plumbing.ObjectType { return plumbing.CommitObject }

// Subject returns the first non-blank line of the message.
func (c *Commit) Subject() string {
	return strings.SplitN(strings.TrimSpace(c.Message), "\n", 2)[0]
}

func (c *Commit) IsMerge() bool { return len(c.Parents) > 1 }

type EntryKind uint8

const (
	EntryBlob EntryKind = iota
	EntryTree
	EntrySubmodule
)

func (k EntryKind) String() string {
	switch k {
	case EntryTree:
		return "tree"
	case EntrySubmodule:
		return "submodule"
	default:
		return "blob"
	}
}

func entryKind(mode filemode.FileMode) EntryKind {
	switch mode {
	case filemode.Dir:
		return EntryTree
	case filemode.Submodule:
		return EntrySubmodule
	default:
		return EntryBlob
	}
}

type TreeEntry struct {
	Name string
	Mode filemode.FileMode
	ID   plumbing.Hash
	Kind EntryKind
}

// Tree entries are kept in on-disk order, which git sorts by name with
// directories compared as if they had a trailing slash.
type Tree struct {
	ID      plumbing.Hash
	Entries []TreeEntry
}

func (t *Tree) ObjectID() plumbing.Hash         { return t.ID }
func (t *Tree) ObjectType() plumbing.ObjectType { return plumbing.TreeObject }

func (t *Tree) Entry(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

type Blob struct {
	ID   plumbing.Hash
	Data []byte
}

func (b *Blob) ObjectID() plumbing.Hash         { return b.ID }
func (b *Blob) ObjectType() plumbing.ObjectType { return plumbing.BlobObject }
func (b *Blob) Size() int64                     { return int64(len(b.Data)) }

// Tag is an annotated tag object.
type Tag struct {
	ID         plumbing.Hash
	Name       string
	Target     plumbing.Hash
	TargetType plumbing.ObjectType
	Tagger     Signature
	Message    string
}

func (t *Tag) ObjectID() plumbing.Hash         { return t.ID }
func (t *Tag) ObjectType() plumbing.ObjectType { return plumbing.TagObject }

// objectSize approximates the retained memory of a decoded object.
func objectSize(o Object) int64 {
	const overhead = 96
	switch v := o.(type) {
	case *Commit:
		n := len(v.Message) + len(v.Author.Name) + len(v.Author.Email) +
			len(v.Committer.Name) + len(v.Committer.Email) + len(v.Encoding)
		return int64(overhead + n + len(v.Parents)*len(plumbing.ZeroHash))
	case *Tree:
		n := 0
		for _, e := range v.Entries {
			n += len(e.Name) + len(plumbing.ZeroHash) + 24
		}
		return int64(overhead + n)
	case *Blob:
		return int64(overhead + len(v.Data))
	case *Tag:
		return int64(overhead + len(v.Name) + len(v.Message) + len(v.Tagger.Name) + len(v.Tagger.Email))
	}
	return overhead
}
