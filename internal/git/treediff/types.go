package treediff

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
)

type Kind uint8

const (
	Added Kind = iota
	Deleted
	Modified
	Renamed
	TypeChanged
	// Binary marks a modified file whose content is not text.
	Binary
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	case TypeChanged:
		return "type-changed"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Letter is the one-letter status git prints for this kind.
func (k Kind) Letter() string {
	switch k {
	case Added:
		return "A"
	case Deleted:
		return "D"
	case Renamed:
		return "R"
	case TypeChanged:
		return "T"
	default:
		return "M"
	}
}

// Entry is one changed path between two trees. OldPath is empty for added
// files and NewPath for deleted ones.
type Entry struct {
	OldPath string
	NewPath string
	OldID   plumbing.Hash
	NewID   plumbing.Hash
	OldMode filemode.FileMode
	NewMode filemode.FileMode
	Kind    Kind
	// Similarity is the content overlap percentage of a rename.
	Similarity int
	IsBinary   bool
	Hunks      []Hunk
	// Language is the lexer name chroma associates with the path.
	Language string
	// Err reports a failure confined to this entry, like an unreadable blob.
	Err error
}

// Path is the path an entry is listed under.
func (e *Entry) Path() string {
	if e.NewPath != "" {
		return e.NewPath
	}
	return e.OldPath
}

type Op uint8

const (
	OpContext Op = iota
	OpAdded
	OpRemoved
)

func (o Op) Prefix() byte {
	switch o {
	case OpAdded:
		return '+'
	case OpRemoved:
		return '-'
	default:
		return ' '
	}
}

// Line is one diff line. Text keeps its trailing newline when the source
// line had one.
type Line struct {
	Op   Op
	Text string
}

// Hunk uses 1-based starts; a side with zero lines reports the line before
// the hunk, as unified diffs do.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}
