package treediff

import (
	"fmt"
	"strings"
)

const (
	DefaultRenameThreshold = 50
	DefaultRenameLimit     = 1000
	DefaultContext         = 3
	DefaultParallelism     = 8
	DefaultCacheBytes      = 32 << 20
	// binarySniffLen is how much of a blob is searched for a NUL byte.
	binarySniffLen = 8000
)

// Algorithm selects the line matcher used for hunks and rename scores.
type Algorithm string

const (
	// AlgorithmLines uses go-difflib's SequenceMatcher.
	AlgorithmLines Algorithm = "lines"
	// AlgorithmDMP uses diff-match-patch in line mode.
	AlgorithmDMP Algorithm = "dmp"
)

func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "", AlgorithmLines:
		return AlgorithmLines, nil
	case AlgorithmDMP:
		return a, nil
	}
	return "", fmt.Errorf("unknown diff algorithm %q", s)
}

type Options struct {
	// RenameThreshold is the minimum similarity, in percent, for a deleted
	// and an added file to be paired as a rename.
	RenameThreshold int
	RenameAlgorithm Algorithm
	// RenameLimit caps the added and deleted candidates scored for inexact
	// renames. Exact renames are always detected.
	RenameLimit int
	NoRenames   bool
	// LineAlgorithm computes hunks.
	LineAlgorithm Algorithm
	// Context is the number of unchanged lines around each change. A
	// negative value emits one hunk spanning the whole file.
	Context int
	// NameOnly skips hunks.
	NameOnly bool
	// Paths limits the diff to these paths and everything below them.
	Paths []string
	// Parallelism bounds concurrent blob loads.
	Parallelism int
	CacheBytes  int64
}

func DefaultOptions() Options {
	return Options{
		RenameThreshold: DefaultRenameThreshold,
		RenameAlgorithm: AlgorithmLines,
		RenameLimit:     DefaultRenameLimit,
		LineAlgorithm:   AlgorithmLines,
		Context:         DefaultContext,
		Parallelism:     DefaultParallelism,
		CacheBytes:      DefaultCacheBytes,
	}
}

func (o Options) withDefaults() Options {
	if o.RenameThreshold <= 0 || o.RenameThreshold > 100 {
		o.RenameThreshold = DefaultRenameThreshold
	}
	if o.RenameAlgorithm == "" {
		o.RenameAlgorithm = AlgorithmLines
	}
	if o.LineAlgorithm == "" {
		o.LineAlgorithm = AlgorithmLines
	}
	if o.RenameLimit <= 0 {
		o.RenameLimit = DefaultRenameLimit
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.CacheBytes <= 0 {
		o.CacheBytes = DefaultCacheBytes
	}
	return o
}

// fingerprint identifies the options that change a diff's result.
func (o Options) fingerprint() string {
	return fmt.Sprintf("r%d/%s/%d/%t/%s/c%d/%t/%q",
		o.RenameThreshold, o.RenameAlgorithm, o.RenameLimit, o.NoRenames,
		o.LineAlgorithm, o.Context, o.NameOnly, []string(newPathFilter(o.Paths)))
}
