// Package index keeps a searchable, recency-ordered catalogue of commit
// metadata. It is filled incrementally while history is walked and answers
// queries before the walk is complete.
package index

import (
	"bytes"
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
)

const DefaultMaxBytes = 256 << 20

// Options caps what the index keeps. Zero MaxCommits means no count limit
// and zero MaxBytes means DefaultMaxBytes.
type Options struct {
	MaxCommits int
	MaxBytes   int64
}

type Field uint8

const (
	FieldMessage Field = iota
	FieldAuthor
	FieldHash
)

func (f Field) String() string {
	switch f {
	case FieldMessage:
		return "message"
	case FieldAuthor:
		return "author"
	default:
		return "hash"
	}
}

// Hit locates a match. Start and End are byte offsets into the raw field:
// the commit message, "Name <email>" of the author, or the hex id.
type Hit struct {
	ID    plumbing.Hash
	Field Field
	Start int
	End   int
}

// Cursor is the position just after the last returned hit.
type Cursor struct {
	When  int64
	ID    plumbing.Hash
	Field Field
}

type Page struct {
	Hits []Hit
	// Next is nil when no more hits are known.
	Next *Cursor
	// Complete reports whether the index had seen all of history when the
	// page was computed.
	Complete bool
}

type doc struct {
	id      plumbing.Hash
	hex     string
	when    int64
	message string
	author  string
	fmsg    folded
	fauthor folded
}

func (d *doc) key() Cursor { return Cursor{When: d.when, ID: d.id} }

// size approximates the memory a doc holds, postings included.
func (d *doc) size() int64 {
	text := len(d.hex) + len(d.message) + len(d.author) + len(d.fmsg.text) + len(d.fauthor.text)
	offsets := 4 * (len(d.fmsg.offsets) + len(d.fauthor.offsets))
	return int64(text+offsets) + 128
}

// compareKeys orders by recency: newest first, then ascending id, then field.
func compareKeys(a, b Cursor) int {
	return cmp.Or(
		cmp.Compare(b.When, a.When),
		bytes.Compare(a.ID[:], b.ID[:]),
		cmp.Compare(a.Field, b.Field),
	)
}

type Index struct {
	limits Options

	mu       sync.RWMutex
	docs     []*doc
	byID     map[plumbing.Hash]*doc
	postings map[string]map[*doc]struct{}
	bytes    int64
	full     error
	gen      uint64
	complete bool
	finished bool
	done     chan struct{}
}

func New(opts Options) *Index {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	opts.MaxCommits = max(opts.MaxCommits, 0)
	ix := &Index{limits: opts}
	ix.reset()
	return ix
}

func (ix *Index) reset() {
	ix.docs = nil
	ix.byID = map[plumbing.Hash]*doc{}
	ix.postings = map[string]map[*doc]struct{}{}
	ix.bytes = 0
	ix.full = nil
	ix.gen++
	ix.complete = false
	ix.finished = false
	ix.done = make(chan struct{})
}

func (ix *Index) finish() {
	if !ix.finished {
		ix.finished = true
		close(ix.done)
	}
}

// Reset drops every entry and starts a new build generation, which it
// returns.
func (ix *Index) Reset() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.finish()
	ix.reset()
	return ix.gen
}

// Extend starts a new build generation that keeps the current entries, for
// when more history becomes reachable. Complete reports false until the new
// generation is marked complete. A full index stays finished.
func (ix *Index) Extend() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.complete = false
	if ix.finished && ix.full == nil {
		ix.finished = false
		ix.done = make(chan struct{})
	}
	ix.gen++
	return ix.gen
}

func (ix *Index) Generation() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.gen
}

// Add indexes commits not seen before and returns how many were new. Once
// the index reaches its limits it keeps the newest commits of the batch
// that fit and returns a ResourceExhausted error, now and on later calls.
func (ix *Index) Add(commits ...*objstore.Commit) (int, error) {
	batch := make([]*doc, 0, len(commits))
	ix.mu.RLock()
	for _, c := range commits {
		if c == nil {
			continue
		}
		if _, ok := ix.byID[c.ID]; !ok {
			batch = append(batch, newDoc(c))
		}
	}
	ix.mu.RUnlock()
	if len(batch) == 0 {
		return 0, nil
	}
	slices.SortFunc(batch, func(a, b *doc) int { return compareKeys(a.key(), b.key()) })

	ix.mu.Lock()
	defer ix.mu.Unlock()
	fresh := batch[:0]
	for i, d := range batch {
		if _, ok := ix.byID[d.id]; ok || (i > 0 && batch[i-1].id == d.id) {
			continue
		}
		fresh = append(fresh, d)
	}
	if ix.full != nil {
		return 0, ix.full
	}
	for i, d := range fresh {
		size := d.size()
		if (ix.limits.MaxCommits > 0 && len(ix.byID) >= ix.limits.MaxCommits) ||
			ix.bytes+size > ix.limits.MaxBytes {
			ix.full = errs.New(errs.KindResourceExhausted, "index commit", d.hex,
				fmt.Errorf("index holds %d commits in %d bytes", len(ix.byID), ix.bytes))
			slog.Warn("commit index full", slog.Int("commits", len(ix.byID)), slog.Int64("bytes", ix.bytes))
			fresh = fresh[:i]
			ix.finish()
			break
		}
		ix.bytes += size
		ix.byID[d.id] = d
		for _, t := range tokens(d.fmsg.text) {
			ix.post(t.text, d)
		}
		for _, t := range tokens(d.fauthor.text) {
			ix.post(t.text, d)
		}
	}
	ix.docs = mergeDocs(ix.docs, fresh)
	return len(fresh), ix.full
}

func (ix *Index) post(tok string, d *doc) {
	set, ok := ix.postings[tok]
	if !ok {
		set = map[*doc]struct{}{}
		ix.postings[tok] = set
	}
	set[d] = struct{}{}
}

// mergeDocs merges two recency-sorted slices.
func mergeDocs(a, b []*doc) []*doc {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 || compareKeys(a[len(a)-1].key(), b[0].key()) < 0 {
		return append(a, b...)
	}
	out := make([]*doc, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if compareKeys(a[i].key(), b[j].key()) <= 0 {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func newDoc(c *objstore.Commit) *doc {
	cm := charmapFor(c.Encoding)
	author := c.Author.Name + " <" + c.Author.Email + ">"
	return &doc{
		id:      c.ID,
		hex:     c.ID.String(),
		when:    c.Committer.When.Unix(),
		message: c.Message,
		author:  author,
		fmsg:    fold(c.Message, cm),
		fauthor: fold(author, cm),
	}
}

// MarkComplete records that generation gen saw all of history. It is a
// no-op when the index has been reset since.
func (ix *Index) MarkComplete(gen uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if gen != ix.gen || ix.complete || ix.full != nil {
		return
	}
	ix.complete = true
	ix.finish()
	slog.Debug("commit index complete", slog.Int("commits", len(ix.docs)))
}

func (ix *Index) Complete() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.complete
}

// Err returns the ResourceExhausted error once the index is full.
func (ix *Index) Err() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.full
}

// Done is closed when the current generation completes, fills the index or
// is reset.
func (ix *Index) Done() <-chan struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.done
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

func (ix *Index) Contains(id plumbing.Hash) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byID[id]
	return ok
}

// Search returns up to limit hits after cursor, in recency order. A nil
// cursor starts from the newest commit.
func (ix *Index) Search(q Query, after *Cursor, limit int) Page {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	page := Page{Complete: ix.complete}
	if q.IsZero() || limit <= 0 {
		return page
	}
	kind := q.kind
	if kind == queryHash && !ix.anyHashMatch(q.text) {
		kind = querySubstring
	}
	var words map[*doc]struct{}
	if kind == queryWords {
		words = ix.wordMatches(q.words)
		if len(words) == 0 {
			return page
		}
	}

	start := 0
	if after != nil {
		start, _ = slices.BinarySearchFunc(ix.docs, *after, func(d *doc, c Cursor) int {
			return compareKeys(d.key(), Cursor{When: c.When, ID: c.ID})
		})
	}
	for _, d := range ix.docs[start:] {
		if words != nil {
			if _, ok := words[d]; !ok {
				continue
			}
		}
		for _, h := range matchDoc(d, kind, q) {
			if after != nil && compareKeys(Cursor{When: d.when, ID: d.id, Field: h.Field}, *after) <= 0 {
				continue
			}
			if len(page.Hits) == limit {
				last := page.Hits[len(page.Hits)-1]
				page.Next = &Cursor{When: ix.byID[last.ID].when, ID: last.ID, Field: last.Field}
				return page
			}
			page.Hits = append(page.Hits, h)
		}
	}
	return page
}

// Iter yields every hit of q lazily. The read lock is only held while a
// batch of hits is collected.
func (ix *Index) Iter(q Query) iter.Seq[Hit] {
	const batch = 128
	return func(yield func(Hit) bool) {
		var after *Cursor
		for {
			page := ix.Search(q, after, batch)
			for _, h := range page.Hits {
				if !yield(h) {
					return
				}
			}
			if page.Next == nil {
				return
			}
			after = page.Next
		}
	}
}

func (ix *Index) anyHashMatch(prefix string) bool {
	for _, d := range ix.docs {
		if strings.HasPrefix(d.hex, prefix) {
			return true
		}
	}
	return false
}

func (ix *Index) wordMatches(words []string) map[*doc]struct{} {
	if len(words) == 0 {
		return nil
	}
	sets := make([]map[*doc]struct{}, 0, len(words))
	for _, w := range words {
		set := ix.postings[w]
		if len(set) == 0 {
			return nil
		}
		sets = append(sets, set)
	}
	slices.SortFunc(sets, func(a, b map[*doc]struct{}) int { return cmp.Compare(len(a), len(b)) })
	out := map[*doc]struct{}{}
outer:
	for d := range sets[0] {
		for _, s := range sets[1:] {
			if _, ok := s[d]; !ok {
				continue outer
			}
		}
		out[d] = struct{}{}
	}
	return out
}

// matchDoc returns the hits of one commit in field order.
func matchDoc(d *doc, kind queryKind, q Query) []Hit {
	var hits []Hit
	substr := func(field Field, f *folded) {
		if i := strings.Index(f.text, q.text); i >= 0 {
			start, end := f.rawSpan(i, i+len(q.text))
			hits = append(hits, Hit{ID: d.id, Field: field, Start: start, End: end})
		}
	}
	word := func(field Field, f *folded) {
		for _, t := range tokens(f.text) {
			if slices.Contains(q.words, t.text) {
				start, end := f.rawSpan(t.start, t.end)
				hits = append(hits, Hit{ID: d.id, Field: field, Start: start, End: end})
				return
			}
		}
	}
	switch kind {
	case querySubstring:
		substr(FieldMessage, &d.fmsg)
		substr(FieldAuthor, &d.fauthor)
	case queryMessage:
		substr(FieldMessage, &d.fmsg)
	case queryAuthor:
		substr(FieldAuthor, &d.fauthor)
	case queryWords:
		word(FieldMessage, &d.fmsg)
		word(FieldAuthor, &d.fauthor)
	case queryHash:
		if strings.HasPrefix(d.hex, q.text) {
			hits = append(hits, Hit{ID: d.id, Field: FieldHash, Start: 0, End: len(q.text)})
		}
	}
	return hits
}
