package index

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func commit(n int, author, message string) *objstore.Commit {
	sig := objstore.Signature{Name: author, Email: strings.ToLower(author) + "@example.com", When: base.Add(time.Duration(n) * time.Minute)}
	return &objstore.Commit{
		ID:        plumbing.ComputeHash(plumbing.CommitObject, []byte(fmt.Sprintf("%d %s %s", n, author, message))),
		Author:    sig,
		Committer: sig,
		Message:   message,
	}
}

func hitIDs(hits []Hit) []plumbing.Hash {
	var out []plumbing.Hash
	for _, h := range hits {
		if len(out) == 0 || out[len(out)-1] != h.ID {
			out = append(out, h.ID)
		}
	}
	return out
}

func TestSubstringSearchIsCompleteAndOrdered(t *testing.T) {
	ix := New(Options{})
	var want []plumbing.Hash
	var all []*objstore.Commit
	for i := range 50 {
		msg := fmt.Sprintf("chore: bump %d\n", i)
		if i%7 == 0 {
			msg = fmt.Sprintf("Fix the Parser bug %d\n", i)
		}
		c := commit(i, "Alice", msg)
		all = append(all, c)
		if i%7 == 0 {
			want = append([]plumbing.Hash{c.ID}, want...)
		}
	}
	// Insertion order does not matter.
	for _, batch := range []struct {
		commits []*objstore.Commit
		fresh   int
	}{{all[25:], 25}, {all[:25], 25}, {all[3:4], 0}} {
		n, err := ix.Add(batch.commits...)
		require.NoError(t, err)
		require.Equal(t, batch.fresh, n)
	}
	require.Equal(t, 50, ix.Len())

	page := ix.Search(ParseQuery("PARSER"), nil, 100)
	assert.Equal(t, want, hitIDs(page.Hits))
	assert.Nil(t, page.Next)
	assert.False(t, page.Complete)
	for _, h := range page.Hits {
		assert.Equal(t, FieldMessage, h.Field)
		assert.Equal(t, "Parser", all[0].Message[h.Start:h.End])
	}
}

func TestSearchMatchesAuthorAndMessage(t *testing.T) {
	ix := New(Options{})
	byBob := commit(1, "Bob", "unrelated\n")
	mentionsBob := commit(2, "Alice", "thanks bob for the review\n")
	ix.Add(byBob, mentionsBob)

	page := ix.Search(ParseQuery("bob"), nil, 10)
	require.Len(t, page.Hits, 2)
	assert.Equal(t, Hit{ID: mentionsBob.ID, Field: FieldMessage, Start: 7, End: 10}, page.Hits[0])
	assert.Equal(t, Hit{ID: byBob.ID, Field: FieldAuthor, Start: 0, End: 3}, page.Hits[1])

	assert.Equal(t, []plumbing.Hash{byBob.ID}, hitIDs(ix.Search(ParseQuery("author:bob@"), nil, 10).Hits))
	assert.Equal(t, []plumbing.Hash{mentionsBob.ID}, hitIDs(ix.Search(ParseQuery("message: BOB"), nil, 10).Hits))
}

func TestWordQuery(t *testing.T) {
	ix := New(Options{})
	a := commit(1, "Alice", "fix parser crash\n")
	b := commit(2, "Alice", "parsers: fix crash on empty input\n")
	c := commit(3, "Alice", "refactor parser\n")
	ix.Add(a, b, c)

	assert.Equal(t, []plumbing.Hash{b.ID, a.ID}, hitIDs(ix.Search(ParseQuery("word:fix crash"), nil, 10).Hits))
	assert.Equal(t, []plumbing.Hash{c.ID, a.ID}, hitIDs(ix.Search(ParseQuery("word:parser"), nil, 10).Hits))
	assert.Empty(t, ix.Search(ParseQuery("word:pars"), nil, 10).Hits)
}

func TestHashPrefixQuery(t *testing.T) {
	ix := New(Options{})
	var commits []*objstore.Commit
	for i := range 10 {
		c := commit(i, "Alice", "message with deadbeef inside\n")
		// Ids made of one repeated digit: none starts with "deadbeef".
		c.ID = plumbing.NewHash(strings.Repeat(fmt.Sprintf("%x", i), 40))
		commits = append(commits, c)
	}
	ix.Add(commits...)
	target := commits[4]
	prefix := target.ID.String()[:7]

	page := ix.Search(ParseQuery(prefix), nil, 10)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, Hit{ID: target.ID, Field: FieldHash, Start: 0, End: 7}, page.Hits[0])

	// A hex query no id starts with falls back to text search.
	page = ix.Search(ParseQuery("deadbeef"), nil, 100)
	assert.Len(t, page.Hits, 10)
	assert.Equal(t, FieldMessage, page.Hits[0].Field)
}

func TestNonUTF8OffsetsReferToRawBytes(t *testing.T) {
	ix := New(Options{})
	// "Café" in Latin-1 followed by an accented word in UTF-8.
	latin := commit(1, "Ren\xe9", "Caf\xe9 cr\xe8me fix\n")
	utf := commit(2, "Zoë", "über Änderung\n")
	ix.Add(latin, utf)

	page := ix.Search(ParseQuery("CRÈME"), nil, 10)
	require.Len(t, page.Hits, 1)
	h := page.Hits[0]
	assert.Equal(t, latin.ID, h.ID)
	assert.Equal(t, "cr\xe8me", latin.Message[h.Start:h.End])

	page = ix.Search(ParseQuery("author:rené"), nil, 10)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, "Ren\xe9", latin.Author.Name[page.Hits[0].Start:page.Hits[0].End])

	page = ix.Search(ParseQuery("änderung"), nil, 10)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, "Änderung", utf.Message[page.Hits[0].Start:page.Hits[0].End])
}

func TestDeclaredEncoding(t *testing.T) {
	ix := New(Options{})
	c := commit(1, "Alice", "na\xefve\n")
	c.Encoding = "ISO-8859-1"
	ix.Add(c)

	page := ix.Search(ParseQuery("naïve"), nil, 10)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, 0, page.Hits[0].Start)
	assert.Equal(t, 5, page.Hits[0].End)
}

func TestPagingIsStableAcrossAppends(t *testing.T) {
	ix := New(Options{})
	for i := range 20 {
		ix.Add(commit(i, "Alice", fmt.Sprintf("needle %d\n", i)))
	}
	q := ParseQuery("needle")
	var seen []plumbing.Hash
	page := ix.Search(q, nil, 6)
	seen = append(seen, hitIDs(page.Hits)...)
	// Newer commits land before the cursor and do not shift later pages.
	ix.Add(commit(100, "Alice", "needle newer\n"))
	for page.Next != nil {
		page = ix.Search(q, page.Next, 6)
		seen = append(seen, hitIDs(page.Hits)...)
	}
	assert.Len(t, seen, 20)
	assert.Len(t, slices.Compact(slices.Clone(seen)), 20)

	var iterated []plumbing.Hash
	for h := range ix.Iter(q) {
		iterated = append(iterated, h.ID)
	}
	assert.Len(t, iterated, 21)
}

func TestPagingSplitsFieldsOfOneCommit(t *testing.T) {
	ix := New(Options{})
	c := commit(1, "Needle", "needle in message\n")
	ix.Add(c)

	first := ix.Search(ParseQuery("needle"), nil, 1)
	require.Len(t, first.Hits, 1)
	require.NotNil(t, first.Next)
	second := ix.Search(ParseQuery("needle"), first.Next, 1)
	require.Len(t, second.Hits, 1)
	assert.Equal(t, FieldMessage, first.Hits[0].Field)
	assert.Equal(t, FieldAuthor, second.Hits[0].Field)
	assert.Nil(t, second.Next)
}

func TestCompletionAndReset(t *testing.T) {
	ix := New(Options{})
	gen := ix.Generation()
	done := ix.Done()
	ix.Add(commit(1, "Alice", "x\n"))

	select {
	case <-done:
		t.Fatal("done before MarkComplete")
	default:
	}
	ix.MarkComplete(gen)
	<-done
	assert.True(t, ix.Complete())
	assert.True(t, ix.Search(ParseQuery("x"), nil, 1).Complete)

	next := ix.Reset()
	assert.NotEqual(t, gen, next)
	assert.Zero(t, ix.Len())
	assert.False(t, ix.Complete())
	// A stale generation cannot complete the new build.
	ix.MarkComplete(gen)
	assert.False(t, ix.Complete())
}

func TestExtendKeepsEntries(t *testing.T) {
	ix := New(Options{})
	ix.Add(commit(1, "Alice", "first\n"))
	ix.MarkComplete(ix.Generation())

	gen := ix.Extend()
	assert.False(t, ix.Complete())
	assert.Equal(t, 1, ix.Len())
	done := ix.Done()
	ix.Add(commit(2, "Bob", "second\n"))
	ix.MarkComplete(gen)
	<-done
	assert.True(t, ix.Complete())
	assert.Equal(t, 2, ix.Len())
}

func TestEmptyQuery(t *testing.T) {
	ix := New(Options{})
	ix.Add(commit(1, "Alice", "anything\n"))
	assert.Empty(t, ix.Search(ParseQuery("   "), nil, 10).Hits)
	assert.Empty(t, ix.Search(ParseQuery("author:"), nil, 10).Hits)
}

func TestUndeclaredBytesReadAsWindows1252(t *testing.T) {
	ix := New(Options{})
	// 0x93 and 0x94 are curly quotes in Windows-1252 and undefined in Latin-1.
	c := commit(1, "Alice", "say \x93Hello\x94 to \x80uro\n")
	ix.Add(c)

	page := ix.Search(ParseQuery("“hello”"), nil, 10)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, "\x93Hello\x94", c.Message[page.Hits[0].Start:page.Hits[0].End])

	page = ix.Search(ParseQuery("€uro"), nil, 10)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, "\x80uro", c.Message[page.Hits[0].Start:page.Hits[0].End])
}

func TestCommitLimitKeepsNewest(t *testing.T) {
	ix := New(Options{MaxCommits: 3})
	gen := ix.Generation()
	done := ix.Done()
	var all []*objstore.Commit
	for i := range 5 {
		all = append(all, commit(i, "Alice", fmt.Sprintf("change %d\n", i)))
	}

	n, err := ix.Add(all...)
	assert.Equal(t, 3, n)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindResourceExhausted), err)
	assert.Equal(t, 3, ix.Len())
	for _, c := range all[2:] {
		assert.True(t, ix.Contains(c.ID))
	}
	assert.Equal(t, err, ix.Err())

	// Waiters are released and the build never reports complete.
	<-done
	ix.MarkComplete(gen)
	assert.False(t, ix.Complete())

	n, err = ix.Add(commit(9, "Alice", "later\n"))
	assert.Zero(t, n)
	assert.True(t, errs.Is(err, errs.KindResourceExhausted), err)

	ix.Reset()
	require.NoError(t, ix.Err())
	n, err = ix.Add(all[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestByteLimit(t *testing.T) {
	c := commit(1, "Alice", strings.Repeat("long message ", 100))
	ix := New(Options{MaxBytes: newDoc(c).size() - 1})
	n, err := ix.Add(c)
	assert.Zero(t, n)
	assert.True(t, errs.Is(err, errs.KindResourceExhausted), err)
	assert.Zero(t, ix.Len())
}
