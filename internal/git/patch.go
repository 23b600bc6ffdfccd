package git

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/diff"

	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
)

// FileSection marks the line of a rendered patch where a file starts.
type FileSection struct {
	Path string
	Line int
}

func FormatCommitHeader(c *objstore.Commit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "commit %s\n", c.ID)
	if c.IsMerge() {
		short := make([]string, len(c.Parents))
		for i, p := range c.Parents {
			short[i] = p.String()[:7]
		}
		fmt.Fprintf(&b, "Merge: %s\n", strings.Join(short, " "))
	}
	appendSignatureLine(&b, "Author", c.Author)
	committer := c.Committer
	if committer.Name == "" && committer.Email == "" && committer.When.IsZero() {
		committer = c.Author
	}
	appendSignatureLine(&b, "Committer", committer)
	b.WriteString("\n")
	message := strings.TrimRight(c.Message, "\n")
	if message == "" {
		b.WriteString("    (no commit message)\n")
		return b.String()
	}
	for line := range strings.SplitSeq(message, "\n") {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "    %s\n", line)
	}
	return b.String()
}

func appendSignatureLine(b *strings.Builder, label string, sig objstore.Signature) {
	fmt.Fprintf(b, "%s: %s <%s>", label, sig.Name, sig.Email)
	if !sig.When.IsZero() {
		fmt.Fprintf(b, "  %s", sig.When.Format("2006-01-02 15:04:05 -0700"))
	}
	b.WriteByte('\n')
}

// RenderPatch renders entries as a unified diff below header and reports
// where each file's section starts. contextLines is the context the hunks
// were computed with; a negative value means whole files.
func RenderPatch(header string, entries []treediff.Entry, contextLines int) (string, []FileSection) {
	var b strings.Builder
	lineOffset := 0
	if header != "" {
		if !strings.HasSuffix(header, "\n") {
			header += "\n"
		}
		b.WriteString(header)
		lineOffset = strings.Count(header, "\n")
	}
	if len(entries) == 0 {
		if b.Len() == 0 {
			return "No changes.", nil
		}
		b.WriteString("No changes.\n")
		return b.String(), nil
	}
	body := encodeUnifiedPatch(entries, contextLines)
	b.WriteString(body)
	return b.String(), parseGitDiffSections(body, lineOffset)
}

// wholeFileContext stands in for a negative context, which the encoder
// does not accept.
const wholeFileContext = 1 << 29

func encodeUnifiedPatch(entries []treediff.Entry, contextLines int) string {
	if contextLines < 0 {
		contextLines = wholeFileContext
	}
	var b strings.Builder
	for i := range entries {
		e := &entries[i]
		var buf bytes.Buffer
		enc := diff.NewUnifiedEncoder(&buf, contextLines)
		if err := enc.Encode(filePatchSet{patches: []diff.FilePatch{entryPatch{e}}}); err != nil {
			fmt.Fprintf(&b, "# error: %v\n", err)
			continue
		}
		b.WriteString(renumberHunks(buf.String(), e.Hunks))
		if e.Err != nil {
			fmt.Fprintf(&b, "# error: %v\n", e.Err)
		}
	}
	return b.String()
}

type filePatchSet struct {
	patches []diff.FilePatch
}

func (f filePatchSet) FilePatches() []diff.FilePatch { return f.patches }
func (filePatchSet) Message() string                 { return "" }

// entryPatch presents a treediff entry to go-git's unified encoder.
type entryPatch struct {
	e *treediff.Entry
}

func (p entryPatch) IsBinary() bool { return p.e.IsBinary }

func (p entryPatch) Files() (from, to diff.File) {
	e := p.e
	oldPath, newPath := e.OldPath, e.NewPath
	if oldPath == "" {
		oldPath = newPath
	}
	if newPath == "" {
		newPath = oldPath
	}
	if e.Kind != treediff.Added {
		from = patchFile{path: oldPath, id: e.OldID, mode: e.OldMode}
	}
	if e.Kind != treediff.Deleted {
		to = patchFile{path: newPath, id: e.NewID, mode: e.NewMode}
	}
	return from, to
}

// Chunks rebuilds the edit script from the hunks. Unchanged lines between
// hunks are unknown and filled with blank lines; the encoder splits hunks
// by the same context rule as the differ, so it never prints them.
func (p entryPatch) Chunks() []diff.Chunk {
	if p.e.IsBinary || p.e.Err != nil {
		return nil
	}
	var (
		chunks []diff.Chunk
		buf    strings.Builder
		op     = diff.Equal
	)
	push := func(next diff.Operation, text string) {
		if next != op && buf.Len() > 0 {
			chunks = append(chunks, patchChunk{content: buf.String(), op: op})
			buf.Reset()
		}
		op = next
		buf.WriteString(text)
	}
	oldLine := 0
	for _, h := range p.e.Hunks {
		first := h.OldStart
		if h.OldLines == 0 {
			first++
		}
		for ; oldLine < first-1; oldLine++ {
			push(diff.Equal, "\n")
		}
		for _, l := range h.Lines {
			switch l.Op {
			case treediff.OpContext:
				push(diff.Equal, l.Text)
				oldLine++
			case treediff.OpRemoved:
				push(diff.Delete, l.Text)
				oldLine++
			case treediff.OpAdded:
				push(diff.Add, l.Text)
			}
		}
	}
	if buf.Len() > 0 {
		chunks = append(chunks, patchChunk{content: buf.String(), op: op})
	}
	return chunks
}

type patchFile struct {
	path string
	id   plumbing.Hash
	mode filemode.FileMode
}

func (f patchFile) Hash() plumbing.Hash     { return f.id }
func (f patchFile) Mode() filemode.FileMode { return f.mode }
func (f patchFile) Path() string            { return f.path }

type patchChunk struct {
	content string
	op      diff.Operation
}

func (c patchChunk) Content() string      { return c.content }
func (c patchChunk) Type() diff.Operation { return c.op }

// renumberHunks replaces the encoder's "@@" lines with the differ's ranges.
// Without context the encoder counts one side from the line before the
// change even when that side has lines.
func renumberHunks(patch string, hunks []treediff.Hunk) string {
	if strings.Count("\n"+patch, "\n@@ -") != len(hunks) {
		return patch
	}
	var b strings.Builder
	k := 0
	for line := range strings.SplitSeq(strings.TrimSuffix(patch, "\n"), "\n") {
		if strings.HasPrefix(line, "@@ -") {
			h := hunks[k]
			k++
			line = fmt.Sprintf("@@ -%s +%s @@", hunkRange(h.OldStart, h.OldLines), hunkRange(h.NewStart, h.NewLines))
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func hunkRange(start, lines int) string {
	if lines == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, lines)
}

// parseGitDiffSections finds the "diff --git" lines of a patch. Line numbers
// are 1-based and shifted by lineOffset.
func parseGitDiffSections(patch string, lineOffset int) []FileSection {
	var sections []FileSection
	i := 0
	for line := range strings.SplitSeq(patch, "\n") {
		i++
		if path := parseGitDiffPath(line); path != "" {
			sections = append(sections, FileSection{Path: path, Line: lineOffset + i})
		}
	}
	return sections
}

// parseGitDiffPath returns the new-side path of a "diff --git" line.
func parseGitDiffPath(line string) string {
	rest, ok := strings.CutPrefix(line, "diff --git ")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	if path, ok := splitUnquotedPaths(rest); ok {
		return path
	}
	tokens := diffLineTokens(rest)
	if len(tokens) < 2 {
		return ""
	}
	return strings.TrimPrefix(tokens[1], "b/")
}

// splitUnquotedPaths handles "a/x y b/x y", where blanks inside the paths
// are not quoted. The split leaving the same path on both sides wins;
// otherwise, as for a rename, the last " b/" does.
func splitUnquotedPaths(rest string) (string, bool) {
	if !strings.HasPrefix(rest, "a/") || strings.Count(rest, " ") < 2 {
		return "", false
	}
	last := -1
	for i := 0; ; {
		j := strings.Index(rest[i:], " b/")
		if j < 0 {
			break
		}
		at := i + j
		if rest[2:at] == rest[at+3:] {
			return rest[at+3:], true
		}
		last = at
		i = at + 1
	}
	if last < 0 {
		return "", false
	}
	return rest[last+3:], true
}

// diffLineTokens splits on blanks, honouring double-quoted paths.
func diffLineTokens(s string) []string {
	var tokens []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return tokens
		}
		if s[0] != '"' {
			end := strings.IndexAny(s, " \t")
			if end < 0 {
				end = len(s)
			}
			tokens = append(tokens, s[:end])
			s = s[end:]
			continue
		}
		var buf strings.Builder
		i := 1
		for ; i < len(s); i++ {
			ch := s[i]
			if ch == '\\' && i+1 < len(s) {
				i++
				buf.WriteByte(s[i])
				continue
			}
			if ch == '"' {
				i++
				break
			}
			buf.WriteByte(ch)
		}
		tokens = append(tokens, buf.String())
		s = s[i:]
	}
}
