package treediff

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

func isBinary(data []byte) bool {
	return bytes.IndexByte(data[:min(len(data), binarySniffLen)], 0) >= 0
}

// splitLines splits s after every newline. A final line without a newline
// is kept as is.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// opCodes returns the edit script turning a into b. Tags follow difflib:
// 'e' equal, 'd' delete, 'i' insert, 'r' replace.
func opCodes(alg Algorithm, a, b []string) []difflib.OpCode {
	if alg == AlgorithmDMP {
		return dmpOpCodes(a, b)
	}
	return difflib.NewMatcherWithJunk(a, b, false, nil).GetOpCodes()
}

func dmpOpCodes(a, b []string) []difflib.OpCode {
	dmp := diffmatchpatch.New()
	ra, rb, _ := dmp.DiffLinesToRunes(strings.Join(a, ""), strings.Join(b, ""))
	var codes []difflib.OpCode
	i, j := 0, 0
	for _, d := range dmp.DiffMainRunes(ra, rb, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			codes = append(codes, difflib.OpCode{Tag: 'e', I1: i, I2: i + n, J1: j, J2: j + n})
			i += n
			j += n
		case diffmatchpatch.DiffDelete:
			codes = append(codes, difflib.OpCode{Tag: 'd', I1: i, I2: i + n, J1: j, J2: j})
			i += n
		case diffmatchpatch.DiffInsert:
			codes = append(codes, difflib.OpCode{Tag: 'i', I1: i, I2: i, J1: j, J2: j + n})
			j += n
		}
	}
	return codes
}

// similarity scores how much of a and b is shared, from 0 to 100.
func similarity(alg Algorithm, a, b []byte) int {
	la, lb := splitLines(string(a)), splitLines(string(b))
	total := len(la) + len(lb)
	if total == 0 {
		return 100
	}
	if alg == AlgorithmDMP {
		matched := 0
		for _, c := range dmpOpCodes(la, lb) {
			if c.Tag == 'e' {
				matched += c.I2 - c.I1
			}
		}
		return 200 * matched / total
	}
	matched := 0
	for _, m := range difflib.NewMatcherWithJunk(la, lb, false, nil).GetMatchingBlocks() {
		matched += m.Size
	}
	return 200 * matched / total
}

// groupOpCodes splits codes into hunks keeping n lines of context around
// each change.
func groupOpCodes(codes []difflib.OpCode, n int) [][]difflib.OpCode {
	if !hasChange(codes) {
		return nil
	}
	codes = append([]difflib.OpCode(nil), codes...)
	if n < 0 {
		return [][]difflib.OpCode{codes}
	}
	if first := codes[0]; first.Tag == 'e' {
		codes[0] = difflib.OpCode{Tag: 'e', I1: max(first.I1, first.I2-n), I2: first.I2, J1: max(first.J1, first.J2-n), J2: first.J2}
	}
	if last := codes[len(codes)-1]; last.Tag == 'e' {
		codes[len(codes)-1] = difflib.OpCode{Tag: 'e', I1: last.I1, I2: min(last.I2, last.I1+n), J1: last.J1, J2: min(last.J2, last.J1+n)}
	}
	var groups [][]difflib.OpCode
	var group []difflib.OpCode
	for _, c := range codes {
		if c.Tag == 'e' && c.I2-c.I1 > 2*n {
			group = append(group, difflib.OpCode{Tag: 'e', I1: c.I1, I2: min(c.I2, c.I1+n), J1: c.J1, J2: min(c.J2, c.J1+n)})
			groups = append(groups, group)
			group = nil
			c.I1, c.J1 = max(c.I1, c.I2-n), max(c.J1, c.J2-n)
		}
		group = append(group, c)
	}
	if len(group) > 0 && !(len(group) == 1 && group[0].Tag == 'e') {
		groups = append(groups, group)
	}
	// Drop empty context-only groups left by the leading trim.
	out := groups[:0]
	for _, g := range groups {
		if hasChange(g) {
			out = append(out, g)
		}
	}
	return out
}

func hasChange(g []difflib.OpCode) bool {
	for _, c := range g {
		if c.Tag != 'e' {
			return true
		}
	}
	return false
}

func buildHunks(alg Algorithm, context int, oldData, newData []byte) []Hunk {
	a, b := splitLines(string(oldData)), splitLines(string(newData))
	groups := groupOpCodes(opCodes(alg, a, b), context)
	hunks := make([]Hunk, 0, len(groups))
	for _, g := range groups {
		first, last := g[0], g[len(g)-1]
		h := Hunk{
			OldStart: first.I1 + 1,
			OldLines: last.I2 - first.I1,
			NewStart: first.J1 + 1,
			NewLines: last.J2 - first.J1,
		}
		if h.OldLines == 0 {
			h.OldStart--
		}
		if h.NewLines == 0 {
			h.NewStart--
		}
		for _, c := range g {
			switch c.Tag {
			case 'e':
				h.Lines = appendLines(h.Lines, OpContext, a[c.I1:c.I2])
			case 'd':
				h.Lines = appendLines(h.Lines, OpRemoved, a[c.I1:c.I2])
			case 'i':
				h.Lines = appendLines(h.Lines, OpAdded, b[c.J1:c.J2])
			case 'r':
				h.Lines = appendLines(h.Lines, OpRemoved, a[c.I1:c.I2])
				h.Lines = appendLines(h.Lines, OpAdded, b[c.J1:c.J2])
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}

func appendLines(dst []Line, op Op, src []string) []Line {
	for _, s := range src {
		dst = append(dst, Line{Op: op, Text: s})
	}
	return dst
}
