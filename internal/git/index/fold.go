package index

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// folded is a lower-cased UTF-8 copy of a raw field. offsets[i] is the raw
// byte offset the folded byte i came from; it has one extra entry holding
// the raw length.
type folded struct {
	text    string
	offsets []int32
}

// rawSpan maps the folded byte range [start, end) back to raw offsets.
func (f *folded) rawSpan(start, end int) (int, int) {
	return int(f.offsets[start]), int(f.offsets[end])
}

// fold lower-cases raw rune by rune. Bytes that are not valid UTF-8 are read
// as Windows-1252, or as cm when the commit declared a single-byte encoding.
func fold(raw string, cm *charmap.Charmap) folded {
	var b strings.Builder
	b.Grow(len(raw))
	offsets := make([]int32, 0, len(raw)+1)
	var buf [utf8.UTFMax]byte
	for i := 0; i < len(raw); {
		var r rune
		size := 1
		if cm != nil {
			r = cm.DecodeByte(raw[i])
		} else {
			r, size = utf8.DecodeRuneInString(raw[i:])
			if r == utf8.RuneError && size <= 1 {
				r, size = charmap.Windows1252.DecodeByte(raw[i]), 1
			}
		}
		n := utf8.EncodeRune(buf[:], unicode.ToLower(r))
		b.Write(buf[:n])
		for range n {
			offsets = append(offsets, int32(i))
		}
		i += size
	}
	offsets = append(offsets, int32(len(raw)))
	return folded{text: b.String(), offsets: offsets}
}

// foldQuery lower-cases a query typed by a user.
func foldQuery(q string) string {
	return fold(q, nil).text
}

// charmapFor returns the single-byte charset a commit's encoding header
// names, or nil for UTF-8 and multi-byte encodings.
func charmapFor(encoding string) *charmap.Charmap {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" || strings.EqualFold(encoding, "utf-8") || strings.EqualFold(encoding, "utf8") {
		return nil
	}
	enc, err := ianaindex.IANA.Encoding(encoding)
	if err != nil || enc == nil {
		return nil
	}
	cm, _ := enc.(*charmap.Charmap)
	return cm
}

type token struct {
	text       string
	start, end int
}

// tokens splits folded text into runs of letters and digits.
func tokens(s string) []token {
	var out []token
	start := -1
	for i, r := range s {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			out = append(out, token{text: s[start:i], start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, token{text: s[start:], start: start, end: len(s)})
	}
	return out
}
