package index

import (
	"strings"
)

type queryKind uint8

const (
	querySubstring queryKind = iota
	queryAuthor
	queryMessage
	queryWords
	queryHash
)

// Query is a parsed search string. The zero Query matches nothing.
type Query struct {
	kind  queryKind
	text  string
	words []string
	raw   string
}

// ParseQuery understands these forms:
//
//	text           case-insensitive substring of message or author
//	author:text    substring of the author name and email
//	message:text   substring of the message
//	word:a b       commits containing every word as a whole token
//	1a2b3c         4 to 40 hex digits also match commit id prefixes
func ParseQuery(s string) Query {
	s = strings.TrimSpace(s)
	q := Query{raw: s}
	prefix, rest, found := strings.Cut(s, ":")
	if found {
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(prefix) {
		case "author":
			q.kind, q.text = queryAuthor, foldQuery(rest)
			return q
		case "message", "msg":
			q.kind, q.text = queryMessage, foldQuery(rest)
			return q
		case "word", "words":
			q.kind = queryWords
			for _, t := range tokens(foldQuery(rest)) {
				q.words = append(q.words, t.text)
			}
			return q
		}
	}
	q.text = foldQuery(s)
	if isHexPrefix(q.text) {
		q.kind = queryHash
	}
	return q
}

func (q Query) IsZero() bool {
	return q.text == "" && len(q.words) == 0
}

func (q Query) String() string { return q.raw }

func isHexPrefix(s string) bool {
	if len(s) < 4 || len(s) > 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
