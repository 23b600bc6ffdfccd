package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
)

var ErrBadCursor = errors.New("invalid page token")

// Cursor is the resumable position of a walk. It records the resolved
// starting points so a page token keeps walking the same history after refs
// move.
type Cursor struct {
	Starts []string `json:"s"`
	Hide   []string `json:"h,omitempty"`
	Order   Order    `json:"o,omitempty"`
	Filter  Filter   `json:"f,omitzero"`
	Reverse bool     `json:"r,omitempty"`
	Offset  int      `json:"n"`
}

func NewCursor(starts, hide []plumbing.Hash, opts Options, offset int) Cursor {
	return Cursor{
		Starts: hashStrings(starts),
		Hide:   hashStrings(hide),
		Order:   opts.Order,
		Filter:  opts.Filter,
		Reverse: opts.Reverse,
		Offset:  offset,
	}
}

func (c Cursor) Token() string {
	raw, err := json.Marshal(c)
	if err != nil {
		// Cursor holds only strings, bools and ints.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func ParseCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if len(c.Starts) == 0 || c.Offset < 0 {
		return Cursor{}, ErrBadCursor
	}
	for _, s := range append(slices.Clone(c.Starts), c.Hide...) {
		if !plumbing.IsHash(s) {
			return Cursor{}, fmt.Errorf("%w: bad id %q", ErrBadCursor, s)
		}
	}
	return c, nil
}

// Walker rebuilds the walk the cursor came from, already advanced past
// Offset nodes. changes may be nil when the filter has no paths.
func (c Cursor) Walker(ctx context.Context, src CommitSource, changes ChangeDetector) (*Walker, error) {
	w := c.Rewind(src, changes)
	if err := w.Skip(ctx, c.Offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return w, nil
}

// Rewind returns a walker over the same history positioned at the start.
func (c Cursor) Rewind(src CommitSource, changes ChangeDetector) *Walker {
	return NewWalker(src, parseHashes(c.Starts), Options{
		Order:   c.Order,
		Hide:    parseHashes(c.Hide),
		Filter:  c.Filter,
		Changes: changes,
		Reverse: c.Reverse,
	})
}

// Key identifies the walk independent of the position within it.
func (c Cursor) Key() string {
	c.Offset = 0
	return c.Token()
}

func hashStrings(ids []plumbing.Hash) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseHashes(ss []string) []plumbing.Hash {
	out := make([]plumbing.Hash, len(ss))
	for i, s := range ss {
		out[i] = plumbing.NewHash(s)
	}
	return out
}
