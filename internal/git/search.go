package git

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/config"
	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/graph"
	"github.com/thiagokokada/gitbrowse/internal/git/index"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
	"github.com/thiagokokada/gitbrowse/internal/git/refs"
	"github.com/thiagokokada/gitbrowse/internal/pool"
)

// indexBatch is how many commits one pool job adds to the index, so that
// long builds leave room for interactive requests.
const indexBatch = 512

// ErrBadPageToken is returned for page tokens this service did not issue.
var ErrBadPageToken = graph.ErrBadCursor

type indexer struct {
	mu     sync.Mutex
	on     bool
	cancel context.CancelFunc
	// tips are commits whose whole history is indexed.
	tips map[plumbing.Hash]struct{}
}

func (ix *indexer) started() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.on
}

type SearchHit struct {
	index.Hit
	// Commit is nil when the commit could not be read back.
	Commit *objstore.Commit
}

type SearchPage struct {
	Hits          []SearchHit
	NextPageToken string
	// Complete reports whether all of history was indexed when the page
	// was computed. Later pages may include commits indexed since.
	Complete bool
}

type searchToken struct {
	Query string `json:"q"`
	When  int64  `json:"t"`
	ID    string `json:"i"`
	Field uint8  `json:"f"`
}

func (t searchToken) encode() string {
	raw, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func parseSearchToken(token, query string) (*index.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPageToken, err)
	}
	var t searchToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPageToken, err)
	}
	if t.Query != query {
		return nil, fmt.Errorf("%w: token belongs to query %q", ErrBadPageToken, t.Query)
	}
	if !plumbing.IsHash(t.ID) {
		return nil, fmt.Errorf("%w: bad id %q", ErrBadPageToken, t.ID)
	}
	return &index.Cursor{When: t.When, ID: plumbing.NewHash(t.ID), Field: index.Field(t.Field)}, nil
}

// StartIndexing begins indexing every commit reachable from a ref in the
// background. Searches answer from what has been indexed so far.
func (s *Service) StartIndexing(ctx context.Context) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	s.startIndexing(snap)
	return nil
}

func (s *Service) ensureIndexing(ctx context.Context) error {
	if s.indexer.started() {
		return nil
	}
	return s.StartIndexing(ctx)
}

// WaitIndexed blocks until the running index build completes. It returns a
// ResourceExhausted error when the index filled up first.
func (s *Service) WaitIndexed(ctx context.Context) error {
	select {
	case <-s.index.Done():
		return s.index.Err()
	case <-ctx.Done():
		return errs.FromContext(ctx, "wait for index")
	}
}

func (s *Service) IndexComplete() bool { return s.index.Complete() }

func (s *Service) startIndexing(snap *refs.Snapshot) {
	s.indexer.mu.Lock()
	defer s.indexer.mu.Unlock()
	if s.indexer.cancel != nil {
		s.indexer.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.indexer.cancel = cancel
	s.indexer.on = true

	starts := refTips(snap)
	var hide []plumbing.Hash
	for id := range s.indexer.tips {
		if !slices.Contains(starts, id) {
			hide = append(hide, id)
		}
	}
	// Tips already covered need no walk at all.
	starts = slices.DeleteFunc(starts, func(id plumbing.Hash) bool {
		_, ok := s.indexer.tips[id]
		return ok
	})
	gen := s.index.Extend()
	slog.Debug("index build started",
		slog.Int("starts", len(starts)),
		slog.Int("hidden", len(hide)),
		slog.Uint64("generation", gen),
	)
	go s.buildIndex(ctx, gen, starts, hide)
}

func (s *Service) buildIndex(ctx context.Context, gen uint64, starts, hide []plumbing.Hash) {
	w := graph.NewWalker(s.objects, starts, graph.Options{Hide: hide})
	added := 0
	for len(starts) > 0 {
		f := pool.Submit(ctx, s.pool, func(ctx context.Context) (bool, error) {
			nodes, done, err := w.NextPage(ctx, indexBatch)
			n, addErr := s.addNodes(nodes)
			added += n
			if addErr != nil {
				return true, addErr
			}
			return done, err
		})
		done, err := f.Wait(ctx)
		if err != nil {
			if ctx.Err() == nil && !errs.IsCancelled(err) && !errs.Is(err, errs.KindResourceExhausted) {
				slog.Warn("index build failed", slog.Any("error", err))
			}
			return
		}
		if done {
			break
		}
	}
	s.indexer.mu.Lock()
	if s.indexer.tips == nil {
		s.indexer.tips = map[plumbing.Hash]struct{}{}
	}
	for _, id := range starts {
		s.indexer.tips[id] = struct{}{}
	}
	s.indexer.mu.Unlock()
	s.index.MarkComplete(gen)
	slog.Debug("index build finished", slog.Int("added", added), slog.Int("total", s.index.Len()))
}

func (s *Service) addNodes(nodes []graph.Node) (int, error) {
	commits := make([]*objstore.Commit, 0, len(nodes))
	for _, n := range nodes {
		if n.Commit != nil {
			commits = append(commits, n.Commit)
		}
	}
	return s.index.Add(commits...)
}

// IndexCommits indexes history reachable from start right away and returns
// how many commits were new to the index.
func (s *Service) IndexCommits(ctx context.Context, start string) (int, error) {
	id, err := s.Resolve(ctx, start)
	if err != nil {
		return 0, err
	}
	s.indexer.mu.Lock()
	hide := slices.Collect(maps.Keys(s.indexer.tips))
	s.indexer.mu.Unlock()

	w := graph.NewWalker(s.objects, []plumbing.Hash{id}, graph.Options{Hide: hide})
	added := 0
	for {
		nodes, done, err := w.NextPage(ctx, indexBatch)
		n, addErr := s.addNodes(nodes)
		added += n
		if err := errors.Join(addErr, err); err != nil {
			return added, err
		}
		if done {
			return added, nil
		}
	}
}

func refTips(snap *refs.Snapshot) []plumbing.Hash {
	seen := map[plumbing.Hash]struct{}{}
	var out []plumbing.Hash
	for _, r := range snap.Refs() {
		if r.Err != nil || r.Target.IsZero() {
			continue
		}
		if _, ok := seen[r.Target]; ok {
			continue
		}
		seen[r.Target] = struct{}{}
		out = append(out, r.Target)
	}
	return out
}

// SearchCommits finds commits whose message, author or id match query. It
// starts the index build when needed and answers from the commits indexed
// so far.
func (s *Service) SearchCommits(ctx context.Context, query, pageToken string, limit int) (SearchPage, error) {
	if limit <= 0 {
		limit = s.cfg.Log.PageSize
	}
	limit = min(limit, config.MaxPageSize)
	var after *index.Cursor
	if pageToken != "" {
		var err error
		if after, err = parseSearchToken(pageToken, query); err != nil {
			return SearchPage{}, err
		}
	}
	if err := s.ensureIndexing(ctx); err != nil {
		return SearchPage{}, err
	}

	page := s.index.Search(index.ParseQuery(query), after, limit)
	out := SearchPage{Complete: page.Complete, Hits: make([]SearchHit, 0, len(page.Hits))}
	for _, h := range page.Hits {
		c, err := s.objects.Commit(ctx, h.ID)
		if err != nil {
			if errs.IsCancelled(err) {
				return SearchPage{}, err
			}
			slog.Warn("read search hit", slog.String("id", h.ID.String()), slog.Any("error", err))
		}
		out.Hits = append(out.Hits, SearchHit{Hit: h, Commit: c})
	}
	if page.Next != nil {
		out.NextPageToken = searchToken{
			Query: query,
			When:  page.Next.When,
			ID:    page.Next.ID.String(),
			Field: uint8(page.Next.Field),
		}.encode()
	}
	return out, nil
}

// SearchAsync runs SearchCommits on the worker pool. Starting another
// search cancels this one.
func (s *Service) SearchAsync(ctx context.Context, query, pageToken string, limit int) *pool.Future[SearchPage] {
	ctx, release := s.searchSlot.Start(ctx)
	return pool.Submit(ctx, s.pool, func(ctx context.Context) (SearchPage, error) {
		defer release()
		return s.SearchCommits(ctx, query, pageToken, limit)
	})
}
