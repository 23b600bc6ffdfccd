package git

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/thiagokokada/gitbrowse/internal/config"
	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/graph"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
	"github.com/thiagokokada/gitbrowse/internal/git/refs"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
	"github.com/thiagokokada/gitbrowse/internal/pool"
)

// Entry is one row of the commit log.
type Entry struct {
	ID     ObjectID
	Commit *objstore.Commit
	// Summary is "<short id>  <date>  <subject>".
	Summary string
	Graph   string
	Labels  []string
	// Err is a diagnostic for this row only, such as an unreadable parent.
	// Commit is nil when the commit itself could not be read.
	Err error
}

type LogRequest struct {
	// Start is a ref name or object id, or a range: "A..B" lists commits
	// reachable from B but not A, "A...B" those reachable from exactly one
	// side. An omitted side of a range means HEAD. Empty means the default
	// branch.
	Start string
	// Hide excludes history reachable from these refs or ids.
	Hide []string
	// Order is "date" or "topo". Empty uses the configured order.
	Order  string
	Filter graph.Filter
	// Reverse lists oldest first. No graph is drawn then.
	Reverse bool
	// PageToken resumes a previous request; the fields above are then
	// taken from the token.
	PageToken string
	PageSize  int
}

type LogPage struct {
	Entries []*Entry
	// Start is the name the walk began at, when it began at a ref.
	Start         string
	NextPageToken string
}

type scanSession struct {
	key    string
	cursor graph.Cursor
	walker *graph.Walker
	lanes  *graph.Lanes

	// buffered holds the node read by hasMore so the next page starts with it.
	buffered  *graph.Node
	exhausted bool
	returned  int
}

func newScanSession(cursor graph.Cursor, src graph.CommitSource, changes graph.ChangeDetector) *scanSession {
	s := &scanSession{
		key:    cursor.Key(),
		cursor: cursor,
		walker: cursor.Rewind(src, changes),
	}
	if !cursor.Reverse {
		s.lanes = graph.NewLanes()
	}
	return s
}

func (s *scanSession) hasMore(ctx context.Context) (bool, error) {
	if s.exhausted {
		return false, nil
	}
	if s.buffered != nil {
		return true, nil
	}
	node, err := s.walker.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.exhausted = true
			return false, nil
		}
		return false, err
	}
	s.buffered = &node
	return true, nil
}

// next returns the next node together with its graph row.
func (s *scanSession) next(ctx context.Context) (graph.Node, string, error) {
	if s.exhausted {
		return graph.Node{}, "", io.EOF
	}
	var node graph.Node
	if s.buffered != nil {
		node = *s.buffered
		s.buffered = nil
	} else {
		var err error
		node, err = s.walker.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.exhausted = true
			}
			return graph.Node{}, "", err
		}
	}
	var line string
	if s.lanes != nil {
		var parents []plumbing.Hash
		if node.Commit != nil {
			parents = node.Commit.Parents
		}
		line = s.lanes.Line(node.ID, parents)
	}
	s.returned++
	return node, line, nil
}

// discard drops count nodes while still feeding them to the lane layout.
func (s *scanSession) discard(ctx context.Context, count int) error {
	for range count {
		if _, _, err := s.next(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CommitLog returns one page of history. Pages are resumed from the token
// of the previous page; consecutive pages reuse the live walk.
func (s *Service) CommitLog(ctx context.Context, req LogRequest) (LogPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = s.cfg.Log.PageSize
	}
	pageSize = min(pageSize, config.MaxPageSize)

	snap, err := s.snapshot(ctx)
	if err != nil {
		return LogPage{}, err
	}
	var (
		cursor graph.Cursor
		start  string
	)
	if req.PageToken != "" {
		cursor, err = graph.ParseCursor(req.PageToken)
		if err != nil {
			return LogPage{}, err
		}
	} else {
		start = strings.TrimSpace(req.Start)
		if start == "" {
			start = snap.DefaultBranch()
		}
		starts, hide, err := s.resolveStart(ctx, snap, start)
		if err != nil {
			if errs.IsNotFound(err) && req.Start == "" {
				// Unborn branch: nothing to show yet.
				return LogPage{Start: start}, nil
			}
			return LogPage{}, err
		}
		for _, h := range req.Hide {
			id, err := snap.Resolve(h)
			if err != nil {
				return LogPage{}, err
			}
			hide = append(hide, id)
		}
		order := s.cfg.LogOrder()
		if req.Order != "" {
			if order, err = graph.ParseOrder(req.Order); err != nil {
				return LogPage{}, err
			}
		}
		opts := graph.Options{Order: order, Hide: hide, Filter: req.Filter, Reverse: req.Reverse}
		cursor = graph.NewCursor(starts, hide, opts, 0)
	}
	slog.Debug("CommitLog start",
		slog.String("start", start),
		slog.Int("offset", cursor.Offset),
		slog.Int("page_size", pageSize),
	)

	labels, err := s.BranchLabels(ctx)
	if err != nil {
		return LogPage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	page, err := s.readPageLocked(ctx, cursor, pageSize, labels)
	if err != nil {
		// A walk interrupted half way cannot be resumed.
		s.scan = nil
		return LogPage{}, err
	}
	page.Start = start
	return page, nil
}

// readPageLocked expects the caller to hold Service.mu.
func (s *Service) readPageLocked(ctx context.Context, cursor graph.Cursor, pageSize int, labels map[ObjectID][]string) (LogPage, error) {
	if s.scan == nil || s.scan.key != cursor.Key() || s.scan.returned != cursor.Offset {
		if s.scan != nil {
			slog.Debug("CommitLog reset session",
				slog.Int("requested_offset", cursor.Offset),
				slog.Int("session_returned", s.scan.returned),
			)
		}
		s.scan = newScanSession(cursor, s.objects, pathChanges{objects: s.objects, differ: s.differ})
		if err := s.scan.discard(ctx, cursor.Offset); err != nil {
			if errors.Is(err, io.EOF) {
				return LogPage{}, nil
			}
			return LogPage{}, fmt.Errorf("iterate commits: %w", err)
		}
	}

	entries := make([]*Entry, 0, min(pageSize, 256))
	for len(entries) < pageSize {
		node, line, err := s.scan.next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return LogPage{}, fmt.Errorf("iterate commits: %w", err)
		}
		entry := newEntry(node)
		entry.Graph = line
		entry.Labels = labels[node.ID]
		entries = append(entries, entry)
	}
	more, err := s.scan.hasMore(ctx)
	if err != nil {
		return LogPage{}, fmt.Errorf("iterate commits: %w", err)
	}
	page := LogPage{Entries: entries}
	if more {
		next := s.scan.cursor
		next.Offset = s.scan.returned
		page.NextPageToken = next.Token()
	}
	slog.Debug("CommitLog done",
		slog.Int("returned", len(entries)),
		slog.Int("session_returned", s.scan.returned),
		slog.Bool("has_more", more),
	)
	return page, nil
}

// resolveStart turns a start or range into walk starts and hidden ids.
func (s *Service) resolveStart(ctx context.Context, snap *refs.Snapshot, spec string) (starts, hide []plumbing.Hash, err error) {
	left, right, symmetric, isRange := splitRange(spec)
	if !isRange {
		id, err := snap.Resolve(spec)
		if err != nil {
			return nil, nil, err
		}
		return []plumbing.Hash{id}, nil, nil
	}
	from, err := snap.Resolve(cmp.Or(strings.TrimSpace(left), "HEAD"))
	if err != nil {
		return nil, nil, err
	}
	to, err := snap.Resolve(cmp.Or(strings.TrimSpace(right), "HEAD"))
	if err != nil {
		return nil, nil, err
	}
	if !symmetric {
		return []plumbing.Hash{to}, []plumbing.Hash{from}, nil
	}
	bases, err := graph.MergeBases(ctx, s.objects, from, to)
	if err != nil {
		return nil, nil, err
	}
	return []plumbing.Hash{from, to}, bases, nil
}

// splitRange recognises "A..B" and "A...B". Ref names cannot hold "..".
func splitRange(spec string) (left, right string, symmetric, ok bool) {
	if l, r, found := strings.Cut(spec, "..."); found {
		return l, r, true, true
	}
	if l, r, found := strings.Cut(spec, ".."); found {
		return l, r, false, true
	}
	return spec, "", false, false
}

// pathChanges answers path filters with name-only diffs against the first
// parent.
type pathChanges struct {
	objects *objstore.Store
	differ  *treediff.Differ
}

func (p pathChanges) Touches(ctx context.Context, c *objstore.Commit, paths []string) (bool, error) {
	var from *plumbing.Hash
	if len(c.Parents) > 0 {
		parent, err := p.objects.Commit(ctx, c.Parents[0])
		if err != nil {
			return false, err
		}
		from = &parent.Tree
	}
	opts := p.differ.Options()
	opts.NameOnly, opts.NoRenames, opts.Paths = true, true, paths
	entries, err := p.differ.DiffWith(ctx, from, c.Tree, opts)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// LogAsync runs CommitLog on the worker pool. Starting another log request
// cancels this one.
func (s *Service) LogAsync(ctx context.Context, req LogRequest) *pool.Future[LogPage] {
	ctx, release := s.logSlot.Start(ctx)
	return pool.Submit(ctx, s.pool, func(ctx context.Context) (LogPage, error) {
		defer release()
		return s.CommitLog(ctx, req)
	})
}

// CommitDetail returns the commit a ref name or id points at.
func (s *Service) CommitDetail(ctx context.Context, name string) (*objstore.Commit, error) {
	id, err := s.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.objects.Commit(ctx, id)
}

func newEntry(n graph.Node) *Entry {
	e := &Entry{ID: n.ID, Commit: n.Commit, Err: n.Err}
	if n.Commit != nil {
		e.Summary = formatSummary(n.Commit)
	} else {
		e.Summary = fmt.Sprintf("%s  (unreadable commit)", n.ID.String()[:7])
	}
	return e
}

func formatSummary(c *objstore.Commit) string {
	firstLine := strings.SplitN(strings.TrimSpace(c.Message), "\n", 2)[0]
	if len(firstLine) > 80 {
		firstLine = firstLine[:77] + "..."
	}
	timestamp := c.Committer.When.Format("2006-01-02 15:04")
	return fmt.Sprintf("%s  %s  %s", c.ID.String()[:7], timestamp, firstLine)
}
