// Package git is the query surface of the repository engine. A Service owns
// one repository and answers branch, log, diff and search requests on top of
// the object store, ref resolver, graph walker, differ and commit index.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/thiagokokada/gitbrowse/internal/cache"
	"github.com/thiagokokada/gitbrowse/internal/config"
	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/index"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
	"github.com/thiagokokada/gitbrowse/internal/git/refs"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
	"github.com/thiagokokada/gitbrowse/internal/pool"
	"github.com/thiagokokada/gitbrowse/internal/watch"
)

type ObjectID = plumbing.Hash

type Service struct {
	path   string
	gitDir string
	cfg    config.Engine

	objects *objstore.Store
	refs    *refs.Resolver
	differ  *treediff.Differ
	index   *index.Index
	pool    *pool.Pool

	logSlot    *pool.Slot
	diffSlot   *pool.Slot
	searchSlot *pool.Slot

	// mu serializes access to the log session.
	mu   sync.Mutex
	scan *scanSession

	indexer indexer

	watchMu sync.Mutex
	watcher *watch.Watcher

	// ctx bounds background work; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// Open finds the repository containing path and prepares a read-only
// session over it with cfg.
func Open(path string, cfg config.Engine) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	repo, err := gitlib.PlainOpenWithOptions(abs, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	storage, ok := repo.Storer.(*filesystem.Storage)
	if !ok {
		return nil, fmt.Errorf("open repository: unsupported storage %T", repo.Storer)
	}
	gitFS := storage.Filesystem()
	objects, err := objstore.Open(gitFS, cfg.ObjectOptions())
	if err != nil {
		return nil, fmt.Errorf("open object database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		path:       abs,
		gitDir:     gitFS.Root(),
		cfg:        cfg,
		objects:    objects,
		refs:       refs.New(storage, objects, cfg.RefOptions()),
		differ:     treediff.New(objects, cfg.DiffOptions()),
		index:      index.New(cfg.IndexOptions()),
		pool:       pool.New(cfg.Workers),
		logSlot:    pool.NewSlot("log"),
		diffSlot:   pool.NewSlot("diff"),
		searchSlot: pool.NewSlot("search"),
		ctx:        ctx,
		cancel:     cancel,
	}
	slog.Debug("repository opened",
		slog.String("path", abs),
		slog.String("git_dir", s.gitDir),
		slog.Int("workers", cfg.Workers),
	)
	return s, nil
}

// Close stops background work and releases pack files. The service must not
// be used afterwards.
func (s *Service) Close() error {
	s.StopWatching()
	s.cancel()
	s.logSlot.Cancel()
	s.diffSlot.Cancel()
	s.searchSlot.Cancel()
	s.pool.Close()
	return s.objects.Close()
}

func (s *Service) RepoPath() string { return s.path }

func (s *Service) GitDir() string { return s.gitDir }

func (s *Service) Config() config.Engine { return s.cfg }

func (s *Service) snapshot(ctx context.Context) (*refs.Snapshot, error) {
	return s.refs.Snapshot(ctx)
}

func (s *Service) ListRefs(ctx context.Context) ([]refs.Ref, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Refs(), nil
}

// RefInfo is a ref together with the committer time of the commit it
// names. When is zero if that commit could not be read.
type RefInfo struct {
	refs.Ref
	When time.Time
}

func (s *Service) withTimes(ctx context.Context, list []refs.Ref) ([]RefInfo, error) {
	out := make([]RefInfo, len(list))
	for i, r := range list {
		out[i].Ref = r
		if r.Err != nil {
			continue
		}
		c, err := s.objects.Commit(ctx, r.Target)
		switch {
		case err == nil:
			out[i].When = c.Committer.When
		case errs.IsCancelled(err):
			return nil, err
		default:
			slog.Debug("read ref tip", slog.String("ref", r.Name.String()), slog.Any("error", err))
		}
	}
	return out, nil
}

// ListBranches returns local branches followed by remote-tracking ones.
func (s *Service) ListBranches(ctx context.Context) ([]RefInfo, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.withTimes(ctx, append(snap.Branches(), snap.RemoteBranches()...))
}

// ListTags returns tags with the time of the commit they point at.
func (s *Service) ListTags(ctx context.Context) ([]RefInfo, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.withTimes(ctx, snap.Tags())
}

// CurrentHead reports the checked out commit. On an unborn branch the
// error is NotFound and Head.Branch names the branch.
func (s *Service) CurrentHead(ctx context.Context) (refs.Head, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return refs.Head{}, err
	}
	return snap.Head()
}

func (s *Service) DefaultBranch(ctx context.Context) (string, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return "", err
	}
	return snap.DefaultBranch(), nil
}

// Resolve maps a ref name or full or abbreviated object id to an object id.
func (s *Service) Resolve(ctx context.Context, name string) (ObjectID, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return snap.Resolve(name)
}

// Refresh re-reads refs and pack files. The new ref snapshot replaces the
// old one as a whole, and newly reachable commits are indexed in the
// background.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.objects.Rescan(); err != nil {
		return fmt.Errorf("rescan packs: %w", err)
	}
	snap, err := s.refs.Refresh(ctx)
	if err != nil {
		return err
	}
	slog.Debug("repository refreshed", slog.Int("refs", len(snap.Refs())))
	if s.indexer.started() {
		s.startIndexing(snap)
	}
	return nil
}

// BranchLabels maps commit ids to the decorations shown next to them: the
// HEAD marker first, then branches, remote branches and tags.
func (s *Service) BranchLabels(ctx context.Context) (map[ObjectID][]string, error) {
	labels := map[ObjectID][]string{}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range snap.Refs() {
		if ref.Err != nil {
			continue
		}
		switch ref.Kind {
		case refs.KindBranch:
			labels[ref.Target] = append(labels[ref.Target], ref.Short)
		case refs.KindRemoteBranch:
			if ref.Symbolic || strings.HasSuffix(ref.Short, "/HEAD") {
				continue
			}
			labels[ref.Target] = append(labels[ref.Target], ref.Short)
		case refs.KindTag:
			labels[ref.Target] = append(labels[ref.Target], fmt.Sprintf("tag: %s", ref.Short))
		}
	}
	head, err := snap.Head()
	if err != nil {
		if !errs.IsNotFound(err) {
			slog.Warn("resolve HEAD for labels", slog.Any("error", err))
		}
		return labels, nil
	}
	label := "HEAD"
	rest := labels[head.ID]
	if !head.Detached && head.Branch != "" {
		label = fmt.Sprintf("HEAD -> %s", head.Branch)
		rest = slices.DeleteFunc(rest, func(l string) bool { return l == head.Branch })
	}
	labels[head.ID] = append([]string{label}, rest...)
	return labels, nil
}

// Watch refreshes the service whenever refs or packs change on disk.
// onRefresh, when not nil, is told about every refresh.
func (s *Service) Watch(onRefresh func(error)) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	w := watch.New(s.gitDir, s.cfg.Watch.Delay.Duration, func() {
		err := s.Refresh(s.ctx)
		if err != nil && !errs.IsCancelled(err) {
			slog.Error("refresh after file change", slog.Any("error", err))
		}
		if onRefresh != nil {
			onRefresh(err)
		}
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *Service) StopWatching() {
	s.watchMu.Lock()
	w := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// CacheStats reports hit counters of the object and diff caches.
func (s *Service) CacheStats() (objects, diffs cache.Stats) {
	return s.objects.CacheStats(), s.differ.CacheStats()
}
