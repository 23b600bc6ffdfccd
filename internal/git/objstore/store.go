// Package objstore reads objects straight from a repository's object
// database, covering both loose objects and packs with delta compression.
//
// Every object returned has been re-hashed and compared with the requested
// id. Decoded objects are shared through a byte-bounded cache and must be
// treated as read-only.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem/dotgit"

	"github.com/thiagokokada/gitbrowse/internal/cache"
	"github.com/thiagokokada/gitbrowse/internal/errs"
)

const (
	DefaultMaxDeltaDepth  = 50
	DefaultCacheBytes     = 64 << 20
	DefaultDeltaBaseBytes = 16 << 20
)

// ErrNoObjectDatabase is returned by Open when the directory has no objects/.
var ErrNoObjectDatabase = errors.New("no object database")

// ErrWrongType is wrapped in NotFound errors when an id names an object of a
// different type than the one requested.
var ErrWrongType = errors.New("unexpected object type")

type Options struct {
	MaxDeltaDepth  int
	CacheBytes     int64
	DeltaBaseBytes int64
}

type rawObject struct {
	typ  plumbing.ObjectType
	data []byte
}

type Store struct {
	fs            billy.Filesystem
	dot           *dotgit.DotGit
	maxDeltaDepth int

	packs    atomic.Pointer[[]*pack]
	rescanMu sync.Mutex
	// packDir is the objects/pack modification time seen by the last scan
	// and scannedAt when that scan started; both are guarded by rescanMu.
	packDir   time.Time
	scannedAt time.Time

	objects *cache.Cache[plumbing.Hash, Object]
	bases   *cache.Cache[baseKey, rawObject]
}

// Open reads the object database below gitDir, the repository's .git
// directory (or the root of a bare repository).
func Open(gitDir billy.Filesystem, opts Options) (*Store, error) {
	if fi, err := gitDir.Stat("objects"); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("open %s: %w", gitDir.Root(), ErrNoObjectDatabase)
	}
	if opts.MaxDeltaDepth <= 0 {
		opts.MaxDeltaDepth = DefaultMaxDeltaDepth
	}
	if opts.CacheBytes <= 0 {
		opts.CacheBytes = DefaultCacheBytes
	}
	if opts.DeltaBaseBytes <= 0 {
		opts.DeltaBaseBytes = DefaultDeltaBaseBytes
	}
	s := &Store{
		fs:            gitDir,
		dot:           dotgit.New(gitDir),
		maxDeltaDepth: opts.MaxDeltaDepth,
		objects: cache.New(cache.Options[plumbing.Hash, Object]{
			Name:      "objects",
			MaxBytes:  opts.CacheBytes,
			Sizer:     objectSize,
			KeyString: plumbing.Hash.String,
		}),
		bases: cache.New(cache.Options[baseKey, rawObject]{
			Name:     "delta-bases",
			MaxBytes: opts.DeltaBaseBytes,
			Sizer:    func(r rawObject) int64 { return int64(len(r.data)) + 32 },
		}),
	}
	empty := []*pack{}
	s.packs.Store(&empty)
	if err := s.Rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	var errList []error
	for _, p := range *s.packs.Load() {
		if err := p.retire(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Rescan reloads the pack list. Packs that are still present keep their open
// handles; decoded objects stay cached since ids are content addresses.
// Removed packs are closed once no read holds them.
func (s *Store) Rescan() error {
	s.rescanMu.Lock()
	defer s.rescanMu.Unlock()
	return s.rescanLocked()
}

func (s *Store) rescanLocked() error {
	s.scannedAt = time.Now()
	s.packDir = time.Time{}
	if fi, err := s.fs.Stat(s.fs.Join("objects", "pack")); err == nil {
		s.packDir = fi.ModTime()
	}
	hashes, err := s.dot.ObjectPacks()
	if err != nil {
		return fmt.Errorf("list packs: %w", err)
	}
	old := *s.packs.Load()
	byHash := make(map[plumbing.Hash]*pack, len(old))
	for _, p := range old {
		byHash[p.hash] = p
	}
	next := make([]*pack, 0, len(hashes))
	for _, h := range hashes {
		if p, ok := byHash[h]; ok {
			next = append(next, p)
			delete(byHash, h)
			continue
		}
		p, err := openPack(s.dot, h)
		if err != nil {
			// A pack being written by a concurrent gc has no index yet.
			slog.Warn("skipping pack", slog.String("pack", h.String()), slog.Any("error", err))
			continue
		}
		next = append(next, p)
	}
	s.packs.Store(&next)
	for _, p := range byHash {
		if err := p.retire(); err != nil {
			slog.Debug("close removed pack", slog.String("pack", p.hash.String()), slog.Any("error", err))
		}
	}
	slog.Debug("object packs loaded", slog.Int("packs", len(next)), slog.Int("removed", len(byHash)))
	return nil
}

// racyWindow covers filesystems that store whole-second modification times.
const racyWindow = time.Second

// refreshPacks rescans only when objects/pack may have changed since the
// last scan. A directory touched close to that scan counts as changed.
func (s *Store) refreshPacks() (bool, error) {
	s.rescanMu.Lock()
	defer s.rescanMu.Unlock()
	fi, err := s.fs.Stat(s.fs.Join("objects", "pack"))
	if err == nil && !s.packDir.IsZero() {
		mod := fi.ModTime()
		if mod.Equal(s.packDir) && mod.Before(s.scannedAt.Add(-racyWindow)) {
			return false, nil
		}
	}
	return true, s.rescanLocked()
}

// Has reports whether id is present, without decoding it.
func (s *Store) Has(id plumbing.Hash) bool {
	if _, ok := s.objects.Get(id); ok {
		return true
	}
	for _, p := range *s.packs.Load() {
		if _, ok := p.offset(id); ok {
			return true
		}
	}
	_, err := s.dot.ObjectStat(id)
	return err == nil
}

// Read returns the decoded object named by id.
func (s *Store) Read(ctx context.Context, id plumbing.Hash) (Object, error) {
	if err := errs.FromContext(ctx, "read object"); err != nil {
		return nil, err
	}
	return s.objects.GetOrLoad(ctx, id, func(context.Context) (Object, error) {
		raw, err := s.readRaw(id, 0)
		if err != nil {
			return nil, err
		}
		return decode(id, raw)
	})
}

func (s *Store) Commit(ctx context.Context, id plumbing.Hash) (*Commit, error) {
	return readTyped[*Commit](ctx, s, id, "read commit")
}

func (s *Store) Tree(ctx context.Context, id plumbing.Hash) (*Tree, error) {
	return readTyped[*Tree](ctx, s, id, "read tree")
}

func (s *Store) Blob(ctx context.Context, id plumbing.Hash) (*Blob, error) {
	return readTyped[*Blob](ctx, s, id, "read blob")
}

func (s *Store) Tag(ctx context.Context, id plumbing.Hash) (*Tag, error) {
	return readTyped[*Tag](ctx, s, id, "read tag")
}

func readTyped[T Object](ctx context.Context, s *Store, id plumbing.Hash, op string) (T, error) {
	var zero T
	o, err := s.Read(ctx, id)
	if err != nil {
		return zero, err
	}
	v, ok := o.(T)
	if !ok {
		return zero, errs.NotFound(op, id.String(), fmt.Errorf("%w: %s", ErrWrongType, o.ObjectType()))
	}
	return v, nil
}

// Expand resolves an abbreviated hex id to the single object it names.
func (s *Store) Expand(prefix string) (plumbing.Hash, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) < 4 || len(prefix) > 40 || strings.Trim(prefix, "0123456789abcdef") != "" {
		return plumbing.ZeroHash, errs.NotFound("expand id", prefix, fmt.Errorf("not a hex prefix"))
	}
	if len(prefix) == 40 {
		id := plumbing.NewHash(prefix)
		if s.Has(id) {
			return id, nil
		}
		return plumbing.ZeroHash, errs.NotFound("expand id", prefix, nil)
	}
	found := map[plumbing.Hash]struct{}{}
	for _, p := range *s.packs.Load() {
		iter, err := p.idx.Entries()
		if err != nil {
			return plumbing.ZeroHash, errs.Corrupt("expand id", p.hash.String(), err)
		}
		for {
			e, err := iter.Next()
			if err != nil {
				break
			}
			if strings.HasPrefix(e.Hash.String(), prefix) {
				found[e.Hash] = struct{}{}
			}
		}
		_ = iter.Close()
	}
	err := s.dot.ForEachObjectHash(func(h plumbing.Hash) error {
		if strings.HasPrefix(h.String(), prefix) {
			found[h] = struct{}{}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return plumbing.ZeroHash, fmt.Errorf("list loose objects: %w", err)
	}
	switch len(found) {
	case 0:
		return plumbing.ZeroHash, errs.NotFound("expand id", prefix, nil)
	case 1:
		for h := range found {
			return h, nil
		}
	}
	return plumbing.ZeroHash, errs.NotFound("expand id", prefix, fmt.Errorf("ambiguous: %d objects match", len(found)))
}

func (s *Store) CacheStats() cache.Stats {
	return s.objects.Stats()
}

// readRaw finds id in the packs, then as a loose object, then in packs that
// appeared since the last scan. The pack list is only reloaded when the
// pack directory changed.
func (s *Store) readRaw(id plumbing.Hash, depth int) (rawObject, error) {
	if raw, ok, err := s.readFromPacks(id, depth); ok || err != nil {
		return raw, err
	}
	raw, err := s.readLoose(id)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, errLooseMissing) {
		return rawObject{}, err
	}
	rescanned, err := s.refreshPacks()
	if err != nil {
		return rawObject{}, err
	}
	if rescanned {
		if raw, ok, err := s.readFromPacks(id, depth); ok || err != nil {
			return raw, err
		}
	}
	return rawObject{}, errs.NotFound("read object", id.String(), plumbing.ErrObjectNotFound)
}

func (s *Store) readFromPacks(id plumbing.Hash, depth int) (rawObject, bool, error) {
	for _, p := range *s.packs.Load() {
		off, ok := p.offset(id)
		if !ok || !p.acquire() {
			continue
		}
		raw, err := s.readPacked(p, off, depth)
		p.release()
		return raw, true, err
	}
	return rawObject{}, false, nil
}

func decode(id plumbing.Hash, raw rawObject) (Object, error) {
	if got := plumbing.ComputeHash(raw.typ, raw.data); got != id {
		return nil, errs.Corruptf("verify object", id.String(), "content hashes to %s", got)
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(raw.typ)
	if _, err := mem.Write(raw.data); err != nil {
		return nil, errs.Corrupt("decode object", id.String(), err)
	}
	switch raw.typ {
	case plumbing.CommitObject:
		var c object.Commit
		if err := c.Decode(mem); err != nil {
			return nil, errs.Corrupt("decode commit", id.String(), err)
		}
		if c.TreeHash.IsZero() {
			return nil, errs.Corruptf("decode commit", id.String(), "missing tree header")
		}
		return &Commit{
			ID:        id,
			Tree:      c.TreeHash,
			Parents:   c.ParentHashes,
			Author:    signatureFrom(c.Author),
			Committer: signatureFrom(c.Committer),
			Message:   c.Message,
			Encoding:  string(c.Encoding),
		}, nil
	case plumbing.TreeObject:
		var t object.Tree
		if err := t.Decode(mem); err != nil {
			return nil, errs.Corrupt("decode tree", id.String(), err)
		}
		entries := make([]TreeEntry, 0, len(t.Entries))
		names := make(map[string]struct{}, len(t.Entries))
		for _, e := range t.Entries {
			if _, dup := names[e.Name]; dup {
				return nil, errs.Corruptf("decode tree", id.String(), "duplicate entry %q", e.Name)
			}
			names[e.Name] = struct{}{}
			entries = append(entries, TreeEntry{Name: e.Name, Mode: e.Mode, ID: e.Hash, Kind: entryKind(e.Mode)})
		}
		return &Tree{ID: id, Entries: entries}, nil
	case plumbing.BlobObject:
		return &Blob{ID: id, Data: raw.data}, nil
	case plumbing.TagObject:
		var t object.Tag
		if err := t.Decode(mem); err != nil {
			return nil, errs.Corrupt("decode tag", id.String(), err)
		}
		return &Tag{
			ID:         id,
			Name:       t.Name,
			Target:     t.Target,
			TargetType: t.TargetType,
			Tagger:     signatureFrom(t.Tagger),
			Message:    t.Message,
		}, nil
	}
	return nil, errs.Corruptf("decode object", id.String(), "unsupported type %s", raw.typ)
}
