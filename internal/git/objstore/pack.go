package objstore

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/idxfile"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/storage/filesystem/dotgit"

	"github.com/thiagokokada/gitbrowse/internal/errs"
)

// pack is one objects/pack/pack-*.pack file and its decoded index.
type pack struct {
	hash plumbing.Hash
	idx  *idxfile.MemoryIndex

	// mu guards the scanner, which seeks a single shared file handle.
	mu sync.Mutex
	f  billy.File
	sc *packfile.Scanner

	// A retired pack is closed once the last reader releases it.
	life    sync.Mutex
	refs    int
	retired bool
}

func openPack(dot *dotgit.DotGit, h plumbing.Hash) (*pack, error) {
	idxFile, err := dot.ObjectPackIdx(h)
	if err != nil {
		return nil, fmt.Errorf("open pack index %s: %w", h, err)
	}
	defer idxFile.Close()
	idx := idxfile.NewMemoryIndex()
	if err := idxfile.NewDecoder(idxFile).Decode(idx); err != nil {
		return nil, errs.Corrupt("decode pack index", h.String(), err)
	}
	f, err := dot.ObjectPack(h)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", h, err)
	}
	return &pack{hash: h, idx: idx, f: f, sc: packfile.NewScanner(f)}, nil
}

// acquire pins the file handle for a read. It fails once the pack is retired.
func (p *pack) acquire() bool {
	p.life.Lock()
	defer p.life.Unlock()
	if p.retired {
		return false
	}
	p.refs++
	return true
}

func (p *pack) release() {
	p.life.Lock()
	p.refs--
	last := p.retired && p.refs == 0
	p.life.Unlock()
	if last {
		if err := p.closeFile(); err != nil {
			slog.Debug("close retired pack", slog.String("pack", p.hash.String()), slog.Any("error", err))
		}
	}
}

// retire stops new reads and closes the file now if nobody holds it.
func (p *pack) retire() error {
	p.life.Lock()
	if p.retired {
		p.life.Unlock()
		return nil
	}
	p.retired = true
	idle := p.refs == 0
	p.life.Unlock()
	if !idle {
		return nil
	}
	return p.closeFile()
}

func (p *pack) closeFile() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

func (p *pack) offset(id plumbing.Hash) (int64, bool) {
	off, err := p.idx.FindOffset(id)
	if err != nil {
		return 0, false
	}
	return off, true
}

// entry reads the header and inflated payload stored at offset. For delta
// entries the payload is the delta itself.
func (p *pack) entry(offset int64) (*packfile.ObjectHeader, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.sc.SeekObjectHeader(offset)
	if err != nil {
		return nil, nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, h.Length))
	if _, _, err := p.sc.NextObject(buf); err != nil {
		return nil, nil, err
	}
	if int64(buf.Len()) != h.Length {
		return nil, nil, fmt.Errorf("inflated %d bytes, header says %d", buf.Len(), h.Length)
	}
	return h, buf.Bytes(), nil
}

type baseKey struct {
	pack   plumbing.Hash
	offset int64
}

func (k baseKey) String() string { return fmt.Sprintf("%s@%d", k.pack, k.offset) }

// readPacked resolves the object at offset, following OFS and REF delta
// chains iteratively. depth counts deltas already applied by callers.
func (s *Store) readPacked(p *pack, offset int64, depth int) (rawObject, error) {
	type step struct {
		key   baseKey
		delta []byte
	}
	var chain []step
	seen := make(map[int64]struct{})
	cur := offset
	var base rawObject
	for {
		if len(chain)+depth > s.maxDeltaDepth {
			return rawObject{}, errs.Corruptf("resolve delta", p.hash.String(),
				"delta chain at offset %d exceeds depth %d", offset, s.maxDeltaDepth)
		}
		if _, dup := seen[cur]; dup {
			return rawObject{}, errs.Corruptf("resolve delta", p.hash.String(),
				"delta cycle at offset %d", cur)
		}
		seen[cur] = struct{}{}
		key := baseKey{pack: p.hash, offset: cur}
		if cached, ok := s.bases.Get(key); ok {
			base = cached
			break
		}
		h, data, err := p.entry(cur)
		if err != nil {
			return rawObject{}, errs.Corrupt("read pack entry", key.String(), err)
		}
		switch h.Type {
		case plumbing.OFSDeltaObject:
			chain = append(chain, step{key: key, delta: data})
			cur = h.OffsetReference
			continue
		case plumbing.REFDeltaObject:
			chain = append(chain, step{key: key, delta: data})
			if off, ok := p.offset(h.Reference); ok {
				cur = off
				continue
			}
			base, err = s.readRaw(h.Reference, depth+len(chain))
			if err != nil {
				return rawObject{}, errs.Corrupt("resolve delta base", h.Reference.String(), err)
			}
		default:
			if !h.Type.Valid() {
				return rawObject{}, errs.Corruptf("read pack entry", key.String(), "invalid object type %d", h.Type)
			}
			base = rawObject{typ: h.Type, data: data}
			s.bases.Add(key, base)
		}
		break
	}
	for i := len(chain) - 1; i >= 0; i-- {
		patched, err := packfile.PatchDelta(base.data, chain[i].delta)
		if err != nil {
			return rawObject{}, errs.Corrupt("apply delta", chain[i].key.String(), err)
		}
		base = rawObject{typ: base.typ, data: patched}
		s.bases.Add(chain[i].key, base)
	}
	return base, nil
}
