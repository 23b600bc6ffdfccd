package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/zlib"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/gittest"
)

func openStore(t *testing.T, r *gittest.Repo) *Store {
	t.Helper()
	s, err := Open(osfs.New(r.GitDir()), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bigFile(version int) string {
	var b strings.Builder
	for i := range 200 {
		if i == 100 {
			fmt.Fprintf(&b, "changed line in version %d\n", version)
			continue
		}
		fmt.Fprintf(&b, "line %d of a fairly repetitive file body\n", i)
	}
	return b.String()
}

func TestReadLooseObjects(t *testing.T) {
	r := gittest.New(t)
	root := r.Commit(map[string]string{"a.txt": "hello\n", "dir/b.txt": "nested\n"}, "root commit\n")
	child := r.Commit(map[string]string{"a.txt": "hello again\n"}, "second\n", root)
	s := openStore(t, r)
	ctx := context.Background()

	c, err := s.Commit(ctx, child)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != root {
		t.Fatalf("parents = %v, want [%s]", c.Parents, root)
	}
	if c.Subject() != "second" {
		t.Fatalf("subject = %q", c.Subject())
	}
	if c.Author.Email != "author@example.com" {
		t.Fatalf("author email = %q", c.Author.Email)
	}

	rc, err := s.Commit(ctx, root)
	if err != nil {
		t.Fatalf("Commit(root): %v", err)
	}
	tree, err := s.Tree(ctx, rc.Tree)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(tree.Entries) != 2 {
		t.Fatalf("entries = %+v", tree.Entries)
	}
	dir, ok := tree.Entry("dir")
	if !ok || dir.Kind != EntryTree {
		t.Fatalf("dir entry = %+v, ok=%v", dir, ok)
	}
	file, _ := tree.Entry("a.txt")
	blob, err := s.Blob(ctx, file.ID)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	if string(blob.Data) != "hello\n" || blob.Size() != 6 {
		t.Fatalf("blob = %q", blob.Data)
	}
}

func TestReadUnknownIsNotFound(t *testing.T) {
	r := gittest.New(t)
	r.Commit(map[string]string{"a": "a"}, "only\n")
	s := openStore(t, r)

	_, err := s.Read(context.Background(), plumbing.NewHash("0123456789012345678901234567890123456789"))
	if !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReadWrongTypeIsNotFound(t *testing.T) {
	r := gittest.New(t)
	blob := r.Blob("data")
	s := openStore(t, r)

	_, err := s.Commit(context.Background(), blob)
	if !errs.IsNotFound(err) || !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected wrong type NotFound, got %v", err)
	}
}

func TestPackedObjectsMatchLoose(t *testing.T) {
	for _, useRef := range []bool{false, true} {
		t.Run(fmt.Sprintf("refDeltas=%v", useRef), func(t *testing.T) {
			r := gittest.New(t)
			var commits []plumbing.Hash
			var parent []plumbing.Hash
			for v := range 6 {
				id := r.Commit(map[string]string{"big.txt": bigFile(v), "small.txt": fmt.Sprint(v)}, fmt.Sprintf("version %d\n", v), parent...)
				commits = append(commits, id)
				parent = []plumbing.Hash{id}
			}
			r.SetBranch("main", commits[len(commits)-1])
			loose := openStore(t, r)
			ctx := context.Background()
			want := map[plumbing.Hash]string{}
			for _, id := range commits {
				c, err := loose.Commit(ctx, id)
				if err != nil {
					t.Fatalf("loose Commit: %v", err)
				}
				tree, err := loose.Tree(ctx, c.Tree)
				if err != nil {
					t.Fatalf("loose Tree: %v", err)
				}
				for _, e := range tree.Entries {
					b, err := loose.Blob(ctx, e.ID)
					if err != nil {
						t.Fatalf("loose Blob: %v", err)
					}
					want[e.ID] = string(b.Data)
				}
			}

			r.Repack(useRef)
			packed := openStore(t, r)
			if _, err := os.Stat(r.LoosePath(commits[0])); !os.IsNotExist(err) {
				t.Fatalf("loose object still present after repack: %v", err)
			}
			for id, content := range want {
				b, err := packed.Blob(ctx, id)
				if err != nil {
					t.Fatalf("packed Blob %s: %v", id, err)
				}
				if !bytes.Equal(b.Data, []byte(content)) {
					t.Fatalf("packed blob %s differs from loose copy", id)
				}
			}
			for _, id := range commits {
				if !packed.Has(id) {
					t.Fatalf("Has(%s) = false", id)
				}
			}
		})
	}
}

func TestRescanFindsNewPack(t *testing.T) {
	r := gittest.New(t)
	first := r.Commit(map[string]string{"a": "1"}, "one\n")
	s := openStore(t, r)
	if _, err := s.Commit(context.Background(), first); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	second := r.Commit(map[string]string{"a": "2"}, "two\n", first)
	r.SetBranch("main", second)
	r.Repack(false)

	// readRaw rescans on a miss, so the freshly packed commit is found.
	c, err := s.Commit(context.Background(), second)
	if err != nil {
		t.Fatalf("Commit after repack: %v", err)
	}
	if c.Subject() != "two" {
		t.Fatalf("subject = %q", c.Subject())
	}
}

func writeLoose(t *testing.T, path string, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compress: %v", err)
	}
	overwrite(t, path, buf.Bytes())
}

func overwrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCorruptLooseObject(t *testing.T) {
	r := gittest.New(t)
	id := r.Blob("payload")
	overwrite(t, r.LoosePath(id), []byte("definitely not zlib"))
	s := openStore(t, r)

	_, err := s.Read(context.Background(), id)
	if !errs.IsCorrupt(err) {
		t.Fatalf("expected Corrupt, got %v", err)
	}
}

func TestHashMismatchIsCorrupt(t *testing.T) {
	r := gittest.New(t)
	id := r.Blob("original")
	writeLoose(t, r.LoosePath(id), []byte("blob 8\x00tampered"))
	s := openStore(t, r)

	_, err := s.Read(context.Background(), id)
	if !errs.IsCorrupt(err) {
		t.Fatalf("expected Corrupt, got %v", err)
	}
	if !strings.Contains(err.Error(), "content hashes to") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLengthMismatchIsCorrupt(t *testing.T) {
	r := gittest.New(t)
	id := r.Blob("original")
	writeLoose(t, r.LoosePath(id), []byte("blob 99\x00original"))
	s := openStore(t, r)

	if _, err := s.Read(context.Background(), id); !errs.IsCorrupt(err) {
		t.Fatalf("expected Corrupt, got %v", err)
	}
}

func TestReadCancelled(t *testing.T) {
	r := gittest.New(t)
	id := r.Blob("x")
	s := openStore(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx, id); !errs.IsCancelled(err) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	// The store is still usable afterwards.
	if _, err := s.Read(context.Background(), id); err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func TestOpenWithoutObjectDatabase(t *testing.T) {
	_, err := Open(osfs.New(t.TempDir()), Options{})
	if !errors.Is(err, ErrNoObjectDatabase) {
		t.Fatalf("expected ErrNoObjectDatabase, got %v", err)
	}
}

func TestExpandPrefix(t *testing.T) {
	r := gittest.New(t)
	id := r.Commit(map[string]string{"a": "a"}, "msg\n")
	s := openStore(t, r)

	got, err := s.Expand(id.String()[:10])
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != id {
		t.Fatalf("Expand = %s, want %s", got, id)
	}
	if _, err := s.Expand("zz"); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound for invalid prefix, got %v", err)
	}
}

func TestParseLooseEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: "blob 3\x00abc"},
		{name: "empty blob", raw: "blob 0\x00"},
		{name: "no terminator", raw: "blob 3 abc", wantErr: true},
		{name: "bad type", raw: "bolb 3\x00abc", wantErr: true},
		{name: "delta type", raw: "ofs-delta 3\x00abc", wantErr: true},
		{name: "bad size", raw: "blob x\x00abc", wantErr: true},
		{name: "short", raw: "blob 4\x00abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseLooseEnvelope([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLooseEnvelope(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestRetiredPackStaysOpenWhileHeld(t *testing.T) {
	r := gittest.New(t)
	id := r.CommitOn("main", map[string]string{"a": "1"}, "one")
	r.Repack(false)
	s := openStore(t, r)

	packs := *s.packs.Load()
	if len(packs) != 1 {
		t.Fatalf("packs = %d, want 1", len(packs))
	}
	p := packs[0]
	off, ok := p.offset(id)
	if !ok {
		t.Fatalf("commit %s not in pack", id)
	}
	if !p.acquire() {
		t.Fatalf("acquire failed on a live pack")
	}
	if err := p.retire(); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if p.acquire() {
		t.Fatalf("acquired a retired pack")
	}
	if _, _, err := p.entry(off); err != nil {
		t.Fatalf("held pack was closed: %v", err)
	}
	p.release()
	if _, _, err := p.entry(off); err == nil {
		t.Fatalf("pack still readable after its last release")
	}
}

func TestMissSkipsRescanWhenPackDirUnchanged(t *testing.T) {
	r := gittest.New(t)
	r.CommitOn("main", map[string]string{"a": "1"}, "one")
	r.Repack(false)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(r.GitDir(), "objects", "pack"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	s := openStore(t, r)
	ctx := context.Background()

	before := s.packs.Load()
	missing := plumbing.NewHash(strings.Repeat("ab", 20))
	for range 3 {
		if _, err := s.Read(ctx, missing); !errs.IsNotFound(err) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	}
	if s.packs.Load() != before {
		t.Fatalf("pack list reloaded although objects/pack did not change")
	}

	second := r.CommitOn("main", map[string]string{"a": "2"}, "two")
	r.Repack(false)
	c, err := s.Commit(ctx, second)
	if err != nil {
		t.Fatalf("Commit after repack: %v", err)
	}
	if c.Subject() != "two" {
		t.Fatalf("subject = %q", c.Subject())
	}
	if s.packs.Load() == before {
		t.Fatalf("pack list not reloaded after a new pack appeared")
	}
}
