package objstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/idxfile"
	"github.com/klauspost/compress/zlib"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git/gittest"
)

// packEntry is one object of a hand-written pack. Delta entries carry the
// delta in data and name their base by ofsBase, an earlier entry's index,
// or by refBase.
type packEntry struct {
	id      plumbing.Hash
	typ     plumbing.ObjectType
	data    []byte
	ofsBase int
	refBase plumbing.Hash
}

func entryHeader(typ plumbing.ObjectType, size int) []byte {
	b := byte(typ)<<4 | byte(size&0x0f)
	size >>= 4
	var out []byte
	for size > 0 {
		out = append(out, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(out, b)
}

func ofsDistance(n int64) []byte {
	out := []byte{byte(n & 0x7f)}
	for n >>= 7; n > 0; n >>= 7 {
		n--
		out = append([]byte{0x80 | byte(n&0x7f)}, out...)
	}
	return out
}

func appendSize(b []byte, n int) []byte {
	for n >= 0x80 {
		b = append(b, byte(n)|0x80)
		n >>= 7
	}
	return append(b, byte(n))
}

// insertDelta rebuilds dst from literal inserts only.
func insertDelta(src, dst []byte) []byte {
	d := appendSize(appendSize(nil, len(src)), len(dst))
	for len(dst) > 0 {
		n := min(len(dst), 127)
		d = append(d, byte(n))
		d = append(d, dst[:n]...)
		dst = dst[n:]
	}
	return d
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	return buf.Bytes()
}

// writePack stores entries as a pack with its index in the repository.
func writePack(t *testing.T, r *gittest.Repo, entries []packEntry) {
	t.Helper()
	var pack bytes.Buffer
	pack.WriteString("PACK")
	pack.Write([]byte{0, 0, 0, 2})
	pack.Write([]byte{0, 0, 0, byte(len(entries))})

	w := new(idxfile.Writer)
	if err := w.OnHeader(uint32(len(entries))); err != nil {
		t.Fatalf("idx header: %v", err)
	}
	offsets := make([]int64, len(entries))
	for i, e := range entries {
		offsets[i] = int64(pack.Len())
		var raw []byte
		switch {
		case e.typ == plumbing.OFSDeltaObject:
			raw = append(entryHeader(e.typ, len(e.data)), ofsDistance(offsets[i]-offsets[e.ofsBase])...)
		case e.typ == plumbing.REFDeltaObject:
			raw = append(entryHeader(e.typ, len(e.data)), e.refBase[:]...)
		default:
			raw = entryHeader(e.typ, len(e.data))
		}
		raw = append(raw, deflate(t, e.data)...)
		pack.Write(raw)
		w.Add(e.id, uint64(offsets[i]), crc32.ChecksumIEEE(raw))
	}
	sum := sha1.Sum(pack.Bytes())
	pack.Write(sum[:])
	packHash := plumbing.Hash(sum)
	if err := w.OnFooter(packHash); err != nil {
		t.Fatalf("idx footer: %v", err)
	}
	idx, err := w.Index()
	if err != nil {
		t.Fatalf("idx: %v", err)
	}
	var idxBuf bytes.Buffer
	if _, err := idxfile.NewEncoder(&idxBuf).Encode(idx); err != nil {
		t.Fatalf("encode idx: %v", err)
	}

	dir := filepath.Join(r.GitDir(), "objects", "pack")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	base := filepath.Join(dir, "pack-"+packHash.String())
	if err := os.WriteFile(base+".pack", pack.Bytes(), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	if err := os.WriteFile(base+".idx", idxBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("write idx: %v", err)
	}
}

func blobID(data []byte) plumbing.Hash {
	return plumbing.ComputeHash(plumbing.BlobObject, data)
}

// deltaChainPack writes a blob followed by two OFS deltas, each on the
// previous entry, and returns the three versions.
func deltaChainPack(t *testing.T, r *gittest.Repo) [][]byte {
	t.Helper()
	v0 := []byte("base version\n")
	v1 := []byte("first delta version\n")
	v2 := []byte("second delta version\n")
	writePack(t, r, []packEntry{
		{id: blobID(v0), typ: plumbing.BlobObject, data: v0},
		{id: blobID(v1), typ: plumbing.OFSDeltaObject, data: insertDelta(v0, v1), ofsBase: 0},
		{id: blobID(v2), typ: plumbing.OFSDeltaObject, data: insertDelta(v1, v2), ofsBase: 1},
	})
	return [][]byte{v0, v1, v2}
}

func TestDeltaChainResolves(t *testing.T) {
	r := gittest.New(t)
	versions := deltaChainPack(t, r)
	s := openStore(t, r)

	for _, v := range versions {
		blob, err := s.Blob(context.Background(), blobID(v))
		if err != nil {
			t.Fatalf("Blob(%q): %v", v, err)
		}
		if !bytes.Equal(blob.Data, v) {
			t.Fatalf("blob = %q, want %q", blob.Data, v)
		}
	}
}

func TestDeltaChainDeeperThanLimitIsCorrupt(t *testing.T) {
	r := gittest.New(t)
	versions := deltaChainPack(t, r)
	s, err := Open(osfs.New(r.GitDir()), Options{MaxDeltaDepth: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Blob(context.Background(), blobID(versions[2]))
	if kind, _ := errs.KindOf(err); kind != errs.KindCorrupt || !strings.Contains(err.Error(), "exceeds depth 1") {
		t.Fatalf("expected Corrupt depth error, got %v", err)
	}
	// One delta is within the limit.
	if _, err := s.Blob(context.Background(), blobID(versions[1])); err != nil {
		t.Fatalf("Blob(one delta): %v", err)
	}
}

func TestDeltaCycleIsCorrupt(t *testing.T) {
	r := gittest.New(t)
	a := plumbing.ComputeHash(plumbing.BlobObject, []byte("a"))
	b := plumbing.ComputeHash(plumbing.BlobObject, []byte("b"))
	writePack(t, r, []packEntry{
		{id: a, typ: plumbing.REFDeltaObject, data: insertDelta([]byte("b"), []byte("a")), refBase: b},
		{id: b, typ: plumbing.REFDeltaObject, data: insertDelta([]byte("a"), []byte("b")), refBase: a},
	})
	s := openStore(t, r)

	_, err := s.Blob(context.Background(), a)
	if !errs.IsCorrupt(err) || !strings.Contains(err.Error(), "delta cycle") {
		t.Fatalf("expected Corrupt delta cycle, got %v", err)
	}
}
