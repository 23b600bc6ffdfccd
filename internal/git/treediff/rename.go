package treediff

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
)

func renamed(del, add Entry, score int) Entry {
	return Entry{
		OldPath:    del.OldPath,
		NewPath:    add.NewPath,
		OldID:      del.OldID,
		NewID:      add.NewID,
		OldMode:    del.OldMode,
		NewMode:    add.NewMode,
		Kind:       Renamed,
		Similarity: score,
	}
}

// candidates returns the indexes of deleted and added file entries, each
// ordered by path.
func candidates(entries []Entry) (dels, adds []int) {
	for i, e := range entries {
		if e.Err != nil {
			continue
		}
		switch {
		case e.Kind == Deleted && hasContent(e.OldMode):
			dels = append(dels, i)
		case e.Kind == Added && hasContent(e.NewMode):
			adds = append(adds, i)
		}
	}
	byPath := func(a, b int) int { return cmp.Compare(entries[a].Path(), entries[b].Path()) }
	slices.SortFunc(dels, byPath)
	slices.SortFunc(adds, byPath)
	return dels, adds
}

// exactRenames pairs deleted and added files with identical content.
func exactRenames(entries []Entry) []Entry {
	dels, adds := candidates(entries)
	if len(dels) == 0 || len(adds) == 0 {
		return entries
	}
	byID := map[plumbing.Hash][]int{}
	for _, i := range dels {
		byID[entries[i].OldID] = append(byID[entries[i].OldID], i)
	}
	drop := map[int]bool{}
	for _, i := range adds {
		pool := byID[entries[i].NewID]
		if len(pool) == 0 {
			continue
		}
		j := pool[0]
		byID[entries[i].NewID] = pool[1:]
		entries[i] = renamed(entries[j], entries[i], 100)
		drop[j] = true
	}
	return without(entries, drop)
}

type renamePair struct {
	del, add int
	score    int
}

// inexactRenames pairs the remaining deleted and added files whose content
// similarity reaches the threshold, best score first.
func inexactRenames(entries []Entry, blobs map[plumbing.Hash]blobResult, opts Options) []Entry {
	dels, adds := candidates(entries)
	dels = withText(entries, dels, blobs, func(e Entry) plumbing.Hash { return e.OldID })
	adds = withText(entries, adds, blobs, func(e Entry) plumbing.Hash { return e.NewID })
	if len(dels) == 0 || len(adds) == 0 {
		return entries
	}
	if len(dels) > opts.RenameLimit || len(adds) > opts.RenameLimit {
		slog.Debug("rename detection skipped",
			slog.Int("deleted", len(dels)),
			slog.Int("added", len(adds)),
			slog.Int("limit", opts.RenameLimit))
		return entries
	}

	lineCount := func(id plumbing.Hash) int { return len(splitLines(string(blobs[id].data))) }
	var pairs []renamePair
	for _, di := range dels {
		oldData := blobs[entries[di].OldID].data
		oldLines := lineCount(entries[di].OldID)
		for _, ai := range adds {
			newLines := lineCount(entries[ai].NewID)
			// The best possible score is bounded by the line counts.
			if total := oldLines + newLines; total > 0 && 200*min(oldLines, newLines)/total < opts.RenameThreshold {
				continue
			}
			score := similarity(opts.RenameAlgorithm, oldData, blobs[entries[ai].NewID].data)
			if score >= opts.RenameThreshold {
				pairs = append(pairs, renamePair{del: di, add: ai, score: score})
			}
		}
	}
	slices.SortFunc(pairs, func(a, b renamePair) int {
		return cmp.Or(
			cmp.Compare(b.score, a.score),
			cmp.Compare(entries[a.del].OldPath, entries[b.del].OldPath),
			cmp.Compare(entries[a.add].NewPath, entries[b.add].NewPath),
		)
	})
	usedDel, usedAdd := map[int]bool{}, map[int]bool{}
	for _, p := range pairs {
		if usedDel[p.del] || usedAdd[p.add] {
			continue
		}
		usedDel[p.del], usedAdd[p.add] = true, true
		entries[p.add] = renamed(entries[p.del], entries[p.add], min(p.score, 99))
	}
	return without(entries, usedDel)
}

func withText(entries []Entry, idx []int, blobs map[plumbing.Hash]blobResult, id func(Entry) plumbing.Hash) []int {
	out := idx[:0]
	for _, i := range idx {
		r, ok := blobs[id(entries[i])]
		if ok && r.err == nil && !isBinary(r.data) {
			out = append(out, i)
		}
	}
	return out
}

func without(entries []Entry, drop map[int]bool) []Entry {
	if len(drop) == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries)-len(drop))
	for i, e := range entries {
		if !drop[i] {
			out = append(out, e)
		}
	}
	return out
}
