package treediff

import (
	"path"
	"slices"
	"strings"
)

// pathFilter holds cleaned, slash separated paths. An empty filter keeps
// everything.
type pathFilter []string

func newPathFilter(paths []string) pathFilter {
	var f pathFilter
	for _, p := range paths {
		p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))[1:]
		if p == "" {
			// The repository root selects everything.
			return nil
		}
		f = append(f, p)
	}
	slices.Sort(f)
	return slices.Compact(f)
}

// covers reports whether p is one of the paths or lies below one.
func (f pathFilter) covers(p string) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if p == want || strings.HasPrefix(p, want+"/") {
			return true
		}
	}
	return false
}

// reaches reports whether the directory dir can hold a covered path.
func (f pathFilter) reaches(dir string) bool {
	if f.covers(dir) {
		return true
	}
	for _, want := range f {
		if strings.HasPrefix(want, dir+"/") {
			return true
		}
	}
	return false
}
