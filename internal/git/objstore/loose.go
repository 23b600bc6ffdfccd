package objstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/zlib"

	"github.com/thiagokokada/gitbrowse/internal/errs"
)

var errLooseMissing = errors.New("loose object missing")

// readLoose inflates objects/xx/yyyy and splits the "type size\0" envelope.
func (s *Store) readLoose(id plumbing.Hash) (rawObject, error) {
	f, err := s.dot.Object(id)
	if err != nil {
		if os.IsNotExist(err) {
			return rawObject{}, errLooseMissing
		}
		return rawObject{}, errs.Corrupt("open loose object", id.String(), err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return rawObject{}, errs.Corrupt("inflate loose object", id.String(), err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return rawObject{}, errs.Corrupt("inflate loose object", id.String(), err)
	}
	obj, err := parseLooseEnvelope(raw)
	if err != nil {
		return rawObject{}, errs.Corrupt("parse loose object", id.String(), err)
	}
	return obj, nil
}

func parseLooseEnvelope(raw []byte) (rawObject, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return rawObject{}, fmt.Errorf("missing header terminator")
	}
	header := raw[:nul]
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return rawObject{}, fmt.Errorf("invalid header %q", header)
	}
	typ, err := plumbing.ParseObjectType(string(header[:sp]))
	if err != nil || typ.IsDelta() {
		return rawObject{}, fmt.Errorf("invalid object type %q", header[:sp])
	}
	size, err := strconv.ParseInt(string(header[sp+1:]), 10, 64)
	if err != nil || size < 0 {
		return rawObject{}, fmt.Errorf("invalid object size %q", header[sp+1:])
	}
	content := raw[nul+1:]
	if int64(len(content)) != size {
		return rawObject{}, fmt.Errorf("length mismatch (header=%d, actual=%d)", size, len(content))
	}
	return rawObject{typ: typ, data: content}, nil
}
