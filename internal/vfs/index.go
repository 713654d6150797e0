package vfs

import (
	"bytes"
	stdErrors "errors"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	xerrors "virgo/internal/errors"
)

// Index caches the entry table of a bundle. It gives the same answers as
// Archive while skipping the per-call scan.
type Index struct {
	files map[string]*zip.File
	err   error
}

// NewIndex scans data once. A malformed bundle yields an Index on which every
// Exists is false and every Read returns the format error.
func NewIndex(data []byte) *Index {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !stdErrors.Is(err, zip.ErrInsecurePath) {
		return &Index{err: xerrors.Wrap(xerrors.CodeArchiveFormat, err, "error")}
	}
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstdDecompressor)
	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		// first occurrence wins, matching the linear scan
		if _, ok := files[f.Name]; !ok {
			files[f.Name] = f
		}
	}
	return &Index{files: files}
}

// Exists reports whether path names an entry of the bundle.
func (ix *Index) Exists(path string) bool {
	if ix.err != nil {
		return false
	}
	_, ok := ix.files[normalize(path)]
	return ok
}

// Read extracts the full payload of the entry stored under path.
func (ix *Index) Read(path string) ([]byte, error) {
	if ix.err != nil {
		return nil, ix.err
	}
	name := normalize(path)
	f, ok := ix.files[name]
	if !ok {
		return nil, notFound(name)
	}
	return extract(f)
}

// Len returns the number of distinct entry names.
func (ix *Index) Len() int {
	return len(ix.files)
}
