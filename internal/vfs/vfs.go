// Package vfs serves resources out of an in-memory zip bundle without
// touching the disk.
//
// Archive answers every lookup with an independent linear scan that starts a
// fresh reader over the bundle bytes, so no reader state is shared between
// calls. Index answers the same two questions from a name table built once.
// Both report identical results for the same bundle.
package vfs

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	xerrors "virgo/internal/errors"
)

// FS is the contract the hosted runtime relies on.
type FS interface {
	Exists(path string) bool
	Read(path string) ([]byte, error)
}

// Entry describes one named resource inside a bundle.
type Entry struct {
	Path   string
	Size   uint64
	Method uint16
}

var zstdDecompressor = zstd.ZipDecompressor()

// Archive is a stateless view over an immutable bundle.
type Archive struct {
	data []byte
}

// New returns an Archive over data. The slice must not be modified afterwards.
func New(data []byte) *Archive {
	return &Archive{data: data}
}

// Exists reports whether path names an entry of the bundle. Format and read
// errors are reported as a miss.
func (a *Archive) Exists(path string) bool {
	r, err := a.open()
	if err != nil {
		return false
	}
	_, ok := scan(r, normalize(path))
	return ok
}

// Read extracts the full payload of the entry stored under path.
func (a *Archive) Read(path string) ([]byte, error) {
	name := normalize(path)
	r, err := a.open()
	if err != nil {
		return nil, err
	}
	f, ok := scan(r, name)
	if !ok {
		return nil, notFound(name)
	}
	return extract(f)
}

// Entries lists the bundle entries in archive order.
func (a *Archive) Entries() ([]Entry, error) {
	r, err := a.open()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		entries = append(entries, Entry{Path: f.Name, Size: f.UncompressedSize64, Method: f.Method})
	}
	return entries, nil
}

// Open implements fs.FS so bundled sources can be handed to consumers that
// expect a file system.
func (a *Archive) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	r, err := a.open()
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return openFile(r.File, name)
}

func (a *Archive) open() (*zip.Reader, error) {
	// Entries are addressed by stored name, so non-local names are not fatal.
	r, err := zip.NewReader(bytes.NewReader(a.data), int64(len(a.data)))
	if err != nil && !stdErrors.Is(err, zip.ErrInsecurePath) {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFormat, err, "error")
	}
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstdDecompressor)
	return r, nil
}

func normalize(path string) string {
	return strings.TrimPrefix(path, "/")
}

func scan(r *zip.Reader, name string) (*zip.File, bool) {
	for _, f := range r.File {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

func extract(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFormat, err, "error")
	}
	defer rc.Close()

	buf := make([]byte, f.UncompressedSize64)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFormat, err, "error")
	}
	return buf, nil
}

func notFound(name string) error {
	return xerrors.Newf(xerrors.CodeArchiveNotFound, "could not open file '%s'", name)
}

func openFile(files []*zip.File, name string) (fs.File, error) {
	if name == "." {
		return &memFile{info: rootInfo{}}, nil
	}
	for _, f := range files {
		if f.Name != name {
			continue
		}
		content, err := extract(f)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &memFile{info: f.FileInfo(), reader: bytes.NewReader(content)}, nil
	}
	prefix := name + "/"
	for _, f := range files {
		if strings.HasPrefix(f.Name, prefix) {
			return &memFile{info: dirInfo{name: name}}, nil
		}
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

type memFile struct {
	info   fs.FileInfo
	reader *bytes.Reader
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *memFile) Read(p []byte) (int, error) {
	if f.reader == nil {
		return 0, fmt.Errorf("read %s: is a directory", f.info.Name())
	}
	return f.reader.Read(p)
}

func (f *memFile) Close() error { return nil }

type dirInfo struct{ name string }

func (d dirInfo) Name() string {
	if idx := strings.LastIndexByte(d.name, '/'); idx >= 0 {
		return d.name[idx+1:]
	}
	return d.name
}
func (dirInfo) Size() int64        { return 0 }
func (dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (dirInfo) ModTime() time.Time { return time.Time{} }
func (dirInfo) IsDir() bool        { return true }
func (dirInfo) Sys() any           { return nil }

type rootInfo struct{ dirInfo }

func (rootInfo) Name() string { return "." }
