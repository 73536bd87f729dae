// Package walk lists the regular files of a working copy.
package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Path is relative to the walked root, with forward slashes.
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Root walks the filesystem of root. Directories named in skip are not
// descended into at any depth. See FS for details.
func Root(ctx context.Context, root *os.Root, skip ...string) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), skip...)
}

// FS recursively walks root and yields a handle for every regular file
// found, or an error if file information retrieval fails. It does not
// follow symlinks.
func FS(ctx context.Context, root fs.FS, skip ...string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err == nil && d.IsDir() {
				if path != "." && slices.Contains(skip, d.Name()) {
					return fs.SkipDir
				}
				return nil
			}

			entry := fsEntry{root: root, path: filepath.ToSlash(path)}
			if err == nil {
				info, ierr := d.Info()
				if ierr != nil {
					err = ierr
				} else if !info.Mode().IsRegular() {
					return nil
				}
				entry.info = info
			}
			entry.infoErr = err

			if !yield(entry, err) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

type fsEntry struct {
	root    fs.FS
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
