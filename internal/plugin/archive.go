package plugin

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

var ErrInvalidArchive = errors.New("invalid bundle archive")

// zipManifest validates the manifest found at the root of the archive and
// checks the entry point is part of it.
func zipManifest(zr *zip.Reader) (Manifest, error) {
	f, err := zr.Open(ManifestFile)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	defer f.Close()
	m, err := DecodeManifest(f)
	if err != nil {
		return Manifest{}, err
	}

	entry := path.Clean(m.EntryPoint)
	for _, zf := range zr.File {
		if path.Clean(zf.Name) == entry && zf.Mode().IsRegular() {
			return m, nil
		}
	}
	return Manifest{}, fmt.Errorf("%w: %s", ErrMissingEntryPoint, m.EntryPoint)
}

// extract unpacks zr into dir, which must not exist. The entry point is made
// executable, archives built on some platforms lose the mode bits.
func extract(zr *zip.Reader, dir string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	entry := path.Clean(m.EntryPoint)
	for _, zf := range zr.File {
		name := path.Clean(zf.Name)
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("%w: entry %q outside of bundle", ErrInvalidArchive, zf.Name)
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := mkdirAll(root, name); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			return fmt.Errorf("%w: unsupported entry %q", ErrInvalidArchive, zf.Name)
		}

		perm := mode.Perm() | 0o600
		if name == entry {
			perm |= 0o111
		}
		if err := mkdirAll(root, path.Dir(name)); err != nil {
			return err
		}
		if err := extractFile(root, zf, name, perm); err != nil {
			return fmt.Errorf("extracting %s: %w", zf.Name, err)
		}
	}
	return nil
}

func mkdirAll(root *os.Root, name string) error {
	if name == "." {
		return nil
	}
	if err := mkdirAll(root, path.Dir(name)); err != nil {
		return err
	}
	err := root.Mkdir(name, 0o755)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	return err
}

func extractFile(root *os.Root, zf *zip.File, name string, perm os.FileMode) error {
	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
