package plugin

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile marks a bundle directory.
const ManifestFile = "manifest.json"

var (
	ErrInvalidManifest   = errors.New("invalid manifest")
	ErrEntryPointOutside = errors.New("entry point outside of bundle directory")
	ErrMissingEntryPoint = errors.New("missing entry point")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manifest describes a bundle. EntryPoint is relative to the directory of
// the manifest.
type Manifest struct {
	ContainerID string `json:"containerId" yaml:"containerId" validate:"required,max=128"`
	EntryPoint  string `json:"entryPoint" yaml:"entryPoint" validate:"required"`
}

// DecodeManifest parses a manifest. JSON is a subset of YAML, so hand
// written manifests may use either.
func DecodeManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := validate.Struct(m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if !filepath.IsLocal(filepath.FromSlash(m.EntryPoint)) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrEntryPointOutside, m.EntryPoint)
	}
	return m, nil
}

// ReadManifest reads the manifest of the bundle in dir and returns it with
// the absolute path of its entry point.
func ReadManifest(dir string) (Manifest, string, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, "", err
	}
	defer f.Close()

	m, err := DecodeManifest(f)
	if err != nil {
		return Manifest{}, "", err
	}

	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return Manifest{}, "", err
	}
	entry, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(m.EntryPoint)))
	if err != nil {
		return Manifest{}, "", fmt.Errorf("%w: %s", ErrMissingEntryPoint, m.EntryPoint)
	}
	rel, err := filepath.Rel(root, entry)
	if err != nil || !filepath.IsLocal(rel) {
		return Manifest{}, "", fmt.Errorf("%w: %s", ErrEntryPointOutside, m.EntryPoint)
	}
	info, err := os.Stat(entry)
	if err != nil || !info.Mode().IsRegular() {
		return Manifest{}, "", fmt.Errorf("%w: %s", ErrMissingEntryPoint, m.EntryPoint)
	}
	return m, entry, nil
}
