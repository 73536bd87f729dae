// Package plugintest provides in-process bundles for tests.
package plugintest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	"github.com/stretchr/testify/require"
)

// Loader serves bundles registered by the file name of their entry point.
type Loader struct {
	// ExitAfter is the number of Exited calls a killed module answers with
	// false. Negative values make modules never exit.
	ExitAfter int

	mx      sync.Mutex
	bundles map[string][]sdk.Plugin
	modules []*Module
}

func NewLoader() *Loader {
	return &Loader{bundles: make(map[string][]sdk.Plugin)}
}

// Register makes entryPoint provide plugins. Re-registering replaces the
// plugins served to later loads.
func (l *Loader) Register(entryPoint string, plugins ...sdk.Plugin) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.bundles[entryPoint] = plugins
}

func (l *Loader) Load(ctx context.Context, dir, entryPoint string) (plugin.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	plugins, ok := l.bundles[filepath.Base(entryPoint)]
	if !ok {
		return nil, fmt.Errorf("no bundle registered for %s", filepath.Base(entryPoint))
	}
	m := &Module{Dir: dir, plugins: plugins, exitAfter: l.ExitAfter}
	l.modules = append(l.modules, m)
	return m, nil
}

// Modules returns every module loaded so far.
func (l *Loader) Modules() []*Module {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]*Module(nil), l.modules...)
}

type Module struct {
	Dir string

	plugins   []sdk.Plugin
	mx        sync.Mutex
	killed    bool
	exitAfter int
}

func (m *Module) Plugins() []sdk.Plugin { return m.plugins }

func (m *Module) Kill() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.killed = true
}

func (m *Module) Killed() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.killed
}

func (m *Module) Exited() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	if !m.killed || m.exitAfter < 0 {
		return false
	}
	if m.exitAfter == 0 {
		return true
	}
	m.exitAfter--
	return false
}

// Repository is a repository plugin with canned revisions.
type Repository struct {
	ID        string
	Name      string
	Revisions func(ctx context.Context, options json.RawMessage) ([]sdk.Revision, error)
	// Checkout defaults to writing a README into the working copy.
	Checkout func(ctx context.Context, rev sdk.Revision, path string) error
}

func (r *Repository) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: r.ID, Name: r.Name}
}

func (r *Repository) DefaultOptions() json.RawMessage {
	return json.RawMessage(`{}`)
}

func (r *Repository) NewRepository(_ *slog.Logger, options json.RawMessage) (sdk.Repository, error) {
	return &repository{plugin: r, options: options}, nil
}

type repository struct {
	plugin  *Repository
	options json.RawMessage
}

func (r *repository) Revisions(ctx context.Context) iter.Seq2[sdk.Revision, error] {
	return func(yield func(sdk.Revision, error) bool) {
		if r.plugin.Revisions == nil {
			return
		}
		revs, err := r.plugin.Revisions(ctx, r.options)
		if err != nil {
			yield(sdk.Revision{}, err)
			return
		}
		for _, rev := range revs {
			if !yield(rev, nil) {
				return
			}
		}
	}
}

func (r *repository) Checkout(ctx context.Context, rev sdk.Revision, path string) error {
	if r.plugin.Checkout != nil {
		return r.plugin.Checkout(ctx, rev, path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "README"), []byte(rev.Name), 0o644)
}

// Check is a check plugin running Run. A nil Run reports nothing.
type Check struct {
	ID   string
	Name string
	Run  func(ctx context.Context, options json.RawMessage, path string, sc sdk.ScanContext) (*sdk.Report, error)
}

func (c *Check) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: c.ID, Name: c.Name}
}

func (c *Check) DefaultOptions() json.RawMessage {
	return json.RawMessage(`{}`)
}

func (c *Check) NewCheck(_ *slog.Logger, options json.RawMessage) (sdk.Check, error) {
	return checkFunc(func(ctx context.Context, path string, sc sdk.ScanContext) (*sdk.Report, error) {
		if c.Run == nil {
			return nil, nil
		}
		return c.Run(ctx, options, path, sc)
	}), nil
}

type checkFunc func(ctx context.Context, path string, sc sdk.ScanContext) (*sdk.Report, error)

func (f checkFunc) Execute(ctx context.Context, path string, sc sdk.ScanContext) (*sdk.Report, error) {
	return f(ctx, path, sc)
}

// Bare is a plugin without any capability.
type Bare struct {
	ID   string
	Name string
}

func (b *Bare) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: b.ID, Name: b.Name}
}

func (b *Bare) DefaultOptions() json.RawMessage {
	return nil
}

// WriteBundle creates root/name with a manifest and an entry point file.
func WriteBundle(t testing.TB, root, name, containerID, entryPoint string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest, err := json.Marshal(plugin.Manifest{ContainerID: containerID, EntryPoint: entryPoint})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), manifest, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, entryPoint), []byte("#!/bin/true\n"), 0o755))
	return dir
}

// Archive returns a zip of a bundle. files are added next to the manifest
// and the entry point.
func Archive(t testing.TB, containerID, entryPoint string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	manifest, err := json.Marshal(plugin.Manifest{ContainerID: containerID, EntryPoint: entryPoint})
	require.NoError(t, err)

	write := func(name, content string) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	write(plugin.ManifestFile, string(manifest))
	write(entryPoint, "#!/bin/true\n")
	for name, content := range files {
		write(name, content)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
