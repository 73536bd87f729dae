package plugin_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/stretchr/testify/require"
)

func TestDecodeManifest(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     error
	}{
		{"json", `{"containerId": "git", "entryPoint": "bin/git"}`, nil},
		{"yaml", "containerId: git\nentryPoint: git\n", nil},
		{"no container", `{"entryPoint": "git"}`, plugin.ErrInvalidManifest},
		{"no entry point", `{"containerId": "git"}`, plugin.ErrInvalidManifest},
		{"garbage", `{"containerId": `, plugin.ErrInvalidManifest},
		{"parent", `{"containerId": "git", "entryPoint": "../git"}`, plugin.ErrEntryPointOutside},
		{"absolute", `{"containerId": "git", "entryPoint": "/usr/bin/git"}`, plugin.ErrEntryPointOutside},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			m, err := plugin.DecodeManifest(strings.NewReader(tt.given))
			if tt.then != nil {
				require.ErrorIs(t, err, tt.then)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "git", m.ContainerID)
		})
	}
}

func TestReadManifest(t *testing.T) {
	t.Parallel()

	write := func(t *testing.T, dir, manifest string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o644))
	}

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "bin"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "leaks"), nil, 0o755))
		write(t, dir, `{"containerId": "leaks", "entryPoint": "bin/leaks"}`)

		m, entry, err := plugin.ReadManifest(dir)
		require.NoError(t, err)
		require.Equal(t, "leaks", m.ContainerID)
		require.Equal(t, "leaks", filepath.Base(entry))
		require.True(t, filepath.IsAbs(entry))
	})

	t.Run("missing entry point", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		write(t, dir, `{"containerId": "leaks", "entryPoint": "leaks"}`)
		_, _, err := plugin.ReadManifest(dir)
		require.ErrorIs(t, err, plugin.ErrMissingEntryPoint)
	})

	t.Run("entry point is a directory", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "leaks"), 0o755))
		write(t, dir, `{"containerId": "leaks", "entryPoint": "leaks"}`)
		_, _, err := plugin.ReadManifest(dir)
		require.ErrorIs(t, err, plugin.ErrMissingEntryPoint)
	})

	t.Run("symlink out of the bundle", func(t *testing.T) {
		t.Parallel()
		outside := filepath.Join(t.TempDir(), "evil")
		require.NoError(t, os.WriteFile(outside, nil, 0o755))
		dir := t.TempDir()
		require.NoError(t, os.Symlink(outside, filepath.Join(dir, "leaks")))
		write(t, dir, `{"containerId": "leaks", "entryPoint": "leaks"}`)
		_, _, err := plugin.ReadManifest(dir)
		require.ErrorIs(t, err, plugin.ErrEntryPointOutside)
	})

	t.Run("no manifest", func(t *testing.T) {
		t.Parallel()
		_, _, err := plugin.ReadManifest(t.TempDir())
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
