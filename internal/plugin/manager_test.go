package plugin_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/jobs"
	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/internal/plugin/plugintest"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	loader  *plugintest.Loader
	monitor *jobs.Monitor
	manager *plugin.Manager
	root    string
	upload  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	monitor, err := jobs.NewMonitor(jobs.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, monitor.Close()) })

	f := &fixture{
		loader:  plugintest.NewLoader(),
		monitor: monitor,
		root:    t.TempDir(),
		upload:  t.TempDir(),
	}
	f.manager = plugin.NewManager(f.loader, plugin.Config{
		UploadDir:       f.upload,
		ReclaimAttempts: 3,
		ReclaimInterval: time.Millisecond,
	}, monitor, log.New(io.Discard, false))
	t.Cleanup(func() { require.NoError(t, f.manager.Close(context.Background())) })
	return f
}

func (f *fixture) unloadJobs() []jobs.Snapshot {
	return slices.DeleteFunc(f.monitor.Jobs(), func(s jobs.Snapshot) bool {
		return s.Type != jobs.PluginUnload
	})
}

func ids(infos []*plugin.Info) []string {
	ret := make([]string, 0, len(infos))
	for _, i := range infos {
		ret = append(ret, i.ID)
	}
	return ret
}

func TestLoad(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	repo := &plugintest.Repository{ID: "git", Name: "Git"}
	leaks := &plugintest.Check{ID: "leaks", Name: "Leaks"}
	f.loader.Register("git", repo, &plugintest.Bare{ID: "bare", Name: "Bare"})
	f.loader.Register("leaks", leaks, &plugintest.Check{ID: "git", Name: "Impostor"}, &plugintest.Check{Name: "No ID"})
	plugintest.WriteBundle(t, f.root, "git", "git-bundle", "git")
	plugintest.WriteBundle(t, f.root, "leaks", "leaks-bundle", "leaks")
	broken := filepath.Join(f.root, "broken")
	require.NoError(t, os.Mkdir(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, plugin.ManifestFile), []byte(`{"containerId": "broken"}`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "not-a-bundle"), 0o755))

	ctx := t.Context()
	require.NoError(t, f.manager.Load(ctx, f.root, filepath.Join(f.root, "does-not-exist")))
	require.Len(t, f.loader.Modules(), 2)
	require.Equal(t, []string{"bare", "git", "leaks"}, ids(f.manager.All()))

	info, err := f.manager.ByID("git")
	require.NoError(t, err)
	require.Equal(t, "git-bundle", info.ContainerID)
	require.Equal(t, sdk.KindRepository, info.Kind)
	p, release, err := info.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, repo, p)
	release()
	release()

	_, err = f.manager.ByID("nope")
	require.ErrorIs(t, err, plugin.ErrNotFound)

	var checks []string
	for info := range plugin.ByType[sdk.CheckPlugin](ctx, f.manager) {
		checks = append(checks, info.ID)
	}
	require.Equal(t, []string{"leaks"}, checks)

	containers := f.manager.Containers()
	require.Len(t, containers, 2)
	require.Equal(t, "git-bundle", containers[0].ID)
	require.Equal(t, []string{"bare", "git"}, ids(containers[0].Plugins))

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, f.manager.Load(ctx, f.root))
		require.Len(t, f.loader.Modules(), 2)
	})
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	v1 := &plugintest.Check{ID: "leaks", Name: "Leaks"}
	f.loader.Register("v1", v1, &plugintest.Check{ID: "legacy", Name: "Legacy"})
	v1Dir := plugintest.WriteBundle(t, f.root, "leaks", "leaks-bundle", "v1")
	require.NoError(t, f.manager.Load(ctx, f.root))
	legacy, err := f.manager.ByID("legacy")
	require.NoError(t, err)

	v2 := &plugintest.Check{ID: "leaks", Name: "Leaks 2"}
	f.loader.Register("v2", v2)
	c, err := f.manager.Update(ctx, bytes.NewReader(plugintest.Archive(t, "leaks-bundle", "v2", map[string]string{
		"rules/default.toml": "title = 'rules'",
	})))
	require.NoError(t, err)
	require.Equal(t, "leaks-bundle", c.ID)
	require.Equal(t, f.upload, filepath.Dir(c.Dir))
	require.Equal(t, []string{"leaks"}, ids(c.Plugins))
	require.FileExists(t, filepath.Join(c.Dir, "rules", "default.toml"))
	st, err := os.Stat(filepath.Join(c.Dir, "v2"))
	require.NoError(t, err)
	require.NotZero(t, st.Mode()&0o100)

	info, err := f.manager.ByID("leaks")
	require.NoError(t, err)
	require.Equal(t, "Leaks 2", info.Name)
	p, release, err := info.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, v2, p)
	release()

	_, err = f.manager.ByID("legacy")
	require.ErrorIs(t, err, plugin.ErrNotFound)
	_, _, err = legacy.Acquire(ctx)
	require.ErrorIs(t, err, plugin.ErrUnloaded)

	require.Eventually(t, func() bool {
		_, err := os.Stat(v1Dir)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, f.loader.Modules()[0].Killed())
	require.Eventually(t, func() bool {
		s := f.unloadJobs()
		return len(s) == 1 && s[0].Status == jobs.Success
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUpdateFailure(t *testing.T) {
	t.Parallel()

	escaping := func(t *testing.T) []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for name, content := range map[string]string{
			plugin.ManifestFile: `{"containerId": "leaks-bundle", "entryPoint": "v2"}`,
			"v2":                "",
			"../../evil":        "",
		} {
			w, err := zw.Create(name)
			require.NoError(t, err)
			_, err = w.Write([]byte(content))
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		return buf.Bytes()
	}

	var testCases = []struct {
		scenario string
		given    func(t *testing.T) []byte
		then     error
	}{
		{"not a zip", func(*testing.T) []byte { return []byte("plain text") }, plugin.ErrInvalidArchive},
		{"no manifest", func(t *testing.T) []byte {
			var buf bytes.Buffer
			require.NoError(t, zip.NewWriter(&buf).Close())
			return buf.Bytes()
		}, plugin.ErrInvalidManifest},
		{"entry point not in archive", func(t *testing.T) []byte {
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			w, err := zw.Create(plugin.ManifestFile)
			require.NoError(t, err)
			_, err = w.Write([]byte(`{"containerId": "leaks-bundle", "entryPoint": "v2"}`))
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			return buf.Bytes()
		}, plugin.ErrMissingEntryPoint},
		{"escaping entry", escaping, plugin.ErrInvalidArchive},
		{"load fails", func(t *testing.T) []byte {
			return plugintest.Archive(t, "leaks-bundle", "unregistered", nil)
		}, nil},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := t.Context()
			v1 := &plugintest.Check{ID: "leaks", Name: "Leaks"}
			f.loader.Register("v1", v1)
			plugintest.WriteBundle(t, f.root, "leaks", "leaks-bundle", "v1")
			require.NoError(t, f.manager.Load(ctx, f.root))

			_, err := f.manager.Update(ctx, bytes.NewReader(tt.given(t)))
			require.Error(t, err)
			if tt.then != nil {
				require.ErrorIs(t, err, tt.then)
			}

			entries, err := os.ReadDir(f.upload)
			require.NoError(t, err)
			require.Empty(t, entries)

			info, err := f.manager.ByID("leaks")
			require.NoError(t, err)
			p, release, err := info.Acquire(ctx)
			require.NoError(t, err)
			require.Same(t, v1, p)
			release()
			require.False(t, f.loader.Modules()[0].Killed())
		})
	}
}

func TestReclaimGivesUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.loader.ExitAfter = -1
	ctx := t.Context()

	f.loader.Register("v1", &plugintest.Check{ID: "leaks", Name: "Leaks"})
	f.loader.Register("v2", &plugintest.Check{ID: "leaks", Name: "Leaks"})
	v1Dir := plugintest.WriteBundle(t, f.root, "leaks", "leaks-bundle", "v1")
	require.NoError(t, f.manager.Load(ctx, f.root))
	_, err := f.manager.Update(ctx, bytes.NewReader(plugintest.Archive(t, "leaks-bundle", "v2", nil)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := f.unloadJobs()
		return len(s) == 1 && s[0].Status == jobs.Warning
	}, 5*time.Second, 10*time.Millisecond)
	require.DirExists(t, v1Dir)
}

func TestHotSwap(t *testing.T) {
	t.Parallel()
	const n = 16

	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		ctx := t.Context()

		v1 := &plugintest.Check{ID: "leaks", Name: "Leaks"}
		v2 := &plugintest.Check{ID: "leaks", Name: "Leaks"}
		f.loader.Register("v1", v1)
		f.loader.Register("v2", v2)
		plugintest.WriteBundle(t, f.root, "leaks", "leaks-bundle", "v1")
		require.NoError(t, f.manager.Load(ctx, f.root))
		info, err := f.manager.ByID("leaks")
		require.NoError(t, err)

		releases := make([]func(), 0, n)
		for range n {
			p, release, err := info.Acquire(ctx)
			require.NoError(t, err)
			require.Same(t, v1, p)
			releases = append(releases, release)
		}

		archive := plugintest.Archive(t, "leaks-bundle", "v2", nil)
		updated := make(chan error, 1)
		go func() {
			_, err := f.manager.Update(ctx, bytes.NewReader(archive))
			updated <- err
		}()
		synctest.Wait()
		require.Empty(t, updated, "update must wait for current holders")

		type result struct {
			p   sdk.Plugin
			err error
		}
		after := make(chan result, n)
		for range n {
			go func() {
				p, release, err := info.Acquire(ctx)
				if err == nil {
					release()
				}
				after <- result{p, err}
			}()
		}
		synctest.Wait()
		require.Empty(t, after, "acquire must queue behind a pending update")

		for _, release := range releases {
			release()
		}
		require.NoError(t, <-updated)
		for range n {
			r := <-after
			require.NoError(t, r.err)
			require.Same(t, v2, r.p)
		}
	})
}

func TestNestedAcquire(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		ctx := t.Context()

		git1 := &plugintest.Repository{ID: "git", Name: "Git"}
		leaks1 := &plugintest.Check{ID: "leaks", Name: "Leaks"}
		leaks2 := &plugintest.Check{ID: "leaks", Name: "Leaks"}
		f.loader.Register("v1", git1, leaks1)
		f.loader.Register("v2", &plugintest.Repository{ID: "git", Name: "Git"}, leaks2)
		plugintest.WriteBundle(t, f.root, "bundle", "sniffer-bundle", "v1")
		require.NoError(t, f.manager.Load(ctx, f.root))
		git, err := f.manager.ByID("git")
		require.NoError(t, err)
		leaks, err := f.manager.ByID("leaks")
		require.NoError(t, err)

		hctx, p, release, err := git.AcquireContext(ctx)
		require.NoError(t, err)
		require.Same(t, git1, p)

		archive := plugintest.Archive(t, "sniffer-bundle", "v2", nil)
		updated := make(chan error, 1)
		go func() {
			_, err := f.manager.Update(ctx, bytes.NewReader(archive))
			updated <- err
		}()
		synctest.Wait()
		require.Empty(t, updated)

		// the held bundle is joined, not queued behind the update
		p, nestedRelease, err := leaks.Acquire(hctx)
		require.NoError(t, err)
		require.Same(t, leaks1, p)
		nestedRelease()
		synctest.Wait()
		require.Empty(t, updated, "nested release must keep the outer hold")

		release()
		require.NoError(t, <-updated)

		// a released hold is not joined anymore
		p, release, err = leaks.Acquire(hctx)
		require.NoError(t, err)
		require.Same(t, leaks2, p)
		release()
	})
}

func TestLoadPrefersNewest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	older := &plugintest.Check{ID: "leaks", Name: "Leaks 1"}
	newer := &plugintest.Check{ID: "leaks", Name: "Leaks 2"}
	bundled := &plugintest.Check{ID: "leaks", Name: "Leaks 0"}
	f.loader.Register("v0", bundled)
	f.loader.Register("v1", older)
	f.loader.Register("v2", newer)

	// an upload which survived a failed reclaim sorts after the newer one
	plugintest.WriteBundle(t, f.root, "leaks", "leaks-bundle", "v0")
	newDir := plugintest.WriteBundle(t, f.upload, "a-new", "leaks-bundle", "v2")
	oldDir := plugintest.WriteBundle(t, f.upload, "b-old", "leaks-bundle", "v1")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	for range 2 {
		require.NoError(t, f.manager.Load(ctx, f.root, f.upload))
	}
	modules := f.loader.Modules()
	require.Len(t, modules, 1)
	require.Equal(t, newDir, modules[0].Dir)

	info, err := f.manager.ByID("leaks")
	require.NoError(t, err)
	require.Equal(t, "Leaks 2", info.Name)
	p, release, err := info.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, newer, p)
	release()

	require.Empty(t, f.unloadJobs())
	require.DirExists(t, oldDir)
}
