// Package plugin loads plugin bundles and keeps them swappable while in use.
//
// A bundle lives in its own directory next to a manifest.json naming its
// container id and entry point. Every version of a container is started
// through a Loader. Callers resolve a plugin by id and hold it between
// Info.Acquire and the returned release func. Loading a new version of a
// container waits for current holders, swaps all its instances at once and
// retires the previous version in the background: the old module is killed
// and its directory removed once it exited.
//
//	Load/Update --> container.swap --(previous)--> reclaim --> rm -r dir
//	                     ^
//	ByID --> Info.Acquire
package plugin

import (
	"archive/zip"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/jobs"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("plugin not found")
	ErrUnloaded = errors.New("plugin unloaded")
	ErrClosed   = errors.New("plugin manager closed")
)

const (
	DefaultReclaimAttempts = 10
	DefaultReclaimInterval = time.Second
)

type Config struct {
	// UploadDir receives bundles extracted by Update.
	UploadDir       string
	ReclaimAttempts int
	ReclaimInterval time.Duration
}

// Container lists the current load of a bundle.
type Container struct {
	ID      string  `json:"id"`
	Dir     string  `json:"dir"`
	Plugins []*Info `json:"plugins"`
}

type Manager struct {
	loader  Loader
	cfg     Config
	monitor *jobs.Monitor
	logger  *slog.Logger

	// serializes Load, Update and Close
	loadMx sync.Mutex
	closed bool

	mx         sync.RWMutex
	containers map[string]*container
	dirs       map[string]string
	index      map[string]*Info

	reclaims sync.WaitGroup
}

func NewManager(loader Loader, cfg Config, monitor *jobs.Monitor, logger *slog.Logger) *Manager {
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "sniffer-plugins")
	}
	if cfg.ReclaimAttempts <= 0 {
		cfg.ReclaimAttempts = DefaultReclaimAttempts
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loader:     loader,
		cfg:        cfg,
		monitor:    monitor,
		logger:     logger,
		containers: make(map[string]*container),
		dirs:       make(map[string]string),
		index:      make(map[string]*Info),
	}
}

// Load loads every bundle found in the immediate subdirectories of roots.
// Bundles already loaded from the same directory are left alone, so Load
// can be called again to pick up new bundles. Broken bundles are logged
// and skipped.
//
// Only one directory per container is loaded. A later root wins over an
// earlier one, within a root the most recently modified directory wins.
// Leftover versions of an uploaded bundle are thus never loaded over the
// newest upload.
func (m *Manager) Load(ctx context.Context, roots ...string) error {
	m.loadMx.Lock()
	defer m.loadMx.Unlock()
	if m.closed {
		return ErrClosed
	}

	bundles, err := m.discover(ctx, roots)
	for _, b := range bundles {
		if _, err := m.loadDir(ctx, b.dir); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.ErrorContext(ctx, "bundle skipped", "dir", b.dir, "error", err)
		}
	}
	return err
}

type bundleDir struct {
	dir       string
	container string
	root      int
	modified  time.Time
}

// newer reports whether b replaces other as the version of its container.
func (b bundleDir) newer(other bundleDir) bool {
	if b.root != other.root {
		return b.root > other.root
	}
	if !b.modified.Equal(other.modified) {
		return b.modified.After(other.modified)
	}
	return b.dir > other.dir
}

// discover returns the directory to load for every container found in
// roots, in the order of roots and directory names.
func (m *Manager) discover(ctx context.Context, roots []string) ([]bundleDir, error) {
	var errs []error
	latest := make(map[string]bundleDir)
	for i, root := range roots {
		entries, err := os.ReadDir(root)
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.WarnContext(ctx, "plugin path does not exist", "path", root)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reading plugin path: %w", err))
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
				continue
			}
			manifest, _, err := ReadManifest(dir)
			if err != nil {
				m.logger.ErrorContext(ctx, "bundle skipped", "dir", dir, "error", err)
				continue
			}
			info, err := entry.Info()
			if err != nil {
				m.logger.ErrorContext(ctx, "bundle skipped", "dir", dir, "error", err)
				continue
			}
			b := bundleDir{dir: dir, container: manifest.ContainerID, root: i, modified: info.ModTime()}
			prev, ok := latest[b.container]
			if ok && !b.newer(prev) {
				m.logger.WarnContext(ctx, "older bundle version skipped", "container", b.container, "dir", b.dir, "newer", prev.dir)
				continue
			}
			if ok {
				m.logger.WarnContext(ctx, "older bundle version skipped", "container", b.container, "dir", prev.dir, "newer", b.dir)
			}
			latest[b.container] = b
		}
	}

	ret := slices.Collect(maps.Values(latest))
	slices.SortFunc(ret, func(a, b bundleDir) int {
		return cmp.Or(cmp.Compare(a.root, b.root), strings.Compare(a.dir, b.dir))
	})
	return ret, errors.Join(errs...)
}

// loadDir must be called with loadMx held.
func (m *Manager) loadDir(ctx context.Context, dir string) (*container, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	manifest, entryPoint, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	m.mx.Lock()
	c, ok := m.containers[manifest.ContainerID]
	if !ok {
		c = newContainer(manifest.ContainerID)
		m.containers[c.id] = c
	}
	m.mx.Unlock()
	if c.dir == dir {
		return c, nil
	}

	module, err := m.loader.Load(ctx, dir, entryPoint)
	if err != nil {
		return nil, fmt.Errorf("loading bundle: %w", err)
	}
	plugins, infos := m.register(c, module.Plugins())
	prev, err := c.swap(ctx, dir, module, plugins)
	if err != nil {
		module.Kill()
		return nil, err
	}
	m.publish(c, dir, infos)

	logger := m.logger.With("container", c.id, "dir", dir)
	if prev == nil {
		logger.InfoContext(ctx, "bundle loaded", "plugins", len(infos))
		return c, nil
	}
	logger.InfoContext(ctx, "bundle updated", "plugins", len(infos), "previous", prev.dir)
	m.reclaim(prev)
	return c, nil
}

// register validates the plugins of a new load. Must be called with loadMx
// held.
func (m *Manager) register(c *container, plugins []sdk.Plugin) (map[string]sdk.Plugin, []*Info) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	ret := make(map[string]sdk.Plugin, len(plugins))
	infos := make([]*Info, 0, len(plugins))
	for _, p := range plugins {
		d := p.Descriptor()
		logger := m.logger.With("container", c.id, "plugin", d.ID)
		if d.ID == "" || d.Name == "" {
			logger.Warn("plugin without id or name skipped")
			continue
		}
		if _, ok := ret[d.ID]; ok {
			logger.Warn("duplicate plugin skipped")
			continue
		}
		if other, ok := m.index[d.ID]; ok && other.c != c {
			logger.Warn("plugin id already registered by another bundle, skipped", "owner", other.ContainerID)
			continue
		}
		ret[d.ID] = p
		infos = append(infos, &Info{
			ID:          d.ID,
			Name:        d.Name,
			Kind:        sdk.KindOf(p),
			ContainerID: c.id,
			c:           c,
		})
	}
	if len(infos) == 0 {
		m.logger.Warn("bundle provides no plugins", "container", c.id)
	}
	return ret, infos
}

// publish replaces the index entries of c.
func (m *Manager) publish(c *container, dir string, infos []*Info) {
	m.mx.Lock()
	defer m.mx.Unlock()
	for id, info := range m.index {
		if info.c == c {
			delete(m.index, id)
		}
	}
	for _, info := range infos {
		m.index[info.ID] = info
	}
	if dir == "" {
		delete(m.dirs, c.id)
		return
	}
	m.dirs[c.id] = dir
}

// reclaim kills the previous module and deletes its directory once it is
// gone. A module which does not exit keeps its files.
func (m *Manager) reclaim(prev *retired) {
	m.reclaims.Add(1)
	go func() {
		defer m.reclaims.Done()
		job := m.monitor.Start(m.logger, jobs.PluginUnload, "Unload "+prev.container)
		defer job.Release()
		logger := job.Logger().With("container", prev.container, "dir", prev.dir)

		prev.module.Kill()
		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReclaimInterval), uint64(m.cfg.ReclaimAttempts))
		err := backoff.Retry(func() error {
			if prev.module.Exited() {
				return nil
			}
			return errors.New("bundle still running")
		}, b)
		if err != nil {
			logger.Warn("previous bundle not reclaimed, keeping its files", "attempts", m.cfg.ReclaimAttempts)
			job.SetStatus(jobs.Warning)
			return
		}
		if err := os.RemoveAll(prev.dir); err != nil {
			logger.Warn("removing previous bundle", "error", err)
			job.SetStatus(jobs.Warning)
			return
		}
		logger.Info("previous bundle unloaded")
	}()
}

// Update installs the bundle archive as a new version of its container.
// The previous version stays active when anything fails.
func (m *Manager) Update(ctx context.Context, archive io.Reader) (Container, error) {
	spool, err := os.CreateTemp("", "sniffer-bundle-*.zip")
	if err != nil {
		return Container{}, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	size, err := io.Copy(spool, archive)
	if err != nil {
		return Container{}, fmt.Errorf("receiving bundle: %w", err)
	}
	zr, err := zip.NewReader(spool, size)
	if err != nil {
		return Container{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	manifest, err := zipManifest(zr)
	if err != nil {
		return Container{}, err
	}

	dir := filepath.Join(m.cfg.UploadDir, uuid.NewString())
	if err := extract(zr, dir, manifest); err != nil {
		_ = os.RemoveAll(dir)
		return Container{}, err
	}

	m.loadMx.Lock()
	defer m.loadMx.Unlock()
	if m.closed {
		_ = os.RemoveAll(dir)
		return Container{}, ErrClosed
	}
	c, err := m.loadDir(ctx, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return Container{}, err
	}
	return m.describe(c.id), nil
}

// ByID returns the plugin registered under id.
func (m *Manager) ByID(id string) (*Info, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	info, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// ByType yields the plugins whose current instance implements T.
func ByType[T sdk.Plugin](ctx context.Context, m *Manager) iter.Seq[*Info] {
	return func(yield func(*Info) bool) {
		for _, info := range m.All() {
			p, release, err := info.Acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			_, ok := p.(T)
			release()
			if ok && !yield(info) {
				return
			}
		}
	}
}

// All returns the registered plugins ordered by name.
func (m *Manager) All() []*Info {
	m.mx.RLock()
	ret := make([]*Info, 0, len(m.index))
	for _, info := range m.index {
		ret = append(ret, info)
	}
	m.mx.RUnlock()
	slices.SortFunc(ret, compareInfo)
	return ret
}

// Containers returns the loaded bundles ordered by id.
func (m *Manager) Containers() []Container {
	m.mx.RLock()
	ids := make([]string, 0, len(m.dirs))
	for id := range m.dirs {
		ids = append(ids, id)
	}
	m.mx.RUnlock()
	slices.Sort(ids)

	ret := make([]Container, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, m.describe(id))
	}
	return ret
}

func (m *Manager) describe(id string) Container {
	m.mx.RLock()
	defer m.mx.RUnlock()
	ret := Container{ID: id, Dir: m.dirs[id], Plugins: []*Info{}}
	for _, info := range m.index {
		if info.ContainerID == id {
			ret.Plugins = append(ret.Plugins, info)
		}
	}
	slices.SortFunc(ret.Plugins, compareInfo)
	return ret
}

// Close kills all bundles and waits for pending reclaims. Bundle files are
// kept.
func (m *Manager) Close(ctx context.Context) error {
	m.loadMx.Lock()
	defer m.loadMx.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.mx.RLock()
	containers := make([]*container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.mx.RUnlock()

	var errs []error
	for _, c := range containers {
		module := c.module
		if _, err := c.swap(ctx, "", nil, nil); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.id, err))
		}
		if module != nil {
			module.Kill()
		}
		m.publish(c, "", nil)
	}
	m.reclaims.Wait()
	return errors.Join(errs...)
}

func compareInfo(a, b *Info) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.ID, b.ID),
	)
}
