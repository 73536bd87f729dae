package plugin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	"golang.org/x/sync/semaphore"
)

// maxReaders bounds concurrent holders of a container. A writer takes all
// of them at once. The semaphore is FIFO, so readers arriving after a
// waiting writer queue behind it.
const maxReaders = 1 << 20

// container is the boundary of one bundle across its versions.
type container struct {
	id  string
	sem *semaphore.Weighted

	// written with all permits held and Manager.loadMx locked
	dir     string
	module  Module
	plugins map[string]sdk.Plugin
}

func newContainer(id string) *container {
	return &container{
		id:  id,
		sem: semaphore.NewWeighted(maxReaders),
	}
}

// retired is the previous load of a container, waiting to be reclaimed.
type retired struct {
	container string
	dir       string
	module    Module
}

// swap installs a new load and returns the previous one.
func (c *container) swap(ctx context.Context, dir string, module Module, plugins map[string]sdk.Plugin) (*retired, error) {
	if err := c.sem.Acquire(ctx, maxReaders); err != nil {
		return nil, err
	}
	defer c.sem.Release(maxReaders)

	var prev *retired
	if c.module != nil {
		prev = &retired{container: c.id, dir: c.dir, module: c.module}
	}
	c.dir, c.module, c.plugins = dir, module, plugins
	return prev, nil
}

// Info is a registered plugin. It stays valid across versions of its
// container, the instance is resolved on Acquire.
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        sdk.Kind `json:"kind,omitempty"`
	ContainerID string   `json:"containerId"`

	c *container
}

// Acquire returns the current instance of the plugin. The instance must not
// be used after release is called. Acquire waits for an ongoing update of
// the container to finish, unless ctx comes from AcquireContext holding the
// same container.
func (i *Info) Acquire(ctx context.Context) (sdk.Plugin, func(), error) {
	_, p, release, err := i.AcquireContext(ctx)
	return p, release, err
}

// AcquireContext is Acquire returning a context which records the hold.
// Plugins of the same container acquired with it join the hold instead of
// queueing behind a pending update, which would wait for this very hold.
// The returned context is valid until release is called.
func (i *Info) AcquireContext(ctx context.Context) (context.Context, sdk.Plugin, func(), error) {
	if heldBy(ctx, i.c) {
		p, ok := i.c.plugins[i.ID]
		if !ok {
			return ctx, nil, nil, fmt.Errorf("%w: %s", ErrUnloaded, i.ID)
		}
		return ctx, p, func() {}, nil
	}

	if err := i.c.sem.Acquire(ctx, 1); err != nil {
		return ctx, nil, nil, err
	}
	p, ok := i.c.plugins[i.ID]
	if !ok {
		i.c.sem.Release(1)
		return ctx, nil, nil, fmt.Errorf("%w: %s", ErrUnloaded, i.ID)
	}
	h := &hold{c: i.c, parent: holdFrom(ctx)}
	h.active.Store(true)
	var once sync.Once
	release := func() {
		once.Do(func() {
			h.active.Store(false)
			i.c.sem.Release(1)
		})
	}
	return context.WithValue(ctx, holdKey{}, h), p, release, nil
}

type holdKey struct{}

// hold is a read hold on a container, chained to the holds of outer calls.
type hold struct {
	c      *container
	active atomic.Bool
	parent *hold
}

func holdFrom(ctx context.Context) *hold {
	h, _ := ctx.Value(holdKey{}).(*hold)
	return h
}

func heldBy(ctx context.Context, c *container) bool {
	for h := holdFrom(ctx); h != nil; h = h.parent {
		if h.c == c && h.active.Load() {
			return true
		}
	}
	return false
}
