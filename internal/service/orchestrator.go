package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/jobs"
	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/CZERTAINLY/CodeSniffer/internal/parallel"
	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/internal/store"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

var ErrAlreadyInitialized = errors.New("orchestrator already initialized")

// ConfigSource seeds the orchestrator cache.
type ConfigSource interface {
	Sources(ctx context.Context) ([]model.Source, error)
	SourceGroups(ctx context.Context) ([]model.SourceGroup, error)
	Definitions(ctx context.Context) ([]model.Definition, error)
}

// Store keeps scan records and reports. RevisionDefinitions returns
// store.ErrNotFound for revisions never scanned.
type Store interface {
	DefinitionReader
	RevisionDefinitions(ctx context.Context, sourceID, revisionID string) ([]model.DefinitionVersion, error)
	StoreRevision(ctx context.Context, sourceID, revisionID string, definitions []model.DefinitionVersion) error
	StoreReport(ctx context.Context, report *model.ScanReport) error
}

type Option func(*Orchestrator)

// WithForwarder posts every stored report through f.
func WithForwarder(f *Forwarder) Option {
	return func(o *Orchestrator) {
		o.forwarder = f
	}
}

// Orchestrator polls the configured sources for revisions and scans the new
// ones with the definitions applicable to them.
type Orchestrator struct {
	cfg       Config
	plugins   *plugin.Manager
	store     Store
	runner    *Runner
	monitor   *jobs.Monitor
	logger    *slog.Logger
	forwarder *Forwarder

	initialized atomic.Bool
	cache       *cache
	trigger     chan struct{}
}

func New(cfg Config, plugins *plugin.Manager, st Store, monitor *jobs.Monitor, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		plugins: plugins,
		store:   st,
		runner:  NewRunner(plugins, st),
		monitor: monitor,
		logger:  logger,
		cache:   newCache(),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize seeds the cache from src. It can be called only once.
func (o *Orchestrator) Initialize(ctx context.Context, src ConfigSource) error {
	if !o.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	sources, err := src.Sources(ctx)
	if err != nil {
		o.initialized.Store(false)
		return fmt.Errorf("reading sources: %w", err)
	}
	groups, err := src.SourceGroups(ctx)
	if err != nil {
		o.initialized.Store(false)
		return fmt.Errorf("reading source groups: %w", err)
	}
	definitions, err := src.Definitions(ctx)
	if err != nil {
		o.initialized.Store(false)
		return fmt.Errorf("reading definitions: %w", err)
	}

	for _, s := range sources {
		o.SourceChanged(ctx, s)
	}
	for _, g := range groups {
		o.SourceGroupChanged(g)
	}
	for _, d := range definitions {
		o.DefinitionChanged(d)
	}
	o.logger.DebugContext(ctx, "orchestrator initialized",
		"sources", len(sources), "source_groups", len(groups), "definitions", len(definitions))
	return nil
}

// SourceChanged caches src when its plugin is a repository plugin and
// drops it otherwise.
func (o *Orchestrator) SourceChanged(ctx context.Context, src model.Source) {
	if !o.isRepository(ctx, src.PluginID) {
		o.logger.WarnContext(ctx, "source plugin is not a repository plugin: ignoring source",
			"source", src.Name, "plugin_id", src.PluginID)
		o.cache.deleteSource(src.ID)
		return
	}
	o.cache.putSource(src)
}

func (o *Orchestrator) SourceRemoved(id string) {
	o.cache.deleteSource(id)
}

func (o *Orchestrator) SourceGroupChanged(g model.SourceGroup) {
	o.cache.putGroup(g)
}

func (o *Orchestrator) SourceGroupRemoved(id string) {
	o.cache.deleteGroup(id)
}

func (o *Orchestrator) DefinitionChanged(d model.Definition) {
	o.cache.putDefinition(d)
}

func (o *Orchestrator) DefinitionRemoved(id string) {
	o.cache.deleteDefinition(id)
}

// Grouped returns every cached source with its applicable definitions.
func (o *Orchestrator) Grouped() []Grouped {
	return o.cache.index()
}

// Trigger makes a waiting Do start the next sweep immediately.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Do runs sweeps until ctx is canceled. Between sweeps it waits for the
// configured interval or the next cron activation.
func (o *Orchestrator) Do(ctx context.Context) error {
	o.logger.DebugContext(ctx, "starting the scan loop")
	for {
		o.Sweep(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := o.cfg.delay(time.Now())
		o.logger.DebugContext(ctx, "waiting for the next sweep", "delay", delay.String())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-o.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sweep scans every cached source once and returns the number of scanned
// revisions.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	index := o.cache.index()
	input := func(yield func(Grouped, error) bool) {
		for _, g := range index {
			if !yield(g, nil) {
				return
			}
		}
	}

	var total int
	for n, err := range parallel.NewMap(ctx, MaxParallelSources, o.scanSource).Iter(input) {
		total += n
		_ = err // logged by scanSource
	}
	if total > 0 {
		o.logger.InfoContext(ctx, "new revisions scanned", "count", total)
	} else {
		o.logger.DebugContext(ctx, "no new revisions")
	}
	return total
}

func (o *Orchestrator) scanSource(ctx context.Context, g Grouped) (int, error) {
	job := o.monitor.Start(o.logger, jobs.CheckRevisions, "Scan "+g.Source.Name)
	defer job.Release()
	ctx = log.ContextAttrs(ctx, slog.Group("source", slog.String("id", g.Source.ID), slog.String("name", g.Source.Name)))

	n, err := o.scanRevisions(ctx, job, g)
	if err != nil {
		if ctx.Err() != nil {
			return n, nil
		}
		job.Logger().ErrorContext(ctx, "scanning source failed", "error", err)
		job.SetStatus(jobs.Error)
	}
	return n, err
}

func (o *Orchestrator) scanRevisions(ctx context.Context, job *jobs.Job, g Grouped) (int, error) {
	logger := job.Logger()
	info, err := o.plugins.ByID(g.Source.PluginID)
	if err != nil {
		return 0, err
	}
	// checks of the same bundle join this hold
	ctx, p, release, err := info.AcquireContext(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	rp, ok := p.(sdk.RepositoryPlugin)
	if !ok {
		return 0, fmt.Errorf("plugin %s is not a repository plugin", g.Source.PluginID)
	}
	repo, err := rp.NewRepository(logger, g.Source.Options)
	if err != nil {
		return 0, fmt.Errorf("creating repository: %w", err)
	}

	var revisions []sdk.Revision
	for rev, err := range repo.Revisions(ctx) {
		if err != nil {
			return 0, fmt.Errorf("listing revisions: %w", err)
		}
		revisions = append(revisions, rev)
	}
	logger.DebugContext(ctx, "revisions listed", "count", len(revisions))

	var scanned int
	for i, rev := range revisions {
		job.SetProgress(i, len(revisions))
		if err := ctx.Err(); err != nil {
			return scanned, err
		}
		scan, err := o.needsScan(ctx, g, rev)
		if err != nil {
			return scanned, err
		}
		if !scan {
			continue
		}
		if err := o.scanRevision(ctx, logger, repo, g, rev); err != nil {
			return scanned, fmt.Errorf("revision %s: %w", rev.Name, err)
		}
		scanned++
	}
	job.SetProgress(len(revisions), len(revisions))
	return scanned, nil
}

func (o *Orchestrator) needsScan(ctx context.Context, g Grouped, rev sdk.Revision) (bool, error) {
	record, err := o.store.RevisionDefinitions(ctx, g.Source.ID, rev.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading scan record: %w", err)
	}
	return needsScan(record, g.Definitions), nil
}

func (o *Orchestrator) scanRevision(ctx context.Context, logger *slog.Logger, repo sdk.Repository, g Grouped, rev sdk.Revision) error {
	path, err := uniquePath(o.cfg.CheckoutPath, g.Source.Name+"."+rev.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(path); err != nil {
			logger.WarnContext(ctx, "deleting working copy failed", "path", path, "error", err)
		}
	}()

	logger.InfoContext(ctx, "scanning revision", "revision", rev.Name, "branch", rev.Branch)
	if err := repo.Checkout(ctx, rev, path); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}

	sc := sdk.ScanContext{Branch: rev.Branch}
	applied := make([]model.DefinitionVersion, 0, len(g.Definitions))
	for _, dv := range g.Definitions {
		if err := o.runDefinition(ctx, logger, g, rev, dv, path, sc); err != nil {
			return err
		}
		applied = append(applied, dv)
	}
	if err := o.store.StoreRevision(ctx, g.Source.ID, rev.ID, applied); err != nil {
		return fmt.Errorf("storing scan record: %w", err)
	}
	return nil
}

// runDefinition runs the checks of one definition as a Scan job and stores
// the report.
func (o *Orchestrator) runDefinition(ctx context.Context, logger *slog.Logger, g Grouped, rev sdk.Revision, dv model.DefinitionVersion, path string, sc sdk.ScanContext) error {
	job := o.monitor.Start(logger, jobs.Scan, fmt.Sprintf("Scan %s at %s with %s", g.Source.Name, rev.Name, dv.DefinitionID))
	defer job.Release()
	logger = job.Logger()

	results, err := o.runner.Execute(ctx, dv.DefinitionID, path, sc, logger)
	if err != nil {
		if ctx.Err() == nil {
			job.SetStatus(jobs.Error)
		}
		return err
	}
	report := &model.ScanReport{
		DefinitionID: dv.DefinitionID,
		SourceID:     g.Source.ID,
		RevisionID:   rev.ID,
		RevisionName: rev.Name,
		Branch:       rev.Branch,
		Checks:       results,
	}
	if err := o.store.StoreReport(ctx, report); err != nil {
		job.SetStatus(jobs.Error)
		return fmt.Errorf("storing report: %w", err)
	}
	logger.InfoContext(ctx, "report stored",
		"definition_id", dv.DefinitionID, "revision", rev.Name, "result", report.Result().String())
	// a check which could not run
	if report.Result() == sdk.Error {
		job.SetStatus(jobs.Warning)
	}
	o.forward(ctx, logger, report)
	return nil
}

func (o *Orchestrator) forward(ctx context.Context, logger *slog.Logger, report *model.ScanReport) {
	if o.forwarder == nil {
		return
	}
	if err := o.forwarder.Forward(ctx, report); err != nil && ctx.Err() == nil {
		logger.WarnContext(ctx, "forwarding report failed", "report_id", report.ID, "error", err)
	}
}

func (o *Orchestrator) isRepository(ctx context.Context, pluginID string) bool {
	info, err := o.plugins.ByID(pluginID)
	if err != nil {
		return false
	}
	p, release, err := info.Acquire(ctx)
	if err != nil {
		return false
	}
	defer release()
	_, ok := p.(sdk.RepositoryPlugin)
	return ok
}
