package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/CZERTAINLY/CodeSniffer/internal/api"
	"github.com/CZERTAINLY/CodeSniffer/internal/jobs"
	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/internal/service"
	"github.com/CZERTAINLY/CodeSniffer/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("sniffer",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	logger := slog.Default()

	monitor, err := jobs.NewMonitor(jobs.Config{
		CleanupInterval: config.Jobs.Cleanup.Std(),
		Retention:       config.Jobs.Retention.Std(),
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = monitor.Close()
	}()

	manager, roots, err := loadPlugins(ctx, monitor, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "closing plugins", "error", err)
		}
	}()

	st, err := store.Open(ctx, config.Service.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	svcCfg, err := service.ConfigFrom(config.Service)
	if err != nil {
		return err
	}
	var opts []service.Option
	if config.Reports.ForwardURL != nil {
		var token string
		if config.Reports.Token != nil {
			token = *config.Reports.Token
		}
		fw, err := service.NewForwarder(*config.Reports.ForwardURL, token)
		if err != nil {
			return err
		}
		defer fw.Close()
		opts = append(opts, service.WithForwarder(fw))
	}

	orchestrator := service.New(svcCfg, manager, st, monitor, logger, opts...)
	if err := orchestrator.Initialize(ctx, st); err != nil {
		return err
	}
	server := api.NewServer(service.NewCatalog(st, orchestrator), manager, monitor, orchestrator, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orchestrator.Do(ctx)
	})
	g.Go(func() error {
		return server.Start(ctx, config.Service.Listen)
	})
	if config.Plugins.Watch {
		g.Go(func() error {
			return manager.Watch(ctx, plugin.DefaultWatchDebounce, existingDirs(roots)...)
		})
	}
	return g.Wait()
}

func doPlugins(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	monitor, err := jobs.NewMonitor(jobs.Config{})
	if err != nil {
		return err
	}
	defer func() {
		_ = monitor.Close()
	}()

	manager, _, err := loadPlugins(ctx, monitor, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = manager.Close(context.WithoutCancel(ctx))
	}()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTAINER\tPLUGIN\tKIND\tNAME\tDIR")
	for _, c := range manager.Containers() {
		for _, p := range c.Plugins {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, p.ID, p.Kind, p.Name, c.Dir)
		}
	}
	return tw.Flush()
}

// loadPlugins starts every bundle found on the configured paths, the upload
// path included.
func loadPlugins(ctx context.Context, monitor *jobs.Monitor, logger *slog.Logger) (*plugin.Manager, []string, error) {
	upload := config.Plugins.UploadPath
	if err := os.MkdirAll(upload, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating upload path: %w", err)
	}
	roots := append(append([]string(nil), config.Plugins.Paths...), upload)

	manager := plugin.NewManager(
		&plugin.ProcessLoader{Logger: logger, Verbose: config.Service.Verbose},
		plugin.Config{
			UploadDir:       upload,
			ReclaimAttempts: config.Plugins.Reclaim.Attempts,
			ReclaimInterval: config.Plugins.Reclaim.Interval.Std(),
		},
		monitor,
		logger,
	)
	if err := manager.Load(ctx, roots...); err != nil {
		logger.WarnContext(ctx, "loading plugins", "error", err)
	}
	return manager, roots, nil
}

func existingDirs(paths []string) []string {
	var out []string
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			out = append(out, p)
		}
	}
	return out
}
