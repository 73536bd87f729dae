package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/CZERTAINLY/CodeSniffer/internal/plugin"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

const invalidCheckPlugin = "not a valid check plugin"

type DefinitionReader interface {
	Definition(ctx context.Context, id string) (model.Definition, error)
}

// Runner executes the checks of a definition on a working copy.
type Runner struct {
	plugins     *plugin.Manager
	definitions DefinitionReader
}

func NewRunner(plugins *plugin.Manager, definitions DefinitionReader) *Runner {
	return &Runner{plugins: plugins, definitions: definitions}
}

// Execute runs the checks of the definition one after another and returns
// their results in declaration order. A check which cannot run is reported
// as an Error asset and the remaining checks still run. Only a failure to
// load the definition or cancellation is returned as an error.
func (r *Runner) Execute(ctx context.Context, definitionID, path string, sc sdk.ScanContext, logger *slog.Logger) ([]model.CheckResult, error) {
	def, err := r.definitions.Definition(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("loading definition %s: %w", definitionID, err)
	}

	ret := make([]model.CheckResult, 0, len(def.Checks))
	for _, check := range def.Checks {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		report, err := r.run(ctx, check, path, sc, logger)
		if err != nil {
			if ctx.Err() != nil {
				return ret, ctx.Err()
			}
			logger.WarnContext(ctx, "check failed", "check", check.Name, "plugin_id", check.PluginID, "error", err)
			report = errorReport(check.PluginID, err.Error())
		}
		ret = append(ret, model.CheckResult{
			PluginID: check.PluginID,
			Name:     check.Name,
			Report:   report,
		})
	}
	return ret, nil
}

func (r *Runner) run(ctx context.Context, check model.Check, path string, sc sdk.ScanContext, logger *slog.Logger) (*sdk.Report, error) {
	info, err := r.plugins.ByID(check.PluginID)
	if err != nil {
		logger.WarnContext(ctx, "check plugin not found", "plugin_id", check.PluginID)
		return errorReport(check.PluginID, invalidCheckPlugin), nil
	}
	p, release, err := info.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WarnContext(ctx, "check plugin not available", "plugin_id", check.PluginID, "error", err)
		return errorReport(check.PluginID, invalidCheckPlugin), nil
	}
	defer release()

	cp, ok := p.(sdk.CheckPlugin)
	if !ok {
		logger.WarnContext(ctx, "plugin is not a check plugin", "plugin_id", check.PluginID)
		return errorReport(check.PluginID, invalidCheckPlugin), nil
	}

	options := check.Options
	if len(options) == 0 {
		options = cp.DefaultOptions()
	}
	c, err := cp.NewCheck(logger.With("check", check.Name), options)
	if err != nil {
		return nil, fmt.Errorf("creating check: %w", err)
	}
	report, err := c.Execute(ctx, path, sc)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = &sdk.Report{Assets: []sdk.Asset{}}
	}
	return report, nil
}

func errorReport(pluginID, summary string) *sdk.Report {
	b := sdk.NewReportBuilder()
	b.Asset(pluginID, pluginID).SetResult(sdk.Error).SetSummary(summary)
	return b.Build()
}
