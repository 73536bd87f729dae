package main

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/CodeSniffer/internal/scan"
	"github.com/CZERTAINLY/CodeSniffer/internal/walk"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

// fileOptions are shared by the checks of this bundle.
type fileOptions struct {
	// MaxFileSize in bytes, bigger files are skipped.
	MaxFileSize int64    `json:"max_file_size"`
	Exclude     []string `json:"exclude"`
	Parallelism int      `json:"parallelism"`
}

func defaultFileOptions() fileOptions {
	return fileOptions{
		MaxFileSize: scan.DefaultMaxSize,
		Exclude:     []string{".git"},
		Parallelism: 4,
	}
}

const fileOptionsHelp = `max_file_size  files bigger than this many bytes are skipped
exclude        directory names not descended into
parallelism    files scanned at once`

// fileCheck runs a detector over every file of the working copy.
type fileCheck struct {
	logger   *slog.Logger
	opts     fileOptions
	detector scan.Detector
	// result of an asset with the finding
	result func(scan.Finding) sdk.Result
	config map[string]string
}

// Execute reports an asset per file and rule, ordered by path.
func (c *fileCheck) Execute(ctx context.Context, path string, sc sdk.ScanContext) (*sdk.Report, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = root.Close()
	}()

	s := scan.New(c.opts.Parallelism, c.opts.MaxFileSize, c.logger, c.detector)
	var all []scan.Finding
	var tooBig int
	for findings, err := range s.Do(ctx, walk.Root(ctx, root, c.opts.Exclude...)) {
		switch {
		case err == nil:
		case errors.Is(err, scan.ErrNoMatch):
			continue
		case errors.Is(err, scan.ErrTooBig):
			tooBig++
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			c.logger.WarnContext(ctx, "file not fully scanned", "error", err)
		}
		all = append(all, findings...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tooBig > 0 {
		c.logger.InfoContext(ctx, "files too big, skipped", "count", tooBig, "max_file_size", c.opts.MaxFileSize)
	}
	return c.report(all, sc), nil
}

func (c *fileCheck) report(findings []scan.Finding, sc sdk.ScanContext) *sdk.Report {
	slices.SortFunc(findings, func(a, b scan.Finding) int {
		return cmp.Or(
			strings.Compare(a.Path, b.Path),
			strings.Compare(a.RuleID, b.RuleID),
			cmp.Compare(a.StartLine, b.StartLine),
		)
	})

	b := sdk.NewReportBuilder().
		SetConfiguration("max_file_size", strconv.FormatInt(c.opts.MaxFileSize, 10)).
		SetConfiguration("exclude", strings.Join(c.opts.Exclude, ","))
	for k, v := range c.config {
		b.SetConfiguration(k, v)
	}

	lines := make(map[string][]string)
	for _, f := range findings {
		id := sdk.HashID(f.Path + "\x00" + f.RuleID)
		a := b.Asset(id, f.Path).
			SetResultIfHigher(c.result(f)).
			SetSummary(f.Description).
			SetProperty("rule", f.RuleID)
		// binary files have no lines
		if f.StartLine > 0 {
			lines[id] = append(lines[id], strconv.Itoa(f.StartLine))
			a.SetProperty("lines", strings.Join(lines[id], ","))
		}
		if sc.Branch != "" {
			a.SetProperty("branch", sc.Branch)
		}
	}
	return b.Build()
}
