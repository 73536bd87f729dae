package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// Codes of CueErrorDetail.
const (
	CodeUnknownField = "unknown_field"
	CodeTypeMismatch = "type_mismatch"
	CodeEmpty        = "empty_value"
	CodeDuration     = "invalid_duration"
	CodeCron         = "invalid_cron"
	CodeURL          = "invalid_url"
	CodeRange        = "out_of_range"
	CodeVersion      = "unsupported_version"
	CodeInvalid      = "invalid_value"
)

// CueErrorDetail is one problem found in a configuration file.
type CueErrorDetail struct {
	Path    string // jobs.retention
	Code    string
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

type expectation struct {
	code string
	want string
}

// expectations of the constrained fields of sniffer.yaml
var expectations = map[string]expectation{
	"version":                   {CodeVersion, "0"},
	"service.database":          {CodeEmpty, "a non-empty path"},
	"service.checkout_path":     {CodeEmpty, "a non-empty path"},
	"service.schedule.interval": {CodeDuration, "an ISO 8601 duration like PT5M"},
	"service.schedule.cron":     {CodeCron, `a cron expression like "0 2 * * *" or @hourly`},
	"plugins.upload_path":       {CodeEmpty, "a non-empty path"},
	"plugins.reclaim.attempts":  {CodeRange, "a positive number"},
	"plugins.reclaim.interval":  {CodeDuration, "an ISO 8601 duration like PT1S"},
	"jobs.retention":            {CodeDuration, "an ISO 8601 duration like PT15M"},
	"jobs.cleanup":              {CodeDuration, "an ISO 8601 duration like PT1M"},
	"reports.forward_url":       {CodeURL, "an http or https URL"},
	"reports.token":             {CodeEmpty, "a non-empty token"},
}

var (
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reMismatch   = regexp.MustCompile(`(?i)mismatched types|expected .* got`)
)

// humanize turns validation errors into one detail per offending field.
// input is the file as written, it provides the values and positions.
func humanize(err error, input cue.Value) []CueErrorDetail {
	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		path := normalizePath(e.Path())
		// a disjunction fails once per alternative
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		d := explain(path, fmt.Sprintf(format, args...), input)
		if d.Pos.Filename == "" {
			d.Pos = position(e)
		}
		out = append(out, d)
	}
	return out
}

func explain(path, raw string, input cue.Value) CueErrorDetail {
	d := CueErrorDetail{Path: path, Raw: raw}
	v := lookup(input, path)
	if v.Exists() {
		p := v.Pos()
		d.Pos = CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
	}

	exp, known := expectations[path]
	switch {
	case reNotAllowed.MatchString(raw):
		d.Code = CodeUnknownField
		d.Message = fmt.Sprintf("field %s is not allowed here", path)
	case known:
		d.Code = exp.code
		d.Message = fmt.Sprintf("%s must be %s, got %s", path, exp.want, valueString(v))
	case reMismatch.MatchString(raw):
		d.Code = CodeTypeMismatch
		d.Message = fmt.Sprintf("%s has the wrong type, got %s", path, valueString(v))
	default:
		d.Code = CodeInvalid
		d.Message = raw
	}
	return d
}

func valueString(v cue.Value) string {
	if !v.Exists() {
		return "nothing"
	}
	if s, err := v.String(); err == nil {
		return strconv.Quote(s)
	}
	return fmt.Sprint(v)
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// normalizePath drops the leading #Config of schema paths.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	return root.LookupPath(cue.ParsePath(path))
}
