package model

import (
	"time"

	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

// CheckResult is the outcome of one check of a definition.
type CheckResult struct {
	PluginID string      `json:"pluginId"`
	Name     string      `json:"name"`
	Report   *sdk.Report `json:"report"`
}

// ScanReport is the result of one definition run against one revision.
type ScanReport struct {
	ID           string        `json:"id"`
	DefinitionID string        `json:"definitionId"`
	SourceID     string        `json:"sourceId"`
	RevisionID   string        `json:"revisionId"`
	RevisionName string        `json:"revisionName"`
	Branch       string        `json:"branch"`
	Created      time.Time     `json:"created"`
	Checks       []CheckResult `json:"checks"`
}

// Result is the highest severity of all checks, Success when there are no
// checks.
func (r ScanReport) Result() sdk.Result {
	ret := sdk.Success
	for _, c := range r.Checks {
		if c.Report == nil {
			continue
		}
		ret = ret.Max(c.Report.Result())
	}
	return ret
}
