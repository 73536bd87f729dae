package sdk

import (
	"crypto/sha256"
	"encoding/hex"
)

// Report is the outcome of a single check run.
type Report struct {
	// Configuration used by the check, in a form suitable for display.
	Configuration map[string]string `json:"configuration,omitempty"`
	Assets        []Asset           `json:"assets"`
}

// Asset is one item a check reports on, for example a project file or a finding.
type Asset struct {
	// ID must be stable between scans, so the same asset can be tracked across reports.
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result Result `json:"result"`
	// Summary is a one line description of the result.
	Summary    string            `json:"summary,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Output     string            `json:"output,omitempty"`
}

// Result is the aggregate severity of a report: the maximum over its assets,
// or Success for a report without assets.
func (r Report) Result() Result {
	if len(r.Assets) == 0 {
		return Success
	}
	ret := Skipped
	for _, a := range r.Assets {
		ret = ret.Max(a.Result)
	}
	return ret
}

// ReportBuilder collects assets in insertion order.
//
//	b := sdk.NewReportBuilder()
//	b.Asset("go.mod", "go.mod").SetResultIfHigher(sdk.Warning).SetSummary("outdated")
//	report := b.Build()
type ReportBuilder struct {
	configuration map[string]string
	assets        []*AssetBuilder
	index         map[string]*AssetBuilder
}

func NewReportBuilder() *ReportBuilder {
	return &ReportBuilder{
		index: make(map[string]*AssetBuilder),
	}
}

// SetConfiguration records a display value of the check configuration.
func (b *ReportBuilder) SetConfiguration(key, value string) *ReportBuilder {
	if b.configuration == nil {
		b.configuration = make(map[string]string)
	}
	b.configuration[key] = value
	return b
}

// Asset returns the builder for the asset with the given id, adding it with
// the Success result when it does not exist yet.
func (b *ReportBuilder) Asset(id, name string) *AssetBuilder {
	if a, ok := b.index[id]; ok {
		return a
	}
	a := &AssetBuilder{asset: Asset{ID: id, Name: name, Result: Success}}
	b.assets = append(b.assets, a)
	b.index[id] = a
	return a
}

func (b *ReportBuilder) Build() *Report {
	ret := &Report{
		Assets: make([]Asset, 0, len(b.assets)),
	}
	if len(b.configuration) > 0 {
		ret.Configuration = make(map[string]string, len(b.configuration))
		for k, v := range b.configuration {
			ret.Configuration[k] = v
		}
	}
	for _, a := range b.assets {
		ret.Assets = append(ret.Assets, a.build())
	}
	return ret
}

type AssetBuilder struct {
	asset Asset
}

func (a *AssetBuilder) SetResult(r Result) *AssetBuilder {
	a.asset.Result = r
	return a
}

// SetResultIfHigher only ever raises the severity of the asset.
func (a *AssetBuilder) SetResultIfHigher(r Result) *AssetBuilder {
	a.asset.Result = a.asset.Result.Max(r)
	return a
}

func (a *AssetBuilder) SetSummary(summary string) *AssetBuilder {
	a.asset.Summary = summary
	return a
}

func (a *AssetBuilder) SetProperty(key, value string) *AssetBuilder {
	if a.asset.Properties == nil {
		a.asset.Properties = make(map[string]string)
	}
	a.asset.Properties[key] = value
	return a
}

func (a *AssetBuilder) SetOutput(output string) *AssetBuilder {
	a.asset.Output = output
	return a
}

func (a *AssetBuilder) build() Asset {
	ret := a.asset
	if len(a.asset.Properties) > 0 {
		ret.Properties = make(map[string]string, len(a.asset.Properties))
		for k, v := range a.asset.Properties {
			ret.Properties[k] = v
		}
	}
	return ret
}

// HashID returns a short, reproducible identifier for input.
// Useful for asset and revision ids which must be stable between scans.
func HashID(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}
