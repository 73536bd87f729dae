package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/CodeSniffer/internal/scan"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

type leaksOptions struct {
	fileOptions
	// Severity of a finding, warning or critical.
	Severity sdk.Result `json:"severity"`
}

type leaksPlugin struct {
	detector scan.Detector
}

func (leaksPlugin) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: "leaks", Name: "Leaked secrets"}
}

func (leaksPlugin) DefaultOptions() json.RawMessage {
	b, _ := json.Marshal(leaksOptions{fileOptions: defaultFileOptions(), Severity: sdk.Warning})
	return b
}

func (leaksPlugin) OptionsHelp() string {
	return "Detects secrets committed to the working copy with the gitleaks default rules.\n\n" +
		fileOptionsHelp + "\n" +
		"severity       result of an asset with a finding, warning or critical"
}

func (p leaksPlugin) NewCheck(logger *slog.Logger, raw json.RawMessage) (sdk.Check, error) {
	opts := leaksOptions{fileOptions: defaultFileOptions(), Severity: sdk.Warning}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("decoding options: %w", err)
		}
	}
	if opts.Severity != sdk.Warning && opts.Severity != sdk.Critical {
		return nil, fmt.Errorf("severity must be warning or critical, got %s", opts.Severity)
	}
	return &fileCheck{
		logger:   logger,
		opts:     opts.fileOptions,
		detector: p.detector,
		result:   func(scan.Finding) sdk.Result { return opts.Severity },
	}, nil
}
