package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/scan"
	"github.com/CZERTAINLY/CodeSniffer/internal/x509"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

type certificatesOptions struct {
	fileOptions
	ExpiryWarningDays int `json:"expiry_warning_days"`
}

func defaultCertificatesOptions() certificatesOptions {
	return certificatesOptions{
		fileOptions:       defaultFileOptions(),
		ExpiryWarningDays: int(x509.DefaultExpiryWarning / (24 * time.Hour)),
	}
}

type certificatesPlugin struct {
	// now is overridden by tests
	now func() time.Time
}

func (certificatesPlugin) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: "certificates", Name: "Certificates and keys"}
}

func (certificatesPlugin) DefaultOptions() json.RawMessage {
	b, _ := json.Marshal(defaultCertificatesOptions())
	return b
}

func (certificatesPlugin) OptionsHelp() string {
	return "Reports committed private keys and certificates which expired, expire soon or use weak algorithms.\n\n" +
		fileOptionsHelp + "\n" +
		"expiry_warning_days  certificates expiring within this many days are reported"
}

func (p certificatesPlugin) NewCheck(logger *slog.Logger, raw json.RawMessage) (sdk.Check, error) {
	opts := defaultCertificatesOptions()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("decoding options: %w", err)
		}
	}
	if opts.ExpiryWarningDays < 0 {
		return nil, errors.New("expiry_warning_days must not be negative")
	}
	return &fileCheck{
		logger: logger,
		opts:   opts.fileOptions,
		detector: x509.Detector{
			ExpiryWarning: time.Duration(opts.ExpiryWarningDays) * 24 * time.Hour,
			Now:           p.now,
		},
		result: certificateResult,
		config: map[string]string{"expiry_warning_days": strconv.Itoa(opts.ExpiryWarningDays)},
	}, nil
}

func certificateResult(f scan.Finding) sdk.Result {
	switch f.RuleID {
	case x509.RuleExpired, x509.RulePrivateKey:
		return sdk.Critical
	default:
		return sdk.Warning
	}
}
