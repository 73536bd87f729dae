// Package gitleaks detects leaked secrets with the gitleaks default rules.
package gitleaks

import (
	"context"
	"fmt"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/CZERTAINLY/CodeSniffer/internal/scan"
)

type Detector struct {
	pool sync.Pool
	mx   sync.Mutex
}

func NewDetector() (*Detector, error) {
	first, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating new gitleaks detector: %w", err)
	}
	d := &Detector{}
	d.pool = sync.Pool{
		New: func() any {
			// default config is loaded through global viper state
			d.mx.Lock()
			defer d.mx.Unlock()
			detector, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				panic(err)
			}
			return detector
		},
	}
	d.pool.Put(first)
	return d, nil
}

// Detect is safe to be called from multiple goroutines. Secrets themselves
// are not part of the findings.
func (d *Detector) Detect(ctx context.Context, b []byte, path string) ([]scan.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detector := d.pool.Get().(*detect.Detector)
	defer d.pool.Put(detector)

	var ret []scan.Finding
	for _, finding := range detector.DetectString(string(b)) {
		ret = append(ret, scan.Finding{
			RuleID:      finding.RuleID,
			Description: finding.Description,
			Path:        path,
			StartLine:   finding.StartLine,
			EndLine:     finding.EndLine,
		})
	}
	if len(ret) == 0 {
		return nil, scan.ErrNoMatch
	}
	return ret, nil
}
