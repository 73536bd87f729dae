// Command sniffer-secrets is the plugin bundle detecting secrets and
// certificate issues in a working copy.
//
// Build it next to its manifest.json:
//
//	go build -o plugins/secrets/sniffer-secrets ./cmd/plugins/secrets
//	cp cmd/plugins/secrets/manifest.json plugins/secrets/
package main

import (
	"fmt"
	"os"

	"github.com/CZERTAINLY/CodeSniffer/internal/gitleaks"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

func main() {
	detector, err := gitleaks.NewDetector()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sdk.Serve(
		leaksPlugin{detector: detector},
		certificatesPlugin{},
	)
}
