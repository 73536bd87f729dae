// Command sniffer-git is the plugin bundle giving access to git repositories.
//
// Build it next to its manifest.json:
//
//	go build -o plugins/git/sniffer-git ./cmd/plugins/git
//	cp cmd/plugins/git/manifest.json plugins/git/
package main

import "github.com/CZERTAINLY/CodeSniffer/pkg/sdk"

func main() {
	sdk.Serve(gitPlugin{})
}
