// Package sdk is shared by the sniffer service and its plugin bundles.
//
// A plugin bundle is a standalone executable. Its main function registers
// the plugins it provides:
//
//	func main() {
//		sdk.Serve(gitPlugin{})
//	}
//
// The service starts one process per bundle and talks to it through
// hashicorp/go-plugin. Only the types of this package cross the process
// boundary, so bundles can depend on any library versions they like.
package sdk

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
)

// Kind is the capability a plugin provides.
type Kind string

const (
	KindRepository Kind = "repository"
	KindCheck      Kind = "check"
)

// Descriptor identifies a plugin. ID must be globally unique and stable
// across versions of the same bundle.
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Plugin is the minimum every registered plugin implements.
type Plugin interface {
	Descriptor() Descriptor
	// DefaultOptions returns a JSON document used to prefill a new configuration.
	DefaultOptions() json.RawMessage
}

// Helper is optionally implemented by plugins documenting their options.
type Helper interface {
	OptionsHelp() string
}

// RepositoryPlugin gives access to a source code repository.
type RepositoryPlugin interface {
	Plugin
	NewRepository(logger *slog.Logger, options json.RawMessage) (Repository, error)
}

// Repository lists and checks out revisions of one configured source.
type Repository interface {
	// Revisions is finite and yields each revision once per call.
	Revisions(ctx context.Context) iter.Seq2[Revision, error]
	Checkout(ctx context.Context, revision Revision, path string) error
}

// Revision is opaque to the service beyond equality of the ID.
type Revision struct {
	// ID holds just enough information to make the revision unique.
	ID     string `json:"id"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// CheckPlugin analyses a working copy.
type CheckPlugin interface {
	Plugin
	NewCheck(logger *slog.Logger, options json.RawMessage) (Check, error)
}

type Check interface {
	// Execute may return a nil report, which is treated as an empty one.
	Execute(ctx context.Context, path string, sc ScanContext) (*Report, error)
}

// ScanContext describes the working copy a check runs on.
type ScanContext struct {
	Branch string `json:"branch"`
}

// KindOf returns the capability of p or an empty Kind if it has none.
func KindOf(p Plugin) Kind {
	switch p.(type) {
	case RepositoryPlugin:
		return KindRepository
	case CheckPlugin:
		return KindCheck
	default:
		return ""
	}
}
