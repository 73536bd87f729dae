package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
)

const pluginID = "git"

var errMissingURL = errors.New("url is required")

type options struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (o options) auth() transport.AuthMethod {
	if o.Username == "" && o.Password == "" {
		return nil
	}
	return &http.BasicAuth{Username: o.Username, Password: o.Password}
}

type gitPlugin struct{}

func (gitPlugin) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: pluginID, Name: "Git"}
}

func (gitPlugin) DefaultOptions() json.RawMessage {
	b, _ := json.Marshal(options{URL: "https://example.com/repository.git"})
	return b
}

func (gitPlugin) OptionsHelp() string {
	return `Lists remote branches of a git repository and checks out their heads.

url       clone url of the repository, required
username  basic auth user for http(s) remotes
password  basic auth password or access token`
}

func (gitPlugin) NewRepository(logger *slog.Logger, raw json.RawMessage) (sdk.Repository, error) {
	var opts options
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errMissingURL
	}
	return &repository{logger: logger, opts: opts}, nil
}

type repository struct {
	logger *slog.Logger
	opts   options
}

// Revisions yields the head of every remote branch, well known branches
// first.
func (r *repository) Revisions(ctx context.Context) iter.Seq2[sdk.Revision, error] {
	return func(yield func(sdk.Revision, error) bool) {
		r.logger.DebugContext(ctx, "listing remote references", "url", r.opts.URL)
		remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
			Name: git.DefaultRemoteName,
			URLs: []string{r.opts.URL},
		})
		refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: r.opts.auth()})
		if err != nil {
			yield(sdk.Revision{}, fmt.Errorf("listing %s: %w", r.opts.URL, err))
			return
		}
		for _, rev := range branchHeads(refs) {
			if !yield(rev, nil) {
				return
			}
		}
	}
}

func branchHeads(refs []*plumbing.Reference) []sdk.Revision {
	var ret []sdk.Revision
	for _, ref := range refs {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsBranch() {
			continue
		}
		branch := ref.Name().Short()
		sha := ref.Hash().String()
		ret = append(ret, sdk.Revision{
			ID:     sha,
			Name:   branch + " - " + sha,
			Branch: branch,
		})
	}
	slices.SortStableFunc(ret, func(a, b sdk.Revision) int {
		return sdk.CompareBranches(a.Branch, b.Branch)
	})
	return ret
}

// Checkout clones the branch of revision into path and resets it hard to
// the revision when the branch moved on since it was listed.
func (r *repository) Checkout(ctx context.Context, revision sdk.Revision, path string) error {
	r.logger.DebugContext(ctx, "cloning branch", "url", r.opts.URL, "branch", revision.Branch)
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           r.opts.URL,
		Auth:          r.opts.auth(),
		ReferenceName: plumbing.NewBranchReferenceName(revision.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", revision.Branch, err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolving head: %w", err)
	}
	if head.Hash().String() == revision.ID {
		return nil
	}

	r.logger.DebugContext(ctx, "head moved, performing hard reset", "head", head.Hash().String(), "sha", revision.ID)
	commit := plumbing.NewHash(revision.ID)
	if _, err := repo.CommitObject(commit); err != nil {
		return fmt.Errorf("commit %s not found on %s: %w", revision.ID, revision.Branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Reset(&git.ResetOptions{Commit: commit, Mode: git.HardReset})
}
