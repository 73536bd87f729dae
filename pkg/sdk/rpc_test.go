package sdk_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/require"
)

type repoPlugin struct{}

func (repoPlugin) Descriptor() sdk.Descriptor {
	return sdk.Descriptor{ID: "repo-1", Name: "Repo"}
}
func (repoPlugin) DefaultOptions() json.RawMessage { return json.RawMessage(`{"url":""}`) }
func (repoPlugin) OptionsHelp() string             { return "url of the repository" }

func (repoPlugin) NewRepository(logger *slog.Logger, options json.RawMessage) (sdk.Repository, error) {
	var opts struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(options, &opts); err != nil {
		return nil, err
	}
	if opts.URL == "" {
		return nil, errors.New("url is required")
	}
	return repo{logger: logger, url: opts.URL}, nil
}

type repo struct {
	logger *slog.Logger
	url    string
}

func (r repo) Revisions(ctx context.Context) iter.Seq2[sdk.Revision, error] {
	return func(yield func(sdk.Revision, error) bool) {
		r.logger.InfoContext(ctx, "listing", "url", r.url)
		for _, b := range []string{"main", "develop"} {
			if !yield(sdk.Revision{ID: b + "-sha", Name: b + " - sha", Branch: b}, nil) {
				return
			}
		}
	}
}

func (r repo) Checkout(ctx context.Context, rev sdk.Revision, path string) error {
	r.logger.DebugContext(ctx, "checkout", slog.Group("rev", "branch", rev.Branch), "path", path)
	return nil
}

type checkPlugin struct{}

func (checkPlugin) Descriptor() sdk.Descriptor      { return sdk.Descriptor{ID: "check-1", Name: "Check"} }
func (checkPlugin) DefaultOptions() json.RawMessage { return nil }

func (checkPlugin) NewCheck(logger *slog.Logger, _ json.RawMessage) (sdk.Check, error) {
	return check{logger: logger}, nil
}

type check struct {
	logger *slog.Logger
}

func (c check) Execute(ctx context.Context, path string, sc sdk.ScanContext) (*sdk.Report, error) {
	switch sc.Branch {
	case "empty":
		return nil, nil
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	case "broken":
		c.logger.Error("exploded")
		return nil, errors.New("boom")
	}
	c.logger.Warn("found", "path", path)
	b := sdk.NewReportBuilder()
	b.Asset("a1", "asset").SetResult(sdk.Warning).SetProperty("branch", sc.Branch)
	return b.Build(), nil
}

type barePlugin struct{}

func (barePlugin) Descriptor() sdk.Descriptor      { return sdk.Descriptor{ID: "bare", Name: "Bare"} }
func (barePlugin) DefaultOptions() json.RawMessage { return nil }

func dispense(t *testing.T) []sdk.Plugin {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, plugin.PluginSet{
		sdk.PluginName: &sdk.BundlePlugin{Plugins: []sdk.Plugin{repoPlugin{}, checkPlugin{}, barePlugin{}}},
	}, nil)
	t.Cleanup(func() { _ = client.Close() })

	raw, err := client.Dispense(sdk.PluginName)
	require.NoError(t, err)
	bundle, ok := raw.(*sdk.RPCClient)
	require.True(t, ok)
	plugins, err := bundle.Plugins(t.Context())
	require.NoError(t, err)
	return plugins
}

func TestRPCDescribe(t *testing.T) {
	t.Parallel()
	plugins := dispense(t)
	require.Len(t, plugins, 3)

	require.Equal(t, sdk.Descriptor{ID: "repo-1", Name: "Repo"}, plugins[0].Descriptor())
	require.Equal(t, sdk.KindRepository, sdk.KindOf(plugins[0]))
	require.JSONEq(t, `{"url":""}`, string(plugins[0].DefaultOptions()))
	helper, ok := plugins[0].(sdk.Helper)
	require.True(t, ok)
	require.Equal(t, "url of the repository", helper.OptionsHelp())

	require.Equal(t, sdk.KindCheck, sdk.KindOf(plugins[1]))
	require.Equal(t, sdk.Kind(""), sdk.KindOf(plugins[2]))
}

func TestRPCRepository(t *testing.T) {
	t.Parallel()
	plugins := dispense(t)
	rp, ok := plugins[0].(sdk.RepositoryPlugin)
	require.True(t, ok)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Run("revisions", func(t *testing.T) {
		r, err := rp.NewRepository(logger, json.RawMessage(`{"url":"https://example.com/r.git"}`))
		require.NoError(t, err)
		var branches []string
		for rev, err := range r.Revisions(t.Context()) {
			require.NoError(t, err)
			branches = append(branches, rev.Branch)
		}
		require.Equal(t, []string{"main", "develop"}, branches)
		require.Contains(t, buf.String(), "msg=listing url=https://example.com/r.git")
	})

	t.Run("checkout", func(t *testing.T) {
		r, err := rp.NewRepository(logger, json.RawMessage(`{"url":"https://example.com/r.git"}`))
		require.NoError(t, err)
		err = r.Checkout(t.Context(), sdk.Revision{ID: "x", Branch: "main"}, "/tmp/wc")
		require.NoError(t, err)
		require.Contains(t, buf.String(), "rev.branch=main")
	})

	t.Run("invalid options", func(t *testing.T) {
		r, err := rp.NewRepository(logger, json.RawMessage(`{}`))
		require.NoError(t, err)
		for _, err := range r.Revisions(t.Context()) {
			require.EqualError(t, err, "url is required")
		}
	})
}

func TestRPCCheck(t *testing.T) {
	t.Parallel()
	plugins := dispense(t)
	cp, ok := plugins[1].(sdk.CheckPlugin)
	require.True(t, ok)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c, err := cp.NewCheck(logger, nil)
	require.NoError(t, err)

	t.Run("report", func(t *testing.T) {
		report, err := c.Execute(t.Context(), "/src", sdk.ScanContext{Branch: "main"})
		require.NoError(t, err)
		require.NotNil(t, report)
		require.Equal(t, sdk.Warning, report.Result())
		require.Equal(t, "main", report.Assets[0].Properties["branch"])
		require.Contains(t, buf.String(), "level=WARN msg=found path=/src")
	})

	t.Run("nil report", func(t *testing.T) {
		report, err := c.Execute(t.Context(), "/src", sdk.ScanContext{Branch: "empty"})
		require.NoError(t, err)
		require.Nil(t, report)
	})

	t.Run("error keeps logs", func(t *testing.T) {
		_, err := c.Execute(t.Context(), "/src", sdk.ScanContext{Branch: "broken"})
		require.EqualError(t, err, "boom")
		require.Contains(t, buf.String(), "msg=exploded")
	})

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Execute(ctx, "/src", sdk.ScanContext{Branch: "slow"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
