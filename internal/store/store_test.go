package store_test

import (
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/CZERTAINLY/CodeSniffer/internal/store"
	"github.com/CZERTAINLY/CodeSniffer/pkg/sdk"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), ":memory:", log.New(io.Discard, false))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestMigrateTwice(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sniffer.db")
	for range 2 {
		s, err := store.Open(t.Context(), path, nil)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestSources(t *testing.T) {
	t.Parallel()
	s := open(t)
	ctx := t.Context()

	src, err := s.CreateSource(ctx, model.Source{
		Name:     "sniffer",
		PluginID: "git",
		Options:  json.RawMessage(`{"url":"https://example.com/sniffer.git"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, src.ID)
	require.Equal(t, 1, src.Version)

	src.Name = "code sniffer"
	src, err = s.UpdateSource(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 2, src.Version)

	got, err := s.Source(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, src, got)
	require.JSONEq(t, `{"url":"https://example.com/sniffer.git"}`, string(got.Options))

	all, err := s.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = s.UpdateSource(ctx, model.Source{ID: "nope", Name: "x", PluginID: "git"})
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteSource(ctx, src.ID))
	_, err = s.Source(ctx, src.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteSource(ctx, src.ID), store.ErrNotFound)
}

func TestSourceGroupsAndDefinitions(t *testing.T) {
	t.Parallel()
	s := open(t)
	ctx := t.Context()

	a, err := s.CreateSource(ctx, model.Source{Name: "a", PluginID: "git"})
	require.NoError(t, err)
	b, err := s.CreateSource(ctx, model.Source{Name: "b", PluginID: "git"})
	require.NoError(t, err)

	g, err := s.CreateSourceGroup(ctx, model.SourceGroup{Name: "all", SourceIDs: []string{b.ID, a.ID}})
	require.NoError(t, err)
	got, err := s.SourceGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, []string{b.ID, a.ID}, got.SourceIDs)

	g.SourceIDs = []string{a.ID}
	g, err = s.UpdateSourceGroup(ctx, g)
	require.NoError(t, err)
	require.Equal(t, 2, g.Version)

	d, err := s.CreateDefinition(ctx, model.Definition{
		Name:          "secrets",
		SourceGroupID: g.ID,
		Checks: []model.Check{
			{Name: "leaks", PluginID: "leaks", Options: json.RawMessage(`{"maxFileSize":1024}`)},
			{Name: "size", PluginID: "size"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, d.Version)

	d.Checks = d.Checks[:1]
	d, err = s.UpdateDefinition(ctx, d)
	require.NoError(t, err)
	require.Equal(t, 2, d.Version)

	defs, err := s.Definitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Len(t, defs[0].Checks, 1)
	require.Equal(t, "leaks", defs[0].Checks[0].PluginID)

	// deleting a source removes it from the groups
	require.NoError(t, s.DeleteSource(ctx, a.ID))
	groups, err := s.SourceGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Empty(t, groups[0].SourceIDs)

	require.NoError(t, s.DeleteDefinition(ctx, d.ID))
	require.NoError(t, s.DeleteSourceGroup(ctx, g.ID))
	_, err = s.Definition(ctx, d.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteSourceGroup(ctx, g.ID), store.ErrNotFound)
}

func TestRevisions(t *testing.T) {
	t.Parallel()
	s := open(t)
	ctx := t.Context()

	_, err := s.RevisionDefinitions(ctx, "src", "rev")
	require.ErrorIs(t, err, store.ErrNotFound)

	first := []model.DefinitionVersion{{DefinitionID: "d1", Version: 1}}
	require.NoError(t, s.StoreRevision(ctx, "src", "rev", first))
	got, err := s.RevisionDefinitions(ctx, "src", "rev")
	require.NoError(t, err)
	require.Equal(t, first, got)

	second := []model.DefinitionVersion{{DefinitionID: "d1", Version: 2}, {DefinitionID: "d2", Version: 1}}
	require.NoError(t, s.StoreRevision(ctx, "src", "rev", second))
	got, err = s.RevisionDefinitions(ctx, "src", "rev")
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestReports(t *testing.T) {
	t.Parallel()
	s := open(t)
	ctx := t.Context()

	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, def := range []string{"d1", "d2", "d1"} {
		b := sdk.NewReportBuilder()
		b.Asset("a", "config.yaml").SetResult(sdk.Warning).SetSummary("aws key")
		r := &model.ScanReport{
			DefinitionID: def,
			SourceID:     "src",
			RevisionID:   "rev",
			RevisionName: "main - 1a2b3c",
			Branch:       "main",
			Created:      created.Add(time.Duration(i) * time.Minute),
			Checks: []model.CheckResult{{
				PluginID: "leaks",
				Name:     "leaks",
				Report:   b.Build(),
			}},
		}
		require.NoError(t, s.StoreReport(ctx, r))
		require.NotEmpty(t, r.ID)
	}

	all, err := s.Reports(ctx, store.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.True(t, all[0].Created.After(all[1].Created))

	d1, err := s.Reports(ctx, store.ReportFilter{DefinitionID: "d1", SourceID: "src", Limit: 1})
	require.NoError(t, err)
	require.Len(t, d1, 1)
	require.Equal(t, created.Add(2*time.Minute), d1[0].Created)

	r, err := s.Report(ctx, d1[0].ID)
	require.NoError(t, err)
	require.Equal(t, sdk.Warning, r.Result())
	require.Equal(t, "aws key", r.Checks[0].Report.Assets[0].Summary)

	_, err = s.Report(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}
