package service

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func dv(id string, version int) model.DefinitionVersion {
	return model.DefinitionVersion{DefinitionID: id, Version: version}
}

func TestNeedsScan(t *testing.T) {
	t.Parallel()

	type given struct {
		record     []model.DefinitionVersion
		applicable []model.DefinitionVersion
	}
	var testCases = []struct {
		scenario string
		given    given
		then     bool
	}{
		{"same versions", given{[]model.DefinitionVersion{dv("d1", 1)}, []model.DefinitionVersion{dv("d1", 1)}}, false},
		{"version bump", given{[]model.DefinitionVersion{dv("d1", 1)}, []model.DefinitionVersion{dv("d1", 2)}}, true},
		{"definition added", given{[]model.DefinitionVersion{dv("d1", 1)}, []model.DefinitionVersion{dv("d1", 1), dv("d2", 1)}}, true},
		{"definition removed", given{[]model.DefinitionVersion{dv("d1", 1), dv("d2", 1)}, []model.DefinitionVersion{dv("d1", 1)}}, false},
		{"nothing applicable", given{[]model.DefinitionVersion{dv("d1", 1)}, nil}, false},
		{"empty record", given{nil, []model.DefinitionVersion{dv("d1", 1)}}, true},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, needsScan(tt.given.record, tt.given.applicable))
		})
	}
}

func TestNeedsScanProperties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`d[0-9]{1,3}`), 1, 10, rapid.ID[string]).Draw(t, "ids")
		applicable := make([]model.DefinitionVersion, len(ids))
		for i, id := range ids {
			applicable[i] = dv(id, rapid.IntRange(1, 5).Draw(t, "version"))
		}
		extra := rapid.SliceOfN(rapid.IntRange(1, 5), 0, 5).Draw(t, "extra")
		record := append([]model.DefinitionVersion(nil), applicable...)
		for i, v := range extra {
			record = append(record, dv("removed"+strconv.Itoa(i), v))
		}

		// stale entries never force a rescan
		require.False(t, needsScan(record, applicable))

		i := rapid.IntRange(0, len(applicable)-1).Draw(t, "changed")
		bumped := append([]model.DefinitionVersion(nil), applicable...)
		bumped[i].Version++
		require.True(t, needsScan(record, bumped))
	})
}

func TestIndex(t *testing.T) {
	t.Parallel()
	c := newCache()
	require.Empty(t, c.index())

	for _, id := range []string{"a", "b", "c"} {
		c.putSource(model.Source{ID: id, Name: id})
	}
	c.putGroup(model.SourceGroup{ID: "g1", SourceIDs: []string{"c", "a"}})
	c.putGroup(model.SourceGroup{ID: "g2", SourceIDs: []string{"b", "a", "missing"}})
	c.putDefinition(model.Definition{ID: "d2", SourceGroupID: "g2", Version: 3})
	c.putDefinition(model.Definition{ID: "d1", SourceGroupID: "g1", Version: 1})
	c.putDefinition(model.Definition{ID: "d3", SourceGroupID: "nope", Version: 1})

	idx := c.index()
	require.Equal(t, []Grouped{
		{Source: model.Source{ID: "c", Name: "c"}, Definitions: []model.DefinitionVersion{dv("d1", 1)}},
		{Source: model.Source{ID: "a", Name: "a"}, Definitions: []model.DefinitionVersion{dv("d1", 1), dv("d2", 3)}},
		{Source: model.Source{ID: "b", Name: "b"}, Definitions: []model.DefinitionVersion{dv("d2", 3)}},
	}, idx)
	require.False(t, c.invalidated.Load())

	// no change, no rebuild
	before := c.grouped.Load()
	c.index()
	require.Same(t, before, c.grouped.Load())

	c.deleteSource("a")
	require.True(t, c.invalidated.Load())
	idx = c.index()
	require.Len(t, idx, 2)
	require.Equal(t, "c", idx[0].Source.ID)
	require.Equal(t, "b", idx[1].Source.ID)

	c.deleteDefinition("d1")
	idx = c.index()
	require.Len(t, idx, 1)
	require.Equal(t, "b", idx[0].Source.ID)

	c.deleteGroup("g2")
	require.Empty(t, c.index())
}

func TestUniquePath(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "checkout")

	var paths []string
	for range 3 {
		p, err := uniquePath(root, "sniffer.main - 1a2b3c")
		require.NoError(t, err)
		paths = append(paths, filepath.Base(p))
	}
	require.Equal(t, []string{
		"sniffer.main_-_1a2b3c",
		"sniffer.main_-_1a2b3c_1",
		"sniffer.main_-_1a2b3c_2",
	}, paths)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestSafeName(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"plain", "main", "main"},
		{"branch with slash", "feature/x - abc", "feature_x_-_abc"},
		{"dots only", "..", "_"},
		{"empty", "", "_"},
		{"escape", "../../etc", "_.._etc"},
		{"unicode", "vývoj", "vývoj"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, safeName(tt.given))
		})
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 1, 12, 0, 30, 0, time.UTC)
	hourly, err := model.ParseCron("@hourly")
	require.NoError(t, err)
	everyMinute, err := model.ParseCron("* * * * *")
	require.NoError(t, err)

	var testCases = []struct {
		scenario string
		given    Config
		then     time.Duration
	}{
		{"default", Config{}.withDefaults(), DefaultInterval},
		{"interval", Config{Interval: 10 * time.Minute}, 10 * time.Minute},
		{"interval below floor", Config{Interval: time.Second}, MinInterval},
		{"cron", Config{Cron: hourly}, 59*time.Minute + 30*time.Second},
		{"cron below floor", Config{Cron: everyMinute}, MinInterval},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, tt.given.delay(now))
		})
	}
}
