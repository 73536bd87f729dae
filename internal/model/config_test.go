package model_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
service:
  log: stdout
  listen: 127.0.0.1:8080
  schedule:
    interval: PT30M
    cron: "0 2 * * *"
plugins:
  paths:
    - /opt/sniffer/plugins
  watch: true
reports:
  forward_url: https://collector.example.com/reports
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.LogStdout, cfg.Service.Log)
	require.Equal(t, "127.0.0.1:8080", cfg.Service.Listen)
	require.Equal(t, 30*time.Minute, cfg.Service.Schedule.Interval.Std())
	require.NotNil(t, cfg.Service.Schedule.Cron)
	require.Equal(t, "0 2 * * *", *cfg.Service.Schedule.Cron)
	require.Equal(t, []string{"/opt/sniffer/plugins"}, cfg.Plugins.Paths)
	require.True(t, cfg.Plugins.Watch)
	require.NotNil(t, cfg.Reports.ForwardURL)
	require.Nil(t, cfg.Reports.Token)

	// defaults
	require.Equal(t, "sniffer.db", cfg.Service.Database)
	require.Equal(t, 10, cfg.Plugins.Reclaim.Attempts)
	require.Equal(t, time.Second, cfg.Plugins.Reclaim.Interval.Std())
	require.Equal(t, 15*time.Minute, cfg.Jobs.Retention.Std())
	require.Equal(t, time.Minute, cfg.Jobs.Cleanup.Std())
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()

	type then struct {
		code    string
		path    string
		message string
		line    int
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{
			"unknown field",
			"service:\n  mode: manual\n",
			then{model.CodeUnknownField, "service.mode", "field service.mode is not allowed here", 2},
		},
		{
			"version",
			"version: 1\n",
			then{model.CodeVersion, "version", "version must be 0, got 1", 1},
		},
		{
			"empty database",
			"service:\n  database: \"\"\n",
			then{model.CodeEmpty, "service.database", `service.database must be a non-empty path, got ""`, 2},
		},
		{
			"bad interval",
			"service:\n  schedule:\n    interval: 5 minutes\n",
			then{model.CodeDuration, "service.schedule.interval", `service.schedule.interval must be an ISO 8601 duration like PT5M, got "5 minutes"`, 3},
		},
		{
			"bad cron",
			"service:\n  schedule:\n    cron: \"0 2 * *\"\n",
			then{model.CodeCron, "service.schedule.cron", `service.schedule.cron must be a cron expression like "0 2 * * *" or @hourly, got "0 2 * *"`, 3},
		},
		{
			"zero attempts",
			"plugins:\n  reclaim:\n    attempts: 0\n",
			then{model.CodeRange, "plugins.reclaim.attempts", "plugins.reclaim.attempts must be a positive number, got 0", 3},
		},
		{
			"bad reclaim interval",
			"plugins:\n  reclaim:\n    interval: 1s\n",
			then{model.CodeDuration, "plugins.reclaim.interval", `plugins.reclaim.interval must be an ISO 8601 duration like PT1S, got "1s"`, 3},
		},
		{
			"empty upload path",
			"plugins:\n  upload_path: \"\"\n",
			then{model.CodeEmpty, "plugins.upload_path", `plugins.upload_path must be a non-empty path, got ""`, 2},
		},
		{
			"bad retention",
			"jobs:\n  retention: 15m\n",
			then{model.CodeDuration, "jobs.retention", `jobs.retention must be an ISO 8601 duration like PT15M, got "15m"`, 2},
		},
		{
			"bad url",
			"reports:\n  forward_url: ftp://example.com\n",
			then{model.CodeURL, "reports.forward_url", `reports.forward_url must be an http or https URL, got "ftp://example.com"`, 2},
		},
		{
			"empty token",
			"reports:\n  token: \"\"\n",
			then{model.CodeEmpty, "reports.token", `reports.token must be a non-empty token, got ""`, 2},
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tt.given))
			require.Error(t, err)
			var ce *model.ConfigError
			require.ErrorAs(t, err, &ce)

			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			d := details[0]
			require.Equal(t, tt.then.code, d.Code)
			require.Equal(t, tt.then.path, d.Path)
			require.Equal(t, tt.then.message, d.Message)
			require.Equal(t, "config.yaml", d.Pos.Filename)
			require.Equal(t, tt.then.line, d.Pos.Line)
			require.NotEmpty(t, d.Raw)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	require.Nil(t, model.CueErrDetails(errors.New("boom")))
	require.Nil(t, model.CueErrDetails(nil))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg, yml, err := model.DefaultConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Service.Schedule.Interval.Std())
	require.Equal(t, []string{"plugins"}, cfg.Plugins.Paths)
	require.Nil(t, cfg.Service.Schedule.Cron)

	// the written default must load back to the same configuration
	loaded, err := model.LoadConfig(strings.NewReader(string(yml)))
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}
