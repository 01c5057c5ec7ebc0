package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/santif/jobsched/core"
	"github.com/santif/jobsched/jobs"
	"github.com/santif/jobsched/observability"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestNextCommand(t *testing.T) {
	cmd := newNextCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--type", "weekly", "--days", "mon", "--weeks", "first", "--at", "09:00",
		"-n", "3", "--from", "2024-01-01T00:00:00Z",
	})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"2024-01-01T09:00:00Z  Mon",
		"2024-04-01T09:00:00Z  Mon",
		"2024-07-01T09:00:00Z  Mon",
	}, lines)
}

func TestNextCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"bad time", []string{"--at", "25:00"}, "invalid time of day"},
		{"bad day", []string{"--days", "funday"}, "unknown day"},
		{"bad type", []string{"--type", "hourly"}, "unknown trigger type"},
		{"no days", []string{"--days", ""}, "no trigger days"},
		{"bad cron", []string{"--type", "cron", "--cron", "61 * * * *"}, "invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newNextCommand()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	d, err := parseTimeOfDay("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)

	d, err = parseTimeOfDay("23:59:59")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour-time.Second, d)

	for _, bad := range []string{"9", "24:00", "12:60", "a:b", "1:2:3:4"} {
		_, err := parseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "jobsched dev (unknown)\n", out.String())
}

func withConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	configFile = path
	t.Cleanup(func() { configFile = "" })
}

func TestLoadConfig(t *testing.T) {
	withConfigFile(t, `
http:
  port: 9090
  host: 127.0.0.1
scheduler:
  poll_interval: 2s
store:
  type: sqlite
  sqlite:
    path: /tmp/jobs.db
`)
	t.Setenv("JOBSCHED_LOGGER__LEVEL", "debug")
	t.Setenv("JOBSCHED_HTTP__PORT", "9191")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.String("store", "", "")
	flags.Int("http-port", 0, "")
	require.NoError(t, flags.Parse([]string{"--config", configFile, "--store", "memory"}))

	_, cfg, err := loadConfig(context.Background(), flags, observability.NoOpLogger(), false)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.HTTP.Host)
	assert.Equal(t, 9191, cfg.HTTP.Port, "environment overrides the file")
	assert.Equal(t, "memory", cfg.Store.Type, "flags override the file")
	assert.Equal(t, "/tmp/jobs.db", cfg.Store.SQLite.Path)
	assert.Equal(t, observability.LogLevelDebug, cfg.Logger.Level)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, "jobsched", cfg.Service.Name)
}

func TestLoadConfig_Invalid(t *testing.T) {
	withConfigFile(t, `
store:
  type: cassandra
`)
	_, _, err := loadConfig(context.Background(), nil, observability.NoOpLogger(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.type")
}

const seedYAML = `
jobs:
  - name: cleanup
    kind: run_program
    run_state: automatic
    timeout: 10m
    schedule:
      trigger_type: daily
      start_time: 2h30m
      trigger_days: 127
    run_program:
      file_name: /usr/bin/true
  - name: report
    kind: run_program
    run_state: manual
    schedule:
      trigger_type: weekly
      trigger_days: 2
      trigger_weeks: 1
    run_program:
      file_name: /usr/bin/env
      arguments: date
`

func TestSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	configs, err := readSeedFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, jobs.RunStateAutomatic, configs[0].RunState)
	assert.Equal(t, 10*time.Minute, configs[0].Timeout)
	assert.Equal(t, 2*time.Hour+30*time.Minute, configs[0].Schedule.StartTime)
	assert.Equal(t, jobs.TriggerWeekly, configs[1].Schedule.TriggerType)
	assert.Equal(t, "date", configs[1].RunProgram.Arguments)

	ctx := context.Background()
	store := jobs.NewMemoryStore()
	var out bytes.Buffer
	require.NoError(t, seedJobs(ctx, &out, store, jobs.DefaultRegistry(), configs, false))
	assert.Equal(t, "Seeded jobs: 2 inserted, 0 updated, 0 skipped\n", out.String())

	stored, err := store.FindConfigurations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.NotZero(t, stored[0].ID)
	assert.False(t, stored[0].Audit.CreatedAt.IsZero())

	out.Reset()
	require.NoError(t, seedJobs(ctx, &out, store, jobs.DefaultRegistry(), configs, false))
	assert.Equal(t, "Seeded jobs: 0 inserted, 0 updated, 2 skipped\n", out.String())

	configs, err = readSeedFile(ctx, path)
	require.NoError(t, err)
	configs[0].Timeout = time.Hour
	out.Reset()
	require.NoError(t, seedJobs(ctx, &out, store, jobs.DefaultRegistry(), configs, true))
	assert.Equal(t, "Seeded jobs: 0 inserted, 2 updated, 0 skipped\n", out.String())

	stored, err = store.FindConfigurations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, time.Hour, stored[0].Timeout)
}

func TestSeed_UnknownKind(t *testing.T) {
	configs := []jobs.JobConfiguration{{Name: "mystery", Kind: "mystery"}}
	err := seedJobs(context.Background(), &bytes.Buffer{}, jobs.NewMemoryStore(), jobs.DefaultRegistry(), configs, false)
	assert.ErrorIs(t, err, jobs.ErrUnknownJobKind)
}

func TestNewApp(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Metrics.RuntimeCollectors = false
	cfg.Events.Enabled = true
	cfg.GRPC.Enabled = true
	cfg.GRPC.Host = "127.0.0.1"
	cfg.GRPC.Port = 0
	cfg.GRPC.HealthInterval = 20 * time.Millisecond

	ran := make(chan struct{}, 1)
	registry := jobs.NewRegistry()
	registry.MustRegister("ping", func(observability.Logger, *jobs.JobConfiguration) (jobs.Job, error) {
		return jobs.JobFunc(func(context.Context, *jobs.Execution) error {
			ran <- struct{}{}
			return nil
		}), nil
	})

	ctx := context.Background()
	app, err := NewApp(ctx, &cfg, observability.NoOpLogger(), registry)
	require.NoError(t, err)
	require.NoError(t, app.Service.Start(ctx))
	<-app.Scheduler.Ready()

	base := "http://" + app.Server.Address()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	var report core.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.StatusUp, report.Status)

	conn, err := grpc.NewClient(app.GRPC.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)
	assert.Eventually(t, func() bool {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: "scheduler"})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	body := `{"name":"ping","kind":"ping","run_state":"manual"}`
	resp, err = http.Post(base+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var created jobs.JobConfiguration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(base+"/v1/jobs/"+strconv.FormatInt(created.ID, 10)+"/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, app.Service.Shutdown(10*time.Second))
	assert.False(t, app.Server.IsStarted())
	assert.False(t, app.GRPC.IsStarted())
}
