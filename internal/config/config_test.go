package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobcluster/internal/jobs"
	"github.com/rishansujesh/jobcluster/internal/schedule"
)

func write(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Fetcher.Interval)
	assert.Equal(t, time.Minute, cfg.Fetcher.ForceFetch)
	assert.Equal(t, 5*time.Minute, cfg.Fetcher.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Locks.Threshold)
	assert.Equal(t, cfg.Node.GRPCAddr, cfg.Node.AdvertiseAddr)
}

func TestLoadFileAndEnv(t *testing.T) {
	p := write(t, `
node:
  name: n1
  grpcAddr: ":7000"
postgres:
  dsn: postgres://u:p@db/jobs
fetcher:
  interval: 2s
  forceFetch: 30s
locks:
  sweep:
    type: CRON
    expression: "*/5 * * * *"
jobs:
  Unlock old locks:
    enabled: false
  orders:
    taskLimit: 4
streams:
  - job: orders
    maxAttempts: 3
log:
  format: json
`)
	t.Setenv("NODE_NAME", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Node.Name)
	assert.Equal(t, ":7000", cfg.Node.AdvertiseAddr)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "postgres://u:p@db/jobs", cfg.Postgres.ConnString())
	assert.Equal(t, 2*time.Second, cfg.Fetcher.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Fetcher.Timeout, "untouched default")
	require.Len(t, cfg.Streams, 1)
	assert.Equal(t, 3, cfg.Streams[0].MaxAttempts)

	sweep, err := cfg.Locks.Sweep.Build()
	require.NoError(t, err)
	assert.Equal(t, schedule.Cron, sweep.Type())

	log, err := cfg.Log.Logger()
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestLoadRejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown field":      "nodes: {}\n",
		"bad sweep":          "locks:\n  sweep:\n    type: FREQUENCY\n    expression: soon\n",
		"stale keep alive":   "locks:\n  keepAlive: 1h\n  threshold: 30m\n",
		"negative limit":     "jobs:\n  orders:\n    taskLimit: -1\n",
		"negative default":   "fetcher:\n  taskLimit: -2\n",
		"duplicate stream":   "streams:\n  - job: a\n  - job: a\n",
		"bad level":          "log:\n  level: loud\n",
		"interval above ttl": "cluster:\n  ttl: 1s\n  interval: 2s\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, body))
			assert.Error(t, err)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	off, limit := false, 7
	hourly := ScheduleSpec{Type: schedule.Frequency, Expression: "1h"}
	cfg := Default()
	cfg.Jobs = map[string]JobOverride{
		"sweep":  {Enabled: &off, Schedule: &hourly},
		"orders": {TaskLimit: &limit},
		"bad":    {Schedule: &hourly},
	}
	ten := schedule.MustNew(schedule.Frequency, "10m")

	d, err := cfg.Apply(jobs.Declaration{Name: "sweep", Enabled: true, Type: jobs.TypeFrequency, Schedule: &ten})
	require.NoError(t, err)
	assert.False(t, d.Enabled)
	assert.Equal(t, "1h", d.Schedule.Expression())

	d, err = cfg.Apply(jobs.Declaration{Name: "orders", Type: jobs.TypeDistributed})
	require.NoError(t, err)
	assert.Equal(t, 7, d.TaskLimit)

	_, err = cfg.Apply(jobs.Declaration{Name: "bad", Type: jobs.TypeDistributed})
	assert.Error(t, err)

	d, err = cfg.Apply(jobs.Declaration{Name: "untouched", Enabled: true})
	require.NoError(t, err)
	assert.True(t, d.Enabled)
}
