package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.Capacity)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PingInterval)
	assert.Equal(t, 32, cfg.Scheduler.UpdateBuffer)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  capacity: 4
  ping_interval: 5s
database:
  driver: postgres
  master:
    host: db
    port: "5432"
    user: u
    pass: p
    name: tasks
    ssl_mode: disable
engine:
  command: /usr/bin/engine
  args: ["--fast"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PingInterval)
	assert.Equal(t, "postgres://u:p@db:5432/tasks?sslmode=disable", cfg.Database.Master.DSN())
	assert.Equal(t, "/usr/bin/engine", cfg.Engine.Command)
	assert.Equal(t, []string{"--fast"}, cfg.Engine.Args)
}

func TestCapacityFromEnvironment(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TRANSLATIONS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.Capacity)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero capacity":   "scheduler:\n  capacity: 0\n",
		"unknown driver":  "database:\n  driver: mongo\n",
		"unknown storage": "storage:\n  backend: ftp\n",
		"kafka no broker": "kafka:\n  enabled: true\n  brokers: []\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
