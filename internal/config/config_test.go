package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/raftbench/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "config", cfg.Experiment.Topology)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.Stabilization)
	assert.Equal(t, 100, cfg.Orchestrator.MachineOffset)
	assert.Equal(t, "rc", cfg.Orchestrator.TargetPrefix)
	assert.Equal(t, "ssh", cfg.Remote.Binary)
	assert.Equal(t, 720*time.Hour, cfg.History.Retention)
	assert.Empty(t, cfg.NATS.URL)
	assert.Empty(t, cfg.Schedule.Expression)
	assert.True(t, cfg.Alerts.OnFailure)
	assert.Zero(t, cfg.Alerts.MinThroughput)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
experiment:
  topology: /etc/raft/config
  clients: ["10.0.0.201:5000", "10.0.0.202:5000"]
  threads: 8
  requests: 5000
  parallel: true
  commutative: 25
orchestrator:
  stabilization: 2s
remote:
  options: ["-p", "2222"]
schedule:
  expression: "0 */5 * * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	params := cfg.Params()
	assert.Equal(t, "/etc/raft/config", params.Topology)
	assert.Equal(t, []string{"10.0.0.201:5000", "10.0.0.202:5000"}, params.Clients)
	assert.Equal(t, 8, params.Threads)
	assert.Equal(t, 5000, params.Requests)
	assert.True(t, params.Parallel)
	assert.Equal(t, 25, params.CommutativePercent)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.Stabilization)
	assert.Equal(t, []string{"-p", "2222"}, cfg.Remote.Options)
	assert.Equal(t, "0 */5 * * * *", cfg.Schedule.Expression)
	// untouched keys keep defaults
	assert.Equal(t, "rc", cfg.Orchestrator.TargetPrefix)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RAFTBENCH_EXPERIMENT_THREADS", "16")
	t.Setenv("RAFTBENCH_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(writeConfig(t, "experiment:\n  threads: 2\n"))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Experiment.Threads)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "missing.yaml")},
		{"invalid yaml", writeConfig(t, "experiment: [unterminated\n")},
		{"bad free port template", writeConfig(t, "remote:\n  free_port: \"kill-everything\"\n")},
		{"empty server command", writeConfig(t, "commands:\n  server: \"\"\n")},
		{"negative alert threshold", writeConfig(t, "alerts:\n  max_cpu: -1\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			assert.ErrorIs(t, err, model.ErrConfig)
		})
	}
}
