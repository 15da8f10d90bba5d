// Package config loads raftbench settings with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/raftbench/internal/model"
)

// Config is the full raftbench configuration
type Config struct {
	Experiment   ExperimentConfig   `mapstructure:"experiment"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Commands     CommandsConfig     `mapstructure:"commands"`
	Logs         LogsConfig         `mapstructure:"logs"`
	History      HistoryConfig      `mapstructure:"history"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Log          LogConfig          `mapstructure:"log"`
}

type ExperimentConfig struct {
	Topology    string   `mapstructure:"topology"`
	Clients     []string `mapstructure:"clients"`
	Threads     int      `mapstructure:"threads"`
	Requests    int      `mapstructure:"requests"`
	Parallel    bool     `mapstructure:"parallel"`
	Commutative int      `mapstructure:"commutative"`
}

type OrchestratorConfig struct {
	Stabilization   time.Duration `mapstructure:"stabilization"`
	MachineOffset   int           `mapstructure:"machine_offset"`
	TargetPrefix    string        `mapstructure:"target_prefix"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
}

type RemoteConfig struct {
	Binary    string        `mapstructure:"binary"`
	Options   []string      `mapstructure:"options"`
	FreePort  string        `mapstructure:"free_port"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

type CommandsConfig struct {
	Server string `mapstructure:"server"`
	Client string `mapstructure:"client"`
}

type LogsConfig struct {
	Dir           string        `mapstructure:"dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type HistoryConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type NATSConfig struct {
	Name           string        `mapstructure:"name"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ScheduleConfig struct {
	Expression string `mapstructure:"expression"`
}

// AlertsConfig holds alert thresholds. A zero threshold disables its rule.
type AlertsConfig struct {
	OnFailure     bool    `mapstructure:"on_failure"`
	MinThroughput float64 `mapstructure:"min_throughput"`
	MaxP99        float64 `mapstructure:"max_p99"`
	MaxCPU        float64 `mapstructure:"max_cpu"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// Params converts the experiment section into orchestrator parameters
func (c *Config) Params() model.ExperimentParams {
	return model.ExperimentParams{
		Topology:           c.Experiment.Topology,
		Clients:            c.Experiment.Clients,
		Threads:            c.Experiment.Threads,
		Requests:           c.Experiment.Requests,
		Parallel:           c.Experiment.Parallel,
		CommutativePercent: c.Experiment.Commutative,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("experiment.topology", "config")
	v.SetDefault("experiment.clients", []string{})
	v.SetDefault("experiment.threads", 1)
	v.SetDefault("experiment.requests", 100)
	v.SetDefault("experiment.parallel", false)
	v.SetDefault("experiment.commutative", 100)

	v.SetDefault("orchestrator.stabilization", 500*time.Millisecond)
	v.SetDefault("orchestrator.machine_offset", 100)
	v.SetDefault("orchestrator.target_prefix", "rc")
	v.SetDefault("orchestrator.teardown_timeout", 10*time.Second)

	v.SetDefault("remote.binary", "ssh")
	v.SetDefault("remote.options", []string{"-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"})
	v.SetDefault("remote.free_port", "fuser -k -n tcp %s >/dev/null 2>&1 || true")
	v.SetDefault("remote.kill_grace", 2*time.Second)

	v.SetDefault("commands.server", "go run RaftFlyer/src/test/bench/server.go")
	v.SetDefault("commands.client", "go run RaftFlyer/src/test/bench/client.go")

	v.SetDefault("logs.dir", "./logs/servers")
	v.SetDefault("logs.flush_interval", time.Second)

	v.SetDefault("history.path", "raftbench.db")
	v.SetDefault("history.retention", 720*time.Hour)

	v.SetDefault("nats.name", "raftbench")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("monitor.interval", time.Second)
	v.SetDefault("schedule.expression", "")
	v.SetDefault("alerts.on_failure", true)
	v.SetDefault("alerts.min_throughput", 0.0)
	v.SetDefault("alerts.max_p99", 0.0)
	v.SetDefault("alerts.max_cpu", 0.0)
	v.SetDefault("log.development", true)
}

// Load reads the YAML file at path, applies RAFTBENCH_ environment overrides
// and returns the typed configuration. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAFTBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file %s: %v", model.ErrConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %v", model.ErrConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Remote.Binary == "" {
		errs = append(errs, errors.New("remote.binary is empty"))
	}
	if c.Commands.Server == "" || c.Commands.Client == "" {
		errs = append(errs, errors.New("commands.server and commands.client are required"))
	}
	if c.Orchestrator.Stabilization < 0 {
		errs = append(errs, errors.New("orchestrator.stabilization is negative"))
	}
	if c.Remote.FreePort != "" && strings.Count(c.Remote.FreePort, "%s") != 1 {
		errs = append(errs, errors.New("remote.free_port must contain exactly one %s"))
	}
	if c.Alerts.MinThroughput < 0 || c.Alerts.MaxP99 < 0 || c.Alerts.MaxCPU < 0 {
		errs = append(errs, errors.New("alert thresholds must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	return nil
}
