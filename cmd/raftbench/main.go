package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/config"
	"github.com/t77yq/raftbench/internal/launcher"
	"github.com/t77yq/raftbench/internal/logs"
	"github.com/t77yq/raftbench/internal/model"
	"github.com/t77yq/raftbench/internal/monitor"
	"github.com/t77yq/raftbench/internal/orchestrator"
	"github.com/t77yq/raftbench/internal/publish"
	"github.com/t77yq/raftbench/internal/schedule"
	"github.com/t77yq/raftbench/internal/storage"
)

var configPath = flag.String("config", "config/config.yaml", "Path to the YAML configuration file")

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(10 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func alertRules(cfg config.AlertsConfig) []*model.AlertRule {
	var rules []*model.AlertRule
	if cfg.OnFailure {
		rules = append(rules, &model.AlertRule{Name: "run failure", Type: model.AlertTypeRunFailure, Severity: model.AlertSeverityError})
	}
	if cfg.MinThroughput > 0 {
		rules = append(rules, &model.AlertRule{Name: "low throughput", Type: model.AlertTypeLowThroughput, Threshold: cfg.MinThroughput, Severity: model.AlertSeverityWarning})
	}
	if cfg.MaxP99 > 0 {
		rules = append(rules, &model.AlertRule{Name: "high p99 latency", Type: model.AlertTypeHighLatency, Threshold: cfg.MaxP99, Severity: model.AlertSeverityWarning})
	}
	if cfg.MaxCPU > 0 {
		rules = append(rules, &model.AlertRule{Name: "orchestrator host cpu", Type: model.AlertTypeHostCPU, Threshold: cfg.MaxCPU, Severity: model.AlertSeverityInfo})
	}
	return rules
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	registry := launcher.NewRegistry(logger)
	defer func() {
		if registry.Len() == 0 {
			return
		}
		logger.Warn("Terminating leftover processes", zap.Int("count", registry.Len()))
		if err := registry.TerminateAll(); err != nil {
			logger.Error("Failed to terminate processes", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		// a second signal kills every remote process without waiting for teardown
		sig = <-sigCh
		logger.Warn("Received second signal, terminating all processes", zap.String("signal", sig.String()))
		if err := registry.TerminateAll(); err != nil {
			logger.Error("Failed to terminate processes", zap.Error(err))
		}
		os.Exit(1)
	}()

	remote := launcher.NewRemoteShellLauncher(launcher.RemoteShellConfig{
		Binary:         cfg.Remote.Binary,
		Options:        cfg.Remote.Options,
		FreePort:       cfg.Remote.FreePort,
		KillGrace:      cfg.Remote.KillGrace,
		ReleaseTimeout: cfg.Orchestrator.TeardownTimeout,
	}, registry, nil, logger)

	collector, err := logs.NewCollector(logs.LogConfig{
		Dir:           cfg.Logs.Dir,
		FlushInterval: cfg.Logs.FlushInterval,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create log collector", zap.Error(err))
	}
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start log collector", zap.Error(err))
	}
	defer collector.Stop()

	history, err := storage.NewSQLiteRunHistory(logger, cfg.History.Path)
	if err != nil {
		logger.Fatal("Failed to create run history storage", zap.Error(err))
	}
	defer history.Close()

	if cfg.History.Retention > 0 {
		cutoff := time.Now().Add(-cfg.History.Retention)
		deleted, err := history.DeleteBefore(ctx, cutoff)
		if err != nil {
			logger.Error("Failed to cleanup old run history", zap.Error(err))
		} else if deleted > 0 {
			logger.Info("Cleaned up old run history", zap.Int64("deleted", deleted))
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithHistory(history),
		orchestrator.WithOutputSink(collector),
	}

	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg.NATS, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Drain()

		logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		publisher, err := publish.NewPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to create publisher", zap.Error(err))
		}
		opts = append(opts, orchestrator.WithPublisher(publisher))

		alerts := monitor.NewAlertManager(js, logger)
		for _, rule := range alertRules(cfg.Alerts) {
			if err := alerts.AddRule(rule); err != nil {
				logger.Fatal("Failed to add alert rule", zap.Error(err))
			}
		}
		// stopped by ctx; Drain delivers reports still in flight at exit
		if err := alerts.Start(ctx); err != nil {
			logger.Fatal("Failed to start alert manager", zap.Error(err))
		}
	}

	orch := orchestrator.NewOrchestrator(orchestrator.Config{
		Stabilization:   cfg.Orchestrator.Stabilization,
		MachineOffset:   cfg.Orchestrator.MachineOffset,
		TargetPrefix:    cfg.Orchestrator.TargetPrefix,
		ServerCommand:   cfg.Commands.Server,
		ClientCommand:   cfg.Commands.Client,
		TeardownTimeout: cfg.Orchestrator.TeardownTimeout,
		MonitorInterval: cfg.Monitor.Interval,
	}, remote, logger, opts...)

	params := cfg.Params()

	if cfg.Schedule.Expression == "" {
		result, err := orch.Run(ctx, params)
		if err != nil {
			var expErr *model.ExperimentError
			if errors.As(err, &expErr) {
				logger.Error("Experiment failed",
					zap.String("run_id", expErr.RunID),
					zap.String("stage", string(expErr.Stage)),
					zap.String("endpoint", expErr.Endpoint),
					zap.Error(expErr.Err))
			} else {
				logger.Error("Experiment failed", zap.Error(err))
			}
			return 1
		}

		logger.Info("Experiment result",
			zap.String("run_id", result.RunID),
			zap.Float64("throughput", result.Throughput),
			zap.Int("latencies", len(result.Latencies)),
			zap.Float64("mean_us", result.Summary.Mean),
			zap.Float64("p50_us", result.Summary.P50),
			zap.Float64("p90_us", result.Summary.P90),
			zap.Float64("p99_us", result.Summary.P99))
		return 0
	}

	scheduler := schedule.NewScheduler(orch, logger)
	sched, err := scheduler.Add("configured", cfg.Schedule.Expression, params)
	if err != nil {
		logger.Fatal("Failed to add schedule", zap.Error(err))
	}
	scheduler.Start(ctx)

	logger.Info("Running experiments on schedule",
		zap.String("expression", sched.Expression),
		zap.Time("next_run", *sched.NextRunTime))

	<-ctx.Done()
	scheduler.Stop()

	if current, err := scheduler.Get(sched.ID); err == nil {
		logger.Info("Schedule summary",
			zap.Int("runs", current.Runs),
			zap.Int("failures", current.Failures),
			zap.Int("skipped", current.Skipped))
	}
	return 0
}
