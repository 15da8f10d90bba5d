// Package orchestrator runs distributed benchmark experiments: it brings up a
// server cluster, drives load clients against it, collects their output and
// tears everything down.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/raftbench/internal/launcher"
	"github.com/t77yq/raftbench/internal/model"
	"github.com/t77yq/raftbench/internal/monitor"
	"github.com/t77yq/raftbench/internal/parser"
	"github.com/t77yq/raftbench/internal/storage"
	"github.com/t77yq/raftbench/internal/topology"
)

// Config holds the orchestrator settings
type Config struct {
	Stabilization   time.Duration
	MachineOffset   int
	TargetPrefix    string
	ServerCommand   string
	ClientCommand   string
	TeardownTimeout time.Duration
	MonitorInterval time.Duration
}

// ReportPublisher receives the report of every finished run
type ReportPublisher interface {
	Publish(ctx context.Context, report *model.RunReport) error
}

// OutputSink captures server output streams
type OutputSink interface {
	Collect(runID, source string, r io.Reader)
	Release(runID string)
}

// Option configures optional collaborators of an Orchestrator
type Option func(*Orchestrator)

// WithHistory records every run in storage
func WithHistory(history storage.RunHistoryStorage) Option {
	return func(o *Orchestrator) { o.history = history }
}

// WithPublisher publishes every run report
func WithPublisher(publisher ReportPublisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

// WithOutputSink captures server output instead of discarding it
func WithOutputSink(sink OutputSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithStateListener is called on every run state transition
func WithStateListener(listener func(runID string, state model.RunState)) Option {
	return func(o *Orchestrator) { o.listener = listener }
}

// Orchestrator runs experiments through a launcher
type Orchestrator struct {
	config    Config
	launcher  launcher.Launcher
	logger    *zap.Logger
	history   storage.RunHistoryStorage
	publisher ReportPublisher
	sink      OutputSink
	listener  func(string, model.RunState)
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(config Config, l launcher.Launcher, logger *zap.Logger, opts ...Option) *Orchestrator {
	if config.TargetPrefix == "" {
		config.TargetPrefix = "rc"
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		config:   config,
		launcher: l,
		logger:   logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type remoteTarget struct {
	endpoint model.Endpoint
	name     string
}

func (o *Orchestrator) resolve(endpoint model.Endpoint) (remoteTarget, error) {
	id, err := topology.MachineIDWithOffset(endpoint.Address, o.config.MachineOffset)
	if err != nil {
		return remoteTarget{}, err
	}
	return remoteTarget{endpoint: endpoint, name: topology.TargetName(o.config.TargetPrefix, id)}, nil
}

// Run executes one experiment and returns the aggregated client results.
// Every process launched by Run is terminated before it returns.
func (o *Orchestrator) Run(ctx context.Context, params model.ExperimentParams) (result *model.ExperimentResult, err error) {
	run := newExperimentRun(params, o.logger, o.listener)
	logger := run.logger

	if err := params.Validate(); err != nil {
		return nil, run.fail("", err)
	}

	o.recordStart(ctx, run)

	var sampler *monitor.HostSampler
	if o.config.MonitorInterval > 0 {
		sampler = monitor.NewHostSampler(o.config.MonitorInterval, o.logger)
		sampler.Start(ctx)
	}

	defer func() {
		if teardownErr := o.teardown(run, err == nil); teardownErr != nil {
			var expErr *model.ExperimentError
			if errors.As(err, &expErr) {
				expErr.Err = errors.Join(expErr.Err, teardownErr)
			} else {
				logger.Warn("Teardown failed after successful run", zap.Error(teardownErr))
			}
		}
		var hostStats *model.HostStats
		if sampler != nil {
			stats := sampler.Stop()
			hostStats = &stats
		}
		o.finish(ctx, run, result, err, hostStats)
	}()

	topo, err := topology.Load(params.Topology)
	if err != nil {
		return nil, run.fail("", err)
	}

	servers := make([]remoteTarget, 0, len(topo.Servers))
	for _, server := range topo.Servers {
		t, err := o.resolve(server)
		if err != nil {
			return nil, run.fail(server.Address, err)
		}
		servers = append(servers, t)
	}

	clients := make([]remoteTarget, 0, len(params.Clients))
	for _, raw := range params.Clients {
		endpoint, err := topology.ParseEndpoint(raw)
		if err != nil {
			return nil, run.fail(raw, err)
		}
		t, err := o.resolve(endpoint)
		if err != nil {
			return nil, run.fail(raw, err)
		}
		clients = append(clients, t)
	}

	logger.Info("Starting experiment",
		zap.String("topology", topo.Path),
		zap.Int("servers", len(servers)),
		zap.Int("clients", len(clients)),
		zap.Int("threads", params.Threads),
		zap.Int("requests", params.Requests),
		zap.Bool("parallel", params.Parallel),
		zap.Int("commutative_percent", params.CommutativePercent))

	if err := o.launchServers(ctx, run, topo.Path, servers); err != nil {
		return nil, err
	}

	if err := o.stabilize(ctx, run); err != nil {
		return nil, err
	}

	if err := o.launchClients(ctx, run, topo.Path, clients); err != nil {
		return nil, err
	}

	results, err := o.collect(ctx, run, clients)
	if err != nil {
		return nil, err
	}

	aggregate := Aggregate(results)
	aggregate.RunID = run.ID
	aggregate.StartedAt = run.StartedAt
	aggregate.CompletedAt = time.Now()

	logger.Info("Experiment completed",
		zap.Float64("throughput", aggregate.Throughput),
		zap.Int("latencies", len(aggregate.Latencies)),
		zap.Float64("p50_us", aggregate.Summary.P50),
		zap.Float64("p99_us", aggregate.Summary.P99))

	return &aggregate, nil
}

func (o *Orchestrator) launchServers(ctx context.Context, run *ExperimentRun, topologyPath string, servers []remoteTarget) error {
	run.transition(model.RunStateServersLaunching)
	for i, server := range servers {
		cmdline := ServerCommand(o.config.ServerCommand, topologyPath, i)
		h, err := o.launcher.Launch(ctx, server.name, server.endpoint.Port, cmdline)
		if err != nil {
			return run.fail(server.endpoint.Address, fmt.Errorf("failed to launch server %d: %w", i, err))
		}
		run.addServer(h)

		source := fmt.Sprintf("%s-%d", server.name, i)
		if o.sink != nil {
			o.sink.Collect(run.ID, source, h.Output())
		} else {
			go io.Copy(io.Discard, h.Output())
		}

		run.logger.Debug("Server launched",
			zap.Int("index", i),
			zap.String("target", server.name),
			zap.String("endpoint", server.endpoint.Address))
	}
	run.transition(model.RunStateServersUp)
	return nil
}

func (o *Orchestrator) stabilize(ctx context.Context, run *ExperimentRun) error {
	if o.config.Stabilization <= 0 {
		return nil
	}
	timer := time.NewTimer(o.config.Stabilization)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return run.fail("", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) launchClients(ctx context.Context, run *ExperimentRun, topologyPath string, clients []remoteTarget) error {
	run.transition(model.RunStateClientsLaunching)
	params := run.Params
	for _, client := range clients {
		cmdline := ClientCommand(o.config.ClientCommand, topologyPath, client.endpoint.Address,
			params.CommutativePercent, params.Requests, params.Parallel, params.Threads)
		h, err := o.launcher.Launch(ctx, client.name, client.endpoint.Port, cmdline)
		if err != nil {
			return run.fail(client.endpoint.Address, fmt.Errorf("failed to launch client: %w", err))
		}
		run.addClient(h)

		run.logger.Debug("Client launched",
			zap.String("target", client.name),
			zap.String("endpoint", client.endpoint.Address))
	}
	run.transition(model.RunStateClientsRunning)
	return nil
}

type clientError struct {
	endpoint string
	err      error
}

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

// collect reads every client output to end-of-stream and parses it
func (o *Orchestrator) collect(ctx context.Context, run *ExperimentRun, clients []remoteTarget) ([]model.ClientResult, error) {
	run.transition(model.RunStateCollecting)
	_, handles := run.handles()
	results := make([]model.ClientResult, len(handles))

	// Wait cancels gctx even on success; only a failed client or a canceled
	// run may cut the other clients short.
	var failed atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		if failed.Load() || ctx.Err() != nil {
			run.terminateClients()
		}
	})
	defer stop()

	for i, h := range handles {
		i, h := i, h
		endpoint := clients[i].endpoint.Address
		g.Go(func() error {
			output, err := io.ReadAll(h.Output())
			if err != nil {
				failed.Store(true)
				return &clientError{endpoint: endpoint, err: fmt.Errorf("failed to read client output: %w", err)}
			}
			result, err := parser.Parse(string(output))
			if err != nil {
				failed.Store(true)
				return &clientError{endpoint: endpoint, err: err}
			}
			result.Endpoint = endpoint
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, run.fail("", ctx.Err())
		}
		var ce *clientError
		if errors.As(err, &ce) {
			return nil, run.fail(ce.endpoint, ce.err)
		}
		return nil, run.fail("", err)
	}
	return results, nil
}

// teardown terminates clients and then servers. Each handle is terminated
// through the run exactly once here.
func (o *Orchestrator) teardown(run *ExperimentRun, succeeded bool) error {
	clientErr := run.terminateClients()
	serverErr := run.terminateServers()

	if o.sink != nil {
		o.sink.Release(run.ID)
	}

	if succeeded {
		run.transition(model.RunStateTornDownSuccess)
	} else {
		run.transition(model.RunStateTornDownFailed)
	}

	servers, clients := run.handles()
	run.logger.Info("Teardown completed",
		zap.Int("servers", len(servers)),
		zap.Int("clients", len(clients)),
		zap.Bool("succeeded", succeeded))

	return errors.Join(clientErr, serverErr)
}

func (o *Orchestrator) recordStart(ctx context.Context, run *ExperimentRun) {
	if o.history == nil {
		return
	}
	params, _ := json.Marshal(run.Params)
	record := &storage.RunHistory{
		ID:        run.ID,
		Topology:  run.Params.Topology,
		Params:    params,
		Status:    model.RunStatusRunning,
		Stage:     run.State(),
		StartedAt: run.StartedAt,
	}
	if err := o.history.Store(ctx, record); err != nil {
		run.logger.Error("Failed to store run history", zap.Error(err))
	}
}

// finish records and publishes the run outcome. It runs after teardown with
// its own deadline so a canceled run is still reported.
func (o *Orchestrator) finish(ctx context.Context, run *ExperimentRun, result *model.ExperimentResult, runErr error, hostStats *model.HostStats) {
	report := buildReport(run, result, runErr, hostStats)

	if o.history == nil && o.publisher == nil {
		return
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
	defer cancel()

	if o.history != nil {
		if err := o.history.Update(finishCtx, historyFromReport(report)); err != nil {
			run.logger.Error("Failed to update run history", zap.Error(err))
		}
	}

	if o.publisher != nil {
		if err := o.publisher.Publish(finishCtx, report); err != nil {
			run.logger.Error("Failed to publish run report", zap.Error(err))
		}
	}
}

func buildReport(run *ExperimentRun, result *model.ExperimentResult, runErr error, hostStats *model.HostStats) *model.RunReport {
	report := &model.RunReport{
		RunID:       run.ID,
		Status:      model.RunStatusSucceeded,
		Stage:       run.State(),
		Params:      run.Params,
		HostStats:   hostStats,
		StartedAt:   run.StartedAt,
		CompletedAt: time.Now(),
	}

	if runErr != nil {
		report.Status = model.RunStatusFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			report.Status = model.RunStatusCanceled
		}
		report.Error = runErr.Error()
		var expErr *model.ExperimentError
		if errors.As(runErr, &expErr) {
			report.Stage = expErr.Stage
		}
	}

	if result != nil {
		report.Throughput = result.Throughput
		report.LatencyCount = len(result.Latencies)
		report.Summary = result.Summary
		report.CompletedAt = result.CompletedAt
	}
	return report
}

func historyFromReport(report *model.RunReport) *storage.RunHistory {
	params, _ := json.Marshal(report.Params)
	summary, _ := json.Marshal(report.Summary)

	var hostStats json.RawMessage
	if report.HostStats != nil {
		hostStats, _ = json.Marshal(report.HostStats)
	}

	completedAt := report.CompletedAt
	return &storage.RunHistory{
		ID:           report.RunID,
		Topology:     report.Params.Topology,
		Params:       params,
		Status:       report.Status,
		Stage:        report.Stage,
		Throughput:   report.Throughput,
		LatencyCount: report.LatencyCount,
		Summary:      summary,
		HostStats:    hostStats,
		Error:        report.Error,
		StartedAt:    report.StartedAt,
		CompletedAt:  &completedAt,
		Duration:     completedAt.Sub(report.StartedAt),
	}
}
