package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/raftbench/internal/model"
)

type fakeRunner struct {
	calls atomic.Int32
	run   func(ctx context.Context) (*model.ExperimentResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, params model.ExperimentParams) (*model.ExperimentResult, error) {
	r.calls.Add(1)
	return r.run(ctx)
}

func validParams() model.ExperimentParams {
	return model.ExperimentParams{
		Topology: "config",
		Clients:  []string{"10.0.0.201:5000"},
		Threads:  1,
		Requests: 10,
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, zaptest.NewLogger(t))

	_, err := s.Add("bad", "not a cron", validParams())
	assert.ErrorIs(t, err, model.ErrConfig)

	_, err = s.Add("five fields", "*/5 * * * *", validParams())
	assert.ErrorIs(t, err, model.ErrConfig)

	_, err = s.Add("no clients", "* * * * * *", model.ExperimentParams{Topology: "config", Threads: 1, Requests: 1})
	assert.ErrorIs(t, err, model.ErrInvalidParams)

	assert.Empty(t, s.List())
}

func TestScheduleRunsExperiment(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context) (*model.ExperimentResult, error) {
		return &model.ExperimentResult{RunID: "run-1", Throughput: 10}, nil
	}}
	s := NewScheduler(runner, zaptest.NewLogger(t))

	schedule, err := s.Add("every second", "* * * * * *", validParams())
	require.NoError(t, err)
	require.NotNil(t, schedule.NextRunTime)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Get(schedule.ID)
		return err == nil && got.Runs >= 1
	}, 3*time.Second, 50*time.Millisecond)

	got, err := s.Get(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.LastRunID)
	assert.NotNil(t, got.LastRunTime)
	assert.Zero(t, got.Failures)
}

func TestScheduleRecordsFailures(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context) (*model.ExperimentResult, error) {
		return nil, &model.ExperimentError{RunID: "run-9", Stage: model.RunStateCollecting, Err: model.ErrParse}
	}}
	s := NewScheduler(runner, zaptest.NewLogger(t))

	schedule, err := s.Add("failing", "* * * * * *", validParams())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Get(schedule.ID)
		return err == nil && got.Failures >= 1
	}, 3*time.Second, 50*time.Millisecond)

	got, _ := s.Get(schedule.ID)
	assert.Equal(t, "run-9", got.LastRunID)
}

func TestScheduleSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context) (*model.ExperimentResult, error) {
		select {
		case <-release:
			return &model.ExperimentResult{RunID: "slow"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	s := NewScheduler(runner, zaptest.NewLogger(t))

	schedule, err := s.Add("slow", "* * * * * *", validParams())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Get(schedule.ID)
		return err == nil && got.Skipped >= 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(1), runner.calls.Load())

	close(release)
}

func TestStopCancelsRunningExperiment(t *testing.T) {
	started := make(chan struct{}, 1)
	var canceled atomic.Bool
	runner := &fakeRunner{run: func(ctx context.Context) (*model.ExperimentResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		canceled.Store(true)
		return nil, ctx.Err()
	}}
	s := NewScheduler(runner, zaptest.NewLogger(t))

	_, err := s.Add("blocking", "* * * * * *", validParams())
	require.NoError(t, err)
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled experiment never started")
	}

	s.Stop()
	assert.True(t, canceled.Load())
}

func TestRemove(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, zaptest.NewLogger(t))

	schedule, err := s.Add("nightly", "0 0 3 * * *", validParams())
	require.NoError(t, err)
	assert.Len(t, s.List(), 1)

	require.NoError(t, s.Remove(schedule.ID))
	assert.Empty(t, s.List())

	_, err = s.Get(schedule.ID)
	assert.True(t, errors.Is(err, ErrScheduleNotFound))
	assert.ErrorIs(t, s.Remove(schedule.ID), ErrScheduleNotFound)
}
