package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/raftbench/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteRunHistory {
	t.Helper()
	history, err := NewSQLiteRunHistory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	return history
}

func TestRunHistoryLifecycle(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	record := &RunHistory{
		ID:        uuid.New().String(),
		Topology:  "config",
		Params:    json.RawMessage(`{"threads":2}`),
		Status:    model.RunStatusRunning,
		Stage:     model.RunStateServersLaunching,
		StartedAt: started,
	}
	require.NoError(t, history.Store(ctx, record))

	got, err := history.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.JSONEq(t, `{"threads":2}`, string(got.Params))
	assert.Nil(t, got.CompletedAt)
	assert.True(t, started.Equal(got.StartedAt))

	completed := started.Add(30 * time.Second)
	record.Status = model.RunStatusSucceeded
	record.Stage = model.RunStateTornDownSuccess
	record.Throughput = 400
	record.LatencyCount = 3
	record.Summary = json.RawMessage(`{"count":3}`)
	record.HostStats = json.RawMessage(`{"samples":4}`)
	record.CompletedAt = &completed
	record.Duration = 30 * time.Second
	require.NoError(t, history.Update(ctx, record))

	got, err = history.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.Equal(t, model.RunStateTornDownSuccess, got.Stage)
	assert.Equal(t, 400.0, got.Throughput)
	assert.Equal(t, 3, got.LatencyCount)
	assert.JSONEq(t, `{"count":3}`, string(got.Summary))
	assert.JSONEq(t, `{"samples":4}`, string(got.HostStats))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 30*time.Second, got.Duration)
	assert.Empty(t, got.Error)
}

func TestRunHistoryNotFound(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	_, err := history.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrRunNotFound)

	err = history.Update(ctx, &RunHistory{ID: "missing", Status: model.RunStatusFailed})
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestRunHistoryListCountDelete(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	base := time.Now().Add(-10 * time.Hour)
	statuses := []model.RunStatus{model.RunStatusSucceeded, model.RunStatusFailed, model.RunStatusSucceeded}
	ids := make([]string, len(statuses))
	for i, status := range statuses {
		ids[i] = uuid.New().String()
		require.NoError(t, history.Store(ctx, &RunHistory{
			ID:        ids[i],
			Topology:  "config",
			Status:    status,
			Stage:     model.RunStateIdle,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := history.List(ctx, RunFilters{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)

	succeeded, err := history.Count(ctx, RunFilters{Status: model.RunStatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 2, succeeded)

	page, err := history.List(ctx, RunFilters{Topology: "config"}, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	deleted, err := history.DeleteBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := history.Count(ctx, RunFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}
