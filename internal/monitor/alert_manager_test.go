package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/raftbench/internal/model"
	"github.com/t77yq/raftbench/internal/publish"
	"github.com/t77yq/raftbench/internal/testutil"
)

func TestAlertManager_Rules(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	manager := NewAlertManager(js, zaptest.NewLogger(t))

	rule := &model.AlertRule{
		Name:      "Throughput regression",
		Type:      model.AlertTypeLowThroughput,
		Threshold: 800,
		Severity:  model.AlertSeverityWarning,
	}
	require.NoError(t, manager.AddRule(rule))
	require.NotEmpty(t, rule.ID)
	require.Equal(t, rule.CreatedAt, rule.UpdatedAt)

	rule.Threshold = 900
	rule.Severity = model.AlertSeverityCritical
	require.NoError(t, manager.UpdateRule(rule))

	updated, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 900.0, updated.Threshold)
	assert.Equal(t, model.AlertSeverityCritical, updated.Severity)

	require.NoError(t, manager.DeleteRule(rule.ID))
	_, err = manager.GetRule(rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, manager.DeleteRule(rule.ID), ErrRuleNotFound)
	assert.ErrorIs(t, manager.UpdateRule(rule), ErrRuleNotFound)

	err = manager.AddRule(&model.AlertRule{Name: "bogus", Type: "disk_full"})
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestAlertManager_Evaluate(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	manager := NewAlertManager(js, zaptest.NewLogger(t))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "a failure", Type: model.AlertTypeRunFailure, Severity: model.AlertSeverityError}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "b throughput", Type: model.AlertTypeLowThroughput, Threshold: 800}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "c latency", Type: model.AlertTypeHighLatency, Threshold: 1000}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "d cpu", Type: model.AlertTypeHostCPU, Threshold: 90}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "e silenced", Type: model.AlertTypeRunFailure, Silenced: true}))

	healthy := &model.RunReport{
		RunID:      "run-ok",
		Status:     model.RunStatusSucceeded,
		Throughput: 833.5,
		Summary:    model.LatencySummary{Count: 3, P99: 120},
		HostStats:  &model.HostStats{PeakCPU: 40},
	}
	assert.Empty(t, manager.Evaluate(healthy))

	slow := &model.RunReport{
		RunID:      "run-slow",
		Status:     model.RunStatusSucceeded,
		Throughput: 400,
		Summary:    model.LatencySummary{Count: 3, P99: 2500},
		HostStats:  &model.HostStats{PeakCPU: 97},
	}
	alerts := manager.Evaluate(slow)
	require.Len(t, alerts, 3)
	assert.Equal(t, model.AlertTypeLowThroughput, alerts[0].Type)
	assert.Equal(t, model.AlertTypeHighLatency, alerts[1].Type)
	assert.Equal(t, model.AlertTypeHostCPU, alerts[2].Type)
	assert.Equal(t, "run-slow", alerts[0].RunID)

	failed := &model.RunReport{
		RunID:  "run-failed",
		Status: model.RunStatusFailed,
		Stage:  model.RunStateCollecting,
		Error:  "malformed client output",
	}
	alerts = manager.Evaluate(failed)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeRunFailure, alerts[0].Type)
	assert.Equal(t, "collecting", alerts[0].Data["stage"])
}

func TestAlertManager_HandleReport(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t, publish.StreamConfig())
	defer cleanup()
	logger := zaptest.NewLogger(t)

	publisher, err := publish.NewPublisher(js, logger)
	require.NoError(t, err)

	manager := NewAlertManager(js, logger)
	rule := &model.AlertRule{
		Name:     "Run failure",
		Type:     model.AlertTypeRunFailure,
		Severity: model.AlertSeverityError,
	}
	require.NoError(t, manager.AddRule(rule))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()

	received := make(chan model.Alert, 1)
	sub, err := js.Subscribe(AlertSubject(model.AlertTypeRunFailure), func(msg *nats.Msg) {
		var alert model.Alert
		if err := json.Unmarshal(msg.Data, &alert); err == nil {
			received <- alert
		}
		msg.Ack()
	}, nats.DeliverNew())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, publisher.Publish(ctx, &model.RunReport{
		RunID:  "run-7",
		Status: model.RunStatusFailed,
		Stage:  model.RunStateServersLaunching,
		Error:  "launch failed",
	}))

	select {
	case alert := <-received:
		assert.Equal(t, rule.ID, alert.RuleID)
		assert.Equal(t, "run-7", alert.RunID)
		assert.Equal(t, model.AlertSeverityError, alert.Severity)
		assert.Equal(t, "launch failed", alert.Data["error"])
	case <-ctx.Done():
		t.Fatal("Timeout waiting for alert")
	}
}
