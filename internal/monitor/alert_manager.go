package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/model"
	"github.com/t77yq/raftbench/internal/publish"
)

const (
	alertStreamName    = "ALERTS"
	alertSubjectPrefix = "alert"
)

// ErrRuleNotFound is returned for an unknown alert rule ID
var ErrRuleNotFound = errors.New("alert rule not found")

// AlertSubject returns the subject alerts of type t are published on
func AlertSubject(t model.AlertType) string {
	return alertSubjectPrefix + "." + string(t)
}

// AlertManager watches published run reports and raises alerts for rules they violate
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	rules  sync.Map
	sub    *nats.Subscription
}

// NewAlertManager creates a new alert manager
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		js:     js,
	}
}

// Start creates the alert stream and subscribes to reports of new runs
func (m *AlertManager) Start(ctx context.Context) error {
	_, err := m.js.StreamInfo(alertStreamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{alertSubjectPrefix + ".*"},
			Storage:  nats.FileStorage,
			MaxAge:   30 * 24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	sub, err := m.js.Subscribe(publish.Subject("*"), m.handleReport, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to run reports: %w", err)
	}
	m.sub = sub

	context.AfterFunc(ctx, m.Stop)
	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops watching reports
func (m *AlertManager) Stop() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeRunFailure, model.AlertTypeLowThroughput, model.AlertTypeHighLatency, model.AlertTypeHostCPU:
	default:
		return fmt.Errorf("%w: unknown alert type %q", model.ErrConfig, rule.Type)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	m.rules.Delete(id)
	return nil
}

// Evaluate returns the alerts report raises, ordered by rule name
func (m *AlertManager) Evaluate(report *model.RunReport) []*model.Alert {
	var rules []*model.AlertRule
	m.rules.Range(func(key, value interface{}) bool {
		rules = append(rules, value.(*model.AlertRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	var alerts []*model.Alert
	for _, rule := range rules {
		if rule.Silenced {
			continue
		}
		if data, ok := violates(rule, report); ok {
			alerts = append(alerts, &model.Alert{
				ID:        uuid.New().String(),
				RuleID:    rule.ID,
				RunID:     report.RunID,
				Type:      rule.Type,
				Severity:  rule.Severity,
				Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
				Data:      data,
				CreatedAt: time.Now(),
			})
		}
	}
	return alerts
}

func violates(rule *model.AlertRule, report *model.RunReport) (map[string]interface{}, bool) {
	succeeded := report.Status == model.RunStatusSucceeded

	switch rule.Type {
	case model.AlertTypeRunFailure:
		if report.Status == model.RunStatusFailed {
			return map[string]interface{}{"stage": string(report.Stage), "error": report.Error}, true
		}
	case model.AlertTypeLowThroughput:
		if succeeded && report.Throughput < rule.Threshold {
			return map[string]interface{}{"throughput": report.Throughput, "threshold": rule.Threshold}, true
		}
	case model.AlertTypeHighLatency:
		if succeeded && report.Summary.Count > 0 && report.Summary.P99 > rule.Threshold {
			return map[string]interface{}{"p99_us": report.Summary.P99, "threshold": rule.Threshold}, true
		}
	case model.AlertTypeHostCPU:
		if report.HostStats != nil && report.HostStats.PeakCPU > rule.Threshold {
			return map[string]interface{}{"peak_cpu": report.HostStats.PeakCPU, "threshold": rule.Threshold}, true
		}
	}
	return nil, false
}

// publishAlert publishes alert on its type subject
func (m *AlertManager) publishAlert(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := m.js.Publish(AlertSubject(alert.Type), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("run_id", alert.RunID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))
	return nil
}

// handleReport evaluates a published run report
func (m *AlertManager) handleReport(msg *nats.Msg) {
	var report model.RunReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		m.logger.Error("Failed to unmarshal run report", zap.Error(err))
		msg.Ack()
		return
	}

	for _, alert := range m.Evaluate(&report) {
		if err := m.publishAlert(alert); err != nil {
			m.logger.Error("Failed to raise alert",
				zap.String("rule_id", alert.RuleID),
				zap.Error(err))
		}
	}
	msg.Ack()
}
