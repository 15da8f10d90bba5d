package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the condition an alert rule watches
type AlertType string

const (
	AlertTypeRunFailure    AlertType = "run_failure"
	AlertTypeLowThroughput AlertType = "low_throughput"
	AlertTypeHighLatency   AlertType = "high_latency"
	AlertTypeHostCPU       AlertType = "host_cpu"
)

// AlertRule defines a condition on finished runs that raises an alert.
// Threshold is ops/s for low_throughput, microseconds of p99 latency for
// high_latency and percent for host_cpu. run_failure ignores it.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	RunID     string                 `json:"run_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
