package model

import "time"

// RunReport describes a finished run, successful or not
type RunReport struct {
	RunID        string           `json:"run_id"`
	Status       RunStatus        `json:"status"`
	Stage        RunState         `json:"stage"`
	Params       ExperimentParams `json:"params"`
	Throughput   float64          `json:"throughput"`
	LatencyCount int              `json:"latency_count"`
	Summary      LatencySummary   `json:"summary"`
	HostStats    *HostStats       `json:"host_stats,omitempty"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}
