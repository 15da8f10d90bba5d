package model

import "time"

// HostStats represents resource usage of the orchestrator host over a run
type HostStats struct {
	Samples     int       `json:"samples"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	PeakCPU     float64   `json:"peak_cpu"`
	PeakMemory  float64   `json:"peak_memory"`
	CollectedAt time.Time `json:"collected_at"`
}
