package model

import (
	"fmt"
	"time"
)

// RunState is a stage of one orchestration run
type RunState string

const (
	RunStateIdle             RunState = "idle"
	RunStateServersLaunching RunState = "servers_launching"
	RunStateServersUp        RunState = "servers_up"
	RunStateClientsLaunching RunState = "clients_launching"
	RunStateClientsRunning   RunState = "clients_running"
	RunStateCollecting       RunState = "collecting"
	RunStateTornDownSuccess  RunState = "torn_down_success"
	RunStateTornDownFailed   RunState = "torn_down_failed"
)

// Terminal reports whether no further transition is possible
func (s RunState) Terminal() bool {
	return s == RunStateTornDownSuccess || s == RunStateTornDownFailed
}

// RunStatus is the outcome recorded for a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Endpoint is a host:port network address
type Endpoint struct {
	Address string `json:"address"`
	Host    string `json:"host"`
	Port    string `json:"port"`
}

func (e Endpoint) String() string {
	return e.Address
}

// Topology is the ordered server list of one cluster. The index of a server
// in Servers is the replica number it is launched with.
type Topology struct {
	Path    string     `json:"path"`
	Servers []Endpoint `json:"servers"`
}

// ExperimentParams describes the load applied during one run
type ExperimentParams struct {
	Topology           string   `json:"topology"`
	Clients            []string `json:"clients"`
	Threads            int      `json:"threads"`
	Requests           int      `json:"requests"`
	Parallel           bool     `json:"parallel"`
	CommutativePercent int      `json:"commutative_percent"`
}

// Validate checks the numeric and presence invariants of the parameters
func (p ExperimentParams) Validate() error {
	if p.Topology == "" {
		return fmt.Errorf("%w: topology path is empty", ErrInvalidParams)
	}
	if len(p.Clients) == 0 {
		return fmt.Errorf("%w: no client endpoints", ErrInvalidParams)
	}
	if p.Threads < 1 {
		return fmt.Errorf("%w: threads per client must be positive, got %d", ErrInvalidParams, p.Threads)
	}
	if p.Requests < 1 {
		return fmt.Errorf("%w: request count must be positive, got %d", ErrInvalidParams, p.Requests)
	}
	if p.CommutativePercent < 0 || p.CommutativePercent > 100 {
		return fmt.Errorf("%w: commutative percentage %d outside [0,100]", ErrInvalidParams, p.CommutativePercent)
	}
	return nil
}

// ClientResult is the parsed output of one client process
type ClientResult struct {
	Endpoint   string  `json:"endpoint,omitempty"`
	Latencies  []int64 `json:"latencies"`   // microseconds
	Label      string  `json:"label"`
	Throughput float64 `json:"throughput"` // operations per second
}

// LatencySummary holds descriptive statistics over all latency samples, in microseconds
type LatencySummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// ExperimentResult is the aggregate of all clients of one run
type ExperimentResult struct {
	RunID       string         `json:"run_id"`
	Latencies   []int64        `json:"latencies"`
	Throughput  float64        `json:"throughput"`
	Clients     []ClientResult `json:"clients,omitempty"`
	Summary     LatencySummary `json:"summary"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}
