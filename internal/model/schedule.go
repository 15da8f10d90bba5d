package model

import "time"

// ExperimentSchedule re-runs one experiment on a cron expression
type ExperimentSchedule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Expression  string           `json:"expression"`
	Params      ExperimentParams `json:"params"`
	Runs        int              `json:"runs"`
	Failures    int              `json:"failures"`
	Skipped     int              `json:"skipped"`
	LastRunID   string           `json:"last_run_id,omitempty"`
	LastRunTime *time.Time       `json:"last_run_time,omitempty"`
	NextRunTime *time.Time       `json:"next_run_time,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Clone returns a copy that does not share time pointers with s
func (s *ExperimentSchedule) Clone() *ExperimentSchedule {
	c := *s
	if s.LastRunTime != nil {
		t := *s.LastRunTime
		c.LastRunTime = &t
	}
	if s.NextRunTime != nil {
		t := *s.NextRunTime
		c.NextRunTime = &t
	}
	return &c
}
