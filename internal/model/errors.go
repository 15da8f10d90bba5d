package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned when the topology resource cannot be read or is empty
	ErrConfig = errors.New("invalid configuration")

	// ErrFormat is returned when an endpoint string is malformed
	ErrFormat = errors.New("malformed endpoint")

	// ErrLaunch is returned when a remote execution request cannot be issued
	ErrLaunch = errors.New("launch failed")

	// ErrParse is returned when client output violates the output protocol
	ErrParse = errors.New("malformed client output")

	// ErrInvalidParams is returned when experiment parameters are out of range
	ErrInvalidParams = errors.New("invalid experiment parameters")

	// ErrRunNotFound is returned when a run history record does not exist
	ErrRunNotFound = errors.New("run not found")
)

// ExperimentError wraps a failure with the run stage and endpoint it happened at
type ExperimentError struct {
	RunID    string
	Stage    RunState
	Endpoint string
	Err      error
}

func (e *ExperimentError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("experiment %s failed in %s at %s: %v", e.RunID, e.Stage, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("experiment %s failed in %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *ExperimentError) Unwrap() error {
	return e.Err
}
