package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/launcher"
	"github.com/t77yq/raftbench/internal/model"
)

// ExperimentRun is the state of one orchestration run. It owns every handle
// launched on behalf of the run until teardown.
type ExperimentRun struct {
	ID        string
	Params    model.ExperimentParams
	StartedAt time.Time

	logger   *zap.Logger
	listener func(runID string, state model.RunState)

	mu      sync.RWMutex
	state   model.RunState
	servers []launcher.Handle
	clients []launcher.Handle
}

func newExperimentRun(params model.ExperimentParams, logger *zap.Logger, listener func(string, model.RunState)) *ExperimentRun {
	id := uuid.New().String()
	return &ExperimentRun{
		ID:        id,
		Params:    params,
		StartedAt: time.Now(),
		logger:    logger.With(zap.String("run_id", id)),
		listener:  listener,
		state:     model.RunStateIdle,
	}
}

// State returns the current stage of the run
func (r *ExperimentRun) State() model.RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *ExperimentRun) transition(state model.RunState) {
	r.mu.Lock()
	from := r.state
	if from.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()

	r.logger.Debug("Run state changed",
		zap.String("from", string(from)),
		zap.String("to", string(state)))
	if r.listener != nil {
		r.listener(r.ID, state)
	}
}

func (r *ExperimentRun) addServer(h launcher.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = append(r.servers, h)
}

func (r *ExperimentRun) addClient(h launcher.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append(r.clients, h)
}

func (r *ExperimentRun) handles() (servers, clients []launcher.Handle) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]launcher.Handle(nil), r.servers...), append([]launcher.Handle(nil), r.clients...)
}

// fail wraps err with the current stage
func (r *ExperimentRun) fail(endpoint string, err error) *model.ExperimentError {
	return &model.ExperimentError{
		RunID:    r.ID,
		Stage:    r.State(),
		Endpoint: endpoint,
		Err:      err,
	}
}

// terminateClients stops every client, newest first
func (r *ExperimentRun) terminateClients() error {
	_, clients := r.handles()
	return terminateAll(clients)
}

// terminateServers stops every server, newest first
func (r *ExperimentRun) terminateServers() error {
	servers, _ := r.handles()
	return terminateAll(servers)
}

func terminateAll(handles []launcher.Handle) error {
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate process %s on %s: %w", handles[i].ID(), handles[i].Target(), err))
		}
	}
	return errors.Join(errs...)
}
