package launcher

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry tracks live handles so they can be terminated together
type Registry struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("process-registry"),
		handles: make(map[string]Handle),
	}
}

// Add starts tracking h
func (r *Registry) Add(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles[h.ID()] = h
	r.logger.Debug("Process registered",
		zap.String("process_id", h.ID()),
		zap.String("target", h.Target()))
}

// Remove stops tracking the handle with the given id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; !ok {
		return
	}
	delete(r.handles, id)
	r.logger.Debug("Process removed", zap.String("process_id", id))
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// List returns a snapshot of the live handles
func (r *Registry) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// TerminateAll terminates every live handle and returns the joined failures
func (r *Registry) TerminateAll() error {
	handles := r.List()
	if len(handles) == 0 {
		return nil
	}

	r.logger.Info("Terminating all processes", zap.Int("count", len(handles)))

	var errs []error
	for _, h := range handles {
		if err := h.Terminate(); err != nil {
			r.logger.Error("Failed to terminate process",
				zap.String("process_id", h.ID()),
				zap.String("target", h.Target()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("terminate %s on %s: %w", h.ID(), h.Target(), err))
		}
	}
	return errors.Join(errs...)
}
