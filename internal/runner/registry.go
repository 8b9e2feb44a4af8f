package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry maps in-flight deployment IDs to their run's cancel function so a
// cancel request can reach the subprocess from another goroutine.
type Registry struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{cancels: make(map[uuid.UUID]context.CancelFunc)}
}

// Register records the cancel function for a deployment. The caller must pair
// it with Done once the run finishes.
func (r *Registry) Register(id uuid.UUID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

// Done removes the deployment from the registry.
func (r *Registry) Done(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// Cancel fires the registered cancel function. Returns false when the
// deployment has no in-flight run, which the caller treats as "nothing to
// tear down".
func (r *Registry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
