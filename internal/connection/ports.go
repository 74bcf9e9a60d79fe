package connection

import (
	"sync"

	"github.com/perfectssh/perfectssh/internal/failure"
)

// portRegistry tracks local ports held by tunnels of one manager.
type portRegistry struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func newPortRegistry() *portRegistry {
	return &portRegistry{held: make(map[int]struct{})}
}

// acquire claims port or fails with a configuration error if a tunnel of
// this manager still holds it.
func (r *portRegistry) acquire(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[port]; ok {
		return failure.Configf("acquire port", "local port %d is held by another tunnel", port)
	}
	r.held[port] = struct{}{}
	return nil
}

func (r *portRegistry) release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, port)
}

func (r *portRegistry) isHeld(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[port]
	return ok
}
