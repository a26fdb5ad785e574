package gateway

import "sync"

// runTracker holds the single active run identifier. The first writer
// wins; reading for abort clears it atomically so a concurrent
// resolution cannot trigger a duplicate abort.
type runTracker struct {
	mu sync.Mutex
	id string
}

// Set records the run id unless one is already recorded. It reports
// whether the id was stored.
func (r *runTracker) Set(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return false
	}
	r.id = id
	return true
}

// Take returns the recorded run id and clears it in one step.
func (r *runTracker) Take() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.id
	r.id = ""
	return id, id != ""
}

// Clear discards any recorded run id.
func (r *runTracker) Clear() {
	r.mu.Lock()
	r.id = ""
	r.mu.Unlock()
}
