// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
	"time"
)

// Checker reports whether a subsystem is healthy. A nil error means healthy.
type Checker func(ctx context.Context) error

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry creates a new health check registry. Each checker runs with
// a per-check timeout so one slow dependency cannot stall the endpoint.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		checkers: make(map[string]Checker),
		timeout:  timeout,
	}
}

// Register adds a named health checker, replacing any previous one.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers[name] = check
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// plus a per-subsystem report ("healthy" or the error string).
func (r *Registry) CheckAll(ctx context.Context) (bool, map[string]string) {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, check := range r.checkers {
		checkers[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	report := make(map[string]string, len(checkers))

	for name, check := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := check(cctx); err != nil {
			healthy = false
			report[name] = err.Error()
		} else {
			report[name] = "healthy"
		}
		cancel()
	}

	return healthy, report
}
