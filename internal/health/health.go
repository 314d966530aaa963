// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State of a subsystem or of the whole service.
type State string

const (
	Healthy  State = "healthy"
	Degraded State = "degraded"
	Down     State = "down"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Key       string `json:"key"`
	Status    State  `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// Checker probes one subsystem. A nil error is healthy; an error wrapped
// with Degrade marks the subsystem degraded rather than down.
type Checker func(ctx context.Context) error

type degradedError struct{ err error }

func (e degradedError) Error() string { return e.err.Error() }
func (e degradedError) Unwrap() error { return e.err }

// Degrade marks err as a partial outage.
func Degrade(err error) error {
	if err == nil {
		return nil
	}
	return degradedError{err: err}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	key      string
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks are each bounded by timeout
// (2s when zero).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker. A failing critical subsystem takes the whole
// service down; any other failure only degrades it.
func (r *Registry) Register(key, name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{key: key, name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs all checkers concurrently and returns the aggregate state
// plus the individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (State, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = r.run(ctx, nc)
			return nil
		})
	}
	_ = g.Wait()

	overall := Healthy
	for i, st := range statuses {
		switch {
		case st.Status == Healthy:
		case st.Status == Down && checkers[i].critical:
			overall = Down
		case overall != Down:
			overall = Degraded
		}
	}
	return overall, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := nc.check(ctx)
	st := Status{
		Name:      nc.name,
		Key:       nc.key,
		Status:    Healthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
		st.Status = Down
		var de degradedError
		if errors.As(err, &de) {
			st.Status = Degraded
		}
	}
	return st
}
