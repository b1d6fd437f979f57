// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single checker.
const DefaultCheckTimeout = 5 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// EndpointPool is the part of the RPC pool the health check reads.
type EndpointPool interface {
	Healthy() bool
	Len() int
}

// RPCPool reports healthy while at least one endpoint circuit is closed.
func RPCPool(name string, p EndpointPool) Checker {
	return func(_ context.Context) Status {
		if !p.Healthy() {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("all %d endpoints tripped", p.Len())}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Relay is the part of the gas station the health check reads.
type Relay interface {
	IsReady(ctx context.Context) bool
}

// RelayReadiness reports whether the relay can pay for gas.
func RelayReadiness(name string, r Relay) Checker {
	return func(ctx context.Context) Status {
		if !r.IsReady(ctx) {
			return Status{Name: name, Healthy: false, Detail: "relay balance below operating minimum"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Database pings db.
func Database(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}
