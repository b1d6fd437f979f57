// Package rpcpool tracks the health of a fixed set of chain RPC endpoints and
// selects one per call attempt, with a per-endpoint circuit breaker
// (closed → open → half-open).
//
// A Pool is created once per process from static configuration and shared by
// reference. It never blocks: when every circuit is open and none has cooled
// down, the endpoint that failed longest ago is forced back into service.
package rpcpool

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoEndpoints is returned by New when the sanitized URL list is empty.
var ErrNoEndpoints = errors.New("rpcpool: no endpoints configured")

// Defaults applied when an option is not given.
const (
	DefaultThreshold   = 3
	DefaultCooldown    = 60 * time.Second
	DefaultResetWindow = 5 * time.Minute
)

// State represents an endpoint's circuit state.
type State int

const (
	StateClosed   State = iota // Normal: endpoint is selectable
	StateOpen                  // Tripped: skipped until cool-down elapses
	StateHalfOpen              // Trial: selectable, one failure re-opens
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	circuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "rpcpool",
		Name:      "circuit_transitions_total",
		Help:      "RPC endpoint circuit transitions by endpoint, from-state, and to-state.",
	}, []string{"endpoint", "from_state", "to_state"})

	forcedResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "rpcpool",
		Name:      "forced_resets_total",
		Help:      "Endpoints forced back into service because every circuit was open.",
	}, []string{"endpoint"})

	selections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "rpcpool",
		Name:      "selections_total",
		Help:      "Endpoint selections by endpoint.",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(circuitTransitions, forcedResets, selections)
}

// Endpoint identifies one configured RPC URL.
type Endpoint struct {
	Index int
	URL   string
}

// Status is a point-in-time copy of an endpoint's health record.
type Status struct {
	URL         string     `json:"url"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	OpenedAt    *time.Time `json:"openedAt,omitempty"`
}

type entry struct {
	url         string
	state       State
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	openedAt    time.Time
}

// Pool is the process-wide endpoint health table.
type Pool struct {
	mu           sync.Mutex
	entries      []*entry
	cursor       int // index of the last successfully used endpoint
	threshold    int
	cooldown     time.Duration
	resetWindow  time.Duration
	now          func() time.Time
	onTransition func(url string, from, to State)
}

// Option configures a Pool.
type Option func(*Pool)

// WithThreshold sets the consecutive-failure count that opens a circuit.
func WithThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithCooldown sets how long an open circuit is skipped before a half-open trial.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithResetWindow sets how long a failure count survives without a new failure.
func WithResetWindow(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.resetWindow = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithTransitionHook sets a callback invoked on circuit state changes.
func WithTransitionHook(fn func(url string, from, to State)) Option {
	return func(p *Pool) { p.onTransition = fn }
}

// New creates a pool over urls. URLs are trimmed, stripped of trailing
// slashes and de-duplicated; an empty result is an error.
func New(urls []string, opts ...Option) (*Pool, error) {
	list := sanitizeEndpoints(urls)
	if len(list) == 0 {
		return nil, ErrNoEndpoints
	}
	p := &Pool{
		entries:     make([]*entry, 0, len(list)),
		threshold:   DefaultThreshold,
		cooldown:    DefaultCooldown,
		resetWindow: DefaultResetWindow,
		now:         time.Now,
	}
	for _, u := range list {
		p.entries = append(p.entries, &entry{url: u, state: StateClosed})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Len returns the number of configured endpoints.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Select returns an endpoint for the next call attempt. Scanning starts at
// the last successfully used endpoint and proceeds round-robin, skipping open
// circuits whose cool-down has not elapsed. Select always returns an endpoint.
func (p *Pool) Select() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.entries[idx]
		switch e.state {
		case StateClosed, StateHalfOpen:
			return p.selected(idx)
		case StateOpen:
			if now.Sub(e.openedAt) >= p.cooldown {
				p.transition(e, StateHalfOpen)
				return p.selected(idx)
			}
		}
	}

	// Every circuit is open and cooling down: force the oldest failure back.
	oldest := 0
	for i, e := range p.entries {
		if e.lastFailure.Before(p.entries[oldest].lastFailure) {
			oldest = i
		}
	}
	forcedResets.WithLabelValues(p.entries[oldest].url).Inc()
	p.transition(p.entries[oldest], StateHalfOpen)
	return p.selected(oldest)
}

// RecordSuccess clears the endpoint's failures, closes its circuit and makes
// it the starting point of the next scan.
func (p *Pool) RecordSuccess(ep Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.lookup(ep)
	if e == nil {
		return
	}
	e.failures = 0
	e.lastSuccess = p.now()
	p.transition(e, StateClosed)
	p.cursor = ep.Index
}

// RecordFailure counts a failed call and moves the scan start past the
// endpoint. The circuit opens once the count reaches the threshold; a failed
// half-open trial re-opens immediately.
func (p *Pool) RecordFailure(ep Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.lookup(ep)
	if e == nil {
		return
	}
	now := p.now()
	if !e.lastFailure.IsZero() && now.Sub(e.lastFailure) > p.resetWindow {
		e.failures = 0
	}
	e.failures++
	e.lastFailure = now
	if p.cursor == ep.Index {
		p.cursor = (ep.Index + 1) % len(p.entries)
	}

	switch e.state {
	case StateHalfOpen:
		e.openedAt = now
		p.transition(e, StateOpen)
	case StateClosed:
		if e.failures >= p.threshold {
			e.openedAt = now
			p.transition(e, StateOpen)
		}
	case StateOpen:
		e.openedAt = now
	}
}

// State returns the circuit state of ep.
func (p *Pool) State(ep Endpoint) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.lookup(ep); e != nil {
		return e.state
	}
	return StateClosed
}

// Healthy reports whether at least one circuit is not open.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.state != StateOpen {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the health table in configuration order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Status{
			URL:         e.url,
			State:       e.state.String(),
			Failures:    e.failures,
			LastFailure: timePtr(e.lastFailure),
			LastSuccess: timePtr(e.lastSuccess),
			OpenedAt:    timePtr(e.openedAt),
		})
	}
	return out
}

// lookup resolves ep to its entry. Caller must hold p.mu.
func (p *Pool) lookup(ep Endpoint) *entry {
	if ep.Index < 0 || ep.Index >= len(p.entries) {
		return nil
	}
	e := p.entries[ep.Index]
	if e.url != ep.URL {
		return nil
	}
	return e
}

// selected records a selection. Caller must hold p.mu.
func (p *Pool) selected(idx int) Endpoint {
	e := p.entries[idx]
	selections.WithLabelValues(e.url).Inc()
	return Endpoint{Index: idx, URL: e.url}
}

// transition changes state and fires the callback if set.
// Caller must hold p.mu.
func (p *Pool) transition(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	circuitTransitions.WithLabelValues(e.url, from.String(), to.String()).Inc()
	if p.onTransition != nil {
		fn := p.onTransition
		go fn(e.url, from, to)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
