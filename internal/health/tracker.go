// Package health tracks per-agent availability: consecutive failures,
// exponential backoff windows, and dead-agent detection.
package health

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"agentd/internal/task"
)

// errAgentFailure is fed to the circuit breaker on every recorded failure.
var errAgentFailure = errors.New("agent completion failure")

// Status is the externally visible health state of one agent.
type Status struct {
	Agent               string  `json:"agent"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	InBackoff           bool    `json:"in_backoff"`
	Dead                bool    `json:"dead"`
	BackoffSeconds      float64 `json:"backoff_seconds"`
}

// Config tunes the tracker's backoff schedule and dead threshold.
type Config struct {
	InitialBackoff time.Duration // First backoff window after a failure (default 5s)
	MaxBackoff     time.Duration // Backoff ceiling (default 5min)
	Multiplier     float64       // Backoff growth factor (default 2.0)
	TripThreshold  int           // Consecutive failures before the breaker opens (default 3)
	DeadThreshold  int           // Consecutive failures before the agent is dead (default 10)

	// MaxRetries resolves a per-agent retry ceiling. When set, IsDead and
	// AllStatus both use it, so the dead flag in health broadcasts always
	// agrees with spawn gating. Nil falls back to DeadThreshold.
	MaxRetries func(agent string) int
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
		TripThreshold:  3,
		DeadThreshold:  10,
	}
}

type agentState struct {
	breaker             *gobreaker.CircuitBreaker
	policy              *backoff.ExponentialBackOff
	consecutiveFailures int
	backoffUntil        time.Time
}

// Tracker records per-agent successes and failures and answers availability
// queries for the spawner. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	agents map[string]*agentState
	now    func() time.Time
}

// NewTracker creates a Tracker with the given configuration.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.TripThreshold <= 0 {
		cfg.TripThreshold = 3
	}
	if cfg.DeadThreshold <= 0 {
		cfg.DeadThreshold = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		cfg:    cfg,
		logger: logger,
		agents: make(map[string]*agentState),
		now:    time.Now,
	}
}

// state returns the agent's state, creating it on first access.
// Caller must hold t.mu.
func (t *Tracker) state(agent string) *agentState {
	st, ok := t.agents[agent]
	if ok {
		return st
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.InitialBackoff
	policy.MaxInterval = t.cfg.MaxBackoff
	policy.Multiplier = t.cfg.Multiplier
	policy.MaxElapsedTime = 0 // Never give up computing intervals; dead detection is separate
	policy.Reset()

	trip := uint32(t.cfg.TripThreshold)
	logger := t.logger
	st = &agentState{
		policy: policy,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        agent,
			MaxRequests: 1, // One probe spawn in half-open state
			Interval:    0, // Don't clear counts automatically
			Timeout:     t.cfg.InitialBackoff,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Info("agent breaker state change",
					"agent", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	t.agents[agent] = st
	return st
}

// RecordSuccess resets the agent's failure count and backoff window.
func (t *Tracker) RecordSuccess(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(agent)
	st.consecutiveFailures = 0
	st.backoffUntil = time.Time{}
	st.policy.Reset()
	_, _ = st.breaker.Execute(func() (interface{}, error) { return nil, nil })
}

// RecordFailure increments the failure count and extends the backoff window
// according to the exponential schedule.
func (t *Tracker) RecordFailure(agent string, kind task.CompletionType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(agent)
	st.consecutiveFailures++
	interval := st.policy.NextBackOff()
	st.backoffUntil = t.now().Add(interval)
	_, _ = st.breaker.Execute(func() (interface{}, error) { return nil, errAgentFailure })

	t.logger.Warn("agent failure recorded",
		"agent", agent,
		"kind", string(kind),
		"consecutive", st.consecutiveFailures,
		"backoff", interval)
}

// IsAvailable reports whether the agent may be handed new work: breaker not
// open and backoff window elapsed.
func (t *Tracker) IsAvailable(agent string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(agent)
	if st.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return !t.now().Before(st.backoffUntil)
}

// deadThreshold resolves the retry ceiling for one agent.
func (t *Tracker) deadThreshold(agent string) int {
	if t.cfg.MaxRetries != nil {
		if n := t.cfg.MaxRetries(agent); n > 0 {
			return n
		}
	}
	return t.cfg.DeadThreshold
}

// IsDead reports whether the agent has exhausted its retries. maxRetries <= 0
// falls back to the configured per-agent ceiling.
func (t *Tracker) IsDead(agent string, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = t.deadThreshold(agent)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(agent).consecutiveFailures >= maxRetries
}

// AllStatus returns the health status of every agent seen so far, sorted by
// agent name so repeated calls over unchanged state are identical.
func (t *Tracker) AllStatus() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	statuses := make([]Status, 0, len(t.agents))
	for agent, st := range t.agents {
		remaining := st.backoffUntil.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, Status{
			Agent:               agent,
			ConsecutiveFailures: st.consecutiveFailures,
			InBackoff:           remaining > 0 || st.breaker.State() == gobreaker.StateOpen,
			Dead:                st.consecutiveFailures >= t.deadThreshold(agent),
			BackoffSeconds:      remaining.Seconds(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Agent < statuses[j].Agent })
	return statuses
}
