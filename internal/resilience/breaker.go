// Package resilience lets the peer survive a flaky upstream provider.
//
// A [Breaker] stops calling a provider after repeated failures to start a
// stream and tries it again after a cool-down. A [Group] orders a primary
// and its fallbacks, each behind its own breaker, and the LLM, STT and TTS
// wrappers in this package expose a group as a normal provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call without trying it.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until ResetTimeout has passed since it tripped.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax trial calls. One failed trial
	// re-opens the breaker; HalfOpenMax successful trials close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the trial budget in the half-open state. Default 1.
	HalfOpenMax int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Breaker is a three-state circuit breaker around one provider.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	successes int
}

// NewBreaker returns a closed breaker. name labels its log lines.
func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Do runs fn unless the breaker is open. A cancelled context is not held
// against the provider.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	switch {
	case err == nil:
		b.onSuccess(trial)
	case errors.Is(err, context.Canceled):
		b.release(trial)
	default:
		b.onFailure(trial)
	}
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.trials, b.successes = 0, 0
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.trials >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) onSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.state == StateClosed:
		b.failures = 0
	case trial && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.failures = 0
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case trial && b.state == StateHalfOpen:
		b.trip()
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	}
}

// release returns an unused trial slot.
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

// setState records a transition. Caller holds b.mu.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	if s == StateOpen {
		b.logger.Warn("resilience: circuit opened",
			"provider", b.name, "from", prev.String(), "failures", b.failures)
		return
	}
	b.logger.Info("resilience: circuit state changed",
		"provider", b.name, "from", prev.String(), "to", s.String())
}

// State reports the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.trials, b.successes = 0, 0, 0
	b.setState(StateClosed)
}
