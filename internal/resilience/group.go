package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/voicecoach/internal/observe"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// skipped because its circuit is open.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Option configures a [Group].
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *observe.Metrics
}

// WithLogger sets the logger for the group and its breakers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics counts member failures as provider errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds a primary provider and its fallbacks in priority order.
// Members must be added before the group is shared between goroutines.
type Group[T any] struct {
	kind    string
	cfg     BreakerConfig
	opts    options
	members []member[T]
}

// NewGroup returns an empty group for providers of kind ("stt", "llm" or
// "tts"). Every member gets its own breaker configured by cfg.
func NewGroup[T any](kind string, cfg BreakerConfig, opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{kind: kind, cfg: cfg, opts: o}
}

// Add appends a member. The first member added is the primary.
func (g *Group[T]) Add(name string, v T) {
	g.members = append(g.members, member[T]{
		name:    name,
		value:   v,
		breaker: NewBreaker(g.kind+"/"+name, g.cfg, g.opts.logger),
	})
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// States returns each member's breaker state keyed by member name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Healthy returns an error when no member would currently accept a call.
func (g *Group[T]) Healthy(context.Context) error {
	var open []string
	for _, m := range g.members {
		if m.breaker.State() != StateOpen {
			return nil
		}
		open = append(open, m.name)
	}
	return fmt.Errorf("%s: circuit open for %s", g.kind, strings.Join(open, ", "))
}

// Call runs fn against each member in order until one succeeds. A cancelled
// ctx stops the walk early.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	if len(g.members) == 0 {
		return zero, fmt.Errorf("%w: %s: no providers configured", ErrAllFailed, g.kind)
	}
	for i := range g.members {
		m := &g.members[i]
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				g.opts.logger.Info("resilience: served by fallback", "kind", g.kind, "provider", m.name)
			}
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.opts.logger.Debug("resilience: skipping provider", "kind", g.kind, "provider", m.name)
			continue
		}
		if ctx.Err() != nil {
			return zero, err
		}
		g.opts.logger.Warn("resilience: provider failed", "kind", g.kind, "provider", m.name, "err", err)
		if g.opts.metrics != nil {
			g.opts.metrics.RecordProviderError(ctx, m.name, g.kind)
		}
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllFailed, g.kind, lastErr)
}
