package peer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/internal/observe"
)

const (
	// DefaultSessionTimeout closes sessions whose client has been silent this
	// long.
	DefaultSessionTimeout = 300 * time.Second

	// DefaultSweepInterval is how often idle sessions are looked for.
	DefaultSweepInterval = 60 * time.Second
)

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithSessionTimeout sets the inactivity timeout.
func WithSessionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSweepInterval sets the cleanup period used by [Manager.Run].
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweep = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(metrics *observe.Metrics) ManagerOption {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the time source used for activity tracking.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns all live sessions. It is safe for concurrent use.
type Manager struct {
	providers Providers
	metrics   *observe.Metrics
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration
	sweep     time.Duration

	mu       sync.Mutex
	cfg      SessionConfig
	sessions map[string]*Session
}

// NewManager validates providers and returns an empty registry.
func NewManager(providers Providers, cfg SessionConfig, opts ...ManagerOption) (*Manager, error) {
	if err := providers.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		providers: providers,
		cfg:       cfg.withDefaults(),
		metrics:   observe.DefaultMetrics(),
		logger:    slog.Default(),
		now:       time.Now,
		timeout:   DefaultSessionTimeout,
		sweep:     DefaultSweepInterval,
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SetSessionConfig replaces the settings used by sessions created from now
// on. Live sessions keep theirs.
func (m *Manager) SetSessionConfig(cfg SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

func (m *Manager) sessionConfig() SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Serve runs a session on an accepted connection and blocks until it ends.
func (m *Manager) Serve(ctx context.Context, conn *websocket.Conn) error {
	s := newSession(ctx, conn, m)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	done := m.metrics.TrackSession(ctx)

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		done()
	}()

	return s.run()
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes every session inactive for longer than the timeout and
// returns how many it closed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.timeout)
	var stale []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range stale {
		wg.Go(func() { s.Close("inactive") })
	}
	wg.Wait()
	if len(stale) > 0 {
		m.logger.Info("peer: closed inactive sessions", "count", len(stale))
	}
	return len(stale)
}

// Run sweeps inactive sessions until ctx is cancelled, then closes all
// remaining sessions.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// CloseAll closes every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Go(func() { s.Close("server shutting down") })
	}
	wg.Wait()
}
