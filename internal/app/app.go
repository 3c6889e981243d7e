// Package app wires the reference peer together from a loaded config.
//
// The App struct owns the full lifecycle: New builds the session manager and
// HTTP server, Run serves until the context ends, ApplyConfig takes hot
// reloads, and Shutdown drains sessions and tears everything down in order.
//
// For testing, inject a listener, metrics and a Prometheus gatherer via
// functional options; providers come in already built (mocks in tests).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/peer"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8080"

// App owns the peer's subsystems.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	gatherer prometheus.Gatherer
	checkers []health.Checker
	listener net.Listener
	tls      *config.TLSConfig

	manager *peer.Manager
	server  *peer.Server
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	cfgMu    sync.Mutex
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLevel hands App the level variable behind the process logger so log
// level changes apply on reload.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown, after the HTTP server has
// stopped. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the session manager and HTTP server from cfg. The providers come
// from [BuildProviders] (or test doubles).
func New(cfg *config.Config, providers peer.Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		tls:     cfg.Server.TLS,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	mgr, err := peer.NewManager(providers, SessionConfig(cfg),
		peer.WithSessionTimeout(cfg.Peer.SessionTimeout),
		peer.WithSweepInterval(cfg.Peer.SweepInterval),
		peer.WithMetrics(a.metrics),
		peer.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.manager = mgr

	a.server = peer.NewServer(mgr,
		peer.WithGatherer(a.gatherer),
		peer.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		peer.WithCheckers(a.checkers...),
		peer.WithServerLogger(a.logger),
	)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
	return a, nil
}

// SessionConfig maps the peer and conversation sections onto the settings
// each new session starts with.
func SessionConfig(cfg *config.Config) peer.SessionConfig {
	return peer.SessionConfig{
		SystemPrompt:       cfg.Peer.SystemPrompt,
		Language:           cfg.Peer.Language,
		Voice:              tts.Voice{ID: cfg.Peer.Voice, Speed: cfg.Peer.VoiceSpeed},
		Temperature:        cfg.Peer.Temperature,
		MaxTokens:          cfg.Peer.MaxTokens,
		HistoryTurns:       cfg.Conversation.LLMHistory,
		PingInterval:       cfg.Peer.PingInterval,
		InterruptionWindow: cfg.Conversation.InterruptionWindow,
		MaxHistory:         cfg.Conversation.MaxHistory,
	}
}

// LevelFor converts a config log level to its slog equivalent. Unknown or
// empty levels map to info.
func LevelFor(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Manager returns the session manager.
func (a *App) Manager() *peer.Manager { return a.manager }

// Addr returns the address the server listens on.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpSrv.Addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the peer and sweeps idle sessions until ctx is cancelled, then
// returns ctx.Err(). A listener failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.serve() }()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { a.manager.Run(runCtx) })
	defer func() {
		cancel()
		wg.Wait()
	}()

	a.logger.Info("app: peer listening", "addr", a.Addr(), "tls", a.tls != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) serve() error {
	tls := a.tls
	switch {
	case a.listener != nil && tls != nil:
		return a.httpSrv.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		return a.httpSrv.Serve(a.listener)
	case tls != nil:
		return a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		return a.httpSrv.ListenAndServe()
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig takes a reloaded config. The log level and session settings
// apply at once (session settings to new sessions only); everything listed in
// diff.RestartRequired is logged and ignored until restart.
func (a *App) ApplyConfig(newCfg *config.Config, diff config.ConfigDiff) {
	a.cfgMu.Lock()
	old := a.cfg
	a.cfg = newCfg
	a.cfgMu.Unlock()

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(LevelFor(diff.NewLogLevel))
		a.logger.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.PeerChanged {
		a.manager.SetSessionConfig(SessionConfig(newCfg))
		a.logger.Info("app: session settings updated; live sessions keep theirs")
		if old.Peer.SessionTimeout != newCfg.Peer.SessionTimeout || old.Peer.SweepInterval != newCfg.Peer.SweepInterval {
			a.logger.Warn("app: session_timeout and sweep_interval changes need a restart")
		}
	}
	for _, section := range diff.RestartRequired {
		a.logger.Warn("app: config change needs a restart", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server not ready, closes every live session, stops the
// HTTP server and runs the closers. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("app: shutting down", "sessions", a.manager.Len(), "closers", len(a.closers))

		a.server.Drain()

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("app: http shutdown error", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("app: closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("app: shutdown complete")
	})
	return shutdownErr
}
