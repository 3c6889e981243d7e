package peer

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/observe"
)

// maxMessageSize bounds one inbound WebSocket message. A second of hex audio
// is 64 KiB.
const maxMessageSize = 1 << 20

// readinessCacheTTL spaces out provider health checks under frequent /readyz.
const readinessCacheTTL = 2 * time.Second

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithGatherer sets the registry served on /metrics. Defaults to
// prometheus.DefaultGatherer, where the OTel exporter registers.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithOriginPatterns allows browser clients from the given host patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) {
		s.origins = append(s.origins, patterns...)
	}
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) ServerOption {
	return func(s *Server) {
		s.checkers = append(s.checkers, c...)
	}
}

// WithServerLogger sets the logger. Defaults to slog.Default.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server exposes the voice endpoint and operational routes over HTTP.
type Server struct {
	manager  *Manager
	metrics  *observe.Metrics
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	origins  []string
	checkers []health.Checker
	health   *health.Handler
}

// NewServer returns a Server dispatching connections to m.
func NewServer(m *Manager, opts ...ServerOption) *Server {
	s := &Server{
		manager:  m,
		metrics:  m.metrics,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	s.health = health.New(s.checkers...).WithSessionCount(m.Len).WithCache(readinessCacheTTL)
	return s
}

// Handler mounts GET /ws, /healthz, /readyz and /metrics behind the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(s.metrics)(mux)
}

// Drain fails readiness and closes every live session.
func (s *Server) Drain() {
	s.health.SetDraining(true)
	s.manager.CloseAll()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn("peer: websocket accept", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	if err := s.manager.Serve(r.Context(), conn); err != nil {
		observe.Logger(r.Context()).Warn("peer: session error", "err", err)
	}
}
