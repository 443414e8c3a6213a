// Package bridge serves map sessions over WebSocket: one pipeline session
// per connection, envelopes in both directions.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rentmap/mapcluster/internal/cache"
	"github.com/rentmap/mapcluster/internal/dispatcher"
	"github.com/rentmap/mapcluster/internal/handlers"
	"github.com/rentmap/mapcluster/internal/logging"
	"github.com/rentmap/mapcluster/internal/monitor"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rentmap/mapcluster/internal/pipeline"
	"github.com/rentmap/mapcluster/pkg/core"
	"golang.org/x/time/rate"
)

// Defaults for Config.
const (
	DefaultReadLimit         = 4 << 20
	DefaultMessagesPerSecond = 50
	DefaultBurst             = 100
)

// Config holds bridge settings.
type Config struct {
	Pipeline          pipeline.Config
	ReadLimit         int64   // bytes per incoming message
	MessagesPerSecond float64 // per connection; <= 0 disables limiting
	Burst             int
	CheckOrigin       func(*http.Request) bool // nil accepts every origin
}

// MarkerLoader provides the listings a new session starts with.
type MarkerLoader func(ctx context.Context) ([]core.Marker, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRegisterer exports the perf metrics of every session on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerer = reg
	}
}

// WithMarkerLoader preloads every new session with the loader's markers.
func WithMarkerLoader(fn MarkerLoader) Option {
	return func(s *Server) {
		s.loader = fn
	}
}

// Server upgrades HTTP requests and runs one session per connection.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	loader     MarkerLoader
	upgrader   ws.Upgrader

	mu     sync.RWMutex
	conns  map[string]*conn
	wg     sync.WaitGroup
	active cache.SafeCounter
}

// NewServer creates a bridge server.
func NewServer(cfg Config, opts ...Option) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	s := &Server{
		cfg:   cfg,
		conns: make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	s.upgrader = ws.Upgrader{CheckOrigin: check}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	wsConn.SetReadLimit(s.cfg.ReadLimit)

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	c := newConn(wsConn, s.logger, limiter)
	if err := s.attach(c); err != nil {
		s.logger.Error("session setup failed", "error", err)
		c.shutdown()
		return
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.active.Inc()
	s.wg.Add(1)

	defer func() {
		c.shutdown()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.active.Dec()
		s.wg.Done()
		c.logger.Info("map disconnected")
	}()

	go c.writeLoop()
	c.logger.Info("map connected", "remote", r.RemoteAddr)

	if s.loader != nil {
		s.preload(r.Context(), c)
	}
	c.readLoop()
}

// attach builds the session and command routing of c.
func (s *Server) attach(c *conn) error {
	var monOpts []perf.Option
	if s.registerer != nil {
		monOpts = append(monOpts, perf.WithRegisterer(s.registerer))
	}

	session, err := pipeline.NewSession(s.cfg.Pipeline, pipeline.Dependencies{
		Surface:       c,
		Factory:       c.factory,
		Monitor:       perf.New(monOpts...),
		Logger:        s.logger,
		OnMarkerClick: c.selectMarker,
	})
	if err != nil {
		return err
	}
	c.session = session
	c.id = session.ID()
	c.logger = s.logger.With("session", c.id)

	d, err := dispatcher.New(logging.NewLoggerAdapter(c.logger))
	if err != nil {
		_ = session.Close()
		return err
	}
	handlers.NewService(commands{c: c}).Register(d)
	c.dispatcher = d
	return nil
}

func (s *Server) preload(ctx context.Context, c *conn) {
	markers, err := s.loader(ctx)
	if err != nil {
		c.logger.Error("loading initial markers", "error", err)
		return
	}
	c.session.SetMarkers(markers)
	c.logger.Debug("initial markers loaded", "count", len(markers))
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.active.Value()
}

// Sessions returns the sessions of every open connection, sorted by ID.
func (s *Server) Sessions() []monitor.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Source, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close disconnects every client and waits for their sessions to end.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.shutdown()
	}
	s.wg.Wait()
	return nil
}
