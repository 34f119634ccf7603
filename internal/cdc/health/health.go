// Package health reports whether a running subscription is healthy and serves
// the probe and metrics endpoints of the worker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// severity orders statuses from best to worst.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnknown:
		return 2
	default:
		return 3
	}
}

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}

// Checker checks one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checkers, each bounded by a timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]CheckResult
	logger   *slog.Logger
	timeout  time.Duration
}

// ManagerConfig holds configuration for the health manager.
type ManagerConfig struct {
	// Timeout bounds each individual check.
	Timeout time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{Timeout: 5 * time.Second}
}

// NewManager creates a health manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultManagerConfig().Timeout
	}
	return &Manager{
		results: make(map[string]CheckResult),
		logger:  logger.With("component", "health-manager"),
		timeout: cfg.Timeout,
	}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.logger.Debug("registered health checker", "name", c.Name())
}

// CheckAll runs every checker and remembers the results.
func (m *Manager) CheckAll(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		results[c.Name()] = c.Check(checkCtx)
		cancel()
	}

	m.mu.Lock()
	for name, r := range results {
		m.results[name] = r
	}
	m.mu.Unlock()

	return results
}

// Result returns the last result of the named checker.
func (m *Manager) Result(name string) (CheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

// OverallStatus is the aggregate of every component.
type OverallStatus struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Overall runs every checker and reports the worst status seen.
func (m *Manager) Overall(ctx context.Context) OverallStatus {
	results := m.CheckAll(ctx)
	overall := OverallStatus{
		Status:     StatusHealthy,
		Components: results,
		Timestamp:  time.Now(),
	}
	for _, r := range results {
		if r.Status.severity() > overall.Status.severity() {
			overall.Status = r.Status
		}
	}
	return overall
}

// Ready reports whether every component is healthy or degraded.
func (m *Manager) Ready(ctx context.Context) bool {
	for _, r := range m.CheckAll(ctx) {
		if r.Status != StatusHealthy && r.Status != StatusDegraded {
			return false
		}
	}
	return true
}

// Server serves the health and metrics endpoints.
type Server struct {
	manager *Manager
	logger  *slog.Logger
	server  *http.Server
}

// ServerConfig holds configuration for the health server.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8081",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a health server.
func NewServer(manager *Manager, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		manager: manager,
		logger:  logger.With("component", "health-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// graceful stop.
func (s *Server) Start() error {
	s.logger.Info("starting health server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping health server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.manager.Overall(r.Context())

	w.Header().Set("Content-Type", "application/json")
	switch status.Status {
	case StatusHealthy, StatusDegraded:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"alive","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.manager.Ready(r.Context()) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ready","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, `{"status":"not_ready","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// Names returns the registered checker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for _, c := range m.checkers {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}
