// Package monitor serves the status of a running batch over HTTP: health,
// run information, Prometheus metrics and a WebSocket event stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config contains status server configuration
type Config struct {
	Port                 int           `yaml:"port" mapstructure:"port"`
	ReadTimeout          time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	Username             string        `yaml:"username" mapstructure:"username"`
	Password             string        `yaml:"password" mapstructure:"password"`
	BroadcastConnections bool          `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
}

// RunInfo describes the run being served
type RunInfo struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Model       string    `json:"model"`
	Language    string    `json:"language"`
	Input       string    `json:"input"`
	LogPath     string    `json:"log_path"`
	MaxIters    int       `json:"max_iters"`
	PassAtK     int       `json:"pass_at_k"`
	MemLen      int       `json:"mem_len"`
	PThreshold  int       `json:"p_threshold"`
	NoUtility   bool      `json:"no_utility"`
	MemoryScope string    `json:"memory_scope"`
	StartedAt   time.Time `json:"started_at"`
}

// Server is the status HTTP server
type Server struct {
	config   *Config
	info     RunInfo
	logger   *zap.Logger
	router   *mux.Router
	server   *http.Server
	hub      *Hub
	observer *Observer
}

// New creates a status server for a run
func New(cfg *Config, info RunInfo, logger *zap.Logger) *Server {
	hub := NewHub(&HubConfig{
		BroadcastConnections: cfg.BroadcastConnections,
		Username:             cfg.Username,
		Password:             cfg.Password,
	}, logger.With(zap.String("component", "hub")))

	s := &Server{
		config:   cfg,
		info:     info,
		logger:   logger,
		router:   mux.NewRouter(),
		hub:      hub,
		observer: NewObserver(info.RunID, hub),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")
}

// Start runs the event hub and serves until Stop is called
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting status server",
		zap.Int("port", s.config.Port),
		zap.String("run_id", s.info.RunID))

	go s.hub.Run(ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping status server")
	return s.server.Shutdown(ctx)
}

// Observer returns the run observer feeding this server
func (s *Server) Observer() *Observer {
	return s.observer
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Name     string   `json:"name"`
		Run      RunInfo  `json:"run"`
		Progress Progress `json:"progress"`
		Stream   HubStats `json:"stream"`
	}{
		Name:     "llm-reflexion",
		Run:      s.info,
		Progress: s.observer.Progress(),
		Stream:   s.hub.GetStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
