// Package gateway is the REST and websocket surface of the messaging
// gateway.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wagateway/internal/bus"
	"wagateway/internal/domain"
	"wagateway/internal/metrics"
	"wagateway/internal/session"
	"wagateway/internal/store"
	"wagateway/internal/upload"
)

const (
	maxJSONBodySize = 1 << 20 // 1MB
	maxFieldSize    = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// Sender submits outbound messages.
type Sender interface {
	Send(ctx context.Context, req domain.SendRequest) (*domain.SendResult, error)
}

// Controller exposes session status and restart.
type Controller interface {
	Status() session.StatusReport
	Restart(ctx context.Context) session.RestartResult
}

// Uploads persists multipart attachments.
type Uploads interface {
	Save(filename, contentType string, r io.Reader) (*upload.File, error)
	MaxSizeBytes() int64
}

// Journal lists recent deliveries.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]store.Delivery, error)
}

// ServerConfig configures a Server. Journal, Bus and Metrics are optional.
type ServerConfig struct {
	Addr         string
	BasePath     string // default /api
	APIKey       string // empty = no auth
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Sender  Sender
	Control Controller
	Uploads Uploads
	Journal Journal
	Bus     *bus.EventBus

	Metrics     *metrics.MetricsCollector
	MetricsPath string // default /metrics

	Logger *slog.Logger
}

// Server routes HTTP requests to the send coordinator and session control.
type Server struct {
	addr         string
	basePath     string
	apiKey       string
	readTimeout  time.Duration
	writeTimeout time.Duration

	sender  Sender
	control Controller
	uploads Uploads
	journal Journal

	metrics     *metrics.MetricsCollector
	metricsPath string

	bus    *bus.EventBus
	subIDs map[string]string
	hub    *hub

	logger *slog.Logger
	server *http.Server
}

// NewServer builds a Server. When a bus is given the server subscribes to
// the events it streams over /events; call Close to unsubscribe.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api"
	}
	// "/" mounts the routes at the root.
	base := strings.TrimRight("/"+strings.Trim(cfg.BasePath, "/"), "/")
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 120 * time.Second
	}

	logger := cfg.Logger.With("component", "gateway")
	s := &Server{
		addr:         cfg.Addr,
		basePath:     base,
		apiKey:       cfg.APIKey,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		sender:       cfg.Sender,
		control:      cfg.Control,
		uploads:      cfg.Uploads,
		journal:      cfg.Journal,
		metrics:      cfg.Metrics,
		metricsPath:  cfg.MetricsPath,
		bus:          cfg.Bus,
		subIDs:       make(map[string]string),
		hub:          newHub(logger),
		logger:       logger,
	}
	if s.bus != nil {
		for _, t := range streamedEvents {
			s.subIDs[t] = s.bus.On(t, s.hub.publish)
		}
	}
	return s
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	api := s.basePath

	mux.HandleFunc("POST "+api+"/send", s.requireKey(s.handleSend))
	mux.HandleFunc("POST "+api+"/send-with-path", s.requireKey(s.handleSendWithPath))
	mux.HandleFunc("POST "+api+"/send-message", s.requireKey(s.handleSendMessage))
	mux.HandleFunc("GET "+api+"/status", s.handleStatus) // public endpoint
	mux.HandleFunc("POST "+api+"/restart", s.requireKey(s.handleRestart))
	mux.HandleFunc("GET "+api+"/messages", s.requireKey(s.handleMessages))
	mux.HandleFunc("GET "+api+"/events", s.requireKey(s.handleEvents))

	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}

	return s.withRequestID(s.withLogging(s.withRecover(mux)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("http gateway started", "addr", s.addr, "base_path", s.basePath, "auth", s.apiKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("http gateway stopping")
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close unsubscribes from the event bus and drops websocket clients.
func (s *Server) Close() {
	if s.bus != nil {
		for t, id := range s.subIDs {
			s.bus.Off(t, id)
		}
	}
	s.hub.closeAll()
}
