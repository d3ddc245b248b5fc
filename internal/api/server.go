package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
	"github.com/nerrad567/gray-logic-diskovery/internal/history"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the part of diskovery.Hub the API drives.
type Controller interface {
	ID() string
	Snapshot() (diskovery.State, error)
	SetField(ctx context.Context, f diskovery.Field, value any) (uint, error)
	Refresh(ctx context.Context) error
	Subscribe(fn func(diskovery.Change))
	HealthCheck(ctx context.Context) error
	Stats() diskovery.HubStats
	IsBusy() bool
}

// MQTTStatus reports the broker connection for /metrics.
type MQTTStatus interface {
	IsConnected() bool
}

// RecorderStatus reports history recorder counters for /metrics.
type RecorderStatus interface {
	Stats() history.RecorderStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Hub      Controller
	History  history.Repository // optional: /history answers 503 without it
	Recorder RecorderStatus     // optional
	MQTT     MQTTStatus         // optional
	Version  string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	hub       Controller
	history   history.Repository
	recorder  RecorderStatus
	mqtt      MQTTStatus
	version   string
	startTime time.Time

	server *http.Server
	ws     *WSHub
	cancel context.CancelFunc // cancels background goroutines on Close()
	mu     sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("controller hub is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		hub:       deps.Hub,
		history:   deps.History,
		recorder:  deps.Recorder,
		mqtt:      deps.MQTT,
		version:   deps.Version,
		startTime: time.Now(),
		ws:        NewWSHub(deps.WS, deps.Logger),
	}

	// The hub has no unsubscribe, so the relay is registered once here and
	// goes quiet when the WebSocket hub closes.
	s.hub.Subscribe(s.ws.BroadcastChange)

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.ws.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		s.logger.Info("API server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}
