package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/biblechat/internal/observability"
	"github.com/harun/biblechat/pkg/orchestrator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// SessionHeader carries the session id on requests and responses
const SessionHeader = "X-Session-Id"

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-Id"

// EmptyQuestionMessage is returned when the question is blank
const EmptyQuestionMessage = "A pergunta não pode estar vazia."

const internalErrorMessage = "internal server error"

// Conversation is what the gateway needs from the orchestrator
type Conversation interface {
	Ask(ctx context.Context, sessionID, question string) (orchestrator.Answer, error)
	Reset(ctx context.Context, sessionID string) (bool, error)
	Sessions() int
}

// Config holds the gateway configuration
type Config struct {
	Addr           string
	AllowedOrigins []string
	Conversation   Conversation
	Logger         zerolog.Logger
}

// Server is the HTTP and websocket boundary
type Server struct {
	addr      string
	conv      Conversation
	echo      *echo.Echo
	clients   *ClientRegistry
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	startedAt time.Time

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// New creates a new gateway server
func New(cfg Config) (*Server, error) {
	if cfg.Conversation == nil {
		return nil, errors.New("conversation is required")
	}

	observability.EnsureRegistered()

	s := &Server{
		addr:      cfg.Addr,
		conv:      cfg.Conversation,
		clients:   NewClientRegistry(),
		logger:    cfg.Logger,
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(requestID())
	e.Use(s.accessLog())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, SessionHeader, RequestIDHeader},
		ExposeHeaders: []string{SessionHeader, RequestIDHeader},
	}))

	e.POST("/explicar", s.handleExplain)
	e.DELETE("/sessions/:id", s.handleReset)
	e.GET("/ws", s.handleWebSocket)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))

	s.echo = e
	return s, nil
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	return s.clients.Count()
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting gateway")

	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Shutdown stops accepting work, waits for in-flight turns and closes
// websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, closing connections")
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		client.Conn.Close()
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// begin registers an in-flight turn unless the server is draining
func (s *Server) begin() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := internalErrorMessage
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}

	logger := requestLogger(c, s.logger)
	if code >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", code).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", code).Msg("Request rejected")
	}

	if !c.Response().Committed {
		_ = c.JSON(code, errorResponse{Message: msg})
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		if origin == "*" {
			wildcard = true
		}
		set[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
