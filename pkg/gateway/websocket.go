package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

type wsError struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	if s.shuttingDown() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the handshake error
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Warn().Err(err).Msg("Failed to upgrade connection")
		return nil
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = c.Response().Header().Get(RequestIDHeader)
	}
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		IPAddress:   c.RealIP(),
		ConnectedAt: time.Now(),
	}
	s.clients.Add(client)

	logger := requestLogger(c, s.logger).With().Str("client_id", clientID).Logger()
	logger.Info().Str("ip", client.IPAddress).Msg("Client connected")

	s.serveClient(c.Request().Context(), client, logger)
	return nil
}

// serveClient answers frames one at a time until the connection closes
func (s *Server) serveClient(ctx context.Context, client *Client, logger zerolog.Logger) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		logger.Info().Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		reply := s.handleFrame(ctx, client, message, logger)
		if err := client.WriteJSON(reply); err != nil {
			logger.Error().Err(err).Msg("Failed to send response")
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, client *Client, message []byte, logger zerolog.Logger) interface{} {
	req, err := decodeQuestion(message)
	if err != nil {
		return wsError{Error: "invalid frame: " + err.Error(), SessionID: client.SessionID}
	}

	if id := strings.TrimSpace(req.SessionID); id != "" {
		client.SessionID = id
	}
	if strings.TrimSpace(req.Pergunta) == "" {
		return wsError{Error: EmptyQuestionMessage, SessionID: client.SessionID}
	}

	if !s.begin() {
		return wsError{Error: "server is shutting down", SessionID: client.SessionID}
	}
	defer s.inFlight.Done()

	answer, err := s.conv.Ask(ctx, client.SessionID, req.Pergunta)
	if answer.SessionID != "" {
		client.SessionID = answer.SessionID
	}
	if err != nil {
		logger.Error().Err(err).Str("session_id", client.SessionID).Msg("Turn failed")
		return wsError{Error: internalErrorMessage, SessionID: client.SessionID}
	}

	return answerResponse{Resposta: answer.Text, SessionID: answer.SessionID}
}
