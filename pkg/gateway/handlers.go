package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const maxBodyBytes = 64 << 10

type questionRequest struct {
	Pergunta  string `json:"pergunta"`
	SessionID string `json:"sessionId,omitempty"`
}

type answerResponse struct {
	Resposta  string `json:"resposta"`
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
	Clients  int    `json:"clients"`
}

func decodeQuestion(body []byte) (questionRequest, error) {
	var req questionRequest
	if err := validateQuestion(body); err != nil {
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) handleExplain(c echo.Context) error {
	if !s.begin() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	defer s.inFlight.Done()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	req, err := decodeQuestion(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Pergunta) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, EmptyQuestionMessage)
	}

	sessionID := strings.TrimSpace(c.Request().Header.Get(SessionHeader))
	if sessionID == "" {
		sessionID = strings.TrimSpace(req.SessionID)
	}

	answer, err := s.conv.Ask(c.Request().Context(), sessionID, req.Pergunta)
	if answer.SessionID != "" {
		c.Response().Header().Set(SessionHeader, answer.SessionID)
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, answerResponse{
		Resposta:  answer.Text,
		SessionID: answer.SessionID,
	})
}

func (s *Server) handleReset(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	existed, err := s.conv.Reset(c.Request().Context(), id)
	if err != nil {
		return err
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Debug().
		Str("session_id", id).
		Bool("existed", existed).
		Msg("Session reset")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if s.shuttingDown() {
		status = "shutting_down"
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:   status,
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		Sessions: s.conv.Sessions(),
		Clients:  s.clients.Count(),
	})
}
