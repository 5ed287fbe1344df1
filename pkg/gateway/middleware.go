package gateway

import (
	"time"

	"github.com/harun/biblechat/internal/observability"
	"github.com/harun/biblechat/internal/tracing"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// requestID reuses an inbound X-Request-Id or mints one, and stores it on
// the request context for loggers downstream
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(RequestIDHeader)
			if id == "" {
				generated, err := gonanoid.New()
				if err != nil {
					generated = tracing.NewTraceID()
				}
				id = generated
			}

			ctx := tracing.NewRequestContext(tracing.WithRequestID(req.Context(), id))
			c.SetRequest(req.WithContext(ctx))
			c.Response().Header().Set(RequestIDHeader, id)

			return next(c)
		}
	}
}

func (s *Server) accessLog() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			observability.RecordHTTPRequest(route, status)

			reqLogger := requestLogger(c, s.logger)
			event := reqLogger.Info()
			if status >= 500 {
				event = reqLogger.Warn()
			}
			event.
				Str("method", c.Request().Method).
				Str("route", route).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("HTTP request")

			return nil
		}
	}
}

func requestLogger(c echo.Context, base zerolog.Logger) zerolog.Logger {
	return tracing.LoggerFromContext(c.Request().Context(), base)
}
