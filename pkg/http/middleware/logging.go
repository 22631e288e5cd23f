package middleware

import (
	"time"

	applogger "TradeCore/pkg/logger"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// HeaderCorrelationID carries the correlation id across the API and the bus.
const HeaderCorrelationID = "X-Correlation-ID"

// RequestLogging tags every request with a correlation id (taken from the
// request or generated), echoes it back and logs the request at debug level.
// Server errors are logged at warn.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			cid := req.Header.Get(HeaderCorrelationID)
			if cid == "" {
				cid = uuid.NewString()
			}
			c.Set("correlation_id", cid)
			res.Header().Set(HeaderCorrelationID, cid)

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.String("correlation_id", cid),
				applogger.Int("status", res.Status),
				applogger.Duration("latency_ms", time.Since(start)),
			}
			if res.Status >= 500 {
				l.Warn("request failed", fields...)
				return nil
			}
			l.Debug("request", fields...)
			return nil
		}
	}
}
