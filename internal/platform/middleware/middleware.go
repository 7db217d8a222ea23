// Package middleware holds the Echo middleware shared by every route group.
package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// requestIDKey is the echo context key under which RequestID stores the id
// that Logger and Recovery attach to their events.
const requestIDKey = "request_id"

// RequestID assigns each request an id, honoring an inbound X-Request-ID.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get("X-Request-ID")
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set("X-Request-ID", rid)
			return next(c)
		}
	}
}

// Logger emits one structured event per request. When the handler returns an
// echo HTTPError, the logged status comes from the error: the response status
// is not committed until echo's error handler runs, after this middleware
// unwinds.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get(requestIDKey).(string)

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

// Recovery converts panics into 500 responses with a logged stack.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := make([]byte, 4096)
					stack = stack[:runtime.Stack(stack, false)]

					rid, _ := c.Get(requestIDKey).(string)
					logger.Error().
						Str("request_id", rid).
						Interface("panic", r).
						Bytes("stack", stack).
						Msg("panic recovered")

					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// AdminKey gates a route group behind a static X-Admin-Key header. Real
// authorization belongs to the surrounding application; this is the minimal
// operational gate for the admin surface.
func AdminKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return echo.NewHTTPError(http.StatusForbidden, "admin surface disabled: no admin key configured")
			}
			got := c.Request().Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin key")
			}
			return next(c)
		}
	}
}
