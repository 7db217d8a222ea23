package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Pinger is the connectivity probe used by health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientPinger adapts a mongo.Client to the Pinger interface.
type ClientPinger struct {
	Client *mongo.Client
}

func (p ClientPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx, readpref.Primary())
}

// HealthHandler returns a liveness endpoint that pings the database.
func HealthHandler(pinger Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		if err := pinger.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":  "healthy",
			"latency": time.Since(start).String(),
		})
	}
}
