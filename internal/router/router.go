package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/evalcoach/evalcoach-api/internal/config"
	"github.com/evalcoach/evalcoach-api/internal/handler"
	"github.com/evalcoach/evalcoach-api/internal/middleware"
	"github.com/evalcoach/evalcoach-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SnapshotHandler *handler.SnapshotHandler
	ChatHandler     *handler.ChatHandler
	InsightsHandler *handler.InsightsHandler
	JWTMiddleware   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.SnapshotHandler != nil {
		snapshots := app.Group("/api/v1/snapshots", jwtMiddleware)
		deps.SnapshotHandler.Register(snapshots)

		// Turn starts burn AI budget; keep them behind a per-user limiter.
		if deps.ChatHandler != nil {
			turnLimiter := middleware.RateLimit("coach-turn", 10, time.Minute)
			snapshots.Use("/:id/messages", func(c *fiber.Ctx) error {
				if c.Method() == fiber.MethodPost {
					return turnLimiter(c)
				}
				return c.Next()
			})
			deps.ChatHandler.Register(snapshots)
		}
	}

	if deps.InsightsHandler != nil {
		insights := app.Group("/api/v1/insights", jwtMiddleware)
		deps.InsightsHandler.Register(insights)
	}
}
