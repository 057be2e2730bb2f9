// Package http exposes the operational surface: health probes, budget
// snapshots and crash-loop inspection.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"assistant_server/adapter/in/worker"
	"assistant_server/core/service/guard"
)

// HealthChecker is anything that can report its connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// OpsHandler serves the health and /ops routes.
type OpsHandler struct {
	store  HealthChecker
	budget *guard.BudgetGuard
	crash  *guard.CrashLoopGuard
	pool   *worker.Pool
	log    zerolog.Logger
}

// NewOpsHandler creates the handler.
func NewOpsHandler(store HealthChecker, budget *guard.BudgetGuard, crash *guard.CrashLoopGuard, pool *worker.Pool, log zerolog.Logger) *OpsHandler {
	return &OpsHandler{
		store:  store,
		budget: budget,
		crash:  crash,
		pool:   pool,
		log:    log.With().Str("component", "ops_http").Logger(),
	}
}

// Register mounts the routes.
func (h *OpsHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)

	ops := app.Group("/ops")
	ops.Get("/budget", h.Budget)
	ops.Get("/crashloop", h.CrashLoop)
	ops.Post("/crashloop/reset", h.CrashLoopReset)
	ops.Get("/workers", h.Workers)
}

func (h *OpsHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *OpsHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			checks["store"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["store"] = "healthy"
		}
	} else {
		checks["store"] = "not configured"
	}

	if h.crash != nil && h.crash.Halted() {
		checks["crashloop"] = "halted"
		allHealthy = false
	} else {
		checks["crashloop"] = "ok"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}

// Budget returns the live counters against their ceilings.
func (h *OpsHandler) Budget(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	return c.JSON(h.budget.Snapshot(ctx))
}

// CrashLoop reports the restart counter and remaining window.
func (h *OpsHandler) CrashLoop(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	count, remaining := h.crash.State(ctx)
	return c.JSON(fiber.Map{
		"halted":           h.crash.Halted(),
		"starts_in_window": count,
		"window_remaining": remaining.String(),
	})
}

// CrashLoopReset clears the restart counter on operator request.
func (h *OpsHandler) CrashLoopReset(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.crash.Reset(ctx); err != nil {
		h.log.Error().Err(err).Msg("crash-loop reset failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	h.log.Info().Str("request_id", requestID(c)).Msg("crash-loop counter reset by operator")
	return c.JSON(fiber.Map{"status": "reset"})
}

// Workers returns the pool counters.
func (h *OpsHandler) Workers(c *fiber.Ctx) error {
	if h.pool == nil {
		return c.JSON(fiber.Map{"status": "not configured"})
	}
	m := h.pool.Metrics()
	lat := h.pool.Latency()
	return c.JSON(fiber.Map{
		"processed":  m.Processed,
		"failed":     m.Failed,
		"duplicates": m.Duplicates,
		"latency": fiber.Map{
			"count": lat.Count,
			"avg":   lat.Avg.String(),
			"p50":   lat.P50.String(),
			"p95":   lat.P95.String(),
			"p99":   lat.P99.String(),
		},
	})
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return ""
}
