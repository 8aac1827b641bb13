package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/cache"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store       Pinger
	cache       Pinger
	connections func() int
}

func NewHealthHandler(store, cache Pinger, connections func() int) *HealthHandler {
	return &HealthHandler{store: store, cache: cache, connections: connections}
}

// Check handles GET /health. A store outage reports 503 but the realtime
// path keeps serving already-open rooms.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	body := fiber.Map{"status": "ok", "store": "ok", "connections": h.connections()}

	if err := h.store.Ping(ctx); err != nil {
		status = fiber.StatusServiceUnavailable
		body["status"] = "degraded"
		body["store"] = err.Error()
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			body["cache"] = err.Error()
		} else {
			body["cache"] = "ok"
		}
		if stats, ok := h.cache.(interface{ Stats() cache.Stats }); ok {
			body["cacheStats"] = stats.Stats()
		}
	}
	return c.Status(status).JSON(body)
}
