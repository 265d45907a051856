package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/aigoflow/taopulse/internal/services"
	"github.com/aigoflow/taopulse/internal/store"
)

type HealthChecker interface {
	Check(ctx context.Context) services.HealthStatus
}

type EventLister interface {
	RecentEvents(ctx context.Context, limit int) ([]store.Event, error)
}

type HealthHandler struct {
	health HealthChecker
	events EventLister
}

func NewHealthHandler(health HealthChecker, events EventLister) *HealthHandler {
	return &HealthHandler{health: health, events: events}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/events", h.handleEvents)
}

func (h *HealthHandler) handleHealth(c echo.Context) error {
	st := h.health.Check(c.Request().Context())
	code := http.StatusOK
	if st.Status == "down" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, st)
}

func (h *HealthHandler) handleEvents(c echo.Context) error {
	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := h.events.RecentEvents(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get events: "+err.Error())
	}
	return c.JSON(http.StatusOK, events)
}
