package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/services"
)

// DividendsService is what the dividends endpoints need from the service layer
type DividendsService interface {
	Handle(ctx context.Context, subject models.Subject, trigger bool) (*models.DividendsAnswer, error)
	Lookup(ctx context.Context, requestID string) (*models.RequestRecords, error)
}

type DividendsHandler struct {
	svc DividendsService
}

func NewDividendsHandler(svc DividendsService) *DividendsHandler {
	return &DividendsHandler{svc: svc}
}

func (h *DividendsHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/tao_dividends", h.handleDividends)
	g.GET("/requests/:request_id", h.handleRequest)
}

func (h *DividendsHandler) handleDividends(c echo.Context) error {
	var subject models.Subject

	if s := strings.TrimSpace(c.QueryParam("netuid")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 65535 {
			return echo.NewHTTPError(http.StatusBadRequest, "netuid must be a non-negative integer")
		}
		subject.Netuid = &n
	}
	subject.Hotkey = c.QueryParam("hotkey")

	trigger := false
	if s := c.QueryParam("trade"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "trade must be a boolean")
		}
		trigger = b
	}

	answer, err := h.svc.Handle(c.Request().Context(), subject, trigger)
	if err != nil {
		if errors.Is(err, services.ErrUpstream) {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		slog.Error("Dividends request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, answer)
}

func (h *DividendsHandler) handleRequest(c echo.Context) error {
	requestID := c.Param("request_id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_id is required")
	}

	records, err := h.svc.Lookup(c.Request().Context(), requestID)
	if err != nil {
		slog.Error("Record lookup failed", "request_id", requestID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load records")
	}
	return c.JSON(http.StatusOK, records)
}
