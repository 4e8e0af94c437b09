package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/vision-backend/internal/shared"
	"github.com/labstack/echo/v4"
)

type MetricsListResponse struct {
	Hours   int        `json:"hours"`
	Metrics []*Metrics `json:"metrics"`
}

// Handler serves recorded session history.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/sessions", h.GetMetrics)
	g.GET("/sessions/:id", h.GetSession)
}

func (h *Handler) GetMetrics(c echo.Context) error {
	if h.store == nil {
		return shared.ServiceUnavailable("metrics_disabled", "session metrics require redis")
	}

	hours := 24
	if v := c.QueryParam("hours"); v != "" {
		hr, err := strconv.Atoi(v)
		if err != nil || hr < 1 || hr > 168 {
			return shared.BadRequest("invalid_hours", "hours must be between 1 and 168")
		}
		hours = hr
	}

	metrics, err := h.store.GetMetrics(c.Request().Context(), hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}
	if metrics == nil {
		metrics = []*Metrics{}
	}

	return c.JSON(http.StatusOK, MetricsListResponse{Hours: hours, Metrics: metrics})
}

func (h *Handler) GetSession(c echo.Context) error {
	if h.store == nil {
		return shared.ServiceUnavailable("metrics_disabled", "session metrics require redis")
	}

	summary, err := h.store.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		h.logger.Error("failed to get session", "error", err, "session_id", c.Param("id"))
		return shared.InternalError("get_session_failed", "failed to get session")
	}
	return c.JSON(http.StatusOK, summary)
}
