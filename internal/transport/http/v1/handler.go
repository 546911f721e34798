// Package v1 provides the versioned HTTP handlers.
package v1

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/service"
	"github.com/jorgeraad/leafai/internal/workflow"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	metrics *metrics.Metrics
}

// NewHandler creates a new handler. m may be nil.
func NewHandler(svc *service.Service, m *metrics.Metrics) *Handler {
	return &Handler{
		service: svc,
		metrics: m,
	}
}

// RegisterRoutes registers the routes. authMW guards the /v1 group.
func (h *Handler) RegisterRoutes(e *echo.Echo, authMW echo.MiddlewareFunc) {
	e.GET("/health", h.Health)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}

	g := e.Group("/v1")
	if authMW != nil {
		g.Use(authMW)
	}

	// Chat runs
	g.POST("/chat", h.Chat)
	g.GET("/runs/:run_id", h.GetRun)
	g.GET("/runs/:run_id/stream", h.StreamRun)
	g.GET("/runs/:run_id/ws", h.RunWebSocket)

	// Sessions
	g.POST("/workspaces/:workspace_id/sessions", h.CreateSession)
	g.GET("/workspaces/:workspace_id/sessions", h.ListSessions)
	g.GET("/sessions/:session_id/messages", h.ListMessages)
	g.DELETE("/sessions/:session_id", h.DeleteSession)

	// Integrations
	g.GET("/workspaces/:workspace_id/integrations", h.ListIntegrations)
	g.PUT("/workspaces/:workspace_id/integrations/:provider", h.ConnectIntegration)
	g.DELETE("/workspaces/:workspace_id/integrations/:provider", h.DisconnectIntegration)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("ERROR: %s %s: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
