package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/service"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

// CreateSession starts an empty conversation.
func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	cs, err := h.service.CreateChatSession(c.Request().Context(), c.Param("workspace_id"), req.Title)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, cs)
}

// ListSessions lists a workspace's conversations, most recent first.
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.service.ListChatSessions(c.Request().Context(), c.Param("workspace_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// ListMessages returns a conversation's messages.
func (h *Handler) ListMessages(c echo.Context) error {
	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteChatSession(c.Request().Context(), c.Param("session_id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListIntegrations returns the caller's integrations. Tokens are never
// serialized.
func (h *Handler) ListIntegrations(c echo.Context) error {
	list, err := h.service.ListIntegrations(c.Request().Context(), c.Param("workspace_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"integrations": list})
}

// ConnectIntegration stores a refresh token for a provider.
func (h *Handler) ConnectIntegration(c echo.Context) error {
	var req service.ConnectIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	in, err := h.service.ConnectIntegration(c.Request().Context(), c.Param("workspace_id"),
		domain.IntegrationProvider(c.Param("provider")), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, in)
}

func (h *Handler) DisconnectIntegration(c echo.Context) error {
	err := h.service.DisconnectIntegration(c.Request().Context(), c.Param("workspace_id"),
		domain.IntegrationProvider(c.Param("provider")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
