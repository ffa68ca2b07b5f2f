package v1

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
)

// maxWebhookBody bounds the size of a pushed event.
const maxWebhookBody = "1M"

// WebhookResponse acknowledges a pushed event.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleWebhook receives events pushed by a chat platform. Accepted events
// are queued and acknowledged immediately; the reply is sent when the
// user's batch is flushed.
func (s *APIV1Service) HandleWebhook(c echo.Context) error {
	platform := chat_apps.Platform(c.Param("platform"))

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, WebhookResponse{Message: "failed to read body"})
	}

	headers := make(map[string]string, len(c.Request().Header))
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}

	err = s.Bot.HandleWebhook(c.Request().Context(), platform, headers, body)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, WebhookResponse{Success: true, Message: "message received"})
	case errors.Is(err, channels.ErrIgnoredEvent):
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, channels.ErrNoChannelForPlatform):
		return c.JSON(http.StatusNotFound, WebhookResponse{Message: "platform not configured"})
	case errors.Is(err, channels.ErrInvalidSignature):
		slog.Warn("webhook validation failed", "platform", platform, "error", err)
		return c.JSON(http.StatusUnauthorized, WebhookResponse{Message: "webhook validation failed"})
	case errors.Is(err, channels.ErrInvalidPayload):
		slog.Warn("failed to parse webhook event", "platform", platform, "error", err)
		return c.JSON(http.StatusBadRequest, WebhookResponse{Message: "failed to parse event"})
	default:
		slog.Error("failed to handle webhook", "platform", platform, "error", err)
		return c.JSON(http.StatusInternalServerError, WebhookResponse{Message: "internal error"})
	}
}
