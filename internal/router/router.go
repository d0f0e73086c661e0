package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"vpnbot/internal/middleware"
	"vpnbot/internal/pkg/guard"
)

// WebhookPath is where Telegram delivers updates; BOT_WEBHOOK_URL must end with it.
const WebhookPath = "/bot/webhook"

// Setup configures all routes for the Echo server. webhookHandler is nil
// when the bot uses long polling.
func Setup(
	e *echo.Echo,
	logger *zap.Logger,
	webhookSecret string,
	updateDeduper guard.Guard,
	webhookHandler http.Handler,
) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))

	// Telegram webhook (protected by IP check, secret token + deduplication)
	if webhookHandler != nil {
		botWebhookGroup := e.Group("/bot")
		botWebhookGroup.Use(middleware.TelegramIPCheck())
		botWebhookGroup.Use(middleware.WebhookSecret(webhookSecret))
		botWebhookGroup.Use(middleware.TelegramUpdateDedup(updateDeduper))
		botWebhookGroup.POST("/webhook", echo.WrapHandler(webhookHandler))
	} else {
		logger.Info("Telegram webhook routes disabled (bot update mode is polling)")
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
