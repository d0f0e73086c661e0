package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"vpnbot/internal/pkg/guard"
)

func serve(e *echo.Echo, body string, header map[string]string, remote string) int {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestTelegramUpdateDedup(t *testing.T) {
	var handled int32
	e := echo.New()
	e.POST("/webhook", func(c echo.Context) error {
		atomic.AddInt32(&handled, 1)
		return c.NoContent(http.StatusOK)
	}, TelegramUpdateDedup(guard.NewMemory()))

	assert.Equal(t, http.StatusOK, serve(e, `{"update_id": 10}`, nil, ""))
	assert.Equal(t, http.StatusOK, serve(e, `{"update_id": 10}`, nil, ""))
	assert.Equal(t, http.StatusOK, serve(e, `{"update_id": 11}`, nil, ""))
	assert.Equal(t, http.StatusOK, serve(e, `not json`, nil, ""))

	assert.EqualValues(t, 3, atomic.LoadInt32(&handled))
}

func TestWebhookSecret(t *testing.T) {
	e := echo.New()
	e.POST("/webhook", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, WebhookSecret("s3cret"))

	assert.Equal(t, http.StatusUnauthorized, serve(e, `{}`, nil, ""))
	assert.Equal(t, http.StatusUnauthorized, serve(e, `{}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "nope"}, ""))
	assert.Equal(t, http.StatusOK, serve(e, `{}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "s3cret"}, ""))
}

func TestTelegramIPCheck(t *testing.T) {
	e := echo.New()
	e.POST("/webhook", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, TelegramIPCheck())

	assert.Equal(t, http.StatusOK, serve(e, `{}`, nil, "149.154.167.220:443"))
	assert.Equal(t, http.StatusOK, serve(e, `{}`, nil, "91.108.6.1:443"))
	assert.Equal(t, http.StatusOK, serve(e, `{}`, nil, "127.0.0.1:5000"))
	assert.Equal(t, http.StatusForbidden, serve(e, `{}`, nil, "8.8.8.8:443"))
	assert.Equal(t, http.StatusForbidden, serve(e, `{}`, nil, "149.154.200.1:443"))
}

func TestRequestLogger(t *testing.T) {
	e := echo.New()
	e.Use(RequestLogger(zap.NewNop()))
	e.POST("/webhook", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot)
	})

	assert.Equal(t, http.StatusTeapot, serve(e, `{}`, nil, ""))
}
