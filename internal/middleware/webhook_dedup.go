package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"vpnbot/internal/pkg/guard"
)

const updateDedupTTL = 10 * time.Minute

// TelegramUpdateDedup drops duplicate Telegram webhook updates by update_id.
// Guard failures let the update through.
func TelegramUpdateDedup(g guard.Guard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if g == nil {
				return next(c)
			}

			req := c.Request()
			if req.Body == nil {
				return next(c)
			}

			rawBody, err := io.ReadAll(req.Body)
			if err != nil {
				return next(c)
			}
			req.Body = io.NopCloser(bytes.NewBuffer(rawBody))
			if len(rawBody) == 0 {
				return next(c)
			}

			updateID, ok := parseUpdateID(rawBody)
			if !ok {
				return next(c)
			}

			fresh, err := g.Acquire(req.Context(), "tg:update:"+strconv.FormatInt(updateID, 10), updateDedupTTL)
			if err != nil || fresh {
				return next(c)
			}
			// Telegram only needs a 2xx response to stop retries.
			return c.NoContent(http.StatusOK)
		}
	}
}

func parseUpdateID(body []byte) (int64, bool) {
	var payload struct {
		UpdateID int64 `json:"update_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.UpdateID == 0 {
		return 0, false
	}
	return payload.UpdateID, true
}
