package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// telegramNets are the published Telegram webhook source ranges.
var telegramNets = mustCIDRs("149.154.160.0/20", "91.108.4.0/22")

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// WebhookSecret validates the X-Telegram-Bot-Api-Secret-Token header set via
// setWebhook. An empty secret disables the check.
func WebhookSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}
			got := c.Request().Header.Get("X-Telegram-Bot-Api-Secret-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				return c.String(http.StatusUnauthorized, "Unauthorized")
			}
			return next(c)
		}
	}
}

// TelegramIPCheck ensures requests come from Telegram's IP range.
func TelegramIPCheck() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := net.ParseIP(c.RealIP())
			if ip == nil {
				return c.String(http.StatusForbidden, "Forbidden")
			}
			if ip.IsLoopback() {
				return next(c)
			}
			for _, n := range telegramNets {
				if n.Contains(ip) {
					return next(c)
				}
			}
			return c.String(http.StatusForbidden, "Forbidden")
		}
	}
}

// RequestLogger logs every request with its status and latency.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			if c.Response().Status >= http.StatusInternalServerError {
				logger.Warn("HTTP request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("HTTP request", fields...)
			}
			return nil
		}
	}
}
