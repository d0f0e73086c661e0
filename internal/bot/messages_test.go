package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vpnbot/internal/models"
	"vpnbot/internal/service"
)

func TestFormatExpiry(t *testing.T) {
	assert.Equal(t, "unlimited", formatExpiry(nil))

	at := time.Date(2026, 1, 2, 3, 4, 0, 0, time.FixedZone("MSK", 3*3600))
	assert.Equal(t, "2026-01-02 00:04 UTC", formatExpiry(&at))
}

func TestMessagesEscapeUserInput(t *testing.T) {
	sub := &models.Subscription{ConnectionLink: "https://x/sub?a=1&b=<2>"}
	text := trialText("<script>", sub)

	assert.Contains(t, text, "&lt;script&gt;")
	assert.Contains(t, text, "a=1&amp;b=&lt;2&gt;")
	assert.Contains(t, welcomeBackText(""), "Welcome back, there!")
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "✅ active", statusLabel("active"))
	assert.Equal(t, "📉 traffic limit reached", statusLabel("limited"))
	assert.Equal(t, "&lt;new&gt;", statusLabel("<new>"))
}

func TestTrafficLine(t *testing.T) {
	assert.Equal(t, "512.00 MB / unlimited", trafficLine(&service.AccountStatus{UsedTraffic: 512 << 20}))
	assert.Equal(t, "0 B / 5.00 GB", trafficLine(&service.AccountStatus{DataLimit: 5 << 30}))
}

func TestPurchasedTextNamesTariff(t *testing.T) {
	text := purchasedText(activeSub())
	assert.Contains(t, text, "VPN for 1 month")
	assert.Contains(t, text, "2026-11-01 00:00 UTC")
}
