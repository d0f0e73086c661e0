package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"vpnbot/internal/models"
	"vpnbot/internal/panel"
	"vpnbot/internal/pkg/utils"
	"vpnbot/internal/service"
	"vpnbot/internal/tariff"
)

const clientsHint = "Add it to your VPN client (V2RayNG, Hiddify, Streisand)."

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "unlimited"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func displayName(name string) string {
	if name == "" {
		return "there"
	}
	return html.EscapeString(name)
}

func trialText(name string, sub *models.Subscription) string {
	return fmt.Sprintf(
		"👋 Hi, %s!\n\n"+
			"🎁 Your free trial is ready: <b>%d GB</b> until %s.\n\n"+
			"🔑 Subscription link:\n<code>%s</code>\n\n%s",
		displayName(name), sub.DataLimitGB, formatExpiry(sub.ExpiresAt),
		html.EscapeString(sub.ConnectionLink), clientsHint,
	)
}

func welcomeBackText(name string) string {
	return fmt.Sprintf("👋 Welcome back, %s!\nYour trial was already used. Pick a plan in the Buy menu.", displayName(name))
}

func busyText() string {
	return "⏳ Your previous request is still being processed. Please try again in a moment."
}

func trialFailedText() string {
	return "⚠️ We could not issue your trial right now. Please send /start again in a few minutes."
}

func menuText() string {
	return "Choose an option:"
}

func tariffListText() string {
	var b strings.Builder
	b.WriteString("🛒 <b>Available plans</b>\n")
	for _, t := range tariff.Paid() {
		fmt.Fprintf(&b, "\n• <b>%s</b> · %s\n  %s", html.EscapeString(t.Title), t.DisplayPrice(), html.EscapeString(t.Description))
	}
	return b.String()
}

func tariffText(t tariff.Tariff) string {
	return fmt.Sprintf(
		"<b>%s</b>\n%s\n\n"+
			"Duration: %d days\nTraffic: %d GB\nPrice: %s\n\nChoose a payment method:",
		html.EscapeString(t.Title), html.EscapeString(t.Description),
		int(t.Duration/(24*time.Hour)), t.QuotaGB(), t.DisplayPrice(),
	)
}

func unknownTariffText() string {
	return "This plan is no longer available."
}

func cryptoInvoiceText(t tariff.Tariff, in *service.CryptoIntent) string {
	return fmt.Sprintf(
		"💎 Invoice for <b>%s</b>: %g USDT.\n\n"+
			"Pay within %s. Your key will arrive here automatically once the payment is confirmed.",
		html.EscapeString(t.Title), in.Amount, utils.FormatRemaining(in.ExpiresIn),
	)
}

func cryptoUnavailableText() string {
	return "💎 Crypto payments are not available right now. Please pay with Telegram Stars."
}

func paymentServiceDownText() string {
	return "⚠️ The payment service is unavailable. Please try again later."
}

func purchasedText(sub *models.Subscription) string {
	t, _ := tariff.Lookup(sub.TariffCode)
	return fmt.Sprintf(
		"🎉 <b>Payment received!</b>\n\n"+
			"You purchased: <b>%s</b>\nValid until: %s\n\n"+
			"🔑 Subscription link:\n<code>%s</code>\n\n%s",
		html.EscapeString(t.Title), formatExpiry(sub.ExpiresAt),
		html.EscapeString(sub.ConnectionLink), clientsHint,
	)
}

func purchaseQueuedText() string {
	return "⚠️ Payment received, but the VPN key could not be created yet.\n" +
		"We will retry automatically within a minute. There is no need to pay again."
}

func purchaseFailedText(support string) string {
	return "⚠️ Something went wrong while processing your payment." + supportLine(support)
}

func checkoutRejectedText() string {
	return "This invoice is no longer valid. Please open the Buy menu again."
}

func noSubscriptionText() string {
	return "You have no VPN subscription yet. Open the Buy menu to get one."
}

func statusUnavailableText() string {
	return "⚠️ Could not load your subscription right now. Please try again later."
}

func statusLabel(status string) string {
	switch status {
	case panel.StatusActive:
		return "✅ active"
	case panel.StatusExpired:
		return "⌛ expired"
	case panel.StatusLimited:
		return "📉 traffic limit reached"
	case panel.StatusDisabled:
		return "⛔ disabled"
	case panel.StatusOnHold:
		return "⏸ on hold"
	default:
		return html.EscapeString(status)
	}
}

func trafficLine(st *service.AccountStatus) string {
	if st.DataLimit <= 0 {
		return fmt.Sprintf("%s / unlimited", utils.FormatBytes(st.UsedTraffic))
	}
	return fmt.Sprintf("%s / %s", utils.FormatBytes(st.UsedTraffic), utils.FormatBytes(st.DataLimit))
}

func statusText(st *service.AccountStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Your subscription</b>\n\n")
	fmt.Fprintf(&b, "Account: <code>%s</code>\n", html.EscapeString(st.Username))
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(st.Status))
	fmt.Fprintf(&b, "Expires: %s\n", formatExpiry(st.ExpiresAt))
	if st.ExpiresAt != nil {
		fmt.Fprintf(&b, "Time left: %s\n", utils.FormatRemaining(st.Remaining))
	}
	fmt.Fprintf(&b, "Traffic: %s", trafficLine(st))
	if st.Stale {
		b.WriteString("\n\n<i>The VPN server is not responding, showing the last known data.</i>")
	}
	return b.String()
}

func connectText(st *service.AccountStatus) string {
	return fmt.Sprintf("🔑 Subscription link:\n<code>%s</code>\n\n%s", html.EscapeString(st.Link), clientsHint)
}

func helpText(support string) string {
	return "❓ <b>Help</b>\n\n" +
		"/start: get your free trial\n" +
		"/buy: buy or extend a plan\n" +
		"/status: expiry date and traffic\n" +
		"/connect: your subscription link\n\n" +
		"Buying a plan while one is active adds its time and traffic to your current key." +
		supportLine(support)
}

func supportLine(support string) string {
	if support == "" {
		return ""
	}
	return "\n\nSupport: " + html.EscapeString(support)
}
