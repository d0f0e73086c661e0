package reconcile

import (
	"fmt"
	"html"
	"time"

	"vpnbot/internal/tariff"
)

func tariffTitle(code string) string {
	if t, err := tariff.Lookup(code); err == nil {
		return t.Title
	}
	return code
}

func activatedText(code, link string, expiresAt *time.Time) string {
	until := "-"
	if expiresAt != nil {
		until = expiresAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	return fmt.Sprintf(
		"🎉 <b>Payment received!</b>\n\n"+
			"You purchased: <b>%s</b>\n"+
			"Valid until: %s\n\n"+
			"🔑 Your subscription link:\n<code>%s</code>\n\n"+
			"Add it to your VPN client (V2RayNG, Hiddify, Streisand).",
		html.EscapeString(tariffTitle(code)), until, html.EscapeString(link),
	)
}

func deferredText() string {
	return "⚠️ Payment received, but the VPN key could not be created yet.\n" +
		"We will retry automatically within a minute. There is no need to pay again."
}

func expiredText(code string) string {
	return fmt.Sprintf(
		"⌛ The invoice for <b>%s</b> expired without payment.\nOpen the Buy menu to start a new one.",
		html.EscapeString(tariffTitle(code)),
	)
}

func unprovisionableText() string {
	return "⚠️ Payment received, but this tariff can no longer be issued.\nPlease contact support, your payment is safe."
}
