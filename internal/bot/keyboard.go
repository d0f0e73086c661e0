package bot

import (
	"fmt"

	tele "gopkg.in/telebot.v3"

	"vpnbot/internal/tariff"
)

var (
	selector = &tele.ReplyMarkup{}

	btnBuy     = selector.Data("🛒 Buy VPN", "buy")
	btnStatus  = selector.Data("📊 My subscription", "status")
	btnConnect = selector.Data("🔑 Connect", "connect")
	btnHelp    = selector.Data("❓ Help", "help")
	btnMenu    = selector.Data("🔙 Main menu", "main_menu")

	// Data carries the tariff code.
	btnTariff    = tele.Btn{Unique: "tariff"}
	btnPayStars  = tele.Btn{Unique: "pay_stars"}
	btnPayCrypto = tele.Btn{Unique: "pay_crypto"}
)

// KeyboardBuilder builds inline keyboards for the bot screens.
type KeyboardBuilder struct {
	cryptoEnabled bool
}

func NewKeyboardBuilder(cryptoEnabled bool) *KeyboardBuilder {
	return &KeyboardBuilder{cryptoEnabled: cryptoEnabled}
}

// MainMenu is shown after /start and at the end of every flow.
func (kb *KeyboardBuilder) MainMenu() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(btnBuy),
		menu.Row(btnStatus, btnConnect),
		menu.Row(btnHelp),
	)
	return menu
}

// TariffList has one button per paid tariff.
func (kb *KeyboardBuilder) TariffList() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	var rows []tele.Row
	for _, t := range tariff.Paid() {
		label := fmt.Sprintf("%s · %s", t.Title, t.DisplayPrice())
		rows = append(rows, menu.Row(menu.Data(label, btnTariff.Unique, t.Code)))
	}
	rows = append(rows, menu.Row(btnMenu))
	menu.Inline(rows...)
	return menu
}

// PaymentMethods offers the ways to pay for one tariff.
func (kb *KeyboardBuilder) PaymentMethods(t tariff.Tariff) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	rows := []tele.Row{
		menu.Row(menu.Data(fmt.Sprintf("⭐️ Pay %d Stars", t.PriceStars), btnPayStars.Unique, t.Code)),
	}
	if kb.cryptoEnabled {
		rows = append(rows, menu.Row(menu.Data(fmt.Sprintf("💎 Pay %g USDT", t.PriceUSD), btnPayCrypto.Unique, t.Code)))
	}
	rows = append(rows, menu.Row(btnBuy))
	menu.Inline(rows...)
	return menu
}

// PayLink opens a crypto invoice.
func (kb *KeyboardBuilder) PayLink(url string) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(menu.URL("💳 Pay invoice", url)),
		menu.Row(btnMenu),
	)
	return menu
}

// BuyOnly is shown to users without a subscription.
func (kb *KeyboardBuilder) BuyOnly() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnBuy), menu.Row(btnMenu))
	return menu
}
