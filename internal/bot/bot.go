package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
	telemw "gopkg.in/telebot.v3/middleware"

	"vpnbot/internal/apperr"
	"vpnbot/internal/config"
	"vpnbot/internal/models"
	"vpnbot/internal/service"
	"vpnbot/internal/tariff"
)

// starsCurrency is the Telegram Stars currency code.
const starsCurrency = "XTR"

// handlerTimeout bounds one update, including panel retries.
const handlerTimeout = time.Minute

// Service is the subset of the subscription service the bot drives.
type Service interface {
	IssueTrial(ctx context.Context, userID int64, username string) (*models.Subscription, error)
	PurchaseWithStars(ctx context.Context, userID int64, payload, chargeID string) (*models.Subscription, error)
	StartCryptoPurchase(ctx context.Context, userID int64, code string) (*service.CryptoIntent, error)
	Status(ctx context.Context, userID int64) (*service.AccountStatus, error)
}

// Bot wraps the telebot instance and handlers.
type Bot struct {
	tb            *tele.Bot
	webhook       *tele.Webhook
	useWebhook    bool
	webhookURL    string
	providerToken string
	support       string
	svc           Service
	keyboard      *KeyboardBuilder
	logger        *zap.Logger
}

// New creates and configures a new Bot instance.
func New(cfg *config.Config, svc Service, logger *zap.Logger) (*Bot, error) {
	useWebhook := cfg.Bot.UpdateMode == "webhook"

	var poller tele.Poller
	var webhook *tele.Webhook
	if useWebhook {
		if cfg.Bot.WebhookURL == "" {
			return nil, apperr.NewConfigError("BOT_WEBHOOK_URL", "is required when BOT_UPDATE_MODE=webhook")
		}
		webhook = &tele.Webhook{
			Listen:      "", // Empty: we mount on Echo instead of telebot's own server
			SecretToken: cfg.Bot.WebhookSecret,
			Endpoint:    &tele.WebhookEndpoint{PublicURL: cfg.Bot.WebhookURL},
		}
		poller = webhook
	} else {
		poller = &tele.LongPoller{Timeout: 10 * time.Second}
	}

	tb, err := tele.NewBot(tele.Settings{
		Token:     cfg.Bot.Token,
		Poller:    poller,
		ParseMode: tele.ModeHTML,
		OnError: func(err error, c tele.Context) {
			logger.Error("telebot error", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telebot: %w", err)
	}

	b := newBot(tb, svc, cfg.Crypto.Enabled(), logger)
	b.webhook = webhook
	b.useWebhook = useWebhook
	b.webhookURL = cfg.Bot.WebhookURL
	b.providerToken = cfg.Bot.ProviderToken
	b.support = cfg.Bot.SupportContact
	return b, nil
}

func newBot(tb *tele.Bot, svc Service, cryptoEnabled bool, logger *zap.Logger) *Bot {
	b := &Bot{
		tb:       tb,
		svc:      svc,
		keyboard: NewKeyboardBuilder(cryptoEnabled),
		logger:   logger,
	}
	b.registerHandlers()
	return b
}

// WebhookHandler returns the webhook handler for mounting on Echo.
// Returns nil when running in long-polling mode.
func (b *Bot) WebhookHandler() http.Handler {
	if !b.useWebhook {
		return nil
	}
	return b.webhook
}

// Start begins polling/webhook processing. It blocks until Stop.
func (b *Bot) Start() {
	if b.useWebhook {
		b.logger.Info("Starting Telegram bot", zap.String("mode", "webhook"), zap.String("webhook_url", b.webhookURL))
	} else {
		// Long polling requires webhook to be removed first.
		if err := b.tb.RemoveWebhook(); err != nil {
			b.logger.Warn("Failed to remove webhook before long polling", zap.Error(err))
		}
		b.logger.Info("Starting Telegram bot", zap.String("mode", "polling"))
	}
	b.tb.Start()
}

// Stop gracefully shuts down the bot.
func (b *Bot) Stop() {
	b.tb.Stop()
}

func (b *Bot) registerHandlers() {
	b.tb.Use(telemw.Recover(func(err error, c tele.Context) {
		b.logger.Error("Bot handler panicked", zap.Error(err))
	}))
	b.tb.Use(telemw.AutoRespond())

	b.tb.Handle("/start", b.handleStart)
	b.tb.Handle("/buy", b.handleBuy)
	b.tb.Handle("/status", b.handleStatus)
	b.tb.Handle("/connect", b.handleConnect)
	b.tb.Handle("/help", b.handleHelp)

	b.tb.Handle(&btnBuy, b.handleBuy)
	b.tb.Handle(&btnStatus, b.handleStatus)
	b.tb.Handle(&btnConnect, b.handleConnect)
	b.tb.Handle(&btnHelp, b.handleHelp)
	b.tb.Handle(&btnMenu, b.handleMenu)
	b.tb.Handle(&btnTariff, b.handleTariff)
	b.tb.Handle(&btnPayStars, b.handlePayStars)
	b.tb.Handle(&btnPayCrypto, b.handlePayCrypto)

	b.tb.Handle(tele.OnCheckout, b.handleCheckout)
	b.tb.Handle(tele.OnPayment, b.handlePayment)
}

func (b *Bot) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// ── /start ────────────────────────────────────────────────────────────

func (b *Bot) handleStart(c tele.Context) error {
	ctx, cancel := b.context()
	defer cancel()

	sender := c.Sender()
	sub, err := b.svc.IssueTrial(ctx, sender.ID, sender.Username)
	switch {
	case err == nil:
		return c.Send(trialText(sender.FirstName, sub), b.keyboard.MainMenu())
	case errors.Is(err, service.ErrTrialUsed):
		return c.Send(welcomeBackText(sender.FirstName), b.keyboard.MainMenu())
	case errors.Is(err, service.ErrBusy):
		return c.Send(busyText())
	default:
		b.logger.Error("Trial issuance failed", zap.Int64("user_id", sender.ID), zap.Error(err))
		return c.Send(trialFailedText(), b.keyboard.MainMenu())
	}
}

func (b *Bot) handleMenu(c tele.Context) error {
	return c.Send(menuText(), b.keyboard.MainMenu())
}

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(helpText(b.support), b.keyboard.MainMenu())
}

// ── Purchase ──────────────────────────────────────────────────────────

func (b *Bot) handleBuy(c tele.Context) error {
	return c.Send(tariffListText(), b.keyboard.TariffList())
}

// paidTariff resolves the tariff code carried in callback data.
func paidTariff(code string) (tariff.Tariff, bool) {
	t, err := tariff.Lookup(code)
	if err != nil || t.IsTrial() {
		return tariff.Tariff{}, false
	}
	return t, true
}

func (b *Bot) handleTariff(c tele.Context) error {
	t, ok := paidTariff(c.Data())
	if !ok {
		return c.Send(unknownTariffText(), b.keyboard.TariffList())
	}
	return c.Send(tariffText(t), b.keyboard.PaymentMethods(t))
}

func (b *Bot) handlePayStars(c tele.Context) error {
	t, ok := paidTariff(c.Data())
	if !ok {
		return c.Send(unknownTariffText(), b.keyboard.TariffList())
	}
	return c.Send(&tele.Invoice{
		Title:       t.Title,
		Description: t.Description,
		Payload:     service.StarsPayload(t.Code, c.Sender().ID),
		Currency:    starsCurrency,
		Token:       b.providerToken,
		Prices:      []tele.Price{{Label: t.Title, Amount: t.PriceStars}},
	})
}

// handleCheckout approves the pre-checkout query only for invoices this bot
// issued to the same user at the current price.
func (b *Bot) handleCheckout(c tele.Context) error {
	q := c.PreCheckoutQuery()
	code, userID, err := service.ParseStarsPayload(q.Payload)
	if err != nil || q.Sender == nil || userID != q.Sender.ID {
		b.logger.Warn("Rejecting pre-checkout query", zap.String("payload", q.Payload))
		return c.Accept(checkoutRejectedText())
	}
	t, ok := paidTariff(code)
	if !ok || q.Currency != starsCurrency || q.Total != t.PriceStars {
		b.logger.Warn("Rejecting pre-checkout query",
			zap.String("payload", q.Payload),
			zap.String("currency", q.Currency),
			zap.Int("total", q.Total),
		)
		return c.Accept(checkoutRejectedText())
	}
	return c.Accept()
}

func (b *Bot) handlePayment(c tele.Context) error {
	ctx, cancel := b.context()
	defer cancel()

	p := c.Message().Payment
	userID := c.Sender().ID
	sub, err := b.svc.PurchaseWithStars(ctx, userID, p.Payload, p.TelegramChargeID)
	if err != nil {
		b.logger.Error("Stars purchase failed",
			zap.Int64("user_id", userID),
			zap.String("charge_id", p.TelegramChargeID),
			zap.Error(err),
		)
		if sub != nil {
			// the row is queued for reconciliation
			return c.Send(purchaseQueuedText(), b.keyboard.MainMenu())
		}
		return c.Send(purchaseFailedText(b.support), b.keyboard.MainMenu())
	}
	return c.Send(purchasedText(sub), b.keyboard.MainMenu())
}

func (b *Bot) handlePayCrypto(c tele.Context) error {
	t, ok := paidTariff(c.Data())
	if !ok {
		return c.Send(unknownTariffText(), b.keyboard.TariffList())
	}

	ctx, cancel := b.context()
	defer cancel()

	userID := c.Sender().ID
	intent, err := b.svc.StartCryptoPurchase(ctx, userID, t.Code)
	switch {
	case err == nil:
		return c.Send(cryptoInvoiceText(t, intent), b.keyboard.PayLink(intent.PayURL))
	case apperr.IsConfig(err):
		return c.Send(cryptoUnavailableText(), b.keyboard.PaymentMethods(t))
	default:
		b.logger.Error("Crypto invoice creation failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.Send(paymentServiceDownText(), b.keyboard.MainMenu())
	}
}

// ── Status ────────────────────────────────────────────────────────────

func (b *Bot) handleStatus(c tele.Context) error {
	st, ok, err := b.status(c)
	if !ok {
		return err
	}
	return c.Send(statusText(st), b.keyboard.MainMenu())
}

func (b *Bot) handleConnect(c tele.Context) error {
	st, ok, err := b.status(c)
	if !ok {
		return err
	}
	if st.Link == "" {
		return c.Send(noSubscriptionText(), b.keyboard.BuyOnly())
	}
	return c.Send(connectText(st), b.keyboard.MainMenu())
}

// status loads the account and answers the user itself when there is
// nothing to show; ok is false in that case.
func (b *Bot) status(c tele.Context) (*service.AccountStatus, bool, error) {
	ctx, cancel := b.context()
	defer cancel()

	userID := c.Sender().ID
	st, err := b.svc.Status(ctx, userID)
	if err != nil {
		b.logger.Warn("Status lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, false, c.Send(statusUnavailableText(), b.keyboard.MainMenu())
	}
	if !st.Exists {
		return nil, false, c.Send(noSubscriptionText(), b.keyboard.BuyOnly())
	}
	return st, true, nil
}
