// Package service implements the purchase flows started from the bot: trial
// issuance, Telegram Stars purchases, crypto invoice creation and status.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vpnbot/internal/apperr"
	"vpnbot/internal/lifecycle"
	"vpnbot/internal/models"
	"vpnbot/internal/panel"
	"vpnbot/internal/payment"
	"vpnbot/internal/pkg/guard"
	"vpnbot/internal/pkg/utils"
	"vpnbot/internal/repository"
	"vpnbot/internal/tariff"
)

var (
	ErrTrialUsed = errors.New("trial already issued")
	ErrBusy      = errors.New("another request for this user is in progress")
	ErrPayload   = errors.New("malformed payment payload")
)

const trialGuardTTL = 2 * time.Minute

// Panel is the part of the panel client purchases need.
type Panel interface {
	GetAccount(ctx context.Context, username string) (*panel.Account, error)
	CreateOrRenew(ctx context.Context, userID int64, tariffCode string) (*panel.Provisioned, error)
}

// Invoicer opens gateway invoices.
type Invoicer interface {
	CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error)
}

// SubscriptionService coordinates panel provisioning with the subscription
// history.
type SubscriptionService struct {
	users      *repository.UserRepository
	subs       *repository.SubscriptionRepository
	panel      Panel
	invoicer   Invoicer
	guard      guard.Guard
	logger     *zap.Logger
	invoiceTTL time.Duration
	now        func() time.Time
}

// NewSubscriptionService wires the service. invoicer may be nil when crypto
// payments are not configured.
func NewSubscriptionService(
	users *repository.UserRepository,
	subs *repository.SubscriptionRepository,
	p Panel,
	invoicer Invoicer,
	g guard.Guard,
	invoiceTTL time.Duration,
	logger *zap.Logger,
) *SubscriptionService {
	if invoiceTTL <= 0 {
		invoiceTTL = time.Hour
	}
	return &SubscriptionService{
		users:      users,
		subs:       subs,
		panel:      p,
		invoicer:   invoicer,
		guard:      g,
		logger:     logger,
		invoiceTTL: invoiceTTL,
		now:        time.Now,
	}
}

// Register records the user on first contact and keeps the handle current.
func (s *SubscriptionService) Register(ctx context.Context, userID int64, username string) (*models.User, error) {
	username = utils.TruncateRunes(username, 50)
	user, err := s.users.Ensure(ctx, userID, username)
	if err != nil {
		return nil, err
	}
	if username != "" && user.Username != username {
		if err := s.users.UpdateUsername(ctx, userID, username); err != nil {
			return nil, err
		}
		user.Username = username
	}
	return user, nil
}

func activeRow(userID int64, t tariff.Tariff, prov *panel.Provisioned, method string) *models.Subscription {
	return &models.Subscription{
		UserID:         userID,
		TariffCode:     t.Code,
		Status:         models.StatusActive,
		IsPaid:         true,
		PaymentMethod:  method,
		PanelUsername:  prov.Username,
		ExpiresAt:      prov.ExpiresAt(),
		DataLimitGB:    t.QuotaGB(),
		ConnectionLink: prov.Link,
	}
}

// IssueTrial grants the free tariff once per user. Concurrent attempts for the
// same user are serialized by the guard; the loser gets ErrBusy or ErrTrialUsed.
func (s *SubscriptionService) IssueTrial(ctx context.Context, userID int64, username string) (*models.Subscription, error) {
	t, err := tariff.Lookup(tariff.TrialCode)
	if err != nil {
		return nil, err
	}

	key := "trial:" + strconv.FormatInt(userID, 10)
	acquired, err := s.guard.Acquire(ctx, key, trialGuardTTL)
	if err != nil {
		return nil, fmt.Errorf("trial guard: %w", err)
	}
	if !acquired {
		return nil, ErrBusy
	}
	defer func() {
		if err := s.guard.Release(context.Background(), key); err != nil {
			s.logger.Warn("Failed to release trial guard", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()

	if _, err := s.Register(ctx, userID, username); err != nil {
		return nil, err
	}
	used, err := s.subs.HasTrial(ctx, userID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrTrialUsed
	}

	prov, err := s.panel.CreateOrRenew(ctx, userID, t.Code)
	if err != nil {
		return nil, err
	}

	sub := activeRow(userID, t, prov, models.MethodTrial)
	err = s.subs.Transaction(ctx, func(_ *repository.UserRepository, subs *repository.SubscriptionRepository) error {
		used, err := subs.HasTrial(ctx, userID)
		if err != nil {
			return err
		}
		if used {
			return ErrTrialUsed
		}
		return subs.Create(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Trial issued", zap.Int64("user_id", userID), zap.String("username", prov.Username))
	return sub, nil
}

// StarsPayload builds the invoice payload for a Stars purchase.
func StarsPayload(code string, userID int64) string {
	return fmt.Sprintf("stars_%s_%d", code, userID)
}

// ParseStarsPayload splits a payload built by StarsPayload.
func ParseStarsPayload(payload string) (string, int64, error) {
	parts := strings.Split(payload, "_")
	if len(parts) != 3 || parts[0] != models.MethodStars {
		return "", 0, ErrPayload
	}
	userID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, ErrPayload
	}
	return parts[1], userID, nil
}

// PurchaseWithStars fulfils a settled Telegram Stars payment synchronously.
// If the panel fails the payment is kept as paid_pending_provision under a
// synthetic invoice id, so the reconciliation loop retries provisioning.
func (s *SubscriptionService) PurchaseWithStars(ctx context.Context, userID int64, payload, chargeID string) (*models.Subscription, error) {
	code, payer, err := ParseStarsPayload(payload)
	if err != nil {
		return nil, err
	}
	if payer != userID {
		return nil, fmt.Errorf("%w: payload user %d, payer %d", ErrPayload, payer, userID)
	}
	t, err := tariff.Lookup(code)
	if err != nil {
		return nil, err
	}
	if _, err := s.Register(ctx, userID, ""); err != nil {
		return nil, err
	}

	prov, err := s.panel.CreateOrRenew(ctx, userID, t.Code)
	if err != nil {
		invoiceID := "stars:" + chargeID
		row := &models.Subscription{
			UserID:        userID,
			TariffCode:    t.Code,
			Status:        models.StatusPaidPendingProvision,
			InvoiceID:     &invoiceID,
			OrderRef:      chargeID,
			PaymentMethod: models.MethodStars,
			PanelUsername: panel.UsernameFor(userID),
			DataLimitGB:   t.QuotaGB(),
			LastError:     utils.TruncateRunes(err.Error(), 500),
		}
		if cerr := s.subs.Create(ctx, row); cerr != nil {
			s.logger.Error("Stars payment lost: panel and store both failed",
				zap.Int64("user_id", userID),
				zap.String("charge_id", chargeID),
				zap.Error(errors.Join(err, cerr)),
			)
			return nil, errors.Join(err, cerr)
		}
		return row, err
	}

	sub := activeRow(userID, t, prov, models.MethodStars)
	sub.OrderRef = chargeID
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("Stars purchase provisioned",
		zap.Int64("user_id", userID),
		zap.String("tariff", t.Code),
		zap.String("charge_id", chargeID),
	)
	return sub, nil
}

// CryptoIntent is a created invoice waiting for payment.
type CryptoIntent struct {
	Subscription *models.Subscription
	PayURL       string
	Amount       float64
	ExpiresIn    time.Duration
}

// StartCryptoPurchase opens a gateway invoice and records a pending row the
// reconciliation loop will pick up.
func (s *SubscriptionService) StartCryptoPurchase(ctx context.Context, userID int64, code string) (*CryptoIntent, error) {
	if s.invoicer == nil {
		return nil, apperr.NewConfigError("CRYPTO_TOKEN", "crypto payments are not configured")
	}
	t, err := tariff.Lookup(code)
	if err != nil {
		return nil, err
	}
	if t.IsTrial() {
		return nil, apperr.NewConfigError("tariff", "trial cannot be purchased")
	}
	if _, err := s.Register(ctx, userID, ""); err != nil {
		return nil, err
	}

	orderRef := uuid.NewString()
	inv, err := s.invoicer.CreateInvoice(ctx, payment.InvoiceRequest{
		Amount:        t.PriceUSD,
		Description:   fmt.Sprintf("%s for user %d", t.Title, userID),
		HiddenMessage: "Thank you! Your VPN key will arrive in the bot shortly.",
		Payload:       orderRef,
		ExpiresIn:     s.invoiceTTL,
	})
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		UserID:        userID,
		TariffCode:    t.Code,
		Status:        models.StatusPending,
		InvoiceID:     &inv.ID,
		OrderRef:      orderRef,
		PaymentMethod: models.MethodCrypto,
		PanelUsername: panel.UsernameFor(userID),
		DataLimitGB:   t.QuotaGB(),
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("Crypto invoice created",
		zap.Int64("user_id", userID),
		zap.String("invoice_id", inv.ID),
		zap.String("order_ref", orderRef),
	)
	return &CryptoIntent{
		Subscription: sub,
		PayURL:       inv.PayURL,
		Amount:       t.PriceUSD,
		ExpiresIn:    s.invoiceTTL,
	}, nil
}

// AccountStatus is what the Status and Connect screens show.
type AccountStatus struct {
	Exists      bool
	Username    string
	Status      string
	ExpiresAt   *time.Time
	Remaining   time.Duration
	DataLimit   int64
	UsedTraffic int64
	Link        string
	// Stale is set when the panel was unreachable and the last stored
	// subscription was used instead.
	Stale bool
}

// Status reads the user's account from the panel.
func (s *SubscriptionService) Status(ctx context.Context, userID int64) (*AccountStatus, error) {
	username := panel.UsernameFor(userID)
	acc, err := s.panel.GetAccount(ctx, username)
	if err != nil {
		return s.storedStatus(ctx, userID, username, err)
	}
	if acc == nil {
		return &AccountStatus{Username: username}, nil
	}

	ent := acc.Entitlement()
	return &AccountStatus{
		Exists:      true,
		Username:    username,
		Status:      acc.Status,
		ExpiresAt:   ent.ExpiresAt(),
		Remaining:   ent.Remaining(s.now()),
		DataLimit:   acc.DataLimit,
		UsedTraffic: acc.UsedTraffic,
		Link:        acc.Link(),
	}, nil
}

func (s *SubscriptionService) storedStatus(ctx context.Context, userID int64, username string, panelErr error) (*AccountStatus, error) {
	sub, err := s.subs.FindLatestActive(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, panelErr
	}
	if err != nil {
		return nil, errors.Join(panelErr, err)
	}
	s.logger.Warn("Panel unavailable, showing stored subscription", zap.Int64("user_id", userID), zap.Error(panelErr))

	st := &AccountStatus{
		Exists:    true,
		Username:  username,
		Status:    panel.StatusActive,
		ExpiresAt: sub.ExpiresAt,
		DataLimit: int64(sub.DataLimitGB) << 30,
		Link:      sub.ConnectionLink,
		Stale:     true,
	}
	if sub.ExpiresAt != nil {
		st.Remaining = lifecycle.Entitlement{ExpireAt: sub.ExpiresAt.Unix()}.Remaining(s.now())
	}
	return st, nil
}
