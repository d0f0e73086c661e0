// Package reconcile drives gateway-paid crypto invoices to provisioned
// subscriptions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpnbot/internal/apperr"
	"vpnbot/internal/models"
	"vpnbot/internal/panel"
	"vpnbot/internal/payment"
)

// Store is the subscription persistence the reconciler needs.
type Store interface {
	FindPendingUnpaidWithInvoice(ctx context.Context) ([]models.Subscription, error)
	MarkActive(ctx context.Context, id uint, expiresAt *time.Time, link string) error
	MarkPaidPendingProvision(ctx context.Context, id uint, reason string) error
	MarkFailed(ctx context.Context, id uint, reason string) error
}

// Gateway reports invoice state.
type Gateway interface {
	GetInvoices(ctx context.Context, ids ...string) ([]payment.Invoice, error)
}

// Provisioner creates or extends panel accounts.
type Provisioner interface {
	CreateOrRenew(ctx context.Context, userID int64, tariffCode string) (*panel.Provisioned, error)
}

// Notifier delivers a message to a user. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Outcome is what one cycle did with one subscription.
type Outcome string

const (
	OutcomeWaiting   Outcome = "waiting"   // not paid yet
	OutcomeActivated Outcome = "activated" // provisioned and marked active
	OutcomeDeferred  Outcome = "deferred"  // paid, panel failed, retried next cycle
	OutcomeFailed    Outcome = "failed"    // terminal
	OutcomeSkipped   Outcome = "skipped"   // error, retried next cycle
)

// Report summarises one cycle.
type Report struct {
	Checked  int
	Outcomes map[Outcome]int
}

const (
	notifyTimeout  = 10 * time.Second
	persistTimeout = 10 * time.Second
	markAttempts   = 3
)

// Reconciler runs reconciliation cycles. It holds no per-cycle state, so a
// single instance is reused by the scheduler.
type Reconciler struct {
	store       Store
	gateway     Gateway
	provisioner Provisioner
	notifier    Notifier
	logger      *zap.Logger
	markBackoff time.Duration
}

func New(store Store, gateway Gateway, provisioner Provisioner, notifier Notifier, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		gateway:     gateway,
		provisioner: provisioner,
		notifier:    notifier,
		logger:      logger,
		markBackoff: 500 * time.Millisecond,
	}
}

// RunCycle processes the current work list once. Only a failure to load the
// work list is returned; per-item errors are logged and counted.
func (r *Reconciler) RunCycle(ctx context.Context) (Report, error) {
	report := Report{Outcomes: make(map[Outcome]int)}

	subs, err := r.store.FindPendingUnpaidWithInvoice(ctx)
	if err != nil {
		return report, fmt.Errorf("load work list: %w", err)
	}
	if len(subs) > 0 {
		r.logger.Info("Reconciling pending invoices", zap.Int("count", len(subs)))
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		outcome, err := r.Process(ctx, sub)
		if err != nil {
			r.logger.Warn("Reconciliation item failed",
				zap.Uint("subscription_id", sub.ID),
				zap.String("invoice_id", sub.Invoice()),
				zap.Int64("user_id", sub.UserID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
		report.Outcomes[outcome]++
	}

	return report, nil
}

// Process reconciles a single subscription. Panics are confined to the item.
func (r *Reconciler) Process(ctx context.Context, sub models.Subscription) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome, err = OutcomeSkipped, fmt.Errorf("panic: %v", rec)
		}
	}()

	if !sub.KnownPaid() {
		status, err := r.invoiceStatus(ctx, sub.Invoice())
		if err != nil {
			return OutcomeSkipped, err
		}
		switch status {
		case payment.InvoicePaid:
		case payment.InvoiceActive:
			return OutcomeWaiting, nil
		case payment.InvoiceExpired:
			if err := r.store.MarkFailed(ctx, sub.ID, "invoice expired at gateway"); err != nil {
				return OutcomeSkipped, err
			}
			r.notify(ctx, sub.UserID, expiredText(sub.TariffCode))
			return OutcomeFailed, nil
		default:
			return OutcomeSkipped, &apperr.GatewayError{Op: "getInvoices", Err: fmt.Errorf("unknown invoice status %q", status)}
		}
		r.logger.Info("Invoice paid",
			zap.String("invoice_id", sub.Invoice()),
			zap.Int64("user_id", sub.UserID),
			zap.String("tariff", sub.TariffCode),
		)
	}

	prov, err := r.provisioner.CreateOrRenew(ctx, sub.UserID, sub.TariffCode)

	// The panel may already hold the new entitlement, so the outcome is saved
	// even when the cycle is being cancelled.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err != nil {
		return r.provisionFailed(pctx, sub, err)
	}

	if err := r.markActive(pctx, sub.ID, prov); err != nil {
		r.logger.Error("Account provisioned but subscription not saved",
			zap.Uint("subscription_id", sub.ID),
			zap.String("username", prov.Username),
			zap.Int64("expire", prov.ExpireAt),
			zap.Error(err),
		)
		return OutcomeSkipped, err
	}

	r.notify(pctx, sub.UserID, activatedText(sub.TariffCode, prov.Link, prov.ExpiresAt()))
	return OutcomeActivated, nil
}

func (r *Reconciler) invoiceStatus(ctx context.Context, invoiceID string) (string, error) {
	if r.gateway == nil {
		return "", apperr.NewConfigError("CRYPTO_TOKEN", "no invoice gateway configured")
	}
	invoices, err := r.gateway.GetInvoices(ctx, invoiceID)
	if err != nil {
		if !apperr.IsGateway(err) {
			err = &apperr.GatewayError{Op: "getInvoices", Err: err}
		}
		return "", err
	}
	for _, inv := range invoices {
		if inv.ID == invoiceID {
			return inv.Status, nil
		}
	}
	return "", &apperr.GatewayError{Op: "getInvoices", Err: fmt.Errorf("invoice %s not found", invoiceID)}
}

func (r *Reconciler) provisionFailed(ctx context.Context, sub models.Subscription, cause error) (Outcome, error) {
	if apperr.IsConfig(cause) {
		if err := r.store.MarkFailed(ctx, sub.ID, cause.Error()); err != nil {
			return OutcomeSkipped, errors.Join(cause, err)
		}
		r.notify(ctx, sub.UserID, unprovisionableText())
		return OutcomeFailed, cause
	}

	if err := r.store.MarkPaidPendingProvision(ctx, sub.ID, cause.Error()); err != nil {
		return OutcomeSkipped, errors.Join(cause, err)
	}
	// only on the first transition, not on every retry
	if !sub.KnownPaid() {
		r.notify(ctx, sub.UserID, deferredText())
	}
	return OutcomeDeferred, cause
}

// markActive retries briefly: the panel already holds the new entitlement,
// and leaving the row unpaid would stack it again next cycle.
func (r *Reconciler) markActive(ctx context.Context, id uint, prov *panel.Provisioned) error {
	var err error
	for attempt := 0; attempt < markAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(r.markBackoff << (attempt - 1)):
			}
		}
		if err = r.store.MarkActive(ctx, id, prov.ExpiresAt(), prov.Link); err == nil {
			return nil
		}
	}
	return err
}

func (r *Reconciler) notify(ctx context.Context, userID int64, text string) {
	if r.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(nctx, userID, text); err != nil {
		r.logger.Warn("User notification failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
