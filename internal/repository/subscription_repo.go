package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"vpnbot/internal/models"
	"vpnbot/internal/pkg/utils"
	"vpnbot/internal/tariff"
)

// ErrEmptyLink is returned by MarkActive when asked to activate a row without
// a connection link.
var ErrEmptyLink = errors.New("subscription: refusing to activate without connection link")

// SubscriptionRepository handles subscription database operations.
type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// WithTx returns a copy bound to tx.
func (r *SubscriptionRepository) WithTx(tx *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: tx}
}

// Transaction runs fn inside one database transaction. Users and
// subscriptions written through the handed-in repositories commit or roll
// back together.
func (r *SubscriptionRepository) Transaction(ctx context.Context, fn func(users *UserRepository, subs *SubscriptionRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewUserRepository(tx), r.WithTx(tx))
	})
}

// Create inserts a new subscription row.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	if !tariff.Exists(sub.TariffCode) {
		return fmt.Errorf("create subscription: unknown tariff %q", sub.TariffCode)
	}
	if sub.IsPaid && (sub.Status != models.StatusActive || sub.ConnectionLink == "") {
		return ErrEmptyLink
	}
	return r.db.WithContext(ctx).Create(sub).Error
}

// FindByID returns a subscription by primary key.
func (r *SubscriptionRepository) FindByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindByInvoiceID returns the subscription created for a gateway invoice.
func (r *SubscriptionRepository) FindByInvoiceID(ctx context.Context, invoiceID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListByUser returns the user's purchase history, newest first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&subs).Error
	return subs, err
}

// FindLatestActive returns the most recently activated subscription.
func (r *SubscriptionRepository) FindLatestActive(ctx context.Context, userID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_paid = ?", userID, models.StatusActive, true).
		Order("updated_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// HasTrial reports whether the user was ever issued the free tariff.
func (r *SubscriptionRepository) HasTrial(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND tariff_code = ?", userID, tariff.TrialCode).
		Count(&count).Error
	return count > 0, err
}

// FindPendingUnpaidWithInvoice returns the reconciliation work list: unpaid
// gateway purchases that are either awaiting payment or paid but not yet
// provisioned. Oldest first.
func (r *SubscriptionRepository) FindPendingUnpaidWithInvoice(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("is_paid = ? AND invoice_id IS NOT NULL AND status IN ?",
			false,
			[]string{models.StatusPending, models.StatusPaidPendingProvision},
		).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// MarkActive is the only path that sets is_paid. Paid flag, status, link and
// expiry change in a single UPDATE, so no reader can see a paid row without
// its link. Activating an already paid row is a no-op.
func (r *SubscriptionRepository) MarkActive(ctx context.Context, id uint, expiresAt *time.Time, link string) error {
	if link == "" {
		return ErrEmptyLink
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND is_paid = ?", id, false).
			Updates(map[string]interface{}{
				"is_paid":    true,
				"status":     models.StatusActive,
				"vpn_link":   link,
				"expires_at": expiresAt,
				"last_error": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var sub models.Subscription
		if err := tx.Where("id = ?", id).First(&sub).Error; err != nil {
			return err
		}
		if sub.IsPaid {
			return nil
		}
		return fmt.Errorf("mark active %d: row not updated", id)
	})
}

// MarkPaidPendingProvision records that the gateway confirmed payment but the
// panel could not be provisioned. The row stays in the work list.
func (r *SubscriptionRepository) MarkPaidPendingProvision(ctx context.Context, id uint, reason string) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND is_paid = ?", id, false).
		Updates(map[string]interface{}{
			"status":             models.StatusPaidPendingProvision,
			"last_error":         utils.TruncateRunes(reason, 500),
			"provision_attempts": gorm.Expr("provision_attempts + 1"),
		}).Error
}

// MarkFailed moves an unpaid row to the terminal failed state.
func (r *SubscriptionRepository) MarkFailed(ctx context.Context, id uint, reason string) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND is_paid = ?", id, false).
		Updates(map[string]interface{}{
			"status":     models.StatusFailed,
			"last_error": utils.TruncateRunes(reason, 500),
		}).Error
}

// CountByStatus is used for the startup summary log line.
func (r *SubscriptionRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}
