package models

import "time"

// Subscription statuses.
const (
	StatusPending = "pending"
	// StatusPaidPendingProvision marks an invoice the gateway reports paid
	// whose panel account could not be provisioned yet. It stays in the
	// reconciliation work list with is_paid=false.
	StatusPaidPendingProvision = "paid_pending_provision"
	StatusActive               = "active"
	StatusFailed               = "failed"
)

// Payment methods.
const (
	MethodTrial  = "trial"
	MethodStars  = "stars"
	MethodCrypto = "crypto"
)

// Subscription maps to the `subscriptions` table. Rows are an append-only
// purchase history: they are transitioned, never deleted.
//
// IsPaid implies Status == active implies ConnectionLink != "".
type Subscription struct {
	ID                uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID            int64      `gorm:"column:user_id;index;not null" json:"user_id"`
	TariffCode        string     `gorm:"column:tariff_code;size:10;index" json:"tariff_code"`
	Status            string     `gorm:"column:status;size:32;index;default:'pending'" json:"status"`
	IsPaid            bool       `gorm:"column:is_paid;default:false" json:"is_paid"`
	InvoiceID         *string    `gorm:"column:invoice_id;size:100;index" json:"invoice_id"`
	OrderRef          string     `gorm:"column:order_ref;size:64;index" json:"order_ref"`
	PaymentMethod     string     `gorm:"column:payment_method;size:16" json:"payment_method"`
	PanelUsername     string     `gorm:"column:panel_username;size:100;index" json:"panel_username"`
	ExpiresAt         *time.Time `gorm:"column:expires_at" json:"expires_at"`
	DataLimitGB       int        `gorm:"column:data_limit_gb" json:"data_limit_gb"`
	ConnectionLink    string     `gorm:"column:vpn_link;size:500" json:"connection_link"`
	ProvisionAttempts int        `gorm:"column:provision_attempts;default:0" json:"provision_attempts"`
	LastError         string     `gorm:"column:last_error;size:500" json:"last_error,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Invoice returns the gateway invoice id or "" for instant purchases.
func (s *Subscription) Invoice() string {
	if s.InvoiceID == nil {
		return ""
	}
	return *s.InvoiceID
}

// KnownPaid reports whether the gateway already confirmed payment but the
// panel account is still missing.
func (s *Subscription) KnownPaid() bool {
	return s.Status == StatusPaidPendingProvision
}
