package panel

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"vpnbot/internal/lifecycle"
)

// Account statuses as reported by the panel. Only active and disabled can be
// written back.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusLimited  = "limited"
	StatusExpired  = "expired"
	StatusOnHold   = "on_hold"
)

// ErrAccountNotFound is returned by operations that need an existing account.
var ErrAccountNotFound = errors.New("panel: account not found")

// Account is a snapshot of a panel user. Proxies, inbounds and the other
// opaque fields are kept verbatim so a full replace writes them back unchanged.
type Account struct {
	Username               string          `json:"username"`
	Status                 string          `json:"status"`
	Expire                 int64           `json:"expire"`     // unix seconds, 0 = never set
	DataLimit              int64           `json:"data_limit"` // bytes
	UsedTraffic            int64           `json:"used_traffic"`
	DataLimitResetStrategy string          `json:"data_limit_reset_strategy"`
	Note                   string          `json:"note"`
	SubscriptionURL        string          `json:"subscription_url"`
	Links                  []string        `json:"links"`
	Proxies                json.RawMessage `json:"proxies"`
	Inbounds               json.RawMessage `json:"inbounds"`
	ExcludedInbounds       json.RawMessage `json:"excluded_inbounds"`
}

// Link returns the subscription URL, falling back to the first raw link.
func (a *Account) Link() string {
	if a.SubscriptionURL != "" {
		return a.SubscriptionURL
	}
	if len(a.Links) > 0 {
		return a.Links[0]
	}
	return ""
}

// Entitlement extracts the part of the account a purchase changes.
func (a *Account) Entitlement() lifecycle.Entitlement {
	return lifecycle.Entitlement{ExpireAt: a.Expire, DataLimit: a.DataLimit}
}

// Provisioned is the outcome of CreateOrRenew.
type Provisioned struct {
	Username  string
	Link      string
	ExpireAt  int64
	DataLimit int64
	Created   bool
}

// ExpiresAt returns the account expiry as a time, nil when unset.
func (p *Provisioned) ExpiresAt() *time.Time {
	return lifecycle.Entitlement{ExpireAt: p.ExpireAt}.ExpiresAt()
}

// UsernameFor derives the panel username for a Telegram user.
func UsernameFor(userID int64) string {
	return "tg" + strconv.FormatInt(userID, 10)
}

// Client is the panel surface used by purchases, reconciliation and the bot.
type Client interface {
	// GetAccount returns nil, nil when the account does not exist.
	GetAccount(ctx context.Context, username string) (*Account, error)

	// CreateOrRenew creates the user's account or stacks the tariff on top
	// of the existing one. Safe to repeat: each call reads the panel first.
	CreateOrRenew(ctx context.Context, userID int64, tariffCode string) (*Provisioned, error)

	// SetEnabled flips the account between active and disabled.
	SetEnabled(ctx context.Context, username string, enabled bool) (*Account, error)
}
