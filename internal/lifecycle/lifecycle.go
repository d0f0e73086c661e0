// Package lifecycle holds the expiry and traffic-quota arithmetic applied on
// every purchase. Everything here is pure: same inputs, same outputs.
package lifecycle

import (
	"time"

	"vpnbot/internal/tariff"
)

// Entitlement is the part of a panel account that a purchase changes.
// ExpireAt is unix seconds; 0 means never provisioned or cleared by the panel.
type Entitlement struct {
	ExpireAt  int64
	DataLimit int64 // bytes
}

// Fresh is the entitlement of a brand-new account.
func Fresh(t tariff.Tariff, now time.Time) Entitlement {
	return Entitlement{
		ExpireAt:  now.Unix() + t.DurationSeconds(),
		DataLimit: t.DataQuota,
	}
}

// Extend stacks t on top of current. Time still left on the account is kept;
// a lapsed account restarts from now. Quota always accumulates.
func Extend(current Entitlement, t tariff.Tariff, now time.Time) Entitlement {
	start := now.Unix()
	if current.ExpireAt > start {
		start = current.ExpireAt
	}
	return Entitlement{
		ExpireAt:  start + t.DurationSeconds(),
		DataLimit: current.DataLimit + t.DataQuota,
	}
}

// IsLapsed reports whether the entitlement no longer covers now.
func (e Entitlement) IsLapsed(now time.Time) bool {
	return e.ExpireAt <= now.Unix()
}

// Remaining is the time left until expiry, zero once lapsed.
func (e Entitlement) Remaining(now time.Time) time.Duration {
	if e.IsLapsed(now) {
		return 0
	}
	return time.Duration(e.ExpireAt-now.Unix()) * time.Second
}

// ExpiresAt converts ExpireAt to a time, nil when never provisioned.
func (e Entitlement) ExpiresAt() *time.Time {
	if e.ExpireAt <= 0 {
		return nil
	}
	t := time.Unix(e.ExpireAt, 0).UTC()
	return &t
}
