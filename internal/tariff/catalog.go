package tariff

import (
	"fmt"
	"time"

	"vpnbot/internal/apperr"
)

const gib = int64(1024 * 1024 * 1024)

// TrialCode is the tariff issued once per user on /start.
const TrialCode = "free"

// Tariff is an immutable purchasable plan.
type Tariff struct {
	Code        string
	Title       string
	Description string
	Duration    time.Duration
	DataQuota   int64 // bytes
	PriceUSD    float64
	PriceStars  int
	PriceRUB    int
}

// DurationSeconds returns the plan length in whole seconds.
func (t Tariff) DurationSeconds() int64 {
	return int64(t.Duration / time.Second)
}

// QuotaGB returns the data quota in whole GiB, as stored on subscriptions.
func (t Tariff) QuotaGB() int {
	return int(t.DataQuota / gib)
}

// IsTrial reports whether t is the free trial plan.
func (t Tariff) IsTrial() bool {
	return t.Code == TrialCode
}

// DisplayPrice is the price line shown in the buy menu.
func (t Tariff) DisplayPrice() string {
	if t.IsTrial() {
		return "free"
	}
	return fmt.Sprintf("%d₽ / %g$ / %d⭐️", t.PriceRUB, t.PriceUSD, t.PriceStars)
}

var catalog = map[string]Tariff{
	TrialCode: {
		Code:        TrialCode,
		Title:       "VPN for 3 days",
		Description: "Full VPN access - 3 days",
		Duration:    3 * 24 * time.Hour,
		DataQuota:   5 * gib,
	},
	"1m": {
		Code:        "1m",
		Title:       "VPN for 1 month",
		Description: "Full VPN access - 1 month",
		Duration:    30 * 24 * time.Hour,
		DataQuota:   100 * gib,
		PriceUSD:    3,
		PriceStars:  120,
		PriceRUB:    200,
	},
	"3m": {
		Code:        "3m",
		Title:       "VPN for 3 months",
		Description: "Full VPN access - 3 months",
		Duration:    90 * 24 * time.Hour,
		DataQuota:   300 * gib,
		PriceUSD:    8,
		PriceStars:  300,
		PriceRUB:    600,
	},
	"6m": {
		Code:        "6m",
		Title:       "VPN for 6 months",
		Description: "Full VPN access - 6 months",
		Duration:    180 * 24 * time.Hour,
		DataQuota:   600 * gib,
		PriceUSD:    16,
		PriceStars:  700,
		PriceRUB:    1200,
	},
}

// paidOrder fixes menu ordering; map iteration order is random.
var paidOrder = []string{"1m", "3m", "6m"}

// Lookup returns the tariff for code or a ConfigError when it is unknown.
func Lookup(code string) (Tariff, error) {
	t, ok := catalog[code]
	if !ok {
		return Tariff{}, apperr.NewConfigError("tariff", fmt.Sprintf("unknown tariff code %q", code))
	}
	return t, nil
}

// Exists reports whether code is in the catalog.
func Exists(code string) bool {
	_, ok := catalog[code]
	return ok
}

// Paid returns the purchasable tariffs in menu order.
func Paid() []Tariff {
	out := make([]Tariff, 0, len(paidOrder))
	for _, code := range paidOrder {
		out = append(out, catalog[code])
	}
	return out
}
