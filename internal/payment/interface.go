package payment

import (
	"context"
	"time"
)

// Invoice statuses reported by the gateway.
const (
	InvoiceActive  = "active"
	InvoicePaid    = "paid"
	InvoiceExpired = "expired"
)

// Invoice is the gateway's view of a payment request.
type Invoice struct {
	ID      string `json:"invoice_id"`
	Status  string `json:"status"`
	PayURL  string `json:"pay_url,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// InvoiceRequest contains params for creating an invoice.
type InvoiceRequest struct {
	Amount        float64
	Description   string
	HiddenMessage string
	Payload       string // our order reference, echoed back by the gateway
	ExpiresIn     time.Duration
}

// Gateway defines the interface for invoice-based payment gateways.
type Gateway interface {
	// Name returns the gateway identifier.
	Name() string

	// CreateInvoice opens a new invoice the user pays through PayURL.
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)

	// GetInvoices looks invoices up by id. Unknown ids are simply missing
	// from the result.
	GetInvoices(ctx context.Context, ids ...string) ([]Invoice, error)
}
