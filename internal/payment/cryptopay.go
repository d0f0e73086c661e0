package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vpnbot/internal/apperr"
	"vpnbot/internal/pkg/httpclient"
)

const (
	cryptoPayMainnet = "https://pay.crypt.bot/api/"
	cryptoPayTestnet = "https://testnet-pay.crypt.bot/api/"
)

// CryptoPayGateway implements the Gateway interface for Crypto Pay (@CryptoBot).
type CryptoPayGateway struct {
	baseURL string
	asset   string
	client  *httpclient.Client
}

// NewCryptoPayGateway creates a Crypto Pay client. network is "main" or "test".
func NewCryptoPayGateway(token, network, asset string) *CryptoPayGateway {
	baseURL := cryptoPayMainnet
	if network == "test" {
		baseURL = cryptoPayTestnet
	}
	if asset == "" {
		asset = "USDT"
	}
	return &CryptoPayGateway{
		baseURL: baseURL,
		asset:   asset,
		client: httpclient.New().
			WithTimeout(15*time.Second).
			WithHeader("Crypto-Pay-API-Token", token),
	}
}

// WithBaseURL points the gateway at another API root.
func (g *CryptoPayGateway) WithBaseURL(url string) *CryptoPayGateway {
	g.baseURL = strings.TrimRight(url, "/") + "/"
	return g
}

func (g *CryptoPayGateway) Name() string {
	return "cryptopay"
}

// envelope is the common Crypto Pay response wrapper.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

type rawInvoice struct {
	InvoiceID     json.Number `json:"invoice_id"`
	Status        string      `json:"status"`
	BotInvoiceURL string      `json:"bot_invoice_url"`
	PayURL        string      `json:"pay_url"`
	Asset         string      `json:"asset"`
	Amount        string      `json:"amount"`
	Payload       string      `json:"payload"`
}

func (r rawInvoice) invoice() (Invoice, error) {
	if r.InvoiceID.String() == "" || r.Status == "" {
		return Invoice{}, errors.New("invoice without id or status")
	}
	url := r.BotInvoiceURL
	if url == "" {
		url = r.PayURL
	}
	return Invoice{
		ID:      r.InvoiceID.String(),
		Status:  r.Status,
		PayURL:  url,
		Asset:   r.Asset,
		Amount:  r.Amount,
		Payload: r.Payload,
	}, nil
}

func (g *CryptoPayGateway) call(ctx context.Context, method string, body interface{}) (json.RawMessage, error) {
	req := g.client.R(ctx)
	if method == "createInvoice" {
		req = g.client.Once(ctx)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Post(g.baseURL + method)
	if err != nil {
		return nil, &apperr.GatewayError{Op: method, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &apperr.GatewayError{Op: method, Err: fmt.Errorf("status %d: decode: %w", resp.StatusCode(), err)}
	}
	if !env.OK {
		msg := "ok=false"
		if env.Error != nil {
			msg = fmt.Sprintf("%d %s", env.Error.Code, env.Error.Name)
		}
		return nil, &apperr.GatewayError{Op: method, Err: errors.New(msg)}
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil, &apperr.GatewayError{Op: method, Err: errors.New("empty result")}
	}
	return env.Result, nil
}

// CreateInvoice opens an invoice in the configured asset.
func (g *CryptoPayGateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body := map[string]interface{}{
		"asset":       g.asset,
		"amount":      strconv.FormatFloat(req.Amount, 'f', -1, 64),
		"description": req.Description,
		"payload":     req.Payload,
	}
	if req.HiddenMessage != "" {
		body["hidden_message"] = req.HiddenMessage
	}
	if req.ExpiresIn > 0 {
		body["expires_in"] = int(req.ExpiresIn / time.Second)
	}

	result, err := g.call(ctx, "createInvoice", body)
	if err != nil {
		return nil, err
	}

	var raw rawInvoice
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, &apperr.GatewayError{Op: "createInvoice", Err: err}
	}
	inv, err := raw.invoice()
	if err != nil {
		return nil, &apperr.GatewayError{Op: "createInvoice", Err: err}
	}
	if inv.PayURL == "" {
		return nil, &apperr.GatewayError{Op: "createInvoice", Err: errors.New("no payment url")}
	}
	return &inv, nil
}

// GetInvoices fetches invoices by id. Both the documented {"items": [...]}
// result and a bare array are accepted.
func (g *CryptoPayGateway) GetInvoices(ctx context.Context, ids ...string) ([]Invoice, error) {
	result, err := g.call(ctx, "getInvoices", map[string]interface{}{
		"invoice_ids": strings.Join(ids, ","),
	})
	if err != nil {
		return nil, err
	}

	var items []rawInvoice
	if trimmed := bytes.TrimSpace(result); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &items)
	} else {
		var page struct {
			Items *[]rawInvoice `json:"items"`
		}
		err = json.Unmarshal(trimmed, &page)
		if err == nil && page.Items == nil {
			err = errors.New("result has no items")
		}
		if page.Items != nil {
			items = *page.Items
		}
	}
	if err != nil {
		return nil, &apperr.GatewayError{Op: "getInvoices", Err: err}
	}

	out := make([]Invoice, 0, len(items))
	for _, raw := range items {
		inv, err := raw.invoice()
		if err != nil {
			return nil, &apperr.GatewayError{Op: "getInvoices", Err: err}
		}
		out = append(out, inv)
	}
	return out, nil
}
