package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnbot/internal/apperr"
)

func newFakeCryptoPay(t *testing.T, handlers map[string]echo.HandlerFunc) *CryptoPayGateway {
	t.Helper()
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Crypto-Pay-API-Token") != "test-token" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"ok": false, "error": map[string]interface{}{"code": 401, "name": "UNAUTHORIZED"},
				})
			}
			return next(c)
		}
	})
	for method, h := range handlers {
		e.POST("/api/"+method, h)
	}
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return NewCryptoPayGateway("test-token", "test", "USDT").WithBaseURL(srv.URL + "/api")
}

func TestCreateInvoice(t *testing.T) {
	var got map[string]interface{}
	g := newFakeCryptoPay(t, map[string]echo.HandlerFunc{
		"createInvoice": func(c echo.Context) error {
			require.NoError(t, json.NewDecoder(c.Request().Body).Decode(&got))
			return c.JSON(http.StatusOK, map[string]interface{}{
				"ok": true,
				"result": map[string]interface{}{
					"invoice_id":      1337,
					"status":          "active",
					"asset":           "USDT",
					"amount":          "3",
					"bot_invoice_url": "https://t.me/CryptoBot?start=IVabc",
					"payload":         got["payload"],
				},
			})
		},
	})

	inv, err := g.CreateInvoice(context.Background(), InvoiceRequest{
		Amount:        3,
		Description:   "1 month",
		HiddenMessage: "thanks",
		Payload:       "order-1",
		ExpiresIn:     time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, "1337", inv.ID)
	assert.Equal(t, InvoiceActive, inv.Status)
	assert.Equal(t, "https://t.me/CryptoBot?start=IVabc", inv.PayURL)
	assert.Equal(t, "order-1", inv.Payload)

	assert.Equal(t, "USDT", got["asset"])
	assert.Equal(t, "3", got["amount"])
	assert.Equal(t, "order-1", got["payload"])
	assert.Equal(t, "thanks", got["hidden_message"])
	assert.EqualValues(t, 3600, got["expires_in"])
}

func TestCreateInvoiceIsSentOnce(t *testing.T) {
	var calls int32
	g := newFakeCryptoPay(t, map[string]echo.HandlerFunc{
		"createInvoice": func(c echo.Context) error {
			atomic.AddInt32(&calls, 1)
			return c.NoContent(http.StatusBadGateway)
		},
	})

	_, err := g.CreateInvoice(context.Background(), InvoiceRequest{Amount: 3, Payload: "order-1"})
	require.Error(t, err)
	assert.True(t, apperr.IsGateway(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetInvoices(t *testing.T) {
	g := newFakeCryptoPay(t, map[string]echo.HandlerFunc{
		"getInvoices": func(c echo.Context) error {
			var body map[string]string
			_ = json.NewDecoder(c.Request().Body).Decode(&body)
			assert.Equal(t, "1,2", body["invoice_ids"])
			return c.JSON(http.StatusOK, map[string]interface{}{
				"ok": true,
				"result": map[string]interface{}{
					"items": []map[string]interface{}{
						{"invoice_id": 1, "status": "paid"},
						{"invoice_id": 2, "status": "expired"},
					},
				},
			})
		},
	})

	invs, err := g.GetInvoices(context.Background(), "1", "2")
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, Invoice{ID: "1", Status: InvoicePaid}, invs[0])
	assert.Equal(t, InvoiceExpired, invs[1].Status)
}

func TestGetInvoicesAcceptsBareArray(t *testing.T) {
	g := newFakeCryptoPay(t, map[string]echo.HandlerFunc{
		"getInvoices": func(c echo.Context) error {
			return c.JSONBlob(http.StatusOK, []byte(`{"ok":true,"result":[{"invoice_id":5,"status":"active"}]}`))
		},
	})

	invs, err := g.GetInvoices(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "5", invs[0].ID)
}

func TestGatewayErrors(t *testing.T) {
	cases := map[string]string{
		"not ok":          `{"ok":false,"error":{"code":400,"name":"INVOICE_IDS_INVALID"}}`,
		"null result":     `{"ok":true,"result":null}`,
		"no items":        `{"ok":true,"result":{"count":0}}`,
		"missing status":  `{"ok":true,"result":{"items":[{"invoice_id":1}]}}`,
		"not json":        `<html>bad gateway</html>`,
		"wrong item type": `{"ok":true,"result":{"items":"paid"}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			g := newFakeCryptoPay(t, map[string]echo.HandlerFunc{
				"getInvoices": func(c echo.Context) error {
					return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(body))
				},
			})

			_, err := g.GetInvoices(context.Background(), "1")
			assert.True(t, apperr.IsGateway(err), "got %v", err)
		})
	}
}

func TestBadTokenIsGatewayError(t *testing.T) {
	g := newFakeCryptoPay(t, nil)
	g.client.WithHeader("Crypto-Pay-API-Token", "wrong")

	_, err := g.GetInvoices(context.Background(), "1")
	var ge *apperr.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Error(), "UNAUTHORIZED")
}

func TestNetworkSelection(t *testing.T) {
	assert.Equal(t, cryptoPayMainnet, NewCryptoPayGateway("t", "main", "").baseURL)
	assert.Equal(t, cryptoPayTestnet, NewCryptoPayGateway("t", "test", "").baseURL)
	assert.Equal(t, "USDT", NewCryptoPayGateway("t", "main", "").asset)
}
