package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vpnbot/internal/apperr"
	"vpnbot/internal/lifecycle"
	"vpnbot/internal/pkg/httpclient"
	"vpnbot/internal/pkg/utils"
	"vpnbot/internal/tariff"
)

// Token endpoints differ between Marzban releases and reverse-proxy setups.
var authPaths = []string{"api/admin/token", "admin/token", "token"}

var (
	defaultProxies  = json.RawMessage(`{"vless":{"flow":"xtls-rprx-vision"}}`)
	defaultInbounds = json.RawMessage(`{"vless":["VLESS TCP REALITY"]}`)
)

var errAccountExists = errors.New("account already exists")

// Option tunes a MarzbanClient.
type Option func(*MarzbanClient)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *MarzbanClient) { m.http.WithTimeout(d) }
}

// WithRetryBase sets the first backoff interval for 5xx and transport retries.
func WithRetryBase(d time.Duration) Option {
	return func(m *MarzbanClient) { m.http.WithRetry(httpclient.DefaultRetryCount, d) }
}

// WithInsecureSkipVerify accepts self-signed panel certificates.
func WithInsecureSkipVerify() Option {
	return func(m *MarzbanClient) { m.http.WithInsecureSkipVerify() }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MarzbanClient) { m.now = now }
}

// MarzbanClient implements Client for Marzban panels.
type MarzbanClient struct {
	baseURL  string
	username string
	password string
	http     *httpclient.Client
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	token string
	auth  singleflight.Group
}

// NewMarzbanClient creates a new Marzban panel client. Call Open before use.
func NewMarzbanClient(baseURL, username, password string, logger *zap.Logger, opts ...Option) *MarzbanClient {
	m := &MarzbanClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     httpclient.New().WithHeader("Accept", "application/json"),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open authenticates eagerly. A failed login is logged and retried lazily on
// the first call that needs a token.
func (m *MarzbanClient) Open(ctx context.Context) error {
	if m.baseURL == "" {
		return apperr.NewConfigError("MARZBAN_API_URL", "is empty")
	}
	if err := m.Authenticate(ctx); err != nil {
		m.logger.Warn("Marzban authentication failed, will retry on demand", zap.Error(err))
	}
	return nil
}

// Close drops the token and idle connections.
func (m *MarzbanClient) Close() error {
	m.setToken("")
	m.http.Raw().GetClient().CloseIdleConnections()
	return nil
}

func (m *MarzbanClient) currentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *MarzbanClient) setToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// Authenticate obtains a bearer token. Concurrent callers share one login.
func (m *MarzbanClient) Authenticate(ctx context.Context) error {
	_, err, _ := m.auth.Do("token", func() (interface{}, error) {
		return nil, m.login(ctx)
	})
	return err
}

func (m *MarzbanClient) login(ctx context.Context) error {
	var (
		lastErr    error
		lastStatus int
	)
	for _, path := range authPaths {
		resp, err := m.http.R(ctx).
			SetFormData(map[string]string{
				"username": m.username,
				"password": m.password,
			}).
			Post(m.url(path))
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.IsSuccess() {
			lastStatus = resp.StatusCode()
			continue
		}

		var result struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(resp.Body(), &result); err != nil || result.AccessToken == "" {
			continue
		}

		m.setToken(result.AccessToken)
		m.logger.Info("Marzban authenticated", zap.String("path", path))
		return nil
	}

	m.setToken("")
	if lastErr == nil {
		lastErr = errors.New("no token endpoint returned access_token")
	}
	return &apperr.PanelError{Op: "authenticate", Status: lastStatus, Err: lastErr}
}

func (m *MarzbanClient) url(path string) string {
	return m.baseURL + "/" + strings.TrimLeft(path, "/")
}

// do sends an authenticated request. A 401 triggers one re-authentication
// and one replay.
func (m *MarzbanClient) do(ctx context.Context, op, method, path string, body interface{}) (*resty.Response, error) {
	token := m.currentToken()
	if token == "" {
		if err := m.Authenticate(ctx); err != nil {
			return nil, err
		}
		token = m.currentToken()
	}

	resp, err := m.send(ctx, method, path, token, body)
	if err != nil {
		return nil, &apperr.PanelError{Op: op, Err: err}
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return resp, nil
	}

	// another caller may already have refreshed it
	if fresh := m.currentToken(); fresh == token || fresh == "" {
		if err := m.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	resp, err = m.send(ctx, method, path, m.currentToken(), body)
	if err != nil {
		return nil, &apperr.PanelError{Op: op, Err: err}
	}
	return resp, nil
}

func (m *MarzbanClient) send(ctx context.Context, method, path, token string, body interface{}) (*resty.Response, error) {
	req := m.http.R(ctx)
	if method == http.MethodPost {
		// a create that committed before a 5xx must not be replayed into a 409
		req = m.http.Once(ctx)
	}
	req.SetAuthToken(token)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	return req.Execute(method, m.url(path))
}

func statusError(op string, resp *resty.Response) error {
	return &apperr.PanelError{
		Op:     op,
		Status: resp.StatusCode(),
		Err:    errors.New(strings.TrimSpace(utils.TruncateRunes(strings.ToValidUTF8(resp.String(), "\uFFFD"), 200))),
	}
}

func decodeAccount(op string, resp *resty.Response) (*Account, error) {
	var acc Account
	if err := json.Unmarshal(resp.Body(), &acc); err != nil {
		return nil, &apperr.PanelError{Op: op, Status: resp.StatusCode(), Err: fmt.Errorf("decode account: %w", err)}
	}
	if acc.Username == "" {
		return nil, &apperr.PanelError{Op: op, Status: resp.StatusCode(), Err: errors.New("response has no username")}
	}
	return &acc, nil
}

// GetAccount fetches a user by panel username.
func (m *MarzbanClient) GetAccount(ctx context.Context, username string) (*Account, error) {
	const op = "get account"
	resp, err := m.do(ctx, op, http.MethodGet, "api/user/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccess() {
		return nil, statusError(op, resp)
	}
	return decodeAccount(op, resp)
}

// userPayload is the writable part of a Marzban user.
type userPayload struct {
	Username               string          `json:"username,omitempty"`
	Status                 string          `json:"status,omitempty"`
	Expire                 int64           `json:"expire"`
	DataLimit              int64           `json:"data_limit"`
	DataLimitResetStrategy string          `json:"data_limit_reset_strategy,omitempty"`
	Proxies                json.RawMessage `json:"proxies,omitempty"`
	Inbounds               json.RawMessage `json:"inbounds,omitempty"`
	ExcludedInbounds       json.RawMessage `json:"excluded_inbounds,omitempty"`
	Note                   string          `json:"note,omitempty"`
}

func payloadFrom(a *Account) userPayload {
	return userPayload{
		Username:               a.Username,
		Status:                 a.Status,
		Expire:                 a.Expire,
		DataLimit:              a.DataLimit,
		DataLimitResetStrategy: a.DataLimitResetStrategy,
		Proxies:                a.Proxies,
		Inbounds:               a.Inbounds,
		ExcludedInbounds:       a.ExcludedInbounds,
		Note:                   a.Note,
	}
}

// mutate is the single fetch, transform, write-back path for existing accounts.
func (m *MarzbanClient) mutate(ctx context.Context, username string, fn func(*Account) error) (*Account, error) {
	current, err := m.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrAccountNotFound
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	return m.replace(ctx, current)
}

func (m *MarzbanClient) replace(ctx context.Context, a *Account) (*Account, error) {
	const op = "modify account"
	resp, err := m.do(ctx, op, http.MethodPut, "api/user/"+url.PathEscape(a.Username), payloadFrom(a))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, statusError(op, resp)
	}
	return decodeAccount(op, resp)
}

func (m *MarzbanClient) create(ctx context.Context, userID int64, username string, ent lifecycle.Entitlement) (*Account, error) {
	const op = "create account"
	body := userPayload{
		Username:               username,
		Status:                 StatusActive,
		Expire:                 ent.ExpireAt,
		DataLimit:              ent.DataLimit,
		DataLimitResetStrategy: "no_reset",
		Proxies:                defaultProxies,
		Inbounds:               defaultInbounds,
		Note:                   fmt.Sprintf("TG ID: %d", userID),
	}
	resp, err := m.do(ctx, op, http.MethodPost, "api/user", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusConflict {
		return nil, errAccountExists
	}
	if !resp.IsSuccess() {
		return nil, statusError(op, resp)
	}
	return decodeAccount(op, resp)
}

// CreateOrRenew provisions tariffCode for userID. An absent account is created
// with a fresh entitlement; an existing one has the tariff stacked on it and
// is reactivated.
func (m *MarzbanClient) CreateOrRenew(ctx context.Context, userID int64, tariffCode string) (*Provisioned, error) {
	t, err := tariff.Lookup(tariffCode)
	if err != nil {
		return nil, err
	}
	username := UsernameFor(userID)
	now := m.now()

	renew := func(a *Account) error {
		ent := lifecycle.Extend(a.Entitlement(), t, now)
		a.Expire, a.DataLimit = ent.ExpireAt, ent.DataLimit
		a.Status = StatusActive
		return nil
	}

	created := false
	acc, err := m.mutate(ctx, username, renew)
	if errors.Is(err, ErrAccountNotFound) {
		created = true
		acc, err = m.create(ctx, userID, username, lifecycle.Fresh(t, now))
		if errors.Is(err, errAccountExists) {
			// lost a race with another provisioner
			created = false
			acc, err = m.mutate(ctx, username, renew)
		}
	}
	if err != nil {
		return nil, err
	}

	link := acc.Link()
	if link == "" {
		return nil, &apperr.PanelError{Op: "create or renew", Err: errors.New("response has no connection link")}
	}

	m.logger.Info("Marzban account provisioned",
		zap.String("username", username),
		zap.String("tariff", t.Code),
		zap.Bool("created", created),
		zap.Int64("expire", acc.Expire),
	)

	return &Provisioned{
		Username:  username,
		Link:      link,
		ExpireAt:  acc.Expire,
		DataLimit: acc.DataLimit,
		Created:   created,
	}, nil
}

// SetEnabled switches the account between active and disabled.
func (m *MarzbanClient) SetEnabled(ctx context.Context, username string, enabled bool) (*Account, error) {
	status := StatusDisabled
	if enabled {
		status = StatusActive
	}
	return m.mutate(ctx, username, func(a *Account) error {
		a.Status = status
		return nil
	})
}
