package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnbot/internal/apperr"
	"vpnbot/internal/lifecycle"
	"vpnbot/internal/models"
	"vpnbot/internal/panel"
	"vpnbot/internal/payment"
	"vpnbot/internal/pkg/guard"
	"vpnbot/internal/repository"
	"vpnbot/internal/tariff"
	"vpnbot/internal/testutil"
)

var testNow = time.Unix(1_700_000_000, 0)

type fakePanel struct {
	mu       sync.Mutex
	accounts map[string]*panel.Account
	calls    int
	fail     error
	delay    time.Duration
}

func newFakePanel() *fakePanel {
	return &fakePanel{accounts: map[string]*panel.Account{}}
}

func (f *fakePanel) GetAccount(_ context.Context, username string) (*panel.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	acc, ok := f.accounts[username]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (f *fakePanel) CreateOrRenew(_ context.Context, userID int64, code string) (*panel.Provisioned, error) {
	time.Sleep(f.delay)
	t, err := tariff.Lookup(code)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}

	username := panel.UsernameFor(userID)
	acc, ok := f.accounts[username]
	var ent lifecycle.Entitlement
	if ok {
		ent = lifecycle.Extend(acc.Entitlement(), t, testNow)
	} else {
		ent = lifecycle.Fresh(t, testNow)
		acc = &panel.Account{Username: username, SubscriptionURL: "https://sub/" + username}
		f.accounts[username] = acc
	}
	acc.Expire, acc.DataLimit, acc.Status = ent.ExpireAt, ent.DataLimit, panel.StatusActive
	return &panel.Provisioned{
		Username:  username,
		Link:      acc.Link(),
		ExpireAt:  acc.Expire,
		DataLimit: acc.DataLimit,
		Created:   !ok,
	}, nil
}

type fakeInvoicer struct {
	last payment.InvoiceRequest
	err  error
}

func (f *fakeInvoicer) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (*payment.Invoice, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Invoice{ID: "900", Status: payment.InvoiceActive, PayURL: "https://t.me/CryptoBot?start=IV900"}, nil
}

type fixture struct {
	svc      *SubscriptionService
	panel    *fakePanel
	invoicer *fakeInvoicer
	subs     *repository.SubscriptionRepository
	users    *repository.UserRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		panel:    newFakePanel(),
		invoicer: &fakeInvoicer{},
		subs:     repository.NewSubscriptionRepository(db),
		users:    repository.NewUserRepository(db),
	}
	f.svc = NewSubscriptionService(f.users, f.subs, f.panel, f.invoicer, guard.NewMemory(), time.Hour, zap.NewNop())
	f.svc.now = func() time.Time { return testNow }
	return f
}

func TestIssueTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.IssueTrial(ctx, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, tariff.TrialCode, sub.TariffCode)
	assert.Equal(t, models.MethodTrial, sub.PaymentMethod)
	assert.True(t, sub.IsPaid)
	assert.Equal(t, "https://sub/tg1", sub.ConnectionLink)
	assert.Equal(t, 5, sub.DataLimitGB)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, testNow.Unix()+259200, sub.ExpiresAt.Unix())

	_, err = f.svc.IssueTrial(ctx, 1, "alice")
	assert.ErrorIs(t, err, ErrTrialUsed)
	assert.Equal(t, 1, f.panel.calls)

	exists, err := f.users.Exists(ctx, 1)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestConcurrentTrialIssuanceYieldsOneTrial(t *testing.T) {
	f := newFixture(t)
	f.panel.delay = 20 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.IssueTrial(ctx, 7, "eve")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrBusy) || errors.Is(err, ErrTrialUsed), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)

	list, err := f.subs.ListByUser(ctx, 7)
	require.NoError(t, err)
	trials := 0
	for _, s := range list {
		if s.TariffCode == tariff.TrialCode {
			trials++
		}
	}
	assert.Equal(t, 1, trials)
	assert.Equal(t, 1, f.panel.calls)
}

func TestTrialPanelFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	f.panel.fail = &apperr.PanelError{Op: "create account", Status: 500}
	ctx := context.Background()

	_, err := f.svc.IssueTrial(ctx, 3, "bob")
	assert.True(t, apperr.IsPanel(err))

	used, err := f.subs.HasTrial(ctx, 3)
	require.NoError(t, err)
	assert.False(t, used)

	// guard released, a later attempt can succeed
	f.panel.fail = nil
	_, err = f.svc.IssueTrial(ctx, 3, "bob")
	assert.NoError(t, err)
}

func TestStarsPayload(t *testing.T) {
	code, uid, err := ParseStarsPayload(StarsPayload("3m", 42))
	require.NoError(t, err)
	assert.Equal(t, "3m", code)
	assert.EqualValues(t, 42, uid)

	for _, bad := range []string{"", "stars_1m", "crypto_1m_1", "stars_1m_x", "stars_1m_1_2"} {
		_, _, err := ParseStarsPayload(bad)
		assert.ErrorIs(t, err, ErrPayload, bad)
	}
}

func TestPurchaseWithStars(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.PurchaseWithStars(ctx, 5, StarsPayload("1m", 5), "charge-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.MethodStars, sub.PaymentMethod)
	assert.Equal(t, "charge-1", sub.OrderRef)
	assert.Nil(t, sub.InvoiceID)
	assert.Equal(t, 100, sub.DataLimitGB)

	// renewal stacks on the panel
	sub, err = f.svc.PurchaseWithStars(ctx, 5, StarsPayload("1m", 5), "charge-2")
	require.NoError(t, err)
	assert.Equal(t, testNow.Unix()+2*2592000, sub.ExpiresAt.Unix())

	_, err = f.svc.PurchaseWithStars(ctx, 6, StarsPayload("1m", 5), "charge-3")
	assert.ErrorIs(t, err, ErrPayload)

	_, err = f.svc.PurchaseWithStars(ctx, 5, StarsPayload("12m", 5), "charge-4")
	assert.True(t, apperr.IsConfig(err))
}

func TestPurchaseWithStarsPanelFailureQueuesRetry(t *testing.T) {
	f := newFixture(t)
	f.panel.fail = &apperr.PanelError{Op: "modify account", Status: 502}
	ctx := context.Background()

	sub, err := f.svc.PurchaseWithStars(ctx, 8, StarsPayload("6m", 8), "charge-9")
	assert.True(t, apperr.IsPanel(err))
	require.NotNil(t, sub)
	assert.Equal(t, models.StatusPaidPendingProvision, sub.Status)
	assert.False(t, sub.IsPaid)

	list, err := f.subs.FindPendingUnpaidWithInvoice(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "stars:charge-9", list[0].Invoice())
	assert.True(t, list[0].KnownPaid())
}

func TestStartCryptoPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.svc.StartCryptoPurchase(ctx, 11, "3m")
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/CryptoBot?start=IV900", intent.PayURL)
	assert.Equal(t, 8.0, intent.Amount)

	sub := intent.Subscription
	assert.Equal(t, models.StatusPending, sub.Status)
	assert.Equal(t, "900", sub.Invoice())
	assert.NotEmpty(t, sub.OrderRef)
	assert.Equal(t, sub.OrderRef, f.invoicer.last.Payload)
	assert.Equal(t, time.Hour, f.invoicer.last.ExpiresIn)
	assert.Equal(t, 8.0, f.invoicer.last.Amount)

	list, err := f.subs.FindPendingUnpaidWithInvoice(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 0, f.panel.calls)
}

func TestStartCryptoPurchaseErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartCryptoPurchase(ctx, 1, tariff.TrialCode)
	assert.True(t, apperr.IsConfig(err))

	f.invoicer.err = &apperr.GatewayError{Op: "createInvoice"}
	_, err = f.svc.StartCryptoPurchase(ctx, 1, "1m")
	assert.True(t, apperr.IsGateway(err))

	list, _ := f.subs.FindPendingUnpaidWithInvoice(ctx)
	assert.Empty(t, list)

	f.svc.invoicer = nil
	_, err = f.svc.StartCryptoPurchase(ctx, 1, "1m")
	assert.True(t, apperr.IsConfig(err))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.Status(ctx, 20)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Equal(t, "tg20", st.Username)

	_, err = f.svc.PurchaseWithStars(ctx, 20, StarsPayload("1m", 20), "c")
	require.NoError(t, err)

	st, err = f.svc.Status(ctx, 20)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.False(t, st.Stale)
	assert.Equal(t, 30*24*time.Hour, st.Remaining)
	assert.Equal(t, "https://sub/tg20", st.Link)

	f.panel.fail = &apperr.PanelError{Op: "get account", Status: 503}
	st, err = f.svc.Status(ctx, 20)
	require.NoError(t, err)
	assert.True(t, st.Stale)
	assert.Equal(t, "https://sub/tg20", st.Link)

	_, err = f.svc.Status(ctx, 21)
	assert.True(t, apperr.IsPanel(err))
}
