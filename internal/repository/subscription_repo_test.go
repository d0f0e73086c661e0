package repository

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnbot/internal/models"
	"vpnbot/internal/testutil"
)

func strPtr(s string) *string { return &s }

func newRepos(t *testing.T) (*UserRepository, *SubscriptionRepository) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewUserRepository(db), NewSubscriptionRepository(db)
}

func pending(userID int64, invoice string) *models.Subscription {
	return &models.Subscription{
		UserID:        userID,
		TariffCode:    "1m",
		Status:        models.StatusPending,
		InvoiceID:     strPtr(invoice),
		PaymentMethod: models.MethodCrypto,
	}
}

func TestWorkListSelection(t *testing.T) {
	ctx := context.Background()
	_, subs := newRepos(t)

	a := pending(1, "a")
	b := pending(1, "b")
	c := pending(2, "c")
	noInvoice := &models.Subscription{UserID: 3, TariffCode: "1m", Status: models.StatusPending}
	failed := pending(4, "f")
	for _, s := range []*models.Subscription{a, b, c, noInvoice, failed} {
		require.NoError(t, subs.Create(ctx, s))
	}

	require.NoError(t, subs.MarkPaidPendingProvision(ctx, b.ID, "panel down"))
	require.NoError(t, subs.MarkActive(ctx, c.ID, nil, "https://sub/c"))
	require.NoError(t, subs.MarkFailed(ctx, failed.ID, "expired"))

	list, err := subs.FindPendingUnpaidWithInvoice(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.True(t, list[1].KnownPaid())
	assert.Equal(t, 1, list[1].ProvisionAttempts)
	assert.Equal(t, "panel down", list[1].LastError)
}

func TestMarkActive(t *testing.T) {
	ctx := context.Background()
	_, subs := newRepos(t)

	sub := pending(1, "inv")
	require.NoError(t, subs.Create(ctx, sub))

	assert.ErrorIs(t, subs.MarkActive(ctx, sub.ID, nil, ""), ErrEmptyLink)
	got, err := subs.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaid)

	exp := time.Unix(1_800_000_000, 0).UTC()
	require.NoError(t, subs.MarkActive(ctx, sub.ID, &exp, "https://sub/1"))

	got, err = subs.FindByInvoiceID(ctx, "inv")
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, "https://sub/1", got.ConnectionLink)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, exp.Unix(), got.ExpiresAt.Unix())

	// second activation is a no-op and does not overwrite the link
	require.NoError(t, subs.MarkActive(ctx, sub.ID, nil, "https://sub/other"))
	got, _ = subs.FindByID(ctx, sub.ID)
	assert.Equal(t, "https://sub/1", got.ConnectionLink)

	// terminal transitions never touch a paid row
	require.NoError(t, subs.MarkFailed(ctx, sub.ID, "late"))
	got, _ = subs.FindByID(ctx, sub.ID)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestMarkActiveUnknownRow(t *testing.T) {
	_, subs := newRepos(t)
	assert.Error(t, subs.MarkActive(context.Background(), 999, nil, "https://x"))
}

func TestLastErrorIsTruncatedOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	_, subs := newRepos(t)
	sub := pending(1, "utf")
	require.NoError(t, subs.Create(ctx, sub))

	reason := strings.Repeat("a", 499) + "ошибка панели"
	require.NoError(t, subs.MarkPaidPendingProvision(ctx, sub.ID, reason))

	got, err := subs.FindByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.Equal(t, 500, utf8.RuneCountInString(got.LastError))
	assert.True(t, strings.HasSuffix(got.LastError, "о"))
}

func TestNoPaidRowWithoutLink(t *testing.T) {
	ctx := context.Background()
	_, subs := newRepos(t)

	err := subs.Create(ctx, &models.Subscription{UserID: 1, TariffCode: "1m", Status: models.StatusActive, IsPaid: true})
	assert.ErrorIs(t, err, ErrEmptyLink)

	err = subs.Create(ctx, &models.Subscription{UserID: 1, TariffCode: "nope"})
	assert.Error(t, err)
}

func TestConcurrentReadersNeverSeePaidWithoutLink(t *testing.T) {
	ctx := context.Background()
	_, subs := newRepos(t)

	var ids []uint
	for i := 0; i < 20; i++ {
		s := pending(int64(i), "inv-"+string(rune('a'+i)))
		require.NoError(t, subs.Create(ctx, s))
		ids = append(ids, s.ID)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			assert.NoError(t, subs.MarkActive(ctx, id, nil, "https://sub/x"))
		}
	}()

	for i := 0; i < 50; i++ {
		list, err := subs.ListByUser(ctx, int64(i%20))
		require.NoError(t, err)
		for _, s := range list {
			if s.IsPaid {
				assert.NotEmpty(t, s.ConnectionLink)
				assert.Equal(t, models.StatusActive, s.Status)
			}
		}
	}
	wg.Wait()
}

func TestHasTrialAndLatestActive(t *testing.T) {
	ctx := context.Background()
	users, subs := newRepos(t)

	_, err := users.Ensure(ctx, 10, "alice")
	require.NoError(t, err)

	has, err := subs.HasTrial(ctx, 10)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, subs.Create(ctx, &models.Subscription{
		UserID: 10, TariffCode: "free", Status: models.StatusActive, IsPaid: true,
		ConnectionLink: "https://sub/trial", PaymentMethod: models.MethodTrial,
	}))
	require.NoError(t, subs.Create(ctx, &models.Subscription{
		UserID: 10, TariffCode: "3m", Status: models.StatusActive, IsPaid: true,
		ConnectionLink: "https://sub/3m", PaymentMethod: models.MethodStars,
	}))

	has, err = subs.HasTrial(ctx, 10)
	require.NoError(t, err)
	assert.True(t, has)

	latest, err := subs.FindLatestActive(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "3m", latest.TariffCode)

	counts, err := subs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[models.StatusActive])
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	users, subs := newRepos(t)

	err := subs.Transaction(ctx, func(u *UserRepository, s *SubscriptionRepository) error {
		if _, err := u.Ensure(ctx, 5, "bob"); err != nil {
			return err
		}
		return s.Create(ctx, &models.Subscription{UserID: 5, TariffCode: "bad"})
	})
	require.Error(t, err)

	exists, err := users.Exists(ctx, 5)
	require.NoError(t, err)
	assert.False(t, exists)
}
