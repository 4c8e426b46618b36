package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lynqit/reconciler/pkg/billing"
)

const testProjectID = "test-project"

// setupTestStorage requires the Firestore emulator (FIRESTORE_EMULATOR_HOST)
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Unique collections per test keep runs independent.
	s, err := New(client, Config{CollectionPrefix: fmt.Sprintf("test_%d_", time.Now().UnixNano())})
	require.NoError(t, err)
	return s
}

func testPage(id, slug string) *billing.Page {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return &billing.Page{
		ID:      id,
		UserID:  "Ann@Example.com",
		Slug:    slug,
		Plan:    billing.PlanPro,
		Status:  billing.StatusExpired,
		EndDate: &end,
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	s, err := New(&firestore.Client{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "billing_pages", s.pagesCollection)
	assert.Equal(t, "billing_claims", s.claimsCollection)
}

func TestPageData_KeepsOptionalTimes(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := testPage("p1", "ann")
	p.StartDate = &start
	p.Version = 3

	data := pageData(p)
	assert.Nil(t, data["lastEventAt"])
	assert.Equal(t, "ann@example.com", data["userKey"])

	got := pageFromData("p1", data)
	assert.Equal(t, p.Slug, got.Slug)
	assert.EqualValues(t, 3, got.Version)
	assert.True(t, got.StartDate.Equal(start))
	assert.True(t, got.EndDate.Equal(*p.EndDate))
	assert.True(t, got.LastEventAt.IsZero())
}

func TestClaimDocID(t *testing.T) {
	assert.Equal(t, "event:mollie:tr_1", claimDocID("event:mollie:tr_1"))
	assert.Equal(t, "provision:a_b", claimDocID("provision:a/b"))
}

func TestFirestore_PageLifecycle(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	created, err := s.CreatePage(ctx, testPage("p1", "ann"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Version)

	_, err = s.CreatePage(ctx, testPage("p2", "ann"))
	assert.ErrorIs(t, err, billing.ErrSlugTaken)

	created.Status = billing.StatusActive
	created.Provider = billing.ProviderMollie
	created.ProviderSubscriptionID = "sub_1"
	updated, err := s.UpdatePage(ctx, created)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	_, err = s.UpdatePage(ctx, created)
	assert.ErrorIs(t, err, billing.ErrVersionConflict)

	bySub, err := s.GetPageBySubscription(ctx, billing.ProviderMollie, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "p1", bySub.ID)

	bySlug, err := s.GetPageBySlug(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, billing.StateActive, bySlug.State())

	renamed := updated.Clone()
	renamed.Slug = "ann-2"
	renamed, err = s.UpdatePage(ctx, renamed)
	require.NoError(t, err)
	_, err = s.GetPageBySlug(ctx, "ann")
	assert.ErrorIs(t, err, billing.ErrPageNotFound)

	pages, err := s.ListPagesByUser(ctx, "ann@example.com")
	require.NoError(t, err)
	require.Len(t, pages, 1)

	assert.ErrorIs(t, s.DeletePage(ctx, "p1", updated.Version), billing.ErrVersionConflict)
	require.NoError(t, s.DeletePage(ctx, "p1", renamed.Version))
	assert.ErrorIs(t, s.DeletePage(ctx, "p1", renamed.Version), billing.ErrPageNotFound)
	_, err = s.GetPageBySlug(ctx, "ann-2")
	assert.ErrorIs(t, err, billing.ErrPageNotFound)
}

func TestFirestore_AccountsAndDiscounts(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, &billing.Account{Email: "Ann@Example.com"}))
	assert.ErrorIs(t, s.CreateAccount(ctx, &billing.Account{Email: "ann@example.com"}), billing.ErrAccountExists)

	acc, err := s.GetAccount(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, billing.RoleUser, acc.Role)
	acc.SetCustomerID(billing.ProviderStripe, "cus_1")
	require.NoError(t, s.UpdateAccount(ctx, acc))
	acc, err = s.GetAccount(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acc.StripeCustomerID)
	assert.ErrorIs(t, s.UpdateAccount(ctx, &billing.Account{Email: "bob@example.com"}), billing.ErrAccountNotFound)

	require.NoError(t, s.AddDiscountCode(ctx, billing.DiscountCode{ID: "d1", Code: "SPRING"}))
	require.NoError(t, s.IncrementDiscountUsage(ctx, "d1"))
	d, err := s.GetDiscountCode(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.UsageCount)
	assert.ErrorIs(t, s.IncrementDiscountUsage(ctx, "missing"), billing.ErrDiscountNotFound)
}

func TestFirestore_LedgerClaims(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	l := s.Ledger()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.Claim(ctx, "event:mollie:tr_1", time.Minute); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	require.NoError(t, l.Release(ctx, "event:mollie:tr_1"))
	ok, err := l.Claim(ctx, "event:mollie:tr_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	later := time.Now().Add(time.Hour)
	l.now = func() time.Time { return later }
	ok, err = l.Claim(ctx, "event:mollie:tr_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim is taken over")
}
