package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lynqit/reconciler/pkg/billing"
)

func subscriptionState(sub string, outcome billing.Outcome, plan billing.Plan, periodEnd time.Time) *billing.Event {
	return &billing.Event{
		Provider:       billing.ProviderMollie,
		SubscriptionID: sub,
		Scope:          billing.ScopeSubscription,
		Outcome:        outcome,
		Plan:           plan,
		PeriodEnd:      &periodEnd,
		OccurredAt:     testNow,
	}
}

func TestSync_ReappliesProviderState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, activePage("renewed", "sub_renewed"))
	f.seed(t, activePage("canceled", "sub_canceled"))
	f.seed(t, activePage("gone", "sub_gone"))
	f.seed(t, activePage("broken", "sub_broken"))
	other := activePage("other", "sub_other")
	other.UserID = "bob@example.com"
	f.seed(t, other)

	nextPeriod := testNow.AddDate(0, 1, 5)
	f.mollie.subscriptions["sub_renewed"] = subscriptionState("sub_renewed", billing.OutcomeActive, billing.PlanPro, nextPeriod)
	f.mollie.subscriptions["sub_canceled"] = subscriptionState("sub_canceled", billing.OutcomeCanceled, billing.PlanPro, testNow)
	f.mollie.subscriptions["sub_other"] = subscriptionState("sub_other", billing.OutcomeCanceled, billing.PlanPro, testNow)
	f.mollie.subErrs["sub_broken"] = billing.E(billing.KindProvider, "get subscription", errors.New("503"))

	changed, err := f.r.Sync(ctx, " Ann@Example.com ")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, "canceled", changed[0].ID)
	assert.Equal(t, "renewed", changed[1].ID)

	renewed := f.page(t, "renewed")
	assert.Equal(t, billing.StatusActive, renewed.Status)
	assert.Equal(t, nextPeriod, *renewed.EndDate)

	canceled := f.page(t, "canceled")
	assert.Equal(t, billing.PlanFree, canceled.Plan)
	assert.Equal(t, billing.StatusExpired, canceled.Status)

	gone := f.page(t, "gone")
	assert.Equal(t, billing.StatusActive, gone.Status)
	assert.Equal(t, int64(1), gone.Version)

	assert.Equal(t, billing.PlanPro, f.page(t, "other").Plan)
}

func TestSync_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, activePage("p1", "sub_1"))
	f.mollie.subscriptions["sub_1"] = subscriptionState("sub_1", billing.OutcomeActive, billing.PlanPro, testNow.AddDate(0, 1, 0))

	changed, err := f.r.Sync(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Len(t, changed, 1)
	version := f.page(t, "p1").Version

	changed, err = f.r.Sync(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.NotNil(t, changed)
	assert.Empty(t, changed)
	assert.Equal(t, version, f.page(t, "p1").Version)
}

func TestSync_ExpiresEndedPeriodWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ended := activePage("ended", "")
	ended.EndDate = timePtr(testNow.Add(-time.Hour))
	f.seed(t, ended)

	running := activePage("running", "")
	running.EndDate = timePtr(testNow.Add(time.Hour))
	f.seed(t, running)

	f.seed(t, &billing.Page{ID: "free", UserID: "ann@example.com", Slug: "free", Plan: billing.PlanFree, Status: billing.StatusExpired})

	changed, err := f.r.Sync(ctx, "ann@example.com")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "ended", changed[0].ID)
	assert.Equal(t, billing.PlanFree, f.page(t, "ended").Plan)
	assert.Equal(t, billing.StatusActive, f.page(t, "running").Status)
}

func TestSync_SuspendedProvisionalPageIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &billing.Page{
		ID: "prov", UserID: "ann@example.com", Slug: "abc", Plan: billing.PlanStart,
		Status: billing.StatusExpired, Provider: billing.ProviderMollie, ProviderSubscriptionID: "sub_1",
	})
	f.mollie.subscriptions["sub_1"] = subscriptionState("sub_1", billing.OutcomeSuspended, billing.PlanStart, testNow)

	changed, err := f.r.Sync(ctx, "ann@example.com")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "prov", changed[0].ID)

	_, err = f.mem.GetPage(ctx, "prov")
	assert.ErrorIs(t, err, billing.ErrPageNotFound)
}

func TestSync_InvalidEmail(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"", "not-an-email"} {
		_, err := f.r.Sync(context.Background(), email)
		require.Error(t, err)
		assert.Equal(t, billing.KindValidation, billing.KindOf(err))
	}
}

func TestSync_NoPages(t *testing.T) {
	f := newFixture(t)
	changed, err := f.r.Sync(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestSync_SettlesProvisionalPagesFromPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checkout := func(slug string) *CheckoutResult {
		res, err := f.r.StartCheckout(ctx, CheckoutRequest{
			Email: "ann@example.com", Plan: "pro", Slug: slug, NewAccount: true,
		})
		require.NoError(t, err)
		return res
	}
	paid := checkout("paid")
	failed := checkout("failed")
	pending := checkout("pending")
	unknown := checkout("unknown")

	f.mollie.paymentStates[paid.PaymentID] = &billing.Event{
		PaymentID: paid.PaymentID, CustomerID: "cst_1", Scope: billing.ScopePayment,
		Outcome: billing.OutcomePaid, FirstPayment: true, OccurredAt: testNow,
		Intent: &f.mollie.payments[0].Intent,
	}
	// Failed payments may come back without their checkout metadata.
	f.mollie.paymentStates[failed.PaymentID] = &billing.Event{
		PaymentID: failed.PaymentID, Scope: billing.ScopePayment, Outcome: billing.OutcomeFailed, OccurredAt: testNow,
	}
	f.mollie.paymentStates[pending.PaymentID] = &billing.Event{
		PaymentID: pending.PaymentID, Scope: billing.ScopePayment, Outcome: billing.OutcomePending, OccurredAt: testNow,
	}

	changed, err := f.r.Sync(ctx, "ann@example.com")
	require.NoError(t, err)
	ids := make([]string, 0, len(changed))
	for _, p := range changed {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{paid.PageID, failed.PageID}, ids)

	activated := f.page(t, paid.PageID)
	assert.Equal(t, billing.StateActive, activated.State())
	assert.Equal(t, "sub_1", activated.ProviderSubscriptionID)
	assert.Equal(t, 1, f.identity.Count())
	account, err := f.mem.GetAccount(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cst_1", account.MollieCustomerID)

	_, err = f.mem.GetPage(ctx, failed.PageID)
	assert.ErrorIs(t, err, billing.ErrPageNotFound)

	assert.Equal(t, billing.StateProvisional, f.page(t, pending.PageID).State())
	assert.Equal(t, billing.StateProvisional, f.page(t, unknown.PageID).State())
}
