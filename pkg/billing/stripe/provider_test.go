package stripe

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/lynqit/reconciler/pkg/billing"
)

var testPrices = map[billing.Plan]string{
	billing.PlanStart: "price_start",
	billing.PlanPro:   "price_pro",
}

// fakeAPI records calls and serves canned Stripe objects.
type fakeAPI struct {
	subscriptions map[string]*stripe.Subscription
	sessions      map[string]*stripe.CheckoutSession

	customerParams *stripe.CustomerCreateParams
	sessionParams  *stripe.CheckoutSessionCreateParams
	updateParams   *stripe.SubscriptionUpdateParams
	canceled       []string
	err            error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		subscriptions: map[string]*stripe.Subscription{},
		sessions:      map[string]*stripe.CheckoutSession{},
	}
}

func (f *fakeAPI) createCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	f.customerParams = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.Customer{ID: "cus_new"}, nil
}

func (f *fakeAPI) createCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.sessionParams = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (f *fakeAPI) getCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, billing.ErrPaymentNotFound
}

func (f *fakeAPI) getSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (f *fakeAPI) updateSubscription(
	_ context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	f.updateParams = params
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (f *fakeAPI) cancelSubscription(_ context.Context, id string) error {
	if _, ok := f.subscriptions[id]; !ok {
		return billing.ErrSubscriptionNotFound
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func newTestProvider(t *testing.T, fake *fakeAPI) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		Config: billing.Config{APIKey: "sk_test_123", WebhookSecret: testSecret},
		Prices: testPrices,
	})
	require.NoError(t, err)
	p.api = fake
	return p
}

func activeSubscription(id, priceID string, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:               "si_1",
				Price:            &stripe.Price{ID: priceID},
				CurrentPeriodEnd: periodEnd.Unix(),
			}},
		},
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing api key", Config{Prices: testPrices}},
		{"missing prices", Config{Config: billing.Config{APIKey: "sk_test"}}},
		{"missing pro price", Config{Config: billing.Config{APIKey: "sk_test"}, Prices: map[billing.Plan]string{billing.PlanStart: "price_start"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
		})
	}
}

func TestProvider_Name(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	assert.Equal(t, "stripe", p.Name())
}

func TestPlanForPrice(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	assert.Equal(t, billing.PlanPro, p.planForPrice("price_pro"))
	assert.Equal(t, billing.PlanStart, p.planForPrice(" PRICE_START "))
	assert.Equal(t, billing.Plan(""), p.planForPrice("price_other"))
}

func TestCreatePayment_NewCustomer(t *testing.T) {
	fake := newFakeAPI()
	p := newTestProvider(t, fake)

	checkout, err := p.CreatePayment(context.Background(), billing.PaymentRequest{
		RedirectURL: "https://lynqit.com/processing",
		Intent:      billing.CheckoutIntent{Email: "a@x.com", Plan: billing.PlanPro, Slug: "abc", PageID: "page-1", NewAccount: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", checkout.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", checkout.URL)

	params := fake.sessionParams
	require.NotNil(t, params)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *params.Mode)
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, "price_pro", *params.LineItems[0].Price)
	assert.Equal(t, "a@x.com", *params.CustomerEmail)
	assert.Nil(t, params.Customer)
	assert.Equal(t, "https://lynqit.com/processing", *params.CancelURL)
	assert.Equal(t, "page-1", params.Metadata[billing.MetaPageID])
	assert.Equal(t, "true", params.SubscriptionData.Metadata[billing.MetaNewAccount])
}

func TestCreatePayment_ExistingCustomer(t *testing.T) {
	fake := newFakeAPI()
	p := newTestProvider(t, fake)

	_, err := p.CreatePayment(context.Background(), billing.PaymentRequest{
		CustomerID: "cus_1",
		Intent:     billing.CheckoutIntent{Email: "a@x.com", Plan: billing.PlanStart, PageID: "page-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", *fake.sessionParams.Customer)
	assert.Nil(t, fake.sessionParams.CustomerEmail)
}

func TestCreatePayment_FreePlanRejected(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	_, err := p.CreatePayment(context.Background(), billing.PaymentRequest{
		Intent: billing.CheckoutIntent{Email: "a@x.com", Plan: billing.PlanFree},
	})
	assert.ErrorIs(t, err, billing.ErrInvalidPlan)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestCreateCustomer(t *testing.T) {
	fake := newFakeAPI()
	p := newTestProvider(t, fake)

	id, err := p.CreateCustomer(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
	assert.Equal(t, "a@x.com", *fake.customerParams.Email)
}

func TestGetSubscription(t *testing.T) {
	fake := newFakeAPI()
	end := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	fake.subscriptions["sub_1"] = activeSubscription("sub_1", "price_start", end)
	p := newTestProvider(t, fake)

	ev, err := p.GetSubscription(context.Background(), "", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.ScopeSubscription, ev.Scope)
	assert.Equal(t, billing.OutcomeActive, ev.Outcome)
	assert.Equal(t, billing.PlanStart, ev.Plan)
	assert.Equal(t, "cus_1", ev.CustomerID)
	require.NotNil(t, ev.PeriodEnd)
	assert.True(t, end.Equal(*ev.PeriodEnd))

	_, err = p.GetSubscription(context.Background(), "", "sub_missing")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestGetPaymentStatus(t *testing.T) {
	fake := newFakeAPI()
	fake.sessions["cs_1"] = &stripe.CheckoutSession{
		ID:            "cs_1",
		Created:       time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC).Unix(),
		Status:        stripe.CheckoutSessionStatusOpen,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
		Metadata:      map[string]string{"email": "a@x.com", "plan": "pro"},
	}
	p := newTestProvider(t, fake)

	ev, err := p.GetPaymentStatus(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomePending, ev.Outcome)
	assert.Equal(t, "a@x.com", ev.Intent.Email)

	_, err = p.GetPaymentStatus(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
}

func TestChangePlan(t *testing.T) {
	fake := newFakeAPI()
	fake.subscriptions["sub_1"] = activeSubscription("sub_1", "price_start", time.Now().Add(24*time.Hour))
	p := newTestProvider(t, fake)

	require.NoError(t, p.ChangePlan(context.Background(), "sub_1", billing.PlanPro))

	params := fake.updateParams
	require.NotNil(t, params)
	require.Len(t, params.Items, 1)
	assert.Equal(t, "si_1", *params.Items[0].ID)
	assert.Equal(t, "price_pro", *params.Items[0].Price)
	assert.Equal(t, "create_prorations", *params.ProrationBehavior)
	assert.Equal(t, "pro", params.Metadata[billing.MetaPlan])

	assert.ErrorIs(t, p.ChangePlan(context.Background(), "sub_1", billing.PlanFree), billing.ErrInvalidPlan)
	assert.ErrorIs(t, p.ChangePlan(context.Background(), "sub_missing", billing.PlanPro), billing.ErrSubscriptionNotFound)
}

func TestCancelSubscription(t *testing.T) {
	fake := newFakeAPI()
	fake.subscriptions["sub_1"] = activeSubscription("sub_1", "price_start", time.Now())
	p := newTestProvider(t, fake)

	require.NoError(t, p.CancelSubscription(context.Background(), "", "sub_1"))
	assert.Equal(t, []string{"sub_1"}, fake.canceled)
	assert.ErrorIs(t, p.CancelSubscription(context.Background(), "", "sub_2"), billing.ErrSubscriptionNotFound)
}

func TestTranslateError(t *testing.T) {
	notFound := &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "No such subscription"}
	assert.ErrorIs(t, translateError("op", notFound, billing.ErrSubscriptionNotFound), billing.ErrSubscriptionNotFound)

	err := translateError("op", notFound, nil)
	assert.ErrorIs(t, err, billing.ErrProvider)

	err = translateError("op", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "slow down"}, nil)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Equal(t, http.StatusBadGateway, billing.HTTPStatus(err))
}

func TestSubscriptionOutcome(t *testing.T) {
	tests := map[stripe.SubscriptionStatus]billing.Outcome{
		stripe.SubscriptionStatusActive:            billing.OutcomeActive,
		stripe.SubscriptionStatusTrialing:          billing.OutcomeActive,
		stripe.SubscriptionStatusPastDue:           billing.OutcomeSuspended,
		stripe.SubscriptionStatusUnpaid:            billing.OutcomeSuspended,
		stripe.SubscriptionStatusPaused:            billing.OutcomeSuspended,
		stripe.SubscriptionStatusCanceled:          billing.OutcomeCanceled,
		stripe.SubscriptionStatusIncompleteExpired: billing.OutcomeCanceled,
		stripe.SubscriptionStatusIncomplete:        billing.OutcomePending,
	}
	for status, want := range tests {
		assert.Equal(t, want, subscriptionOutcome(status), string(status))
	}
}
