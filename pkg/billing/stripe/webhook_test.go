package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/lynqit/reconciler/pkg/billing"
)

const testSecret = "whsec_test_secret"

var eventCreated = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type recordingHandler struct {
	events []*billing.Event
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev *billing.Event) (*billing.Result, error) {
	h.events = append(h.events, ev)
	if h.err != nil {
		return nil, h.err
	}
	return &billing.Result{PageID: "page-1", To: billing.StateActive}, nil
}

func eventJSON(id, typ, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2025-01-01","data":{"object":%s}}`,
		id, typ, eventCreated.Unix(), object)
}

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(t *testing.T, p *Provider, h billing.EventHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	p.WebhookHandler(h).ServeHTTP(w, req)
	return w
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	w := serve(t, p, &recordingHandler{}, httptest.NewRequest(http.MethodGet, "/stripe/webhook", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhook_Unconfigured(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	p.webhookSecret = ""
	h := &recordingHandler{}

	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_1", "customer.subscription.updated", `{"id":"sub_1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.events)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	h := &recordingHandler{}

	w := serve(t, p, h, signedRequest(t, "whsec_other", eventJSON("evt_1", "customer.subscription.updated", `{"id":"sub_1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.events)

	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", bytes.NewReader([]byte(`{}`)))
	w = serve(t, p, h, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing signature header")
}

func TestWebhook_CheckoutCompleted(t *testing.T) {
	fake := newFakeAPI()
	periodEnd := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)
	fake.subscriptions["sub_1"] = activeSubscription("sub_1", "price_pro", periodEnd)
	p := newTestProvider(t, fake)
	h := &recordingHandler{}

	session := `{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"paid",
		"customer":"cus_1","subscription":"sub_1",
		"metadata":{"email":"A@X.com","plan":"pro","slug":"abc","newAccount":"true","discountCodeId":"d1"}}`
	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_1", "checkout.session.completed", session)))

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	assert.Equal(t, billing.ScopePayment, ev.Scope)
	assert.Equal(t, billing.OutcomePaid, ev.Outcome)
	assert.Equal(t, "cs_1", ev.PaymentID)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.False(t, ev.FirstPayment, "stripe manages the recurring schedule")
	require.NotNil(t, ev.Intent)
	assert.Equal(t, "a@x.com", ev.Intent.Email)
	assert.True(t, ev.Intent.NewAccount)
	assert.Equal(t, "d1", ev.Intent.DiscountCodeID)
	require.NotNil(t, ev.PeriodEnd)
	assert.True(t, periodEnd.Equal(*ev.PeriodEnd))
	assert.True(t, eventCreated.Equal(ev.OccurredAt))
}

func TestWebhook_CheckoutExpired(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	h := &recordingHandler{}

	session := `{"id":"cs_2","object":"checkout.session","status":"expired","payment_status":"unpaid",
		"metadata":{"email":"a@x.com","plan":"start","pageId":"page-1"}}`
	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_2", "checkout.session.expired", session)))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.events, 1)
	assert.Equal(t, billing.OutcomeExpired, h.events[0].Outcome)
	assert.Equal(t, "page-1", h.events[0].Intent.PageID)
}

func TestWebhook_CheckoutPaidWithoutMetadata(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	h := &recordingHandler{}

	session := `{"id":"cs_3","object":"checkout.session","status":"complete","payment_status":"paid"}`
	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_3", "checkout.session.completed", session)))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Empty(t, h.events)
}

func TestWebhook_SubscriptionEvents(t *testing.T) {
	periodEnd := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)
	subscription := func(status, price string) string {
		return fmt.Sprintf(`{"id":"sub_1","object":"subscription","status":%q,"customer":"cus_1",
			"metadata":{"email":"a@x.com","plan":"start","pageId":"page-1"},
			"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":%q,"object":"price"},"current_period_end":%d}]}}`,
			status, price, periodEnd.Unix())
	}

	tests := []struct {
		name        string
		eventType   string
		object      string
		wantOutcome billing.Outcome
		wantPlan    billing.Plan
	}{
		{"created", "customer.subscription.created", subscription("active", "price_start"), billing.OutcomeActive, billing.PlanStart},
		{"upgraded", "customer.subscription.updated", subscription("active", "price_pro"), billing.OutcomeActive, billing.PlanPro},
		{"past due", "customer.subscription.updated", subscription("past_due", "price_start"), billing.OutcomeSuspended, billing.PlanStart},
		{"deleted", "customer.subscription.deleted", subscription("canceled", "price_start"), billing.OutcomeCanceled, billing.PlanStart},
		{"unknown price falls back to metadata", "customer.subscription.updated", subscription("trialing", "price_legacy"), billing.OutcomeActive, billing.PlanStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, newFakeAPI())
			h := &recordingHandler{}

			w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_s", tt.eventType, tt.object)))

			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
			require.Len(t, h.events, 1)
			ev := h.events[0]
			assert.Equal(t, billing.ScopeSubscription, ev.Scope)
			assert.Equal(t, tt.wantOutcome, ev.Outcome)
			assert.Equal(t, tt.wantPlan, ev.Plan)
			assert.Equal(t, "sub_1", ev.SubscriptionID)
			require.NotNil(t, ev.PeriodEnd)
			assert.True(t, periodEnd.Equal(*ev.PeriodEnd))
		})
	}
}

func TestWebhook_InvoicePaymentSucceeded(t *testing.T) {
	fake := newFakeAPI()
	periodEnd := time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC)
	fake.subscriptions["sub_1"] = activeSubscription("sub_1", "price_pro", periodEnd)
	p := newTestProvider(t, fake)
	h := &recordingHandler{}

	invoice := `{"id":"in_1","object":"invoice","customer":"cus_1",
		"parent":{"type":"subscription_details","subscription_details":{"subscription":"sub_1"}}}`
	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_i", "invoice.payment_succeeded", invoice)))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, billing.ScopeSubscription, ev.Scope)
	assert.Equal(t, billing.OutcomeActive, ev.Outcome)
	assert.Equal(t, billing.PlanPro, ev.Plan)
	assert.Equal(t, "in_1", ev.PaymentID)
	assert.True(t, periodEnd.Equal(*ev.PeriodEnd))
}

func TestWebhook_InvoicePaymentSucceeded_ProviderDown(t *testing.T) {
	fake := newFakeAPI()
	fake.err = billing.E(billing.KindProvider, "stripe /subscriptions/{id}", billing.ErrProviderAPIError)
	p := newTestProvider(t, fake)
	h := &recordingHandler{}

	invoice := `{"id":"in_1","object":"invoice","subscription":"sub_1"}`
	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_i", "invoice.payment_succeeded", invoice)))

	assert.Equal(t, http.StatusInternalServerError, w.Code, "transient failures are redelivered")
	assert.Empty(t, h.events)
}

func TestWebhook_InvoicePaymentFailed(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	h := &recordingHandler{}

	invoice := `{"id":"in_2","object":"invoice","customer":"cus_1","subscription":{"id":"sub_1","object":"subscription"}}`
	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_f", "invoice.payment_failed", invoice)))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, billing.ScopePayment, ev.Scope)
	assert.Equal(t, billing.OutcomeFailed, ev.Outcome)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
}

func TestWebhook_IgnoresUnhandledTypes(t *testing.T) {
	p := newTestProvider(t, newFakeAPI())
	h := &recordingHandler{}

	w := serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_x", "customer.created", `{"id":"cus_1","object":"customer"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.events)

	invoice := `{"id":"in_3","object":"invoice","customer":"cus_1"}`
	w = serve(t, p, h, signedRequest(t, testSecret, eventJSON("evt_y", "invoice.payment_succeeded", invoice)))
	assert.Equal(t, http.StatusOK, w.Code, "one-off invoices are acknowledged")
	assert.Empty(t, h.events)
}

func TestWebhook_HandlerErrors(t *testing.T) {
	object := `{"id":"sub_1","object":"subscription","status":"active","items":{"object":"list","data":[{"id":"si_1","price":{"id":"price_pro"}}]}}`

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not found acknowledged", billing.E(billing.KindNotFound, "apply", billing.ErrPageNotFound), http.StatusOK},
		{"storage failure retried", fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, newFakeAPI())
			w := serve(t, p, &recordingHandler{err: tt.err},
				signedRequest(t, testSecret, eventJSON("evt_e", "customer.subscription.updated", object)))
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestParseInvoice(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantSub string
		wantCus string
	}{
		{"top level id", `{"id":"in_1","subscription":"sub_1","customer":"cus_1"}`, "sub_1", "cus_1"},
		{"expanded objects", `{"id":"in_1","subscription":{"id":"sub_2"},"customer":{"id":"cus_2"}}`, "sub_2", "cus_2"},
		{"parent details", `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_3"}}}`, "sub_3", ""},
		{"one-off", `{"id":"in_1","subscription":null}`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := parseInvoice(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, "in_1", ref.ID)
			assert.Equal(t, tt.wantSub, ref.SubscriptionID)
			assert.Equal(t, tt.wantCus, ref.CustomerID)
		})
	}
}
