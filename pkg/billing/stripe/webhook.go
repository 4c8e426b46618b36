package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/billing/internal"
)

// handleWebhook verifies and processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request, h billing.EventHandler) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("stripe webhook rejected", billing.Field{Key: "error", Value: err})
		_ = internal.WriteJSON(w, billing.HTTPStatus(err), internal.WebhookResponse{Error: "invalid signature"})
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	ev, err := p.toEvent(r.Context(), &event)
	var res *billing.Result
	switch {
	case err != nil:
		p.logger.Error("stripe webhook decode failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "type", Value: eventType},
			billing.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookError(providerName, "decode_failed")
	case ev == nil:
		res = &billing.Result{Skipped: true, Reason: "event type not handled"}
	default:
		res, err = h.HandleEvent(r.Context(), ev)
		if err != nil {
			p.metrics.RecordWebhookError(providerName, "processing_error")
		}
	}

	status := internal.WriteEventResult(w, res, err)
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// verify checks the Stripe-Signature header against the signing secret.
func (p *Provider) verify(body []byte, sig string) (stripe.Event, error) {
	if p.webhookSecret == "" {
		return stripe.Event{}, billing.E(billing.KindAuthentication, "stripe webhook", billing.ErrWebhookNotConfigured)
	}
	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, billing.E(billing.KindAuthentication, "stripe webhook",
			fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err))
	}
	return event, nil
}

// toEvent normalizes a verified Stripe event. It returns nil for event types
// that carry no billing state.
func (p *Provider) toEvent(ctx context.Context, event *stripe.Event) (*billing.Event, error) {
	if event.Data == nil {
		return nil, billing.E(billing.KindValidation, "stripe event", billing.ErrInvalidWebhookPayload)
	}
	occurredAt := time.Unix(event.Created, 0).UTC()

	var (
		ev  *billing.Event
		err error
	)
	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		ev, err = p.checkoutEvent(ctx, event.Data.Raw, occurredAt)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, invalidPayload("subscription", err)
		}
		ev = p.subscriptionEvent(&sub, occurredAt)
		if event.Type == "customer.subscription.deleted" {
			ev.Outcome = billing.OutcomeCanceled
		}
	case "invoice.payment_succeeded":
		ev, err = p.invoicePaidEvent(ctx, event.Data.Raw, occurredAt)
	case "invoice.payment_failed":
		ev, err = p.invoiceFailedEvent(event.Data.Raw, occurredAt)
	default:
		return nil, nil
	}
	if err != nil || ev == nil {
		return nil, err
	}
	ev.ID = event.ID
	ev.Type = string(event.Type)
	return ev, nil
}

func (p *Provider) checkoutEvent(ctx context.Context, raw json.RawMessage, occurredAt time.Time) (*billing.Event, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, invalidPayload("checkout session", err)
	}
	return p.sessionEvent(ctx, &session, occurredAt)
}

func (p *Provider) sessionEvent(ctx context.Context, session *stripe.CheckoutSession, occurredAt time.Time) (*billing.Event, error) {
	ev := &billing.Event{
		Provider:   providerName,
		PaymentID:  session.ID,
		Scope:      billing.ScopePayment,
		Outcome:    billing.OutcomePending,
		OccurredAt: occurredAt,
	}
	switch {
	case session.Status == stripe.CheckoutSessionStatusExpired:
		ev.Outcome = billing.OutcomeExpired
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		ev.Outcome = billing.OutcomePaid
	}
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
	}

	intent, err := billing.ParseIntent(session.Metadata)
	switch {
	case err == nil:
		ev.Intent = intent
		ev.Plan = intent.Plan
	case ev.Outcome == billing.OutcomePaid:
		return nil, err
	}

	// The session only references the subscription; its period comes from
	// the subscription itself.
	if ev.Outcome == billing.OutcomePaid && ev.SubscriptionID != "" {
		sub, err := p.api.getSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return nil, err
		}
		ev.PeriodEnd = periodEnd(sub)
	}
	return ev, nil
}

func (p *Provider) subscriptionEvent(sub *stripe.Subscription, occurredAt time.Time) *billing.Event {
	ev := &billing.Event{
		Provider:       providerName,
		SubscriptionID: sub.ID,
		Scope:          billing.ScopeSubscription,
		Outcome:        subscriptionOutcome(sub.Status),
		PeriodEnd:      periodEnd(sub),
		OccurredAt:     occurredAt,
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if intent, err := billing.ParseIntent(sub.Metadata); err == nil {
		ev.Intent = intent
	}
	// The subscribed price wins over metadata: plan changes only swap the price.
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if plan := p.planForPrice(item.Price.ID); plan != "" {
				ev.Plan = plan
				break
			}
		}
	}
	if ev.Plan == "" && ev.Intent != nil {
		ev.Plan = ev.Intent.Plan
	}
	return ev
}

func (p *Provider) invoicePaidEvent(ctx context.Context, raw json.RawMessage, occurredAt time.Time) (*billing.Event, error) {
	ref, err := parseInvoice(raw)
	if err != nil {
		return nil, err
	}
	if ref.SubscriptionID == "" {
		// Not a subscription invoice
		return nil, nil
	}
	sub, err := p.api.getSubscription(ctx, ref.SubscriptionID)
	if err != nil {
		return nil, err
	}
	ev := p.subscriptionEvent(sub, occurredAt)
	ev.PaymentID = ref.ID
	return ev, nil
}

func (p *Provider) invoiceFailedEvent(raw json.RawMessage, occurredAt time.Time) (*billing.Event, error) {
	ref, err := parseInvoice(raw)
	if err != nil {
		return nil, err
	}
	if ref.SubscriptionID == "" {
		return nil, nil
	}
	return &billing.Event{
		Provider:       providerName,
		PaymentID:      ref.ID,
		SubscriptionID: ref.SubscriptionID,
		CustomerID:     ref.CustomerID,
		Scope:          billing.ScopePayment,
		Outcome:        billing.OutcomeFailed,
		Renewal:        true,
		OccurredAt:     occurredAt,
	}, nil
}

type invoiceRef struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// parseInvoice extracts the identifiers of an invoice payload. Depending on
// the API version the subscription sits at the top level (as an id or an
// expanded object) or under parent.subscription_details.
func parseInvoice(raw json.RawMessage) (invoiceRef, error) {
	var inv struct {
		ID           string          `json:"id"`
		Customer     json.RawMessage `json:"customer"`
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return invoiceRef{}, invalidPayload("invoice", err)
	}
	ref := invoiceRef{ID: inv.ID, CustomerID: expandableID(inv.Customer), SubscriptionID: expandableID(inv.Subscription)}
	if ref.SubscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		ref.SubscriptionID = expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ref, nil
}

// expandableID reads a Stripe expandable field: either "id" or {"id": ...}.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func subscriptionOutcome(status stripe.SubscriptionStatus) billing.Outcome {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return billing.OutcomeActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return billing.OutcomeSuspended
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.OutcomeCanceled
	default: // incomplete
		return billing.OutcomePending
	}
}

// periodEnd returns the end of the current billing period, read from the
// subscription items.
func periodEnd(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			return &end
		}
	}
	return nil
}

func invalidPayload(object string, err error) error {
	return billing.E(billing.KindValidation, "stripe "+object,
		fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err))
}
