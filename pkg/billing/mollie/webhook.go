package mollie

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/billing/internal"
)

// webhookBody is the callback body: Mollie posts the object id, the
// subscription endpoint also receives the owning customer.
type webhookBody struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
}

// WebhookHandler implements billing.Provider. It serves payment callbacks
// (POST /payment/webhook).
func (p *Provider) WebhookHandler(h billing.EventHandler) http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handleWebhook(w, r, h, "payment")
	}))
}

// SubscriptionWebhookHandler serves recurring-billing callbacks
// (POST /subscription/webhook). Mollie reports recurring payments there with
// a payment id; status pushes name the subscription and its customer.
func (p *Provider) SubscriptionWebhookHandler(h billing.EventHandler) http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handleWebhook(w, r, h, "subscription")
	}))
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request, h billing.EventHandler, kind string) {
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

	wb, err := parseWebhookBody(r.Header.Get("Content-Type"), body)
	if err != nil || wb.ID == "" {
		_ = internal.WriteJSON(w, http.StatusBadRequest, internal.WebhookResponse{Error: "missing id"})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	ev, err := p.fetchEvent(r.Context(), wb)
	eventType := kind
	if ev != nil {
		eventType = ev.Type
	}
	var res *billing.Result
	switch {
	case errors.Is(err, billing.ErrPaymentNotFound), errors.Is(err, billing.ErrSubscriptionNotFound):
		// Unknown ids are acknowledged so that probing reveals nothing.
		p.logger.Warn("mollie webhook for unknown object", billing.Field{Key: "id", Value: wb.ID})
		res, err = &billing.Result{Skipped: true, Reason: "unknown object"}, nil
	case err != nil:
		p.logger.Error("mollie webhook fetch failed",
			billing.Field{Key: "id", Value: wb.ID},
			billing.Field{Key: "error", Value: err},
		)
		if billing.KindOf(err) == billing.KindValidation {
			p.metrics.RecordWebhookError(providerName, "invalid_metadata")
		} else {
			p.metrics.RecordWebhookError(providerName, "fetch_failed")
		}
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

// fetchEvent loads the object a callback names. The body never carries a
// status; only the API answer is trusted.
func (p *Provider) fetchEvent(ctx context.Context, wb webhookBody) (*billing.Event, error) {
	if strings.HasPrefix(wb.ID, "sub_") {
		return p.GetSubscription(ctx, wb.CustomerID, wb.ID)
	}
	return p.GetPaymentStatus(ctx, wb.ID)
}

func parseWebhookBody(contentType string, body []byte) (webhookBody, error) {
	var wb webhookBody
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		err := json.Unmarshal(body, &wb)
		return wb, err
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return wb, err
	}
	wb.ID = values.Get("id")
	wb.CustomerID = values.Get("customerId")
	return wb, nil
}
