package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/reconciler"
)

const maxRequestBody = 64 * 1024

// subscriptionWebhooks is implemented by providers that push recurring
// billing updates to a separate endpoint.
type subscriptionWebhooks interface {
	SubscriptionWebhookHandler(h billing.EventHandler) http.Handler
}

// Handler provides the HTTP endpoints of the reconciler
type Handler struct {
	config Config
}

// Router returns the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	for _, p := range h.config.Providers {
		switch p.Name() {
		case billing.ProviderMollie:
			r.Handle("/payment/webhook", p.WebhookHandler(h.config.Events))
			if sw, ok := p.(subscriptionWebhooks); ok {
				r.Handle("/subscription/webhook", sw.SubscriptionWebhookHandler(h.config.Events))
			}
		case billing.ProviderStripe:
			wh := p.WebhookHandler(h.config.Events)
			r.Handle("/stripe/webhook", wh)
			r.Handle("/stripe-style/webhook", wh)
		default:
			r.Handle("/webhooks/"+p.Name(), p.WebhookHandler(h.config.Events))
		}
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/subscription/sync", h.Sync)
		r.Post("/subscription/change", h.Change)
		r.Post("/checkout", h.Checkout)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Sync re-derives the subscription state of every page of an email
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	pages, err := h.config.Service.Sync(r.Context(), req.Email)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := SyncResponse{Success: true, Pages: make([]PageView, 0, len(pages))}
	for _, p := range pages {
		resp.Pages = append(resp.Pages, *newPageView(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Change moves a page to another plan
func (h *Handler) Change(w http.ResponseWriter, r *http.Request) {
	var req reconciler.ChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Service.ChangePlan(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChangeResponse{
		Success:     true,
		Pending:     res.Pending,
		CheckoutURL: res.CheckoutURL,
		PaymentID:   res.PaymentID,
		Page:        newPageView(res.Page),
	})
}

// Checkout registers a page and starts its first payment
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req reconciler.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Service.StartCheckout(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{
		Success:     true,
		PageID:      res.PageID,
		CheckoutURL: res.CheckoutURL,
		PaymentID:   res.PaymentID,
	})
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.Token)) != 1 {
			h.handleError(w, r, billing.E(billing.KindAuthentication, "authorize", errors.New("missing or invalid bearer token")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		h.handleError(w, r, billing.E(billing.KindValidation, "decode request", fmt.Errorf("invalid JSON body: %w", err)))
		return false
	}
	return true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := billing.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())},
			billing.Field{Key: "error", Value: err},
		)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, ErrorResponse{Success: false, Error: msg, Kind: billing.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
