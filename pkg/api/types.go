package api

import (
	"time"

	"github.com/lynqit/reconciler/pkg/billing"
)

// SyncRequest is the body of POST /subscription/sync
type SyncRequest struct {
	Email string `json:"email"`
}

// SyncResponse lists the pages a sync changed
type SyncResponse struct {
	Success bool       `json:"success"`
	Pages   []PageView `json:"pages"`
}

// ChangeResponse is the result of POST /subscription/change
type ChangeResponse struct {
	Success     bool      `json:"success"`
	Pending     bool      `json:"pending,omitempty"` // the change completes with a provider event
	CheckoutURL string    `json:"checkoutUrl,omitempty"`
	PaymentID   string    `json:"paymentId,omitempty"`
	Page        *PageView `json:"page,omitempty"`
}

// CheckoutResponse is the result of POST /checkout
type CheckoutResponse struct {
	Success     bool   `json:"success"`
	PageID      string `json:"pageId"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
}

// ErrorResponse is returned by the API endpoints on failure
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

// PageView is the public representation of a page's subscription state
type PageView struct {
	ID             string     `json:"id"`
	Slug           string     `json:"slug"`
	Plan           string     `json:"plan"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
}

func newPageView(p *billing.Page) *PageView {
	if p == nil {
		return nil
	}
	return &PageView{
		ID:             p.ID,
		Slug:           p.Slug,
		Plan:           string(p.Plan),
		Status:         string(p.Status),
		State:          string(p.State()),
		StartDate:      p.StartDate,
		EndDate:        p.EndDate,
		Provider:       p.Provider,
		SubscriptionID: p.ProviderSubscriptionID,
	}
}
