package mollie

import (
	"encoding/json"
	"time"
)

type amount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type link struct {
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

type customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type customerRequest struct {
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type paymentRequest struct {
	Amount       amount            `json:"amount"`
	Description  string            `json:"description"`
	RedirectURL  string            `json:"redirectUrl,omitempty"`
	WebhookURL   string            `json:"webhookUrl,omitempty"`
	CustomerID   string            `json:"customerId,omitempty"`
	SequenceType string            `json:"sequenceType,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type payment struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Amount         amount          `json:"amount"`
	SequenceType   string          `json:"sequenceType"`
	CustomerID     string          `json:"customerId"`
	SubscriptionID string          `json:"subscriptionId"`
	MandateID      string          `json:"mandateId"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      *time.Time      `json:"createdAt"`
	PaidAt         *time.Time      `json:"paidAt"`
	CanceledAt     *time.Time      `json:"canceledAt"`
	ExpiredAt      *time.Time      `json:"expiredAt"`
	FailedAt       *time.Time      `json:"failedAt"`
	Links          struct {
		Checkout *link `json:"checkout"`
	} `json:"_links"`
}

type subscriptionRequest struct {
	Amount      amount            `json:"amount"`
	Interval    string            `json:"interval"`
	Description string            `json:"description"`
	StartDate   string            `json:"startDate,omitempty"`
	WebhookURL  string            `json:"webhookUrl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type subscription struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId"`
	Status          string          `json:"status"`
	Amount          amount          `json:"amount"`
	Interval        string          `json:"interval"`
	StartDate       string          `json:"startDate"`
	NextPaymentDate string          `json:"nextPaymentDate"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       *time.Time      `json:"createdAt"`
	CanceledAt      *time.Time      `json:"canceledAt"`
}

// apiError is the problem+json body Mollie returns on failures.
type apiError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Field  string `json:"field"`
}

func (e *apiError) message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Title
}
