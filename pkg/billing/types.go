package billing

import "time"

// Plan is a page subscription plan.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanStart Plan = "start"
	PlanPro   Plan = "pro"
)

// ParsePlan validates s as a known plan.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(s); p {
	case PlanFree, PlanStart, PlanPro:
		return p, nil
	default:
		return "", ErrInvalidPlan
	}
}

// Paid reports whether the plan requires a payment.
func (p Plan) Paid() bool {
	return p == PlanStart || p == PlanPro
}

// Status is the simplified two-state subscription flag stored on a page.
// Cancellation is collapsed into StatusExpired.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// State is the subscription state of a page as seen by the state machine.
type State string

const (
	StateAbsent         State = "absent"
	StateNoSubscription State = "no_subscription"
	StateProvisional    State = "provisional"
	StateActive         State = "active"
)

// Page is the billable unit.
type Page struct {
	ID                     string
	UserID                 string // owner email
	Slug                   string
	Plan                   Plan
	Status                 Status
	StartDate              *time.Time
	EndDate                *time.Time
	Provider               string
	CustomerID             string
	ProviderSubscriptionID string
	LastPaymentID          string
	LastEventAt            time.Time
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// State derives the state machine state of p. A nil page is StateAbsent.
func (p *Page) State() State {
	switch {
	case p == nil:
		return StateAbsent
	case !p.Plan.Paid():
		return StateNoSubscription
	case p.Status == StatusActive:
		return StateActive
	default:
		return StateProvisional
	}
}

// Clone returns a deep copy of p.
func (p *Page) Clone() *Page {
	if p == nil {
		return nil
	}
	c := *p
	if p.StartDate != nil {
		t := *p.StartDate
		c.StartDate = &t
	}
	if p.EndDate != nil {
		t := *p.EndDate
		c.EndDate = &t
	}
	return &c
}

// Role of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is a registered user. Accounts are created lazily on the first
// confirmed paid registration.
type Account struct {
	Email            string
	Role             Role
	IdentityID       string
	MollieCustomerID string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CustomerID returns the stored customer handle for the named provider.
func (a *Account) CustomerID(provider string) string {
	switch provider {
	case ProviderMollie:
		return a.MollieCustomerID
	case ProviderStripe:
		return a.StripeCustomerID
	}
	return ""
}

// SetCustomerID stores the customer handle for the named provider.
func (a *Account) SetCustomerID(provider, id string) {
	switch provider {
	case ProviderMollie:
		a.MollieCustomerID = id
	case ProviderStripe:
		a.StripeCustomerID = id
	}
}

// Provider names.
const (
	ProviderMollie = "mollie"
	ProviderStripe = "stripe"
)

// Scope tells whether an event concerns a single payment or a recurring subscription.
type Scope string

const (
	ScopePayment      Scope = "payment"
	ScopeSubscription Scope = "subscription"
)

// Outcome is the normalized provider status carried by an Event.
type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeExpired   Outcome = "expired"
	OutcomePending   Outcome = "pending"
	OutcomeActive    Outcome = "active"
	OutcomeSuspended Outcome = "suspended"
)

// Terminal reports whether o ends a subscription or a pending payment.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeFailed, OutcomeCanceled, OutcomeExpired, OutcomeSuspended:
		return true
	}
	return false
}

// Event is a provider callback normalized by an ingestor. It is never persisted.
type Event struct {
	Provider       string
	ID             string // provider event id, empty when the provider has none
	Type           string // provider event type, for logs and metrics
	PaymentID      string
	SubscriptionID string
	CustomerID     string
	Scope          Scope
	Outcome        Outcome
	Intent         *CheckoutIntent
	Plan           Plan
	PeriodEnd      *time.Time
	// FirstPayment marks a paid payment that established a mandate; a
	// recurring subscription has to be started for it.
	FirstPayment bool
	// Renewal marks a recurring charge of an existing subscription. Checkout
	// side effects such as discount redemption are not repeated for it.
	Renewal    bool
	OccurredAt time.Time
}

// Result is the outcome of handling one event, returned to webhook callers.
type Result struct {
	PageID  string `json:"pageId,omitempty"`
	From    State  `json:"from,omitempty"`
	To      State  `json:"to,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DiscountCode is a redeemable checkout discount.
type DiscountCode struct {
	ID         string
	Code       string
	UsageCount int
}
