package billing

import (
	"context"
	"net/http"
	"time"
)

// Provider is the interface every payment backend implements. The reconciler
// only talks to Mollie and Stripe through it.
type Provider interface {
	// Name returns the provider name ("mollie", "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that verifies provider callbacks,
	// normalizes them into Events and passes them to h.
	WebhookHandler(h EventHandler) http.Handler

	// CreateCustomer registers a customer for email and returns its provider id.
	CreateCustomer(ctx context.Context, email string) (string, error)

	// CreatePayment starts a first payment (or checkout session) for req.
	CreatePayment(ctx context.Context, req PaymentRequest) (*Checkout, error)

	// GetPaymentStatus re-fetches a payment and returns it as a payment-scope Event.
	GetPaymentStatus(ctx context.Context, paymentID string) (*Event, error)

	// GetSubscription re-fetches a subscription and returns it as a
	// subscription-scope Event. Unknown subscriptions return ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, customerID, subscriptionID string) (*Event, error)

	// CancelSubscription cancels a recurring subscription.
	CancelSubscription(ctx context.Context, customerID, subscriptionID string) error
}

// Recurrer is implemented by providers where recurring billing is started
// explicitly after a first payment established a mandate.
type Recurrer interface {
	StartSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
}

// PlanChanger is implemented by providers that can switch the plan of a
// running subscription in place, prorating the difference.
type PlanChanger interface {
	ChangePlan(ctx context.Context, subscriptionID string, plan Plan) error
}

// EventHandler consumes normalized events. The reconciler implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *Event) (*Result, error)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev *Event) (*Result, error)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev *Event) (*Result, error) {
	return f(ctx, ev)
}

// PaymentRequest describes a first payment for a checkout intent.
type PaymentRequest struct {
	CustomerID  string
	Intent      CheckoutIntent
	RedirectURL string
}

// Checkout is a started payment the user has to complete at URL.
type Checkout struct {
	ID  string
	URL string
}

// SubscriptionRequest starts a recurring subscription after a first payment.
type SubscriptionRequest struct {
	CustomerID string
	Intent     CheckoutIntent
	StartDate  time.Time
}

// Subscription is a recurring subscription created by a Recurrer.
type Subscription struct {
	ID              string
	NextPaymentDate *time.Time
}
