package billing

import (
	"errors"
	"net/http"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrUnknownProvider is returned when a page or request names a provider that is not registered
	ErrUnknownProvider = errors.New("unknown billing provider")

	// ErrWebhookNotConfigured is returned when a signed webhook arrives but no secret is set
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrInvalidMetadata is returned when checkout metadata lacks email or plan
	ErrInvalidMetadata = errors.New("invalid checkout metadata")

	ErrInvalidSlug = errors.New("invalid page slug")
	ErrInvalidPlan = errors.New("invalid subscription plan")

	ErrPageNotFound     = errors.New("page not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountExists    = errors.New("account already exists")
	ErrDiscountNotFound = errors.New("discount code not found")

	// ErrSlugTaken is returned when a page slug is already used by another page
	ErrSlugTaken = errors.New("this page name is already taken")

	// ErrVersionConflict is returned by compare-and-swap page updates
	ErrVersionConflict = errors.New("page was modified concurrently")

	// ErrSubscriptionNotFound is returned when the provider does not know the subscription
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrPaymentNotFound is returned when the provider does not know the payment
	ErrPaymentNotFound = errors.New("payment not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)

// Kind classifies errors for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindValidation
	KindNotFound
	KindConflict
	KindProvider
	KindProvisioning
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProvider:
		return "provider"
	case KindProvisioning:
		return "provisioning"
	default:
		return "internal"
	}
}

// Kind sentinels, matched with errors.Is against any *Error of that kind.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrProvider       = &Error{Kind: KindProvider}
	ErrProvisioning   = &Error{Kind: KindProvisioning}
)

// Error is a classified billing error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Kind.String() + " error"
	case e.Op == "":
		return e.Err.Error()
	default:
		return e.Op + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels (an *Error without Op and Err).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrWebhookNotConfigured, KindAuthentication},
	{ErrInvalidWebhookSignature, KindAuthentication},
	{ErrInvalidWebhookPayload, KindValidation},
	{ErrInvalidMetadata, KindValidation},
	{ErrInvalidSlug, KindValidation},
	{ErrInvalidPlan, KindValidation},
	{ErrUnknownProvider, KindValidation},
	{ErrPageNotFound, KindNotFound},
	{ErrAccountNotFound, KindNotFound},
	{ErrDiscountNotFound, KindNotFound},
	{ErrSlugTaken, KindConflict},
	{ErrVersionConflict, KindConflict},
	{ErrAccountExists, KindConflict},
	{ErrSubscriptionNotFound, KindNotFound},
	{ErrPaymentNotFound, KindNotFound},
	{ErrProviderAPIError, KindProvider},
	{ErrProviderNotConfigured, KindProvider},
}

// KindOf returns the outermost classification of err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// HTTPStatus maps err to the status code returned by API endpoints.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		if errors.Is(err, ErrInvalidWebhookSignature) || errors.Is(err, ErrWebhookNotConfigured) {
			return http.StatusBadRequest
		}
		return http.StatusUnauthorized
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Unrecoverable reports whether redelivering the same webhook cannot change
// the outcome. Webhook handlers acknowledge these with 200 and success:false.
func Unrecoverable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict, KindProvisioning:
		return !errors.Is(err, ErrVersionConflict)
	}
	return false
}
