package billing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Metadata keys attached to provider payments, sessions and subscriptions.
const (
	MetaEmail          = "email"
	MetaPlan           = "plan"
	MetaPageID         = "pageId"
	MetaSlug           = "slug"
	MetaNewAccount     = "newAccount"
	MetaDiscountCodeID = "discountCodeId"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the "slug" and "plan" tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return slugPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("plan", func(fl validator.FieldLevel) bool {
			_, err := ParsePlan(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// ValidSlug reports whether s can be used as a public page slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// CheckoutIntent is the application context carried through a provider
// round trip. It is validated once, when an event is ingested.
type CheckoutIntent struct {
	Email          string `validate:"required,email"`
	Plan           Plan   `validate:"required,plan"`
	PageID         string `validate:"omitempty,max=128"`
	Slug           string `validate:"omitempty,slug"`
	NewAccount     bool
	DiscountCodeID string `validate:"omitempty,max=128"`
}

// Validate checks the intent. Failures wrap ErrInvalidMetadata.
func (i CheckoutIntent) Validate() error {
	if err := Validator().Struct(i); err != nil {
		return E(KindValidation, "validate intent", fmt.Errorf("%w: %v", ErrInvalidMetadata, err))
	}
	return nil
}

// Metadata encodes the intent for a provider metadata field.
func (i CheckoutIntent) Metadata() map[string]string {
	md := map[string]string{
		MetaEmail: i.Email,
		MetaPlan:  string(i.Plan),
	}
	if i.PageID != "" {
		md[MetaPageID] = i.PageID
	}
	if i.Slug != "" {
		md[MetaSlug] = i.Slug
	}
	if i.NewAccount {
		md[MetaNewAccount] = "true"
	}
	if i.DiscountCodeID != "" {
		md[MetaDiscountCodeID] = i.DiscountCodeID
	}
	return md
}

// ParseIntent decodes and validates metadata written by CheckoutIntent.Metadata.
// Missing email or plan yields ErrInvalidMetadata.
func ParseIntent(md map[string]string) (*CheckoutIntent, error) {
	if md[MetaEmail] == "" || md[MetaPlan] == "" {
		return nil, E(KindValidation, "parse intent", fmt.Errorf("%w: email and plan are required", ErrInvalidMetadata))
	}
	newAccount := false
	if v := md[MetaNewAccount]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, E(KindValidation, "parse intent", fmt.Errorf("%w: newAccount %q", ErrInvalidMetadata, v))
		}
		newAccount = b
	}
	intent := &CheckoutIntent{
		Email:          strings.ToLower(strings.TrimSpace(md[MetaEmail])),
		Plan:           Plan(strings.ToLower(md[MetaPlan])),
		PageID:         md[MetaPageID],
		Slug:           md[MetaSlug],
		NewAccount:     newAccount,
		DiscountCodeID: md[MetaDiscountCodeID],
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

// StringMetadata flattens loosely typed metadata (as decoded from JSON) into
// string values. Booleans and numbers are formatted, nested values dropped.
func StringMetadata(raw map[string]any) map[string]string {
	md := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			md[k] = t
		case bool:
			md[k] = strconv.FormatBool(t)
		case float64:
			md[k] = strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return md
}
