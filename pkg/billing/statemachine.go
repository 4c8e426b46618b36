package billing

import (
	"fmt"
	"strings"
	"time"
)

// EffectKind names a side effect produced by Apply.
type EffectKind string

const (
	EffectCreatePage        EffectKind = "create_page"
	EffectUpdatePage        EffectKind = "update_page"
	EffectDeletePage        EffectKind = "delete_page"
	EffectStartSubscription EffectKind = "start_subscription"
	EffectRedeemDiscount    EffectKind = "redeem_discount"
)

// Effect is a side effect the caller must execute to commit a transition.
// Page effects carry the page to write (or delete); the others carry the
// identifiers they need.
type Effect struct {
	Kind           EffectKind
	Page           *Page
	DiscountCodeID string
	PaymentID      string
}

// Transition is the result of applying an event to a page.
type Transition struct {
	From    State
	To      State
	Page    *Page // page after the transition, nil when absent or deleted
	Effects []Effect
	Reason  string
}

// Skipped reports whether the transition has nothing to commit.
func (t Transition) Skipped() bool {
	return len(t.Effects) == 0
}

func (t Transition) skip(reason string) Transition {
	t.To = t.From
	t.Effects = nil
	t.Reason = reason
	return t
}

// Apply computes the transition of current under ev. It performs no I/O and
// never mutates current. A nil current means the page does not exist.
//
// Events older than the page's LastEventAt are ignored, as are subscription
// events for a subscription the page no longer holds. Applying the same event
// twice yields a skipped transition the second time.
func Apply(current *Page, ev Event, now time.Time) (Transition, error) {
	t := Transition{From: current.State(), Page: current.Clone()}
	t.To = t.From

	if current != nil && !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(current.LastEventAt) {
		return t.skip("stale event"), nil
	}

	if ev.Scope == ScopePayment && ev.Intent != nil && current != nil &&
		!strings.EqualFold(current.UserID, ev.Intent.Email) {
		return t, E(KindValidation, "apply event",
			fmt.Errorf("page %s does not belong to %s", current.ID, ev.Intent.Email))
	}

	switch ev.Scope {
	case ScopePayment:
		return applyPayment(t, current, ev, now)
	case ScopeSubscription:
		return applySubscription(t, current, ev, now)
	default:
		return t, E(KindValidation, "apply event",
			fmt.Errorf("%w: unknown scope %q", ErrInvalidWebhookPayload, ev.Scope))
	}
}

func applyPayment(t Transition, current *Page, ev Event, now time.Time) (Transition, error) {
	switch {
	case ev.Outcome == OutcomePaid:
	case ev.Outcome.Terminal():
		return end(t, current, ev, now), nil
	default:
		return t.skip("payment " + string(ev.Outcome)), nil
	}

	if ev.Intent == nil {
		return t, E(KindValidation, "apply payment", fmt.Errorf("%w: paid payment without intent", ErrInvalidMetadata))
	}
	if !ev.Intent.Plan.Paid() {
		return t, E(KindValidation, "apply payment", fmt.Errorf("%w: %q is not a paid plan", ErrInvalidPlan, ev.Intent.Plan))
	}

	if current == nil {
		if ev.Intent.Slug == "" {
			return t, E(KindValidation, "apply payment",
				fmt.Errorf("%w: slug is required to create a page", ErrInvalidMetadata))
		}
		// Create-then-activate is committed as one write of the active page.
		page := &Page{
			ID:        ev.Intent.PageID,
			UserID:    ev.Intent.Email,
			Slug:      ev.Intent.Slug,
			CreatedAt: now,
		}
		activate(page, false, ev, ev.Intent.Plan, now)
		t.Page = page
		t.To = StateActive
		t.Effects = append([]Effect{{Kind: EffectCreatePage, Page: page}}, paidEffects(ev)...)
		return t, nil
	}

	wasActive := current.State() == StateActive
	if wasActive && current.Plan == ev.Intent.Plan && ev.PaymentID != "" && current.LastPaymentID == ev.PaymentID {
		return t.skip("payment already applied"), nil
	}

	page := current.Clone()
	activate(page, wasActive, ev, ev.Intent.Plan, now)
	t.Page = page
	t.To = StateActive
	t.Effects = append([]Effect{{Kind: EffectUpdatePage, Page: page}}, paidEffects(ev)...)
	return t, nil
}

func paidEffects(ev Event) []Effect {
	var effects []Effect
	if ev.FirstPayment {
		effects = append(effects, Effect{Kind: EffectStartSubscription, PaymentID: ev.PaymentID})
	}
	// Renewals carry the checkout metadata too; only checkouts redeem.
	if ev.Intent.DiscountCodeID != "" && !ev.Renewal {
		effects = append(effects, Effect{
			Kind:           EffectRedeemDiscount,
			DiscountCodeID: ev.Intent.DiscountCodeID,
			PaymentID:      ev.PaymentID,
		})
	}
	return effects
}

func applySubscription(t Transition, current *Page, ev Event, now time.Time) (Transition, error) {
	if current == nil {
		if ev.Outcome == OutcomeActive {
			return t, E(KindNotFound, "apply subscription",
				fmt.Errorf("%w: subscription %s", ErrPageNotFound, ev.SubscriptionID))
		}
		return t.skip("no page for subscription"), nil
	}

	superseded := ev.SubscriptionID != "" && current.ProviderSubscriptionID != "" &&
		current.ProviderSubscriptionID != ev.SubscriptionID

	switch {
	case ev.Outcome == OutcomeActive:
	case ev.Outcome.Terminal():
		if superseded || (current.State() == StateActive && current.ProviderSubscriptionID == "") {
			return t.skip("subscription superseded"), nil
		}
		return end(t, current, ev, now), nil
	default:
		return t.skip("subscription " + string(ev.Outcome)), nil
	}

	if superseded {
		return t.skip("subscription superseded"), nil
	}

	plan := ev.Plan
	if !plan.Paid() && ev.Intent != nil {
		plan = ev.Intent.Plan
	}
	if !plan.Paid() {
		plan = current.Plan
	}
	if !plan.Paid() {
		return t, E(KindValidation, "apply subscription",
			fmt.Errorf("%w: cannot resolve paid plan for subscription %s", ErrInvalidPlan, ev.SubscriptionID))
	}

	sameSubscription := current.State() == StateActive && current.ProviderSubscriptionID == ev.SubscriptionID
	page := current.Clone()
	activate(page, current.State() == StateActive, ev, plan, now)
	if ev.PeriodEnd == nil && sameSubscription && current.EndDate != nil {
		end := *current.EndDate
		page.EndDate = &end
	}
	if ev.SubscriptionID == "" {
		page.ProviderSubscriptionID = current.ProviderSubscriptionID
	}
	page.LastPaymentID = current.LastPaymentID

	if sameState(current, page) {
		return t.skip("already up to date"), nil
	}
	t.Page = page
	t.To = StateActive
	t.Effects = []Effect{{Kind: EffectUpdatePage, Page: page}}
	return t, nil
}

// end handles failed, canceled, expired and suspended outcomes: provisional
// pages are deleted, active pages revert to the free plan.
func end(t Transition, current *Page, ev Event, now time.Time) Transition {
	switch current.State() {
	case StateProvisional:
		t.To = StateAbsent
		t.Page = nil
		t.Effects = []Effect{{Kind: EffectDeletePage, Page: current.Clone()}}
		t.Reason = "provisional page " + string(ev.Outcome)
		return t
	case StateActive:
		page := current.Clone()
		page.Plan = PlanFree
		page.Status = StatusExpired
		page.ProviderSubscriptionID = ""
		ended := now
		page.EndDate = &ended
		page.LastEventAt = later(current.LastEventAt, ev.OccurredAt)
		t.To = StateNoSubscription
		t.Page = page
		t.Effects = []Effect{{Kind: EffectUpdatePage, Page: page}}
		t.Reason = "subscription " + string(ev.Outcome)
		return t
	default:
		return t.skip("no subscription to end")
	}
}

func activate(page *Page, wasActive bool, ev Event, plan Plan, now time.Time) {
	page.Plan = plan
	page.Status = StatusActive
	if !wasActive || page.StartDate == nil {
		start := now
		page.StartDate = &start
	}
	endDate := now.AddDate(0, 1, 0)
	if ev.PeriodEnd != nil {
		endDate = *ev.PeriodEnd
	}
	page.EndDate = &endDate
	page.ProviderSubscriptionID = ev.SubscriptionID
	if ev.Provider != "" {
		page.Provider = ev.Provider
	}
	if ev.CustomerID != "" {
		page.CustomerID = ev.CustomerID
	}
	if ev.PaymentID != "" {
		page.LastPaymentID = ev.PaymentID
	}
	page.LastEventAt = later(page.LastEventAt, ev.OccurredAt)
}

func sameState(a, b *Page) bool {
	return a.Plan == b.Plan &&
		a.Status == b.Status &&
		a.Provider == b.Provider &&
		a.CustomerID == b.CustomerID &&
		a.ProviderSubscriptionID == b.ProviderSubscriptionID &&
		sameTime(a.StartDate, b.StartDate) &&
		sameTime(a.EndDate, b.EndDate)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Downgrade moves current to the free plan on the user's request. Unlike a
// failed payment it never deletes the page, provisional or not.
func Downgrade(current *Page, now time.Time) (Transition, error) {
	t := Transition{From: current.State(), Page: current.Clone()}
	t.To = t.From
	switch t.From {
	case StateAbsent:
		return t, E(KindNotFound, "downgrade", ErrPageNotFound)
	case StateNoSubscription:
		return t.skip("already on the free plan"), nil
	}
	page := current.Clone()
	page.Plan = PlanFree
	page.Status = StatusExpired
	page.ProviderSubscriptionID = ""
	ended := now
	page.EndDate = &ended
	t.Page = page
	t.To = StateNoSubscription
	t.Effects = []Effect{{Kind: EffectUpdatePage, Page: page}}
	t.Reason = "downgraded to free"
	return t, nil
}
