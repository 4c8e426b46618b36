// Package reconciler derives the subscription state of pages from payment
// provider events. It runs webhook events, on-demand syncs, plan changes and
// checkouts through the same pure state machine (billing.Apply) and commits
// the result with compare-and-swap writes.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/identity"
)

const (
	defaultEventTTL     = 72 * time.Hour
	defaultInFlightTTL  = 5 * time.Minute
	defaultProvisionTTL = 24 * time.Hour
	defaultEffectTTL    = 30 * 24 * time.Hour
	defaultSyncWorkers  = 4
)

// Config configures a Reconciler.
type Config struct {
	// Providers are the configured payment providers. The first one is the
	// default for checkouts that do not name a provider.
	Providers []billing.Provider

	// DefaultProvider overrides the default provider by name.
	DefaultProvider string

	// Identity creates user identities for new accounts.
	Identity identity.Provider

	// Ledger guards side effects that must run at most once.
	Ledger billing.Ledger

	// RedirectURL is where users land after checkout when the request has none.
	RedirectURL string

	// EventTTL is how long processed provider event ids are remembered.
	EventTTL time.Duration

	// EventInFlightTTL bounds the claim on an event id while it is handled.
	EventInFlightTTL time.Duration

	// ProvisionTTL bounds a claim on account provisioning for one email.
	ProvisionTTL time.Duration

	// EffectTTL bounds claims on discount redemption and subscription starts.
	EffectTTL time.Duration

	// SyncWorkers bounds concurrent provider lookups during a sync.
	SyncWorkers int

	Metrics billing.Metrics
	Logger  billing.Logger

	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Reconciler implements billing.EventHandler and the sync, plan change and
// checkout operations.
type Reconciler struct {
	store       billing.Store
	ledger      billing.Ledger
	identity    identity.Provider
	providers   map[string]billing.Provider
	defaultName string
	config      Config
	metrics     billing.Metrics
	logger      billing.Logger
	now         func() time.Time
	syncs       singleflight.Group
}

var _ billing.EventHandler = (*Reconciler)(nil)

// New creates a Reconciler on top of store.
func New(store billing.Store, config Config) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("reconciler: store is required")
	}
	if config.Ledger == nil {
		return nil, errors.New("reconciler: ledger is required")
	}
	if config.Identity == nil {
		return nil, errors.New("reconciler: identity provider is required")
	}
	if len(config.Providers) == 0 {
		return nil, fmt.Errorf("reconciler: %w", billing.ErrProviderNotConfigured)
	}

	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}
	if config.EventInFlightTTL == 0 {
		config.EventInFlightTTL = defaultInFlightTTL
	}
	if config.ProvisionTTL == 0 {
		config.ProvisionTTL = defaultProvisionTTL
	}
	if config.EffectTTL == 0 {
		config.EffectTTL = defaultEffectTTL
	}
	if config.SyncWorkers <= 0 {
		config.SyncWorkers = defaultSyncWorkers
	}

	providers := make(map[string]billing.Provider, len(config.Providers))
	for _, p := range config.Providers {
		providers[p.Name()] = p
	}
	defaultName := config.Providers[0].Name()
	if config.DefaultProvider != "" {
		if _, ok := providers[config.DefaultProvider]; !ok {
			return nil, fmt.Errorf("reconciler: default provider %q: %w", config.DefaultProvider, billing.ErrUnknownProvider)
		}
		defaultName = config.DefaultProvider
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Reconciler{
		store:       store,
		ledger:      config.Ledger,
		identity:    config.Identity,
		providers:   providers,
		defaultName: defaultName,
		config:      config,
		metrics:     metrics,
		logger:      logger,
		now:         now,
	}, nil
}

// Provider returns the provider registered under name, or the default
// provider when name is empty.
func (r *Reconciler) Provider(name string) (billing.Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, billing.E(billing.KindValidation, "provider", fmt.Errorf("%w: %q", billing.ErrUnknownProvider, name))
	}
	return p, nil
}

// HandleEvent implements billing.EventHandler. It provisions the account of a
// paid registration, applies the event to its page and runs the resulting
// side effects.
//
// An event id is claimed for EventInFlightTTL while it is handled and for
// EventTTL once it succeeded or was rejected for good. A delivery whose
// handler died is therefore retried after at most EventInFlightTTL.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *billing.Event) (*billing.Result, error) {
	if ev == nil {
		return nil, billing.E(billing.KindValidation, "handle event", billing.ErrInvalidWebhookPayload)
	}
	if ev.ID == "" {
		return r.handle(ctx, ev)
	}

	key := "event:" + ev.Provider + ":" + ev.ID
	claimed, err := r.ledger.Claim(ctx, key, r.config.EventInFlightTTL)
	if err != nil {
		return nil, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	if !claimed {
		r.logger.Debug("duplicate provider event skipped", billing.Field{Key: "event_id", Value: ev.ID})
		return &billing.Result{Skipped: true, Reason: "duplicate event"}, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r.releaseEvent(ctx, key, ev.ID)
			panic(p)
		}
	}()
	res, err := r.handle(ctx, ev)
	if err != nil && !billing.Unrecoverable(err) {
		// The provider redelivers; let that delivery through.
		r.releaseEvent(ctx, key, ev.ID)
		return res, err
	}
	r.rememberEvent(ctx, key, ev.ID)
	return res, err
}

// rememberEvent replaces the in-flight claim on key by one for EventTTL.
// A duplicate that slips in between is harmless: Apply skips it.
func (r *Reconciler) rememberEvent(ctx context.Context, key, id string) {
	r.releaseEvent(ctx, key, id)
	if _, err := r.ledger.Claim(ctx, key, r.config.EventTTL); err != nil {
		r.logger.Warn("remember event failed",
			billing.Field{Key: "event_id", Value: id},
			billing.Field{Key: "error", Value: err},
		)
	}
}

func (r *Reconciler) releaseEvent(ctx context.Context, key, id string) {
	if err := r.ledger.Release(ctx, key); err != nil {
		r.logger.Warn("release event claim failed",
			billing.Field{Key: "event_id", Value: id},
			billing.Field{Key: "error", Value: err},
		)
	}
}

func (r *Reconciler) handle(ctx context.Context, ev *billing.Event) (*billing.Result, error) {
	return r.apply(ctx, ev, func(ctx context.Context) (*billing.Page, error) {
		return r.findPage(ctx, ev)
	})
}

// apply reconciles ev against the page returned by load and runs the side
// effects of the committed transition.
func (r *Reconciler) apply(
	ctx context.Context, ev *billing.Event, load func(context.Context) (*billing.Page, error),
) (*billing.Result, error) {
	fields := []billing.Field{
		{Key: "provider", Value: ev.Provider},
		{Key: "type", Value: ev.Type},
		{Key: "payment_id", Value: ev.PaymentID},
		{Key: "subscription_id", Value: ev.SubscriptionID},
	}

	t, page, err := r.reconcile(ctx, *ev, load)
	if err != nil {
		r.logger.Error("event rejected", append(fields, billing.Field{Key: "error", Value: err})...)
		return nil, err
	}

	res := &billing.Result{From: t.From, To: t.To, Skipped: t.Skipped(), Reason: t.Reason}
	if t.Page != nil {
		res.PageID = t.Page.ID
	} else if len(t.Effects) > 0 && t.Effects[0].Page != nil {
		res.PageID = t.Effects[0].Page.ID
	}
	if t.Skipped() {
		r.logger.Debug("event skipped", append(fields, billing.Field{Key: "reason", Value: t.Reason})...)
		return res, nil
	}

	r.runEffects(ctx, ev, t, page)
	r.logger.Info("page transitioned", append(fields,
		billing.Field{Key: "page_id", Value: res.PageID},
		billing.Field{Key: "from", Value: t.From},
		billing.Field{Key: "to", Value: t.To},
	)...)
	return res, nil
}

// reconcile loads the current page, applies ev and commits the transition.
// A lost compare-and-swap or create race is retried once with a fresh read.
//
// The account of a paid registration is provisioned after Apply accepted the
// event and before the page is written, so rejected events create nothing.
func (r *Reconciler) reconcile(
	ctx context.Context, ev billing.Event, load func(context.Context) (*billing.Page, error),
) (billing.Transition, *billing.Page, error) {
	provisioned := false
	for attempt := 0; ; attempt++ {
		current, err := load(ctx)
		if err != nil {
			return billing.Transition{}, nil, err
		}
		t, err := billing.Apply(current, ev, r.now())
		if err != nil {
			return t, nil, err
		}
		if t.Skipped() {
			return t, current, nil
		}
		if !provisioned && registers(ev) {
			if err := r.provision(ctx, &ev); err != nil {
				return t, nil, err
			}
			provisioned = true
		}
		page, err := r.commit(ctx, t)
		if attempt == 0 && (errors.Is(err, billing.ErrVersionConflict) || errors.Is(err, billing.ErrSlugTaken)) {
			r.logger.Debug("page changed concurrently, retrying", billing.Field{Key: "slug", Value: slugOf(t)})
			continue
		}
		if err != nil {
			return t, nil, err
		}
		r.metrics.RecordTransition(ev.Provider, t.From, t.To)
		return t, page, nil
	}
}

// registers reports whether ev is the paid first payment of a new account.
func registers(ev billing.Event) bool {
	return ev.Scope == billing.ScopePayment && ev.Outcome == billing.OutcomePaid &&
		ev.Intent != nil && ev.Intent.NewAccount
}

func slugOf(t billing.Transition) string {
	if t.Page != nil {
		return t.Page.Slug
	}
	if len(t.Effects) > 0 && t.Effects[0].Page != nil {
		return t.Effects[0].Page.Slug
	}
	return ""
}

// commit executes the page effects of t and returns the stored page, nil
// after a delete.
func (r *Reconciler) commit(ctx context.Context, t billing.Transition) (*billing.Page, error) {
	var stored *billing.Page
	for _, eff := range t.Effects {
		var err error
		switch eff.Kind {
		case billing.EffectCreatePage:
			if eff.Page.ID == "" {
				eff.Page.ID = uuid.NewString()
			}
			stored, err = r.store.CreatePage(ctx, eff.Page)
			if errors.Is(err, billing.ErrSlugTaken) {
				err = billing.E(billing.KindConflict, "create page", err)
			}
		case billing.EffectUpdatePage:
			stored, err = r.store.UpdatePage(ctx, eff.Page)
		case billing.EffectDeletePage:
			// The version pins the page Apply saw; a page activated
			// meanwhile conflicts and is re-read.
			err = r.store.DeletePage(ctx, eff.Page.ID, eff.Page.Version)
			if errors.Is(err, billing.ErrPageNotFound) {
				err = nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// findPage resolves the page an event refers to: the page id of the intent,
// then the subscription, then the slug. It returns nil when none exists.
func (r *Reconciler) findPage(ctx context.Context, ev *billing.Event) (*billing.Page, error) {
	lookups := make([]func() (*billing.Page, error), 0, 3)
	if ev.Intent != nil && ev.Intent.PageID != "" {
		lookups = append(lookups, func() (*billing.Page, error) { return r.store.GetPage(ctx, ev.Intent.PageID) })
	}
	if ev.SubscriptionID != "" {
		lookups = append(lookups, func() (*billing.Page, error) {
			return r.store.GetPageBySubscription(ctx, ev.Provider, ev.SubscriptionID)
		})
	}
	if ev.Intent != nil && ev.Intent.Slug != "" {
		lookups = append(lookups, func() (*billing.Page, error) { return r.store.GetPageBySlug(ctx, ev.Intent.Slug) })
	}

	for _, lookup := range lookups {
		page, err := lookup()
		switch {
		case err == nil:
			return page, nil
		case !errors.Is(err, billing.ErrPageNotFound):
			return nil, err
		}
	}
	return nil, nil
}

// updatePage writes a change computed by mutate with compare-and-swap,
// re-reading the page once on conflict.
func (r *Reconciler) updatePage(ctx context.Context, id string, mutate func(*billing.Page) bool) (*billing.Page, error) {
	for attempt := 0; ; attempt++ {
		page, err := r.store.GetPage(ctx, id)
		if err != nil {
			return nil, err
		}
		if !mutate(page) {
			return page, nil
		}
		stored, err := r.store.UpdatePage(ctx, page)
		if errors.Is(err, billing.ErrVersionConflict) && attempt == 0 {
			continue
		}
		return stored, err
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
