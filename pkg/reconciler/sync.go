package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lynqit/reconciler/pkg/billing"
)

// Sync re-fetches the subscriptions of every page owned by email from their
// providers and applies them like webhook events. It returns the pages that
// changed. A page whose lookup fails is logged and skipped; providers that no
// longer know a subscription leave the page alone.
//
// Active pages without a subscription whose paid period has ended are moved
// to the free plan. Provisional pages are settled from their pending payment,
// which covers checkouts whose webhook never arrived.
//
// Concurrent syncs for the same email share one run.
func (r *Reconciler) Sync(ctx context.Context, email string) ([]*billing.Page, error) {
	email = normalizeEmail(email)
	if err := billing.Validator().Var(email, "required,email"); err != nil {
		return nil, billing.E(billing.KindValidation, "sync", fmt.Errorf("invalid email: %w", err))
	}

	v, err, _ := r.syncs.Do(email, func() (any, error) {
		return r.sync(ctx, email)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*billing.Page), nil
}

func (r *Reconciler) sync(ctx context.Context, email string) ([]*billing.Page, error) {
	start := time.Now()
	defer func() { r.metrics.RecordSyncDuration(time.Since(start)) }()

	pages, err := r.store.ListPagesByUser(ctx, email)
	if err != nil {
		r.metrics.RecordSync("error", 0)
		return nil, fmt.Errorf("list pages of %s: %w", email, err)
	}

	var (
		mu      sync.Mutex
		changed []*billing.Page
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.SyncWorkers)
	for _, page := range pages {
		page := page
		g.Go(func() error {
			updated, err := r.syncPage(gctx, page)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				r.logger.Warn("sync page failed",
					billing.Field{Key: "page_id", Value: page.ID},
					billing.Field{Key: "subscription_id", Value: page.ProviderSubscriptionID},
					billing.Field{Key: "error", Value: err},
				)
				return nil
			}
			if updated != nil {
				changed = append(changed, updated)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	status := "success"
	if failed > 0 {
		status = "partial"
	}
	r.metrics.RecordSync(status, len(changed))
	r.logger.Info("sync finished",
		billing.Field{Key: "email", Value: email},
		billing.Field{Key: "pages", Value: len(pages)},
		billing.Field{Key: "changed", Value: len(changed)},
		billing.Field{Key: "failed", Value: failed},
	)
	if changed == nil {
		changed = []*billing.Page{}
	}
	return changed, nil
}

// syncPage reconciles one page and returns it when it changed. A deleted
// page is returned as it was before the delete.
func (r *Reconciler) syncPage(ctx context.Context, page *billing.Page) (*billing.Page, error) {
	now := r.now()
	var ev billing.Event
	switch {
	case page.State() == billing.StateProvisional && page.LastPaymentID != "":
		return r.syncPayment(ctx, page)
	case page.ProviderSubscriptionID != "":
		provider, err := r.Provider(page.Provider)
		if err != nil {
			return nil, err
		}
		fetched, err := provider.GetSubscription(ctx, page.CustomerID, page.ProviderSubscriptionID)
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		ev = *fetched
		ev.Provider = provider.Name()
		ev.Type = "sync"
	case page.State() == billing.StateActive && page.EndDate != nil && page.EndDate.Before(now):
		ev = billing.Event{
			Provider:   page.Provider,
			Type:       "sync.period_ended",
			Scope:      billing.ScopePayment,
			Outcome:    billing.OutcomeExpired,
			OccurredAt: now,
		}
	default:
		return nil, nil
	}

	t, stored, err := r.reconcile(ctx, ev, func(ctx context.Context) (*billing.Page, error) {
		return r.store.GetPage(ctx, page.ID)
	})
	if err != nil || t.Skipped() {
		return nil, err
	}
	if stored == nil {
		return page, nil
	}
	return stored, nil
}

// syncPayment applies the current status of a provisional page's pending
// payment like its webhook: a paid payment activates the page and provisions
// its account, a failed one deletes the page.
func (r *Reconciler) syncPayment(ctx context.Context, page *billing.Page) (*billing.Page, error) {
	provider, err := r.Provider(page.Provider)
	if err != nil {
		return nil, err
	}
	ev, err := provider.GetPaymentStatus(ctx, page.LastPaymentID)
	if errors.Is(err, billing.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Provider = provider.Name()
	ev.Type = "sync"

	res, err := r.apply(ctx, ev, func(ctx context.Context) (*billing.Page, error) {
		return r.store.GetPage(ctx, page.ID)
	})
	if err != nil || res.Skipped {
		return nil, err
	}
	if res.To == billing.StateAbsent {
		return page, nil
	}
	return r.store.GetPage(ctx, page.ID)
}
