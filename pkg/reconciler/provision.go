package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/lynqit/reconciler/pkg/billing"
	"github.com/lynqit/reconciler/pkg/identity"
)

// provision creates the account of a paid registration. An existing account
// is kept and only learns the provider customer id. The identity is never
// rolled back when the account record cannot be written.
func (r *Reconciler) provision(ctx context.Context, ev *billing.Event) error {
	email := normalizeEmail(ev.Intent.Email)
	key := "provision:" + email

	claimed, err := r.ledger.Claim(ctx, key, r.config.ProvisionTTL)
	if err != nil {
		return fmt.Errorf("claim provisioning for %s: %w", email, err)
	}
	if !claimed {
		r.metrics.RecordProvisioning("skipped")
		return nil
	}
	release := func() {
		if err := r.ledger.Release(ctx, key); err != nil {
			r.logger.Warn("release provisioning claim failed",
				billing.Field{Key: "email", Value: email},
				billing.Field{Key: "error", Value: err},
			)
		}
	}

	account, err := r.store.GetAccount(ctx, email)
	switch {
	case err == nil:
		r.recordCustomer(ctx, account, ev)
		r.metrics.RecordProvisioning("exists")
		return nil
	case !errors.Is(err, billing.ErrAccountNotFound):
		release()
		return fmt.Errorf("load account %s: %w", email, err)
	}

	user, err := r.identity.InviteUser(ctx, email, map[string]string{"role": string(billing.RoleUser)})
	switch {
	case errors.Is(err, identity.ErrUserExists):
		r.logger.Info("identity already registered, creating account record", billing.Field{Key: "email", Value: email})
	case err != nil:
		release()
		r.metrics.RecordProvisioning("identity_failed")
		return billing.E(billing.KindProvisioning, "invite user", err)
	}

	now := r.now()
	account = &billing.Account{
		Email:     email,
		Role:      billing.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if user != nil {
		account.IdentityID = user.ID
	}
	account.SetCustomerID(ev.Provider, ev.CustomerID)

	if err := r.store.CreateAccount(ctx, account); err != nil && !errors.Is(err, billing.ErrAccountExists) {
		release()
		r.metrics.RecordProvisioning("account_failed")
		return billing.E(billing.KindProvisioning, "create account", err)
	}

	r.metrics.RecordProvisioning("created")
	r.logger.Info("account provisioned",
		billing.Field{Key: "email", Value: email},
		billing.Field{Key: "provider", Value: ev.Provider},
	)
	return nil
}

// recordCustomer stores the provider customer id on an account that has none.
func (r *Reconciler) recordCustomer(ctx context.Context, account *billing.Account, ev *billing.Event) {
	if ev.CustomerID == "" || account.CustomerID(ev.Provider) != "" {
		return
	}
	account.SetCustomerID(ev.Provider, ev.CustomerID)
	account.UpdatedAt = r.now()
	if err := r.store.UpdateAccount(ctx, account); err != nil {
		r.logger.Warn("store customer id failed",
			billing.Field{Key: "email", Value: account.Email},
			billing.Field{Key: "error", Value: err},
		)
	}
}
