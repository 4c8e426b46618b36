// Package firestore provides a Firestore implementation of billing.Store and billing.Ledger.
// Page writes run in transactions; a slugs collection keeps page names unique.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lynqit/reconciler/pkg/billing"
)

// Storage implements billing.Store using Google Cloud Firestore
type Storage struct {
	client              *firestore.Client
	pagesCollection     string
	slugsCollection     string
	accountsCollection  string
	discountsCollection string
	claimsCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// CollectionPrefix is prepended to every collection name
	// Default: "billing_"
	CollectionPrefix string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.CollectionPrefix == "" {
		config.CollectionPrefix = "billing_"
	}

	p := config.CollectionPrefix
	return &Storage{
		client:              client,
		pagesCollection:     p + "pages",
		slugsCollection:     p + "slugs",
		accountsCollection:  p + "accounts",
		discountsCollection: p + "discount_codes",
		claimsCollection:    p + "claims",
	}, nil
}

// Ledger returns a billing.Ledger storing claims in this storage's claims collection.
func (s *Storage) Ledger() *Ledger {
	return &Ledger{client: s.client, collection: s.claimsCollection, now: time.Now}
}

// GetPage implements billing.Store
func (s *Storage) GetPage(ctx context.Context, id string) (*billing.Page, error) {
	snap, err := s.client.Collection(s.pagesCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrPageNotFound
		}
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrPageNotFound
	}
	return pageFromData(snap.Ref.ID, snap.Data()), nil
}

// GetPageBySlug implements billing.Store
func (s *Storage) GetPageBySlug(ctx context.Context, slug string) (*billing.Page, error) {
	snap, err := s.client.Collection(s.slugsCollection).Doc(slug).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrPageNotFound
		}
		return nil, fmt.Errorf("failed to get page by slug: %w", err)
	}
	return s.GetPage(ctx, getString(snap.Data(), "pageId"))
}

// GetPageBySubscription implements billing.Store
func (s *Storage) GetPageBySubscription(ctx context.Context, provider, subscriptionID string) (*billing.Page, error) {
	if subscriptionID == "" {
		return nil, billing.ErrPageNotFound
	}
	docs, err := s.client.Collection(s.pagesCollection).
		Where("provider", "==", provider).
		Where("providerSubscriptionId", "==", subscriptionID).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get page by subscription: %w", err)
	}
	if len(docs) == 0 {
		return nil, billing.ErrPageNotFound
	}
	return pageFromData(docs[0].Ref.ID, docs[0].Data()), nil
}

// ListPagesByUser implements billing.Store. Pages are ordered by creation time.
func (s *Storage) ListPagesByUser(ctx context.Context, email string) ([]*billing.Page, error) {
	docs, err := s.client.Collection(s.pagesCollection).
		Where("userKey", "==", strings.ToLower(email)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	out := make([]*billing.Page, 0, len(docs))
	for _, doc := range docs {
		out = append(out, pageFromData(doc.Ref.ID, doc.Data()))
	}
	// Sorted here so the query needs no composite index.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreatePage implements billing.Store
func (s *Storage) CreatePage(ctx context.Context, page *billing.Page) (*billing.Page, error) {
	if page == nil || page.ID == "" || page.Slug == "" {
		return nil, fmt.Errorf("invalid page")
	}

	now := time.Now().UTC()
	stored := page.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	pageRef := s.client.Collection(s.pagesCollection).Doc(stored.ID)
	slugRef := s.client.Collection(s.slugsCollection).Doc(stored.Slug)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if taken, err := exists(tx, slugRef); err != nil {
			return err
		} else if taken {
			return billing.ErrSlugTaken
		}
		if err := tx.Create(pageRef, pageData(stored)); err != nil {
			return err
		}
		return tx.Create(slugRef, map[string]interface{}{"pageId": stored.ID})
	})
	if err != nil {
		if errors.Is(err, billing.ErrSlugTaken) {
			return nil, billing.ErrSlugTaken
		}
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return stored, nil
}

// UpdatePage implements billing.Store with compare-and-swap on version
func (s *Storage) UpdatePage(ctx context.Context, page *billing.Page) (*billing.Page, error) {
	if page == nil {
		return nil, fmt.Errorf("invalid page")
	}

	pageRef := s.client.Collection(s.pagesCollection).Doc(page.ID)
	var stored *billing.Page
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(pageRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrPageNotFound
			}
			return err
		}
		existing := pageFromData(page.ID, snap.Data())
		if existing.Version != page.Version {
			return billing.ErrVersionConflict
		}

		if existing.Slug != page.Slug {
			newSlug := s.client.Collection(s.slugsCollection).Doc(page.Slug)
			if taken, err := exists(tx, newSlug); err != nil {
				return err
			} else if taken {
				return billing.ErrSlugTaken
			}
			if err := tx.Delete(s.client.Collection(s.slugsCollection).Doc(existing.Slug)); err != nil {
				return err
			}
			if err := tx.Create(newSlug, map[string]interface{}{"pageId": page.ID}); err != nil {
				return err
			}
		}

		stored = page.Clone()
		stored.Version = existing.Version + 1
		stored.CreatedAt = existing.CreatedAt
		stored.UpdatedAt = time.Now().UTC()
		return tx.Set(pageRef, pageData(stored))
	})
	if err != nil {
		for _, sentinel := range []error{billing.ErrPageNotFound, billing.ErrVersionConflict, billing.ErrSlugTaken} {
			if errors.Is(err, sentinel) {
				return nil, sentinel
			}
		}
		return nil, fmt.Errorf("failed to update page: %w", err)
	}
	return stored, nil
}

// DeletePage implements billing.Store with compare-and-swap on version
func (s *Storage) DeletePage(ctx context.Context, id string, version int64) error {
	pageRef := s.client.Collection(s.pagesCollection).Doc(id)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(pageRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrPageNotFound
			}
			return err
		}
		existing := pageFromData(id, snap.Data())
		if existing.Version != version {
			return billing.ErrVersionConflict
		}
		if err := tx.Delete(pageRef); err != nil {
			return err
		}
		return tx.Delete(s.client.Collection(s.slugsCollection).Doc(existing.Slug))
	})
	for _, sentinel := range []error{billing.ErrPageNotFound, billing.ErrVersionConflict} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if err != nil {
		return fmt.Errorf("failed to delete page: %w", err)
	}
	return nil
}

// GetAccount implements billing.Store
func (s *Storage) GetAccount(ctx context.Context, email string) (*billing.Account, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(strings.ToLower(email)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	data := snap.Data()
	return &billing.Account{
		Email:            snap.Ref.ID,
		Role:             billing.Role(getString(data, "role")),
		IdentityID:       getString(data, "identityId"),
		MollieCustomerID: getString(data, "mollieCustomerId"),
		StripeCustomerID: getString(data, "stripeCustomerId"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}, nil
}

// CreateAccount implements billing.Store
func (s *Storage) CreateAccount(ctx context.Context, account *billing.Account) error {
	if account == nil || account.Email == "" {
		return fmt.Errorf("invalid account")
	}
	role := account.Role
	if role == "" {
		role = billing.RoleUser
	}

	now := time.Now().UTC()
	_, err := s.client.Collection(s.accountsCollection).Doc(strings.ToLower(account.Email)).Create(ctx, map[string]interface{}{
		"role":             string(role),
		"identityId":       account.IdentityID,
		"mollieCustomerId": account.MollieCustomerID,
		"stripeCustomerId": account.StripeCustomerID,
		"createdAt":        now,
		"updatedAt":        now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return billing.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateAccount implements billing.Store
func (s *Storage) UpdateAccount(ctx context.Context, account *billing.Account) error {
	if account == nil {
		return fmt.Errorf("invalid account")
	}

	_, err := s.client.Collection(s.accountsCollection).Doc(strings.ToLower(account.Email)).Update(ctx, []firestore.Update{
		{Path: "role", Value: string(account.Role)},
		{Path: "identityId", Value: account.IdentityID},
		{Path: "mollieCustomerId", Value: account.MollieCustomerID},
		{Path: "stripeCustomerId", Value: account.StripeCustomerID},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return billing.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// AddDiscountCode inserts or replaces a discount code.
func (s *Storage) AddDiscountCode(ctx context.Context, code billing.DiscountCode) error {
	_, err := s.client.Collection(s.discountsCollection).Doc(code.ID).Set(ctx, map[string]interface{}{
		"code":       code.Code,
		"usageCount": code.UsageCount,
	})
	if err != nil {
		return fmt.Errorf("failed to add discount code: %w", err)
	}
	return nil
}

// GetDiscountCode returns a discount code by id.
func (s *Storage) GetDiscountCode(ctx context.Context, id string) (*billing.DiscountCode, error) {
	snap, err := s.client.Collection(s.discountsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrDiscountNotFound
		}
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	data := snap.Data()
	return &billing.DiscountCode{
		ID:         id,
		Code:       getString(data, "code"),
		UsageCount: getInt(data, "usageCount"),
	}, nil
}

// IncrementDiscountUsage implements billing.Store
func (s *Storage) IncrementDiscountUsage(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.discountsCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "usageCount", Value: firestore.Increment(1)},
	})
	if status.Code(err) == codes.NotFound {
		return billing.ErrDiscountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to increment discount usage: %w", err)
	}
	return nil
}

// Ledger implements billing.Ledger with one document per claim.
type Ledger struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// Claim implements billing.Ledger
func (l *Ledger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ref := l.client.Collection(l.collection).Doc(claimDocID(key))
	claimed := false
	err := l.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := l.now().UTC()
		claimed = false
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() && getTime(snap.Data(), "expiresAt").After(now) {
			return nil
		}
		claimed = true
		return tx.Set(ref, map[string]interface{}{
			"key":       key,
			"expiresAt": now.Add(ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return claimed, nil
}

// Release implements billing.Ledger
func (l *Ledger) Release(ctx context.Context, key string) error {
	if _, err := l.client.Collection(l.collection).Doc(claimDocID(key)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// claimDocID maps a claim key to a valid document id; "/" separates path segments.
func claimDocID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

func exists(tx *firestore.Transaction, ref *firestore.DocumentRef) (bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	return snap.Exists(), nil
}

func pageData(p *billing.Page) map[string]interface{} {
	data := map[string]interface{}{
		"userEmail":              p.UserID,
		"userKey":                strings.ToLower(p.UserID),
		"slug":                   p.Slug,
		"plan":                   string(p.Plan),
		"status":                 string(p.Status),
		"provider":               p.Provider,
		"customerId":             p.CustomerID,
		"providerSubscriptionId": p.ProviderSubscriptionID,
		"lastPaymentId":          p.LastPaymentID,
		"version":                p.Version,
		"createdAt":              p.CreatedAt,
		"updatedAt":              p.UpdatedAt,
		"startDate":              nil,
		"endDate":                nil,
		"lastEventAt":            nil,
	}
	if p.StartDate != nil {
		data["startDate"] = *p.StartDate
	}
	if p.EndDate != nil {
		data["endDate"] = *p.EndDate
	}
	if !p.LastEventAt.IsZero() {
		data["lastEventAt"] = p.LastEventAt
	}
	return data
}

func pageFromData(id string, data map[string]interface{}) *billing.Page {
	p := &billing.Page{
		ID:                     id,
		UserID:                 getString(data, "userEmail"),
		Slug:                   getString(data, "slug"),
		Plan:                   billing.Plan(getString(data, "plan")),
		Status:                 billing.Status(getString(data, "status")),
		Provider:               getString(data, "provider"),
		CustomerID:             getString(data, "customerId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		LastPaymentID:          getString(data, "lastPaymentId"),
		LastEventAt:            getTime(data, "lastEventAt"),
		Version:                int64(getInt(data, "version")),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if t, ok := data["startDate"].(time.Time); ok {
		p.StartDate = &t
	}
	if t, ok := data["endDate"].(time.Time); ok {
		p.EndDate = &t
	}
	return p
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
