package billing

import (
	"context"
	"time"
)

// Store persists pages, accounts and discount codes.
//
// UpdatePage is a compare-and-swap: it succeeds only when the stored version
// equals page.Version, stores page with Version+1 and returns the stored copy.
// Otherwise it returns ErrVersionConflict. DeletePage removes the page only
// while it is still at version, under the same rule.
type Store interface {
	GetPage(ctx context.Context, id string) (*Page, error)
	GetPageBySlug(ctx context.Context, slug string) (*Page, error)
	GetPageBySubscription(ctx context.Context, provider, subscriptionID string) (*Page, error)
	ListPagesByUser(ctx context.Context, email string) ([]*Page, error)
	CreatePage(ctx context.Context, page *Page) (*Page, error)
	UpdatePage(ctx context.Context, page *Page) (*Page, error)
	DeletePage(ctx context.Context, id string, version int64) error

	GetAccount(ctx context.Context, email string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error

	IncrementDiscountUsage(ctx context.Context, id string) error
}

// Ledger records claims on side effects that must run at most once. A claim
// expires after its TTL so that work abandoned by a crashed handler can be retried.
type Ledger interface {
	// Claim returns true if key was not claimed yet.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim after the guarded work failed.
	Release(ctx context.Context, key string) error
}
