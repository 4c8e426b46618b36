// Package memory provides in-memory implementations of billing.Store and billing.Ledger.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lynqit/reconciler/pkg/billing"
)

// Storage implements billing.Store using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	pages     map[string]*billing.Page
	slugs     map[string]string // slug -> page id
	accounts  map[string]*billing.Account
	discounts map[string]*billing.DiscountCode
	now       func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		pages:     make(map[string]*billing.Page),
		slugs:     make(map[string]string),
		accounts:  make(map[string]*billing.Account),
		discounts: make(map[string]*billing.DiscountCode),
		now:       time.Now,
	}
}

// GetPage implements billing.Store
func (s *Storage) GetPage(_ context.Context, id string) (*billing.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pages[id]
	if !ok {
		return nil, billing.ErrPageNotFound
	}
	return p.Clone(), nil
}

// GetPageBySlug implements billing.Store
func (s *Storage) GetPageBySlug(_ context.Context, slug string) (*billing.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slugs[slug]
	if !ok {
		return nil, billing.ErrPageNotFound
	}
	return s.pages[id].Clone(), nil
}

// GetPageBySubscription implements billing.Store
func (s *Storage) GetPageBySubscription(_ context.Context, provider, subscriptionID string) (*billing.Page, error) {
	if subscriptionID == "" {
		return nil, billing.ErrPageNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pages {
		if p.Provider == provider && p.ProviderSubscriptionID == subscriptionID {
			return p.Clone(), nil
		}
	}
	return nil, billing.ErrPageNotFound
}

// ListPagesByUser implements billing.Store. Pages are ordered by creation time.
func (s *Storage) ListPagesByUser(_ context.Context, email string) ([]*billing.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.Page
	for _, p := range s.pages {
		if strings.EqualFold(p.UserID, email) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreatePage implements billing.Store
func (s *Storage) CreatePage(_ context.Context, page *billing.Page) (*billing.Page, error) {
	if page == nil || page.ID == "" || page.Slug == "" {
		return nil, fmt.Errorf("invalid page")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slugs[page.Slug]; ok {
		return nil, billing.ErrSlugTaken
	}
	if _, ok := s.pages[page.ID]; ok {
		return nil, fmt.Errorf("page %s already exists", page.ID)
	}

	now := s.now()
	stored := page.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.pages[stored.ID] = stored
	s.slugs[stored.Slug] = stored.ID
	return stored.Clone(), nil
}

// UpdatePage implements billing.Store with compare-and-swap on Version
func (s *Storage) UpdatePage(_ context.Context, page *billing.Page) (*billing.Page, error) {
	if page == nil {
		return nil, fmt.Errorf("invalid page")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pages[page.ID]
	if !ok {
		return nil, billing.ErrPageNotFound
	}
	if existing.Version != page.Version {
		return nil, billing.ErrVersionConflict
	}
	if existing.Slug != page.Slug {
		if _, taken := s.slugs[page.Slug]; taken {
			return nil, billing.ErrSlugTaken
		}
		delete(s.slugs, existing.Slug)
		s.slugs[page.Slug] = page.ID
	}

	stored := page.Clone()
	stored.Version = existing.Version + 1
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now()
	s.pages[stored.ID] = stored
	return stored.Clone(), nil
}

// DeletePage implements billing.Store with compare-and-swap on version
func (s *Storage) DeletePage(_ context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[id]
	if !ok {
		return billing.ErrPageNotFound
	}
	if p.Version != version {
		return billing.ErrVersionConflict
	}
	delete(s.slugs, p.Slug)
	delete(s.pages, id)
	return nil
}

// GetAccount implements billing.Store
func (s *Storage) GetAccount(_ context.Context, email string) (*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	accCopy := *a
	return &accCopy, nil
}

// CreateAccount implements billing.Store
func (s *Storage) CreateAccount(_ context.Context, account *billing.Account) error {
	if account == nil || account.Email == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(account.Email)
	if _, ok := s.accounts[key]; ok {
		return billing.ErrAccountExists
	}
	accCopy := *account
	now := s.now()
	accCopy.CreatedAt = now
	accCopy.UpdatedAt = now
	if accCopy.Role == "" {
		accCopy.Role = billing.RoleUser
	}
	s.accounts[key] = &accCopy
	return nil
}

// UpdateAccount implements billing.Store
func (s *Storage) UpdateAccount(_ context.Context, account *billing.Account) error {
	if account == nil {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(account.Email)
	existing, ok := s.accounts[key]
	if !ok {
		return billing.ErrAccountNotFound
	}
	accCopy := *account
	accCopy.CreatedAt = existing.CreatedAt
	accCopy.UpdatedAt = s.now()
	s.accounts[key] = &accCopy
	return nil
}

// AddDiscountCode seeds a discount code.
func (s *Storage) AddDiscountCode(code billing.DiscountCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[code.ID] = &code
}

// GetDiscountCode returns a copy of a discount code.
func (s *Storage) GetDiscountCode(id string) (*billing.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.discounts[id]
	if !ok {
		return nil, billing.ErrDiscountNotFound
	}
	dCopy := *d
	return &dCopy, nil
}

// IncrementDiscountUsage implements billing.Store
func (s *Storage) IncrementDiscountUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.discounts[id]
	if !ok {
		return billing.ErrDiscountNotFound
	}
	d.UsageCount++
	return nil
}

// Ledger implements billing.Ledger with an expiring map.
type Ledger struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewLedger creates an in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{claims: make(map[string]time.Time), now: time.Now}
}

// Claim implements billing.Ledger
func (l *Ledger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.claims[key] = now.Add(ttl)
	return true, nil
}

// Release implements billing.Ledger
func (l *Ledger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, key)
	return nil
}
