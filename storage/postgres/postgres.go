// Package postgres provides a PostgreSQL implementation of billing.Store and billing.Ledger.
// Page updates are compare-and-swap on the version column; claims are rows with an expiry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lynqit/reconciler/pkg/billing"
)

const uniqueViolation = "23505"

// Storage implements billing.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger billing.Logger

	// stopCleanup cancels the background claim cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MigrateOnStart applies the embedded schema migrations in New
	MigrateOnStart bool

	// Expired claims are deleted every CleanupInterval when CleanupEnabled is set
	CleanupEnabled  bool
	CleanupInterval time.Duration

	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.MigrateOnStart {
		if err := Migrate(ctx, pool, config.Logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      config.Logger,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Ledger returns a billing.Ledger sharing this storage's pool.
func (s *Storage) Ledger() *Ledger {
	return &Ledger{pool: s.pool, now: time.Now}
}

const pageColumns = `id, user_email, slug, plan, status, start_date, end_date, provider, customer_id,
	provider_subscription_id, last_payment_id, last_event_at, version, created_at, updated_at`

func scanPage(row pgx.Row) (*billing.Page, error) {
	var (
		p           billing.Page
		lastEventAt *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Slug,
		&p.Plan,
		&p.Status,
		&p.StartDate,
		&p.EndDate,
		&p.Provider,
		&p.CustomerID,
		&p.ProviderSubscriptionID,
		&p.LastPaymentID,
		&lastEventAt,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.StartDate = utcPtr(p.StartDate)
	p.EndDate = utcPtr(p.EndDate)
	if lastEventAt != nil {
		p.LastEventAt = lastEventAt.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Storage) queryPage(ctx context.Context, op, where string, args ...any) (*billing.Page, error) {
	p, err := scanPage(s.pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return p, nil
}

// GetPage implements billing.Store
func (s *Storage) GetPage(ctx context.Context, id string) (*billing.Page, error) {
	return s.queryPage(ctx, "get page", `id = $1`, id)
}

// GetPageBySlug implements billing.Store
func (s *Storage) GetPageBySlug(ctx context.Context, slug string) (*billing.Page, error) {
	return s.queryPage(ctx, "get page by slug", `slug = $1`, slug)
}

// GetPageBySubscription implements billing.Store
func (s *Storage) GetPageBySubscription(ctx context.Context, provider, subscriptionID string) (*billing.Page, error) {
	if subscriptionID == "" {
		return nil, billing.ErrPageNotFound
	}
	return s.queryPage(ctx, "get page by subscription",
		`provider = $1 AND provider_subscription_id = $2 LIMIT 1`, provider, subscriptionID)
}

// ListPagesByUser implements billing.Store. Pages are ordered by creation time.
func (s *Storage) ListPagesByUser(ctx context.Context, email string) ([]*billing.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pageColumns+` FROM pages
			WHERE lower(user_email) = lower($1)
			ORDER BY created_at, id`,
		email)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var out []*billing.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	return out, nil
}

// CreatePage implements billing.Store
func (s *Storage) CreatePage(ctx context.Context, page *billing.Page) (*billing.Page, error) {
	if page == nil || page.ID == "" || page.Slug == "" {
		return nil, fmt.Errorf("invalid page")
	}

	now := time.Now().UTC()
	createdAt := page.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	stored, err := scanPage(s.pool.QueryRow(ctx,
		`INSERT INTO pages (id, user_email, slug, plan, status, start_date, end_date, provider, customer_id,
				provider_subscription_id, last_payment_id, last_event_at, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
			RETURNING `+pageColumns,
		page.ID, page.UserID, page.Slug, page.Plan, page.Status, page.StartDate, page.EndDate,
		page.Provider, page.CustomerID, page.ProviderSubscriptionID, page.LastPaymentID,
		nullTime(page.LastEventAt), createdAt, now,
	))
	if err != nil {
		if isUniqueViolation(err, "pages_slug_key") {
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

	stored, err := scanPage(s.pool.QueryRow(ctx,
		`UPDATE pages SET
				user_email = $3,
				slug = $4,
				plan = $5,
				status = $6,
				start_date = $7,
				end_date = $8,
				provider = $9,
				customer_id = $10,
				provider_subscription_id = $11,
				last_payment_id = $12,
				last_event_at = $13,
				version = version + 1,
				updated_at = $14
			WHERE id = $1 AND version = $2
			RETURNING `+pageColumns,
		page.ID, page.Version, page.UserID, page.Slug, page.Plan, page.Status, page.StartDate, page.EndDate,
		page.Provider, page.CustomerID, page.ProviderSubscriptionID, page.LastPaymentID,
		nullTime(page.LastEventAt), time.Now().UTC(),
	))
	switch {
	case err == nil:
		return stored, nil
	case isUniqueViolation(err, "pages_slug_key"):
		return nil, billing.ErrSlugTaken
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("failed to update page: %w", err)
	}

	return nil, s.missOrConflict(ctx, page.ID, "failed to update page")
}

// missOrConflict explains a versioned write that matched no row: either the
// page is gone or another writer got there first.
func (s *Storage) missOrConflict(ctx context.Context, id, op string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return billing.ErrPageNotFound
	}
	return billing.ErrVersionConflict
}

// DeletePage implements billing.Store with compare-and-swap on version
func (s *Storage) DeletePage(ctx context.Context, id string, version int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("failed to delete page: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missOrConflict(ctx, id, "failed to delete page")
}

// GetAccount implements billing.Store
func (s *Storage) GetAccount(ctx context.Context, email string) (*billing.Account, error) {
	var a billing.Account
	err := s.pool.QueryRow(ctx,
		`SELECT email, role, identity_id, mollie_customer_id, stripe_customer_id, created_at, updated_at
			FROM accounts WHERE email = $1`,
		strings.ToLower(email)).Scan(
		&a.Email,
		&a.Role,
		&a.IdentityID,
		&a.MollieCustomerID,
		&a.StripeCustomerID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (email, role, identity_id, mollie_customer_id, stripe_customer_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		strings.ToLower(account.Email), role, account.IdentityID,
		account.MollieCustomerID, account.StripeCustomerID, now,
	)
	if isUniqueViolation(err, "accounts_pkey") {
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

	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET
				role = $2,
				identity_id = $3,
				mollie_customer_id = $4,
				stripe_customer_id = $5,
				updated_at = $6
			WHERE email = $1`,
		strings.ToLower(account.Email), account.Role, account.IdentityID,
		account.MollieCustomerID, account.StripeCustomerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrAccountNotFound
	}
	return nil
}

// AddDiscountCode inserts or replaces a discount code.
func (s *Storage) AddDiscountCode(ctx context.Context, code billing.DiscountCode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO discount_codes (id, code, usage_count) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, usage_count = EXCLUDED.usage_count`,
		code.ID, code.Code, code.UsageCount)
	if err != nil {
		return fmt.Errorf("failed to add discount code: %w", err)
	}
	return nil
}

// GetDiscountCode returns a discount code by id.
func (s *Storage) GetDiscountCode(ctx context.Context, id string) (*billing.DiscountCode, error) {
	var d billing.DiscountCode
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, usage_count FROM discount_codes WHERE id = $1`, id).
		Scan(&d.ID, &d.Code, &d.UsageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrDiscountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return &d, nil
}

// IncrementDiscountUsage implements billing.Store
func (s *Storage) IncrementDiscountUsage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discount_codes SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment discount usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrDiscountNotFound
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("claim cleanup failed", billing.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes expired claims and returns how many were removed.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
