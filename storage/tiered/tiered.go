// Package tiered provides a Hot/Cold ledger that answers repeated claims from
// fast local storage (Hot) and settles first claims in durable storage (Cold).
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/lynqit/reconciler/pkg/billing"
)

// Config configures the tiered ledger
type Config struct {
	// Hot is the L1 ledger (e.g. memory) consulted first
	Hot billing.Ledger

	// Cold is the L2 ledger (e.g. Redis, Postgres) and the source of truth
	Cold billing.Ledger

	// HotTTL caps how long a claim is remembered in Hot, so that a claim
	// released on another instance becomes claimable here again.
	// Default: 1 minute
	HotTTL time.Duration

	// ErrorHandler is called when Hot fails; Hot errors never fail a claim.
	ErrorHandler func(error)
}

// Ledger implements billing.Ledger over two tiers.
type Ledger struct {
	hot  billing.Ledger
	cold billing.Ledger
	conf Config
}

// New creates a new tiered ledger.
func New(config Config) (*Ledger, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered ledger: both hot and cold ledgers are required")
	}
	if config.HotTTL <= 0 {
		config.HotTTL = time.Minute
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(error) {}
	}
	return &Ledger{hot: config.Hot, cold: config.Cold, conf: config}, nil
}

// Claim implements billing.Ledger.
// A key already held in Hot is rejected without a round trip to Cold.
func (l *Ledger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	hotTTL := min(ttl, l.conf.HotTTL)

	ok, err := l.hot.Claim(ctx, key, hotTTL)
	if err != nil {
		l.conf.ErrorHandler(err)
	} else if !ok {
		return false, nil
	}

	ok, err = l.cold.Claim(ctx, key, ttl)
	if err != nil {
		l.releaseHot(ctx, key)
		return false, err
	}
	// A key Cold refused stays in Hot, so duplicates stop there.
	return ok, nil
}

// Release implements billing.Ledger
func (l *Ledger) Release(ctx context.Context, key string) error {
	if err := l.cold.Release(ctx, key); err != nil {
		return err
	}
	l.releaseHot(ctx, key)
	return nil
}

func (l *Ledger) releaseHot(ctx context.Context, key string) {
	if err := l.hot.Release(ctx, key); err != nil {
		l.conf.ErrorHandler(err)
	}
}
