package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/models"
	gocache "github.com/patrickmn/go-cache"
)

// CachedLedger memoizes successful api key lookups in process memory. Key
// revocations and organization deactivations take effect within ttl.
type CachedLedger struct {
	Ledger
	keys *gocache.Cache
}

// NewCachedLedger wraps ledger with a key cache of the given ttl.
func NewCachedLedger(ledger Ledger, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		Ledger: ledger,
		keys:   gocache.New(ttl, 2*ttl),
	}
}

// ResolveAPIKey returns the cached organization or loads it. Misses are not cached.
func (c *CachedLedger) ResolveAPIKey(ctx context.Context, keyHash string) (*models.Organization, error) {
	if cached, ok := c.keys.Get("apikey:" + keyHash); ok {
		org := *cached.(*models.Organization)
		return &org, nil
	}

	org, err := c.Ledger.ResolveAPIKey(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	stored := *org
	c.keys.SetDefault("apikey:"+keyHash, &stored)
	return org, nil
}

// RecordUsage records ev and drops cached organizations when the store reports
// that ev was priced with a stale billing currency.
func (c *CachedLedger) RecordUsage(ctx context.Context, ev *models.UsageEvent) error {
	err := c.Ledger.RecordUsage(ctx, ev)
	if errors.Is(err, store.ErrCurrencyChanged) {
		c.keys.Flush()
	}
	return err
}
