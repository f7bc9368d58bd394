// Package currency converts amounts between currencies with one fixed rate
// per calendar day.
package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/internal/store"
	"github.com/crosslogic/usage-ledger/pkg/cache"
	"github.com/crosslogic/usage-ledger/pkg/events"
	"github.com/crosslogic/usage-ledger/pkg/metrics"
	"github.com/crosslogic/usage-ledger/pkg/models"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrRateUnavailable means no tier could produce a rate.
var ErrRateUnavailable = errors.New("fx rate unavailable")

// Quote is a rate for one base/quote pair and calendar day.
type Quote = models.FXRate

const (
	fallbackSource = "fallback"
	identitySource = "identity"

	// A rate for today may still change when the day's table is published.
	provisionalTTL = 15 * time.Minute
	fallbackTTL    = 5 * time.Minute
)

// Provider fetches rates from an external source.
type Provider interface {
	Rate(ctx context.Context, base, quote string, day time.Time) (Quote, error)
}

// RateStore persists rates so a past day keeps converting the same way.
type RateStore interface {
	GetFXRate(ctx context.Context, base, quote string, day time.Time) (*models.FXRate, error)
	SaveFXRate(ctx context.Context, r models.FXRate) error
}

// Converter resolves daily rates through a local cache, Redis, the rate table
// and finally the provider, with configured fallback rates as a last resort.
type Converter struct {
	provider  Provider
	store     RateStore
	redis     *cache.Cache
	local     *gocache.Cache
	fallbacks map[string]decimal.Decimal
	ttl       time.Duration
	location  *time.Location
	bus       *events.Bus
	logger    *zap.Logger
	now       func() time.Time

	// A burst of events for a new day shares one lookup per key.
	fetches singleflight.Group
}

// Options configures a Converter. Store, Redis and Bus may be nil.
type Options struct {
	Provider  Provider
	Store     RateStore
	Redis     *cache.Cache
	Bus       *events.Bus
	Fallbacks map[string]string
	CacheTTL  time.Duration
	Location  *time.Location
	Logger    *zap.Logger
}

// NewConverter creates a Converter. Unparseable fallback rates are skipped.
func NewConverter(opts Options) *Converter {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	fallbacks := make(map[string]decimal.Decimal, len(opts.Fallbacks))
	for pair, raw := range opts.Fallbacks {
		rate, err := decimal.NewFromString(raw)
		if err != nil || !rate.IsPositive() {
			opts.Logger.Warn("ignoring invalid fallback fx rate", zap.String("pair", pair), zap.String("rate", raw))
			continue
		}
		fallbacks[strings.ToUpper(pair)] = rate
	}

	return &Converter{
		provider:  opts.Provider,
		store:     opts.Store,
		redis:     opts.Redis,
		local:     gocache.New(opts.CacheTTL, 10*time.Minute),
		fallbacks: fallbacks,
		ttl:       opts.CacheTTL,
		location:  opts.Location,
		bus:       opts.Bus,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

func rateKey(base, quote string, day time.Time) string {
	return base + ":" + quote + ":" + day.Format(time.DateOnly)
}

// dayOf returns the calendar day of t as UTC midnight.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Rate returns the base->quote rate for day.
func (c *Converter) Rate(ctx context.Context, base, quote string, day time.Time) (Quote, error) {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	day = dayOf(day)

	if base == quote {
		metrics.FXLookupsTotal.WithLabelValues(identitySource).Inc()
		return Quote{Base: base, Quote: quote, RateDate: day, Rate: decimal.NewFromInt(1), Source: identitySource, EffectiveDate: day}, nil
	}

	key := rateKey(base, quote, day)
	if q, ok := c.local.Get(key); ok {
		metrics.FXLookupsTotal.WithLabelValues("local").Inc()
		return q.(Quote), nil
	}

	// Waiters share the first caller's lookup, so its cancellation must not
	// fail them all.
	v, err, _ := c.fetches.Do(key, func() (interface{}, error) {
		return c.resolve(context.WithoutCancel(ctx), base, quote, day, key)
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

// resolve walks the tiers below the local cache.
func (c *Converter) resolve(ctx context.Context, base, quote string, day time.Time, key string) (Quote, error) {
	if q, ok := c.local.Get(key); ok {
		metrics.FXLookupsTotal.WithLabelValues("local").Inc()
		return q.(Quote), nil
	}

	if q, ok := c.fromRedis(ctx, key); ok {
		metrics.FXLookupsTotal.WithLabelValues("redis").Inc()
		c.local.Set(key, q, c.ttlFor(q))
		return q, nil
	}

	if c.store != nil {
		stored, err := c.store.GetFXRate(ctx, base, quote, day)
		switch {
		case err == nil:
			metrics.FXLookupsTotal.WithLabelValues("db").Inc()
			c.remember(ctx, key, *stored)
			return *stored, nil
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Warn("fx rate table lookup failed", zap.String("pair", key), zap.Error(err))
		}
	}

	if c.provider != nil {
		q, err := c.provider.Rate(ctx, base, quote, day)
		if err == nil {
			metrics.FXLookupsTotal.WithLabelValues("provider").Inc()
			c.persist(ctx, q)
			c.remember(ctx, key, q)
			return q, nil
		}
		c.logger.Warn("fx provider lookup failed", zap.String("pair", key), zap.Error(err))
	}

	if q, ok := c.fallback(base, quote, day); ok {
		metrics.FXLookupsTotal.WithLabelValues(fallbackSource).Inc()
		c.local.Set(key, q, fallbackTTL)
		c.bus.Publish(ctx, events.NewEvent(events.EventFXRateFallback, "", map[string]interface{}{
			"base":  base,
			"quote": quote,
			"date":  day.Format(time.DateOnly),
			"rate":  q.Rate.String(),
		}))
		return q, nil
	}

	metrics.FXLookupsTotal.WithLabelValues("unavailable").Inc()
	return Quote{}, fmt.Errorf("%w: %s", ErrRateUnavailable, key)
}

// Convert multiplies amount by the base->quote rate of day.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, base, quote string, day time.Time) (decimal.Decimal, Quote, error) {
	q, err := c.Rate(ctx, base, quote, day)
	if err != nil {
		return decimal.Zero, Quote{}, err
	}
	return amount.Mul(q.Rate), q, nil
}

// isProvisional reports whether q may still be superseded: a rate for today
// taken from an earlier table.
func (c *Converter) isProvisional(q Quote) bool {
	today := dayOf(c.now().In(c.location))
	return !q.RateDate.Before(today) && q.EffectiveDate.Before(q.RateDate)
}

func (c *Converter) ttlFor(q Quote) time.Duration {
	if c.isProvisional(q) {
		return provisionalTTL
	}
	return c.ttl
}

func (c *Converter) persist(ctx context.Context, q Quote) {
	if c.store == nil || c.isProvisional(q) {
		return
	}
	if err := c.store.SaveFXRate(ctx, q); err != nil {
		c.logger.Warn("failed to persist fx rate", zap.String("pair", rateKey(q.Base, q.Quote, q.RateDate)), zap.Error(err))
	}
}

func (c *Converter) remember(ctx context.Context, key string, q Quote) {
	ttl := c.ttlFor(q)
	c.local.Set(key, q, ttl)
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, "fx:"+key, raw, ttl); err != nil {
		c.logger.Debug("failed to cache fx rate in redis", zap.String("pair", key), zap.Error(err))
	}
}

func (c *Converter) fromRedis(ctx context.Context, key string) (Quote, bool) {
	if c.redis == nil {
		return Quote{}, false
	}
	raw, err := c.redis.Get(ctx, "fx:"+key)
	if err != nil {
		if !cache.IsMiss(err) {
			c.logger.Debug("redis fx lookup failed", zap.String("pair", key), zap.Error(err))
		}
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return Quote{}, false
	}
	return q, true
}

func (c *Converter) fallback(base, quote string, day time.Time) (Quote, bool) {
	q := Quote{Base: base, Quote: quote, RateDate: day, Source: fallbackSource, EffectiveDate: day}
	if rate, ok := c.fallbacks[base+":"+quote]; ok {
		q.Rate = rate
		return q, true
	}
	if rate, ok := c.fallbacks[quote+":"+base]; ok {
		q.Rate = decimal.NewFromInt(1).DivRound(rate, rateScale)
		return q, true
	}
	return Quote{}, false
}
