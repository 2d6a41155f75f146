// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package plans

import (
	"context"
	"time"

	"github.com/meterd/meterd/internal/cache"
	"github.com/meterd/meterd/internal/pipeline"
	"github.com/shopspring/decimal"
)

// CachedMeteringPlanProvider wraps a MeteringPlanProvider with caching
type CachedMeteringPlanProvider struct {
	underlying MeteringPlanProvider
	planCache  *cache.Cache[string, *pipeline.Plan]
	cacheTTL   time.Duration
}

// NewCachedMeteringPlanProvider creates a new cached metering plan provider
func NewCachedMeteringPlanProvider(underlying MeteringPlanProvider, cacheTTL time.Duration) *CachedMeteringPlanProvider {
	return &CachedMeteringPlanProvider{
		underlying: underlying,
		planCache:  cache.New[string, *pipeline.Plan](cacheTTL),
		cacheTTL:   cacheTTL,
	}
}

// MeteringPlan resolves a compiled plan by id with caching
func (p *CachedMeteringPlanProvider) MeteringPlan(ctx context.Context, planID string) (*pipeline.Plan, error) {
	// Try cache first
	if cached, found := p.planCache.Get(planID); found {
		return cached, nil
	}

	// Cache miss - fetch from underlying provider
	plan, err := p.underlying.MeteringPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	// Store in cache
	p.planCache.Set(planID, plan)

	return plan, nil
}

// Close stops the cache cleanup goroutine
func (p *CachedMeteringPlanProvider) Close() {
	p.planCache.Close()
}

// CacheStats returns cache statistics for monitoring
func (p *CachedMeteringPlanProvider) CacheStats() map[string]any {
	return map[string]any{
		"plan_cache_size":   p.planCache.Size(),
		"cache_ttl_seconds": p.cacheTTL.Seconds(),
	}
}

// CachedCountryProvider wraps a CountryProvider with caching
type CachedCountryProvider struct {
	underlying   CountryProvider
	countryCache *cache.Cache[string, string]
	cacheTTL     time.Duration
}

// NewCachedCountryProvider creates a new cached country provider
func NewCachedCountryProvider(underlying CountryProvider, cacheTTL time.Duration) *CachedCountryProvider {
	return &CachedCountryProvider{
		underlying:   underlying,
		countryCache: cache.New[string, string](cacheTTL),
		cacheTTL:     cacheTTL,
	}
}

// Country resolves an organization's country with caching
func (p *CachedCountryProvider) Country(ctx context.Context, organizationID string) (string, error) {
	// Try cache first
	if cached, found := p.countryCache.Get(organizationID); found {
		return cached, nil
	}

	// Cache miss - fetch from underlying provider
	country, err := p.underlying.Country(ctx, organizationID)
	if err != nil {
		return "", err
	}

	// Store in cache
	p.countryCache.Set(organizationID, country)

	return country, nil
}

// Close stops the cache cleanup goroutine
func (p *CachedCountryProvider) Close() {
	p.countryCache.Close()
}

// CachedPriceProvider wraps a PriceProvider with caching
type CachedPriceProvider struct {
	underlying PriceProvider
	priceCache *cache.Cache[string, decimal.Decimal]
	cacheTTL   time.Duration
}

// NewCachedPriceProvider creates a new cached price provider
func NewCachedPriceProvider(underlying PriceProvider, cacheTTL time.Duration) *CachedPriceProvider {
	return &CachedPriceProvider{
		underlying: underlying,
		priceCache: cache.New[string, decimal.Decimal](cacheTTL),
		cacheTTL:   cacheTTL,
	}
}

// Price resolves a unit price with caching
func (p *CachedPriceProvider) Price(ctx context.Context, pricingPlanID, metric, country string) (decimal.Decimal, error) {
	cacheKey := pricingPlanID + "/" + metric + "/" + country

	// Try cache first
	if cached, found := p.priceCache.Get(cacheKey); found {
		return cached, nil
	}

	// Cache miss - fetch from underlying provider
	price, err := p.underlying.Price(ctx, pricingPlanID, metric, country)
	if err != nil {
		return decimal.Zero, err
	}

	// Store in cache
	p.priceCache.Set(cacheKey, price)

	return price, nil
}

// Close stops the cache cleanup goroutine
func (p *CachedPriceProvider) Close() {
	p.priceCache.Close()
}
