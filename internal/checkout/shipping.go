package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kroypata/checkout/internal/domain"
)

// DefaultTimeout bounds every remote call made by checkout components.
const DefaultTimeout = 10 * time.Second

// ShippingAnalyzer classifies a cart's shipping eligibility. Versions are handed out by
// Reserve when a request is issued, so a late answer can be told apart from a newer one.
type ShippingAnalyzer struct {
	gateway Gateway
	cache   *AnalysisCache
	timeout time.Duration
	version atomic.Int64
}

// NewShippingAnalyzer builds an analyzer. cache may be nil.
func NewShippingAnalyzer(gateway Gateway, cache *AnalysisCache, timeout time.Duration) *ShippingAnalyzer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ShippingAnalyzer{gateway: gateway, cache: cache, timeout: timeout}
}

// Reserve hands out the next analysis version.
func (a *ShippingAnalyzer) Reserve() int64 {
	return a.version.Add(1)
}

// Analyze reserves a version and runs AnalyzeAt with it.
func (a *ShippingAnalyzer) Analyze(ctx context.Context, lines []domain.CartLine) (domain.ShippingAnalysis, error) {
	return a.AnalyzeAt(ctx, a.Reserve(), lines)
}

// AnalyzeAt validates the cart and asks the backend for shipping options, stamping the result
// with version. An invalid cart is rejected without a network call.
func (a *ShippingAnalyzer) AnalyzeAt(ctx context.Context, version int64, lines []domain.CartLine) (domain.ShippingAnalysis, error) {
	if verr := ValidateCart(lines); verr != nil {
		return domain.ShippingAnalysis{}, verr
	}

	key := cartFingerprint(lines)
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			return stamp(cached, version), nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	analysis, err := a.gateway.AnalyzeShipping(callCtx, domain.CloneCart(lines))
	if err != nil {
		return domain.ShippingAnalysis{}, Classify(OpAnalysis, err)
	}
	if a.cache != nil {
		a.cache.Put(key, analysis)
	}
	return stamp(analysis, version), nil
}

// LatestVersion returns the last version handed out.
func (a *ShippingAnalyzer) LatestVersion() int64 {
	return a.version.Load()
}

func stamp(analysis domain.ShippingAnalysis, version int64) domain.ShippingAnalysis {
	analysis.AvailableMethods = append([]domain.ShippingMethod(nil), analysis.AvailableMethods...)
	analysis.Version = version
	return analysis
}

// SelectMethod applies the auto-selection policy: the free-shipping rule method when the cart is
// eligible, then the recommended method, then the first method.
func SelectMethod(analysis domain.ShippingAnalysis) (string, error) {
	if len(analysis.AvailableMethods) == 0 {
		return "", newError(KindNoShippingOptions, "no shipping methods are available for this cart")
	}
	if analysis.FreeShippingEligible {
		for _, m := range analysis.AvailableMethods {
			if m.IsFreeShippingRule {
				return m.ID, nil
			}
		}
	}
	if id := strings.TrimSpace(analysis.RecommendedMethodID); id != "" {
		if _, ok := analysis.Method(id); ok {
			return id, nil
		}
	}
	return analysis.AvailableMethods[0].ID, nil
}

// AnalysisCache shares analyses of identical carts across sessions for a short TTL.
type AnalysisCache struct {
	ttl time.Duration
	now func() time.Time
	mu  sync.RWMutex
	m   map[string]analysisCacheEntry
}

type analysisCacheEntry struct {
	analysis domain.ShippingAnalysis
	expires  time.Time
}

// NewAnalysisCache returns nil when ttl is not positive, which disables caching.
func NewAnalysisCache(ttl time.Duration, now func() time.Time) *AnalysisCache {
	if ttl <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &AnalysisCache{ttl: ttl, now: now, m: make(map[string]analysisCacheEntry)}
}

// Get returns a cached analysis unless it has expired.
func (c *AnalysisCache) Get(key string) (domain.ShippingAnalysis, bool) {
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return domain.ShippingAnalysis{}, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return domain.ShippingAnalysis{}, false
	}
	return entry.analysis, true
}

// Put stores an analysis.
func (c *AnalysisCache) Put(key string, analysis domain.ShippingAnalysis) {
	c.mu.Lock()
	c.m[key] = analysisCacheEntry{analysis: analysis, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *AnalysisCache) Purge() int {
	if c == nil {
		return 0
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.m {
		if now.After(entry.expires) {
			delete(c.m, key)
			removed++
		}
	}
	return removed
}

// cartFingerprint is order-insensitive so reordering lines hits the same entry.
func cartFingerprint(lines []domain.CartLine) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		parts = append(parts, strings.Join([]string{
			strings.TrimSpace(line.ProductID),
			strconv.Itoa(line.Quantity),
			strings.TrimSpace(line.ColorVariant),
			strings.TrimSpace(line.SizeVariant),
		}, "|"))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
