// limiter.go groups token buckets by endpoint category and resolves the
// token cost of each endpoint.
//
// Exchanges meter separate limits per category (public market data, private
// account, order placement, websocket control, ...), so each category owns an
// independent bucket. Endpoints are priced through a weight table: an exact
// rule wins, otherwise the longest matching prefix rule, otherwise weight 1 in
// the default category.
package resilience

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultCategory is used when a policy does not name its own default.
const DefaultCategory = "public"

// BucketConfig sizes one category bucket.
type BucketConfig struct {
	Capacity            int
	RefillRatePerSecond float64
}

// EndpointRule prices an endpoint. Category may be empty, meaning the
// policy's default category.
type EndpointRule struct {
	Endpoint string
	Weight   int
	Category string
	Prefix   bool
}

// Cost is the resolved admission price of one call.
type Cost struct {
	Category string
	Weight   int
}

// Limiter owns one TokenBucket per category.
type Limiter struct {
	buckets         map[string]*TokenBucket
	defaultCategory string

	exact    map[string]EndpointRule
	prefixes []EndpointRule // sorted longest first
}

// NewLimiter builds the buckets and endpoint table. The default category must
// be one of the configured categories.
func NewLimiter(categories map[string]BucketConfig, defaultCategory string, rules []EndpointRule) (*Limiter, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("at least one rate limit category is required")
	}
	if defaultCategory == "" {
		defaultCategory = DefaultCategory
	}
	if _, ok := categories[defaultCategory]; !ok {
		return nil, fmt.Errorf("default category %q is not configured", defaultCategory)
	}

	l := &Limiter{
		buckets:         make(map[string]*TokenBucket, len(categories)),
		defaultCategory: defaultCategory,
		exact:           make(map[string]EndpointRule),
	}
	for name, bc := range categories {
		if bc.Capacity < 1 {
			return nil, fmt.Errorf("category %q: capacity must be >= 1", name)
		}
		if bc.RefillRatePerSecond < 0 {
			return nil, fmt.Errorf("category %q: refill rate must be >= 0", name)
		}
		l.buckets[name] = NewTokenBucket(bc.Capacity, bc.RefillRatePerSecond)
	}

	for _, r := range rules {
		if r.Endpoint == "" {
			return nil, fmt.Errorf("endpoint rule with empty endpoint")
		}
		if r.Category != "" {
			if _, ok := categories[r.Category]; !ok {
				return nil, fmt.Errorf("endpoint %q: unknown category %q", r.Endpoint, r.Category)
			}
		}
		if r.Weight < 1 {
			r.Weight = 1
		}
		if r.Prefix {
			l.prefixes = append(l.prefixes, r)
		} else {
			l.exact[r.Endpoint] = r
		}
	}
	sort.SliceStable(l.prefixes, func(i, j int) bool {
		return len(l.prefixes[i].Endpoint) > len(l.prefixes[j].Endpoint)
	})

	return l, nil
}

// Resolve returns the category and weight for an endpoint.
func (l *Limiter) Resolve(endpoint string) Cost {
	if r, ok := l.exact[endpoint]; ok {
		return l.cost(r)
	}
	for _, r := range l.prefixes {
		if strings.HasPrefix(endpoint, r.Endpoint) {
			return l.cost(r)
		}
	}
	return Cost{Category: l.defaultCategory, Weight: 1}
}

func (l *Limiter) cost(r EndpointRule) Cost {
	c := Cost{Category: r.Category, Weight: r.Weight}
	if c.Category == "" {
		c.Category = l.defaultCategory
	}
	return c
}

// Bucket returns the bucket for a category, falling back to the default
// category for unknown names.
func (l *Limiter) Bucket(category string) *TokenBucket {
	if b, ok := l.buckets[category]; ok {
		return b
	}
	return l.buckets[l.defaultCategory]
}

// Available returns the tokens left in the bucket that endpoint draws from.
func (l *Limiter) Available(endpoint string) int {
	return l.Bucket(l.Resolve(endpoint).Category).Available()
}

// Categories returns the configured category names in sorted order.
func (l *Limiter) Categories() []string {
	names := make([]string, 0, len(l.buckets))
	for name := range l.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCategory returns the category used for unmatched endpoints.
func (l *Limiter) DefaultCategory() string { return l.defaultCategory }
