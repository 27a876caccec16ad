package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/validators"
)

const (
	defaultCacheTTL = time.Minute
	cachePrefix     = "gate:ontology"

	invalidateTimeout = 2 * time.Second
)

// CachedClient is a Redis read-through cache in front of a slower ontology
// backend. Redis failures fall through to the origin; they never fail an
// evaluation on their own. OntologyNotFound and backend errors are not cached.
type CachedClient struct {
	origin Client
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedClient wraps origin. A zero ttl uses one minute.
func NewCachedClient(origin Client, rdb redis.UniversalClient, ttl time.Duration) *CachedClient {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedClient{
		origin: origin,
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.Default().With("component", "semantic.cache"),
	}
}

func verdictKey(a contracts.ActionPrimitive, level contracts.AuthorityLevel) string {
	return fmt.Sprintf("%s:%s:verdict:%s:%d", cachePrefix, a.Domain, a.Verb, level)
}

func validatorsKey(a contracts.ActionPrimitive) string {
	return fmt.Sprintf("%s:%s:validators:%s", cachePrefix, a.Domain, a.Verb)
}

func (c *CachedClient) get(ctx context.Context, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "ontology cache read failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.WarnContext(ctx, "ontology cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (c *CachedClient) put(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "ontology cache write failed", "key", key, "error", err)
	}
}

func (c *CachedClient) ValidateSemanticAuthority(ctx context.Context, a contracts.ActionPrimitive, level contracts.AuthorityLevel) (contracts.SemanticVerdict, error) {
	key := verdictKey(a, level)
	var sv contracts.SemanticVerdict
	if c.get(ctx, key, &sv) {
		return sv, nil
	}
	sv, err := c.origin.ValidateSemanticAuthority(ctx, a, level)
	if err != nil {
		return sv, err
	}
	c.put(ctx, key, sv)
	return sv, nil
}

func (c *CachedClient) RequiredValidators(ctx context.Context, a contracts.ActionPrimitive) ([]string, error) {
	key := validatorsKey(a)
	var names []string
	if c.get(ctx, key, &names) {
		return names, nil
	}
	names, err := c.origin.RequiredValidators(ctx, a)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	c.put(ctx, key, names)
	return names, nil
}

// Ping checks the origin. The cache is an optimization, not a dependency.
func (c *CachedClient) Ping(ctx context.Context) error {
	return c.origin.Ping(ctx)
}

// Regulations delegates when the origin can answer.
func (c *CachedClient) Regulations(ctx context.Context, a contracts.ActionPrimitive) ([]Regulation, error) {
	if src, ok := c.origin.(RegulationSource); ok {
		return src.Regulations(ctx, a)
	}
	return nil, nil
}

// Constraints delegates when the origin can answer.
func (c *CachedClient) Constraints(ctx context.Context, domain, verb string) ([]validators.Constraint, error) {
	if src, ok := c.origin.(validators.ConstraintSource); ok {
		return src.Constraints(ctx, domain, verb)
	}
	return nil, nil
}

// Invalidate drops every cached entry for domain.
func (c *CachedClient) Invalidate(ctx context.Context, domain string) (int, error) {
	pattern := fmt.Sprintf("%s:%s:*", cachePrefix, domain)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan ontology cache: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("invalidate ontology cache: %w", err)
	}
	return int(n), nil
}

// Follow keeps the cache coherent with a hot-reloaded catalog: every domain
// present before or after a swap is invalidated.
func (c *CachedClient) Follow(m *MemoryClient) {
	m.OnReplace(func(prev, next *Catalog) {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()

		domains := append(prev.Domains(), next.Domains()...)
		seen := make(map[string]bool, len(domains))
		for _, d := range domains {
			if seen[d] {
				continue
			}
			seen[d] = true
			n, err := c.Invalidate(ctx, d)
			if err != nil {
				c.logger.WarnContext(ctx, "ontology cache invalidation failed", "domain", d, "error", err)
				continue
			}
			c.logger.InfoContext(ctx, "ontology cache invalidated", "domain", d, "keys", n)
		}
	})
}
