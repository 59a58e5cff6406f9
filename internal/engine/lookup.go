package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noex/noex-rules/internal/durations"
	"github.com/noex/noex-rules/internal/rule"
	"github.com/noex/noex-rules/internal/value"
)

// ServiceFunc handles a lookup call against a registered external service.
type ServiceFunc func(ctx context.Context, method string, args []any) (any, error)

// errLookupFailed aborts a rule when a lookup with onError "fail" errors.
type errLookupFailed struct {
	Name string
	Err  error
}

func (e *errLookupFailed) Error() string {
	return fmt.Sprintf("lookup %s failed: %v", e.Name, e.Err)
}

type cachedLookup struct {
	result    any
	expiresAt time.Time
}

// lookupResolver calls registered services on behalf of rule lookups and
// caches results keyed by the canonical form of (service, method, resolved
// args).
type lookupResolver struct {
	mu       sync.RWMutex
	services map[string]ServiceFunc
	cache    map[string]cachedLookup
	now      func() time.Time
}

func newLookupResolver() *lookupResolver {
	return &lookupResolver{
		services: make(map[string]ServiceFunc),
		cache:    make(map[string]cachedLookup),
		now:      time.Now,
	}
}

func (lr *lookupResolver) register(name string, fn ServiceFunc) {
	lr.mu.Lock()
	lr.services[name] = fn
	lr.mu.Unlock()
}

// resolveAll resolves a rule's lookups in order, binding results into
// ec.Lookups and, by name, into ec.Vars so `context.NAME` resolves them.
// A failing lookup follows its onError policy: "skip" leaves the result
// unbound and continues, "fail" returns errLookupFailed.
func (lr *lookupResolver) resolveAll(ctx context.Context, lookups []rule.Lookup, ec *evalContext) error {
	for _, l := range lookups {
		res, err := lr.resolve(ctx, l, ec)
		if err != nil {
			if l.OnError == "fail" {
				return &errLookupFailed{Name: l.Name, Err: err}
			}
			continue
		}
		ec.Lookups[l.Name] = res
		ec.Vars[l.Name] = res
	}
	return nil
}

func (lr *lookupResolver) resolve(ctx context.Context, l rule.Lookup, ec *evalContext) (any, error) {
	lr.mu.RLock()
	svc, ok := lr.services[l.Service]
	lr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q", l.Service)
	}

	args := make([]any, len(l.Args))
	for i, a := range l.Args {
		resolved, err := value.ResolveTemplates(a, ec.Resolve)
		if err != nil {
			return nil, fmt.Errorf("resolve arg %d: %w", i, err)
		}
		args[i] = resolved
	}

	var ttl time.Duration
	if l.Cache != nil && l.Cache.TTL != nil {
		d, err := durations.Parse(l.Cache.TTL)
		if err == nil {
			ttl = d
		}
	}

	var key string
	if ttl > 0 {
		h, err := value.Hash("noex/lookup/v1", map[string]any{
			"service": l.Service,
			"method":  l.Method,
			"args":    args,
		})
		if err != nil {
			// Uncacheable args: call through every time.
			return svc(ctx, l.Method, args)
		}
		key = h
		lr.mu.RLock()
		hit, ok := lr.cache[key]
		lr.mu.RUnlock()
		if ok && lr.now().Before(hit.expiresAt) {
			return hit.result, nil
		}
	}

	res, err := svc(ctx, l.Method, args)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		lr.mu.Lock()
		lr.cache[key] = cachedLookup{result: res, expiresAt: lr.now().Add(ttl)}
		lr.mu.Unlock()
	}
	return res, nil
}

// purgeExpired drops stale cache entries.
func (lr *lookupResolver) purgeExpired() {
	now := lr.now()
	lr.mu.Lock()
	for k, v := range lr.cache {
		if !now.Before(v.expiresAt) {
			delete(lr.cache, k)
		}
	}
	lr.mu.Unlock()
}
