package policy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	refreshTimeout = 5 * time.Second
	// After a failed refresh the resolver waits this long before trying
	// again, so a down store is not hammered once per request.
	failureRetryInterval = 15 * time.Second
)

// Source is where the resolver loads policy from.
type Source interface {
	Get(ctx context.Context) (Policy, error)
}

// Resolver caches the policy for a TTL and serves it to the hot path.
// Expired entries are served stale while a single background goroutine
// refreshes, so Current never blocks on the store for longer than the
// first load.
type Resolver struct {
	source Source
	ttl    time.Duration
	logger zerolog.Logger

	mu          sync.RWMutex
	current     Policy
	nextRefresh time.Time
	refreshing  bool
}

// NewResolver loads the policy once, synchronously. If that load fails the
// resolver starts from Default and repairs itself on the next refresh.
func NewResolver(ctx context.Context, source Source, ttl time.Duration, logger zerolog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	r := &Resolver{
		source: source,
		ttl:    ttl,
		logger: logger,
	}

	p, err := source.Get(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("initial policy load failed, starting from default")
		r.current = Default()
		r.nextRefresh = time.Now().Add(failureRetryInterval)
		return r
	}
	r.current = p
	r.nextRefresh = time.Now().Add(ttl)
	return r
}

// Current returns the cached policy. A stale cache is returned as-is and a
// background refresh is kicked off at most once at a time; requests never
// wait on the store.
func (r *Resolver) Current(ctx context.Context) Policy {
	r.mu.RLock()
	p := r.current
	needRefresh := time.Now().After(r.nextRefresh) && !r.refreshing
	r.mu.RUnlock()

	if needRefresh {
		r.kickRefresh()
	}
	return p
}

// ForceRefresh reloads from the store synchronously. Admin writes call it
// so their next read reflects the change immediately.
func (r *Resolver) ForceRefresh(ctx context.Context) (Policy, error) {
	p, err := r.source.Get(ctx)
	if err != nil {
		return Policy{}, err
	}
	r.mu.Lock()
	r.current = p
	r.nextRefresh = time.Now().Add(r.ttl)
	r.mu.Unlock()
	return p, nil
}

func (r *Resolver) kickRefresh() {
	r.mu.Lock()
	if r.refreshing {
		r.mu.Unlock()
		return
	}
	r.refreshing = true
	r.mu.Unlock()

	// Detached from the request context: the request that noticed the
	// stale entry may finish before the refresh does.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		p, err := r.source.Get(ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.refreshing = false
		if err != nil {
			r.logger.Warn().Err(err).Msg("policy refresh failed, serving last known good")
			r.nextRefresh = time.Now().Add(failureRetryInterval)
			return
		}
		r.current = p
		r.nextRefresh = time.Now().Add(r.ttl)
	}()
}
