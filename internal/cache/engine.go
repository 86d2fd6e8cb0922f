package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gqlcache/internal/client"
	"gqlcache/internal/graphql"
	"gqlcache/internal/keys"
	"gqlcache/internal/policy"
	"gqlcache/internal/storage"
)

// Engine is a persisted GraphQL response cache with request coalescing.
//
// Every key has two records in the store: the serialized data under the key
// and the expiry (Unix milliseconds) under keys.ExpiryKey(key). While a fetch
// for a key is in flight, other requests for that key wait for its result
// instead of going to the network.
//
// An Engine built without a store is a bypass: every hook is a no-op.
type Engine struct {
	store   storage.Store
	deriver *keys.Deriver
	policy  *policy.Policy
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	sweepInterval time.Duration
	sweeping      atomic.Bool
	lastSweep     atomic.Int64
	wg            sync.WaitGroup

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	persisted atomic.Int64
	swept     atomic.Int64
}

// New creates an Engine over store. A nil store yields a bypass engine.
func New(store storage.Store, opts Options) *Engine {
	e := &Engine{
		store:         store,
		deriver:       opts.Deriver,
		policy:        opts.Policy,
		ttl:           opts.TTL,
		now:           opts.Now,
		logger:        opts.Logger.With().Str("component", "cache").Logger(),
		pending:       make(map[string]*pendingRequest),
		sweepInterval: opts.SweepInterval,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.ttl < 0 {
		e.ttl = 0
	}
	if e.deriver == nil {
		e.deriver, _ = keys.NewDeriver(keys.AlgorithmRolling, 0)
	}
	return e
}

// Active reports whether the engine has a store to cache into
func (e *Engine) Active() bool {
	return e.store != nil
}

// TTL returns the lifetime of entries written by this engine
func (e *Engine) TTL() time.Duration {
	return e.ttl
}

// Key returns the cache key for a request
func (e *Engine) Key(req graphql.Request) string {
	return e.deriver.Key(req.Hash, req.OperationName, req.Variables, req.Query)
}

// Lookup is the request-phase hook. It returns the cached data for req, or
// false when the caller should go to the network. After a miss the caller
// must report the outcome through Persist, even when the fetch failed, so
// that requests coalesced onto it are released.
//
// The returned slice may be shared with other callers and must not be modified.
func (e *Engine) Lookup(ctx context.Context, req graphql.Request) (json.RawMessage, bool) {
	data, status := e.lookup(ctx, req)
	return data, status == statusHit
}

func (e *Engine) lookup(ctx context.Context, req graphql.Request) (json.RawMessage, lookupStatus) {
	if !e.Active() || !e.policy.Cacheable(req) {
		return nil, statusBypass
	}

	key := e.Key(req)
	owner := client.CallID(ctx)
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, statusBypass
		}

		if p, ok := e.pending[key]; ok {
			e.mu.Unlock()
			e.coalesced.Add(1)
			e.logger.Debug().
				Str("operation", req.OperationName).
				Str("key", key).
				Msg("waiting for in-flight request")

			value, err := p.wait(ctx)
			if err != nil {
				return nil, statusCancelled
			}
			if !graphql.IsEmpty(value) {
				e.hits.Add(1)
				return value, statusHit
			}
			// The fetch we waited on produced nothing; decide again from the top.
			continue
		}

		data, hit := e.resolveLocked(key, owner)
		e.mu.Unlock()

		e.triggerSweep()

		if hit {
			e.hits.Add(1)
			e.logger.Debug().
				Str("operation", req.OperationName).
				Str("key", key).
				Msg("cache hit")
			return data, statusHit
		}

		e.misses.Add(1)
		e.logger.Debug().
			Str("operation", req.OperationName).
			Str("key", key).
			Msg("cache miss")
		return nil, statusOwner
	}
}

// resolveLocked reads the persisted entry for key. On a miss it registers a
// pending entry owned by owner so concurrent requests coalesce onto the
// caller. Caller holds e.mu.
func (e *Engine) resolveLocked(key, owner string) (json.RawMessage, bool) {
	if e.now().UnixMilli() >= e.expiresAt(key) {
		e.removeEntry(key)
		e.registerLocked(key, owner)
		return nil, false
	}

	value, ok := e.store.Get(key)
	if !ok {
		// expiry written but value missing: another writer is mid-update
		e.registerLocked(key, owner)
		return nil, false
	}
	if !json.Valid([]byte(value)) {
		e.logger.Warn().Str("key", key).Msg("discarding malformed cache entry")
		e.removeEntry(key)
		e.registerLocked(key, owner)
		return nil, false
	}

	return json.RawMessage(value), true
}

// expiresAt returns the stored expiry for key in Unix milliseconds, 0 if absent or unparseable
func (e *Engine) expiresAt(key string) int64 {
	raw, ok := e.store.Get(keys.ExpiryKey(key))
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// Persist is the response-phase hook. It releases requests waiting on the
// key and, unless the data came from this cache, writes it with a fresh expiry.
//
// Only the call that registered the pending entry (matched by res.ID) may
// release it empty. A result without data from any other call, such as a
// waiter whose context ended, leaves the in-flight fetch alone.
func (e *Engine) Persist(res graphql.Result) {
	if !e.Active() || !e.policy.Cacheable(res.Request) {
		return
	}

	key := e.Key(res.Request)
	data := res.Data
	if graphql.IsEmpty(data) {
		data = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p := e.claimLocked(key, res.ID, data != nil); p != nil {
		p.resolve(data)
	}

	if data == nil || res.FromCache || e.closed {
		return
	}

	expiresAt := e.now().Add(e.ttl).UnixMilli()
	if err := e.store.Set(keys.ExpiryKey(key), strconv.FormatInt(expiresAt, 10)); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("failed to write cache expiry")
		return
	}
	if err := e.store.Set(key, string(data)); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("failed to write cache entry")
		return
	}

	e.persisted.Add(1)
	e.logger.Debug().
		Str("operation", res.Request.OperationName).
		Str("key", key).
		Msg("cached response")
}

// Do serves req from the cache or runs fetch, persisting the result.
// Coalesced waiters are released whether fetch succeeds or not.
func (e *Engine) Do(ctx context.Context, req graphql.Request, fetch FetchFunc) (json.RawMessage, bool, error) {
	data, status := e.lookup(ctx, req)
	switch status {
	case statusHit:
		return data, true, nil
	case statusCancelled:
		return nil, false, ctx.Err()
	}

	data, err := fetch(ctx)
	if status == statusOwner {
		res := graphql.Result{Request: req, ID: client.CallID(ctx)}
		if err == nil {
			res.Data = data
		}
		e.Persist(res)
	}
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// Plugin returns the engine's request and response hooks for the client
func (e *Engine) Plugin() client.Plugin {
	return client.Plugin{
		Name: "cache",
		Middlewares: []client.Middleware{
			func(ctx context.Context, req graphql.Request) (json.RawMessage, bool) {
				return e.Lookup(ctx, req)
			},
		},
		Afterwares: []client.Afterware{
			func(_ context.Context, res graphql.Result) {
				e.Persist(res)
			},
		},
	}
}

// Evict drops the pending entry for key, releasing its waiters with no value.
// Waiters then decide again, so one of them becomes the new fetcher.
func (e *Engine) Evict(key string) bool {
	p := e.takePending(key)
	if p == nil {
		return false
	}
	p.resolve(nil)
	return true
}

// Invalidate removes the persisted entry for req
func (e *Engine) Invalidate(req graphql.Request) {
	if !e.Active() {
		return
	}
	e.removeEntry(e.Key(req))
}

// Clear removes every entry this cache has persisted and returns how many
// records were removed. Unrelated keys in the store are left alone.
func (e *Engine) Clear() int {
	if !e.Active() {
		return 0
	}

	var namespaced []string
	err := e.store.Range(func(key, _ string) bool {
		if keys.IsNamespaced(key) {
			namespaced = append(namespaced, key)
		}
		return true
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to list cache entries")
	}

	removed := 0
	for _, key := range namespaced {
		if err := e.store.Remove(key); err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("failed to remove cache record")
			continue
		}
		removed++
	}
	return removed
}

// Stats returns a snapshot of engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:      e.hits.Load(),
		Misses:    e.misses.Load(),
		Coalesced: e.coalesced.Load(),
		Persisted: e.persisted.Load(),
		Swept:     e.swept.Load(),
		Pending:   e.PendingCount(),
	}
}

// Close releases every waiter with no value, waits for a running sweep and
// turns the engine into a bypass. It does not close the store.
// Close is safe to call multiple times.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingRequest)
	e.mu.Unlock()

	for _, p := range pending {
		p.resolve(nil)
	}
	e.wg.Wait()
}

// removeEntry deletes both records of key, best effort
func (e *Engine) removeEntry(key string) {
	if err := e.store.Remove(key); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("failed to remove cache entry")
	}
	if err := e.store.Remove(keys.ExpiryKey(key)); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("failed to remove cache expiry")
	}
}
