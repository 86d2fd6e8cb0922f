package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gqlcache/internal/graphql"
	"gqlcache/internal/keys"
	"gqlcache/internal/policy"
	"gqlcache/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, ttl time.Duration) (*Engine, *storage.MemoryStore, *fakeClock) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := newFakeClock()
	e := New(store, Options{
		TTL:    ttl,
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	t.Cleanup(e.Close)
	return e, store, clock
}

func byIDRequest(id int) graphql.Request {
	return graphql.Request{
		OperationName: "GetHentaiById",
		Variables:     map[string]interface{}{"id": id},
		Query:         "query GetHentaiById($id: Int!) { nhql { by(id: $id) { data { id title { display } } } } }",
	}
}

func fetchData(data string) FetchFunc {
	return func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	}
}

func TestEngine_TTLLifecycle(t *testing.T) {
	e, store, clock := newTestEngine(t, time.Second)
	ctx := context.Background()
	req := byIDRequest(177013)
	key := e.Key(req)
	start := clock.Now()

	data, cached, err := e.Do(ctx, req, fetchData(`{"nhql":{"by":{"data":{"id":177013}}}}`))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.JSONEq(t, `{"nhql":{"by":{"data":{"id":177013}}}}`, string(data))

	expiry, ok := store.Get(keys.ExpiryKey(key))
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(start.Add(time.Second).UnixMilli(), 10), expiry)

	clock.Advance(500 * time.Millisecond)
	data, hit := e.Lookup(ctx, req)
	require.True(t, hit)
	assert.JSONEq(t, `{"nhql":{"by":{"data":{"id":177013}}}}`, string(data))

	clock.Advance(time.Second)
	_, hit = e.Lookup(ctx, req)
	assert.False(t, hit)
	_, ok = store.Get(key)
	assert.False(t, ok, "stale value should be removed")
	assert.Equal(t, 1, e.PendingCount())

	e.Persist(graphql.Result{Request: req})
	assert.Equal(t, 0, e.PendingCount())
}

func TestEngine_ExpiresAtBoundary(t *testing.T) {
	e, _, clock := newTestEngine(t, time.Second)
	ctx := context.Background()
	req := byIDRequest(1)

	_, _, err := e.Do(ctx, req, fetchData(`{"a":1}`))
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, hit := e.Lookup(ctx, req)
	assert.False(t, hit, "an entry is stale once now reaches its expiry")
	e.Persist(graphql.Result{Request: req})
}

func TestEngine_ZeroTTLNeverHits(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	ctx := context.Background()
	req := byIDRequest(1)

	_, _, err := e.Do(ctx, req, fetchData(`{"a":1}`))
	require.NoError(t, err)

	_, cached, err := e.Do(ctx, req, fetchData(`{"a":2}`))
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestEngine_Stats(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	req := byIDRequest(2)

	_, _, err := e.Do(ctx, req, fetchData(`{"a":1}`))
	require.NoError(t, err)
	_, cached, err := e.Do(ctx, req, fetchData(`{"a":2}`))
	require.NoError(t, err)
	require.True(t, cached)

	want := Stats{Hits: 1, Misses: 1, Persisted: 1}
	if diff := cmp.Diff(want, e.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_CoalescesConcurrentRequests(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	req := byIDRequest(3)

	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context) (json.RawMessage, error) {
		fetches.Add(1)
		<-release
		return json.RawMessage(`{"shared":true}`), nil
	}

	const waiters = 8
	results := make(chan string, waiters+1)
	var wg sync.WaitGroup

	// owner first, so every later caller finds the pending entry
	_, hit := e.Lookup(ctx, req)
	require.False(t, hit)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := e.Do(ctx, req, fetch)
			if err == nil {
				results <- string(data)
			}
		}()
	}

	require.Eventually(t, func() bool {
		return e.Stats().Coalesced == waiters
	}, 5*time.Second, 5*time.Millisecond)

	go func() {
		data, _ := fetch(ctx)
		e.Persist(graphql.Result{Request: req, Data: data})
		results <- string(data)
	}()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	for i := 0; i < waiters+1; i++ {
		assert.Equal(t, `{"shared":true}`, <-results)
	}
	assert.Equal(t, 0, e.PendingCount())
}

func TestEngine_EmptyResultReentersDecision(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	req := byIDRequest(4)

	_, hit := e.Lookup(ctx, req)
	require.False(t, hit)

	done := make(chan bool, 1)
	go func() {
		_, hit := e.Lookup(ctx, req)
		done <- hit
	}()

	require.Eventually(t, func() bool {
		return e.Stats().Coalesced == 1
	}, 5*time.Second, 5*time.Millisecond)

	// the owner's fetch failed
	e.Persist(graphql.Result{Request: req, Err: errors.New("network down")})

	select {
	case hit := <-done:
		assert.False(t, hit)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}
	assert.Equal(t, 1, e.PendingCount(), "the released waiter becomes the new owner")
	e.Persist(graphql.Result{Request: req})
}

func TestEngine_WaiterCancellation(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	req := byIDRequest(5)

	_, hit := e.Lookup(context.Background(), req)
	require.False(t, hit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, cached, err := e.Do(ctx, req, fetchData(`{"a":1}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, cached)
	assert.Equal(t, 1, e.PendingCount(), "cancelling a waiter leaves the owner's fetch in flight")

	e.Persist(graphql.Result{Request: req, Data: json.RawMessage(`{"a":1}`)})
	_, hit = e.Lookup(context.Background(), req)
	assert.True(t, hit)
}

func TestEngine_FetchErrorReleasesWaiters(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	req := byIDRequest(6)
	boom := errors.New("boom")

	_, _, err := e.Do(ctx, req, func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, 0, store.Len())
}

func TestEngine_FromCacheDoesNotRefreshExpiry(t *testing.T) {
	e, store, clock := newTestEngine(t, time.Second)
	ctx := context.Background()
	req := byIDRequest(7)
	key := e.Key(req)

	_, _, err := e.Do(ctx, req, fetchData(`{"a":1}`))
	require.NoError(t, err)
	before, _ := store.Get(keys.ExpiryKey(key))

	clock.Advance(500 * time.Millisecond)
	e.Persist(graphql.Result{Request: req, Data: json.RawMessage(`{"a":1}`), FromCache: true})

	after, _ := store.Get(keys.ExpiryKey(key))
	assert.Equal(t, before, after)
}

func TestEngine_NullDataIsNotPersisted(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	_, _, err := e.Do(ctx, byIDRequest(8), fetchData(`null`))
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestEngine_MalformedEntryIsDiscarded(t *testing.T) {
	e, store, clock := newTestEngine(t, time.Minute)
	req := byIDRequest(9)
	key := e.Key(req)

	require.NoError(t, store.Set(keys.ExpiryKey(key), strconv.FormatInt(clock.Now().Add(time.Hour).UnixMilli(), 10)))
	require.NoError(t, store.Set(key, "{not json"))

	_, hit := e.Lookup(context.Background(), req)
	assert.False(t, hit)
	_, ok := store.Get(key)
	assert.False(t, ok)
	e.Persist(graphql.Result{Request: req})
}

func TestEngine_UnparseableExpiryIsStale(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	req := byIDRequest(10)
	key := e.Key(req)

	require.NoError(t, store.Set(keys.ExpiryKey(key), "soon"))
	require.NoError(t, store.Set(key, `{"a":1}`))

	_, hit := e.Lookup(context.Background(), req)
	assert.False(t, hit)
	e.Persist(graphql.Result{Request: req})
}

func TestEngine_DisabledOperationBypasses(t *testing.T) {
	p, err := policy.New([]string{"GetHentaiById"}, "", 0, zerolog.Nop())
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	e := New(store, Options{TTL: time.Minute, Policy: p, Logger: zerolog.Nop()})
	defer e.Close()

	var fetches int
	fetch := func(context.Context) (json.RawMessage, error) {
		fetches++
		return json.RawMessage(`{"a":1}`), nil
	}
	for i := 0; i < 2; i++ {
		_, cached, err := e.Do(context.Background(), byIDRequest(11), fetch)
		require.NoError(t, err)
		assert.False(t, cached)
	}
	assert.Equal(t, 2, fetches)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, e.PendingCount())
}

func TestEngine_BypassWithoutStore(t *testing.T) {
	e := New(nil, DefaultOptions())
	defer e.Close()

	assert.False(t, e.Active())
	_, hit := e.Lookup(context.Background(), byIDRequest(12))
	assert.False(t, hit)
	e.Persist(graphql.Result{Request: byIDRequest(12), Data: json.RawMessage(`{"a":1}`)})
	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, 0, e.Sweep())
	assert.Equal(t, 0, e.Clear())
}

func TestEngine_SuppliedHashIsNamespaced(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	req := byIDRequest(13)
	req.Hash = "abc123"

	_, _, err := e.Do(context.Background(), req, fetchData(`{"a":1}`))
	require.NoError(t, err)

	_, ok := store.Get(keys.Supplied("abc123"))
	assert.True(t, ok)
}

func TestEngine_Evict(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	req := byIDRequest(14)

	assert.False(t, e.Evict(e.Key(req)))

	_, hit := e.Lookup(context.Background(), req)
	require.False(t, hit)
	assert.True(t, e.Evict(e.Key(req)))
	assert.Equal(t, 0, e.PendingCount())
}

func TestEngine_Invalidate(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	req := byIDRequest(15)

	_, _, err := e.Do(context.Background(), req, fetchData(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	e.Invalidate(req)
	assert.Equal(t, 0, store.Len())
}

func TestEngine_ClearKeepsForeignKeys(t *testing.T) {
	e, store, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Set("session", "keep-me"))

	for i := 0; i < 2; i++ {
		_, _, err := e.Do(ctx, byIDRequest(100+i), fetchData(`{"a":1}`))
		require.NoError(t, err)
	}

	assert.Equal(t, 4, e.Clear())
	value, ok := store.Get("session")
	assert.True(t, ok)
	assert.Equal(t, "keep-me", value)
}

func TestEngine_CloseReleasesWaiters(t *testing.T) {
	store := storage.NewMemoryStore()
	e := New(store, Options{TTL: time.Minute, Logger: zerolog.Nop()})
	req := byIDRequest(16)

	_, hit := e.Lookup(context.Background(), req)
	require.False(t, hit)

	done := make(chan bool, 1)
	go func() {
		_, hit := e.Lookup(context.Background(), req)
		done <- hit
	}()
	require.Eventually(t, func() bool {
		return e.Stats().Coalesced == 1
	}, 5*time.Second, 5*time.Millisecond)

	e.Close()
	select {
	case hit := <-done:
		assert.False(t, hit)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released by Close")
	}

	e.Persist(graphql.Result{Request: req, Data: json.RawMessage(`{"a":1}`)})
	assert.Equal(t, 0, store.Len(), "a closed engine does not write")
	e.Close()
}

func TestEngine_Plugin(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()
	req := byIDRequest(17)
	p := e.Plugin()

	require.Len(t, p.Middlewares, 1)
	require.Len(t, p.Afterwares, 1)

	_, hit := p.Middlewares[0](ctx, req)
	require.False(t, hit)
	p.Afterwares[0](ctx, graphql.Result{Request: req, Data: json.RawMessage(`{"a":1}`)})

	data, hit := p.Middlewares[0](ctx, req)
	assert.True(t, hit)
	assert.JSONEq(t, `{"a":1}`, string(data))
}
