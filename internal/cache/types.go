package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"gqlcache/internal/keys"
	"gqlcache/internal/policy"
)

// DefaultTTL is how long entries stay valid when no TTL is configured (1 day)
const DefaultTTL = 86400 * time.Second

// Options configures an Engine. Options are fixed once the engine is built.
type Options struct {
	// TTL applies to every entry this engine writes. Zero means entries expire immediately.
	TTL time.Duration

	// Deriver turns requests into keys. Nil uses the rolling hash without memoization.
	Deriver *keys.Deriver

	// Policy decides which requests are cached. Nil caches everything.
	Policy *policy.Policy

	// SweepInterval is the minimum gap between background sweeps. Zero sweeps on every trigger.
	SweepInterval time.Duration

	Logger zerolog.Logger

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultOptions returns Options with the default TTL and a disabled logger
func DefaultOptions() Options {
	return Options{
		TTL:    DefaultTTL,
		Logger: zerolog.Nop(),
	}
}

// FetchFunc performs the network request for a cache miss
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Stats counts engine activity since construction
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Persisted int64 `json:"persisted"`
	Swept     int64 `json:"swept"`
	Pending   int   `json:"pending"`
}

// lookupStatus is the outcome of the request path
type lookupStatus int

const (
	// statusBypass: caching does not apply; fetch and do not expect a pending entry
	statusBypass lookupStatus = iota
	// statusHit: a cached or coalesced value was returned
	statusHit
	// statusOwner: miss, and this caller now owns the pending entry for the key
	statusOwner
	// statusCancelled: ctx ended while waiting on another caller's fetch
	statusCancelled
)
