package cache

import (
	"strconv"

	"gqlcache/internal/keys"
)

// triggerSweep starts a background sweep unless one is already running or
// the last one started less than sweepInterval ago. Dropped triggers are not queued.
func (e *Engine) triggerSweep() {
	if e.sweepInterval > 0 {
		last := e.lastSweep.Load()
		if last != 0 && e.now().UnixMilli()-last < e.sweepInterval.Milliseconds() {
			return
		}
	}
	if !e.sweeping.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.sweeping.Store(false)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.sweeping.Store(false)
		e.sweep()
	}()
}

// Sweep removes every expired entry now and returns how many were removed.
// It returns 0 without doing anything if another sweep is running.
func (e *Engine) Sweep() int {
	if !e.Active() {
		return 0
	}
	if !e.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer e.sweeping.Store(false)
	return e.sweep()
}

// sweep scans the store for expired entries of this namespace. Caller holds the sweep slot.
func (e *Engine) sweep() int {
	now := e.now().UnixMilli()
	e.lastSweep.Store(now)

	var expired []string
	err := e.store.Range(func(key, value string) bool {
		if !keys.IsExpiryKey(key) {
			return true
		}
		expiresAt, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return true
		}
		if now >= expiresAt {
			expired = append(expired, keys.ValueKey(key))
		}
		return true
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("sweep failed to list store")
		return 0
	}

	removed := 0
	for _, key := range expired {
		if e.removeIfExpired(key, now) {
			removed++
		}
	}

	if removed > 0 {
		e.swept.Add(int64(removed))
		e.logger.Debug().Int("removed", removed).Msg("swept expired cache entries")
	}
	return removed
}

// removeIfExpired removes key unless a writer refreshed it since the scan.
// Holding e.mu keeps Persist from landing between the check and the removal.
func (e *Engine) removeIfExpired(key string, now int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.expiresAt(key) > now {
		return false
	}
	e.removeEntry(key)
	return true
}
