// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"sync"
	"time"

	"github.com/devit-dev/devitd/lib/clock"
)

// Entry is one nonce record, as persisted by Snapshot and restored by
// Load.
type Entry struct {
	Nonce  []byte
	Expiry int64 // unix seconds
}

// Cache is a bounded, expiry-evicting set of nonces. A Cache is safe
// for concurrent use.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	margin  time.Duration
	clock   clock.Clock
	entries map[string]int64
}

// NewCache returns an empty cache. window is the replay skew window
// W; margin is added on top so an entry outlives the acceptance
// window it protects (spec: "expiring at timestamp + W + margin").
func NewCache(window, margin time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		window:  window,
		margin:  margin,
		clock:   clk,
		entries: make(map[string]int64),
	}
}

// Load restores a cache from a persisted snapshot, discarding any
// entry that has already expired.
func Load(entries []Entry, window, margin time.Duration, clk clock.Clock) *Cache {
	cache := NewCache(window, margin, clk)
	now := clk.Now().Unix()
	for _, entry := range entries {
		if entry.Expiry > now {
			cache.entries[string(entry.Nonce)] = entry.Expiry
		}
	}
	return cache
}

// Admit records nonce, associated with the envelope's own timestamp,
// and reports whether this is the first time it has been seen. A
// nonce already present and unexpired is a replay: Admit returns
// false and does not touch the cache.
func (c *Cache) Admit(nonce []byte, timestamp int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()

	key := string(nonce)
	if _, seen := c.entries[key]; seen {
		return false
	}

	c.entries[key] = timestamp + int64((c.window + c.margin).Seconds())
	return true
}

// evictLocked drops every entry whose acceptance window has closed.
// Callers must hold c.mu.
func (c *Cache) evictLocked() {
	now := c.clock.Now().Unix()
	for key, expiry := range c.entries {
		if expiry <= now {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of unexpired entries currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	return len(c.entries)
}

// Snapshot returns every unexpired entry, for persistence across a
// daemon restart.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()
	entries := make([]Entry, 0, len(c.entries))
	for key, expiry := range c.entries {
		entries = append(entries, Entry{Nonce: []byte(key), Expiry: expiry})
	}
	return entries
}
