// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/envelope"
	"github.com/devit-dev/devitd/lib/policy"
)

// Session is the opaque per-connection state spec.md §3 describes,
// bound to exactly one transport connection after a successful
// REGISTER. It is destroyed when the connection closes; nothing
// outside the owning connection's goroutine holds a reference to it
// once that happens.
type Session struct {
	ID string

	// ClientVersion and Capabilities are declared at REGISTER time.
	ClientVersion string
	Capabilities  []string
	ProcessID     int

	// DefaultLevel is the caller's approval level for every operation
	// on this session, unless a request carries its own override
	// (devitd does not currently accept per-request overrides — kept
	// as a Session field, not a request field, matching spec.md §3).
	DefaultLevel policy.Level

	// WorkerMode marks a session registered by a worker driver polling
	// via poll_tasks rather than an interactive client.
	WorkerMode bool

	// Return path: which transport this session was created on, so
	// notifications for tasks it originates are delivered back over
	// the same connection (spec.md §4.7). Both listeners assign this
	// once a connection (or, for HTTP, an /sse subscriber) exists; a
	// nil Notify means the session has no live push channel and a
	// notification for it must wait or fall through to the hook.
	Notify func(envelope.Envelope) error

	limiter *rateLimiter
}

// NewSession allocates a Session with a fresh id and a per-session
// rate limiter.
func NewSession(defaultLevel policy.Level, clk clock.Clock, limit int, window time.Duration) *Session {
	return &Session{
		ID:           uuid.New().String(),
		DefaultLevel: defaultLevel,
		limiter:      newRateLimiter(clk, limit, window),
	}
}

// Allow reports whether method may proceed under this session's
// per-method rate limit, per spec.md §4.4's cross-cutting rate
// limiting requirement.
func (s *Session) Allow(method string) bool {
	return s.limiter.Allow(method)
}

// rateLimiter is a fixed-window counter per method, reset by clk
// rather than wall time directly so tests are deterministic. The
// teacher's pack never imports golang.org/x/time/rate; a hand-rolled
// counter matches its preference for small stdlib primitives over an
// extra dependency for a few lines of bookkeeping.
type rateLimiter struct {
	mu     sync.Mutex
	clk    clock.Clock
	limit  int
	window time.Duration
	counts map[string]*windowCount
}

type windowCount struct {
	count      int
	windowEnds time.Time
}

func newRateLimiter(clk clock.Clock, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{clk: clk, limit: limit, window: window, counts: make(map[string]*windowCount)}
}

func (r *rateLimiter) Allow(method string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	wc, ok := r.counts[method]
	if !ok || now.After(wc.windowEnds) {
		wc = &windowCount{count: 0, windowEnds: now.Add(r.window)}
		r.counts[method] = wc
	}

	wc.count++
	return wc.count <= r.limit
}
