// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"testing"
	"time"

	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/policy"
)

func TestSessionRateLimiter(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	session := NewSession(policy.Moderate, fake, 2, time.Minute)

	if !session.Allow("status") {
		t.Fatal("first call should be allowed")
	}
	if !session.Allow("status") {
		t.Fatal("second call should be allowed")
	}
	if session.Allow("status") {
		t.Fatal("third call within the window should be denied")
	}

	// A different method has its own independent counter.
	if !session.Allow("task") {
		t.Fatal("a different method should not share status's counter")
	}

	fake.Advance(time.Minute + time.Second)
	if !session.Allow("status") {
		t.Fatal("call after the window resets should be allowed")
	}
}

func TestSessionRateLimiterUnlimited(t *testing.T) {
	session := NewSession(policy.Moderate, clock.Real(), 0, time.Minute)
	for i := 0; i < 100; i++ {
		if !session.Allow("status") {
			t.Fatalf("call %d should be allowed when limit is zero (unlimited)", i)
		}
	}
}
