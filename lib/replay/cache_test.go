// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"testing"
	"time"

	"github.com/devit-dev/devitd/lib/clock"
)

func TestAdmit_FirstSeenSucceeds(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(5*time.Second, time.Second, clk)

	if !cache.Admit([]byte("nonce-a"), 1000) {
		t.Fatal("expected first admission of a fresh nonce to succeed")
	}
}

func TestAdmit_RepeatWithinWindowFails(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(5*time.Second, time.Second, clk)

	if !cache.Admit([]byte("nonce-a"), 1000) {
		t.Fatal("expected first admission to succeed")
	}
	if cache.Admit([]byte("nonce-a"), 1000) {
		t.Fatal("expected repeated nonce within the window to be rejected")
	}
}

func TestAdmit_ExpiredEntryIsEvictedAndReusable(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(5*time.Second, time.Second, clk)

	if !cache.Admit([]byte("nonce-a"), 1000) {
		t.Fatal("expected first admission to succeed")
	}

	clk.Advance(10 * time.Second)

	if !cache.Admit([]byte("nonce-a"), 1010) {
		t.Fatal("expected a nonce to be admittable again once its entry expired")
	}
}

func TestAdmit_DifferentNoncesIndependent(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(5*time.Second, time.Second, clk)

	if !cache.Admit([]byte("nonce-a"), 1000) {
		t.Fatal("expected nonce-a to be admitted")
	}
	if !cache.Admit([]byte("nonce-b"), 1000) {
		t.Fatal("expected nonce-b to be admitted independently of nonce-a")
	}
}

func TestLen_ReflectsEvictionOnAccess(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(time.Second, 0, clk)

	cache.Admit([]byte("nonce-a"), 1000)
	cache.Admit([]byte("nonce-b"), 1000)
	if got := cache.Len(); got != 2 {
		t.Fatalf("expected length 2, got %d", got)
	}

	clk.Advance(5 * time.Second)
	if got := cache.Len(); got != 0 {
		t.Fatalf("expected both entries evicted after expiry, got length %d", got)
	}
}

func TestSnapshotAndLoad_RoundTrip(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	cache := NewCache(5*time.Second, time.Second, clk)
	cache.Admit([]byte("nonce-a"), 1000)
	cache.Admit([]byte("nonce-b"), 1000)

	snapshot := cache.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries in snapshot, got %d", len(snapshot))
	}

	restored := Load(snapshot, 5*time.Second, time.Second, clk)
	if restored.Admit([]byte("nonce-a"), 1000) {
		t.Fatal("expected a restored, unexpired nonce to still be rejected as a replay")
	}
}

func TestLoad_DropsExpiredEntries(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	stale := []Entry{{Nonce: []byte("nonce-old"), Expiry: 500}}

	restored := Load(stale, 5*time.Second, time.Second, clk)
	if !restored.Admit([]byte("nonce-old"), 1000) {
		t.Fatal("expected an already-expired persisted entry to be admittable again")
	}
}
