// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	// 5 events per second, burst of 2
	limiter := NewKeyedLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	if ok, _ := limiter.Allow("routing.error"); !ok {
		t.Error("First event should be allowed")
	}
	if ok, _ := limiter.Allow("routing.error"); !ok {
		t.Error("Second event (within burst) should be allowed")
	}
	if ok, _ := limiter.Allow("routing.error"); ok {
		t.Error("Third event should be limited (burst exhausted)")
	}
	if ok, _ := limiter.Allow("routing.error"); ok {
		t.Error("Fourth event should be limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	ok, suppressed := limiter.Allow("routing.error")
	if !ok {
		t.Fatal("Event after token refill should be allowed")
	}
	if suppressed != 2 {
		t.Errorf("expected 2 suppressed events, got %d", suppressed)
	}
}

func TestKeyedLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if ok, _ := limiter.Allow("a"); !ok {
		t.Error("First event for a should be allowed")
	}
	if ok, _ := limiter.Allow("b"); !ok {
		t.Error("First event for b should be allowed")
	}
	if ok, _ := limiter.Allow("a"); ok {
		t.Error("Second event for a should be limited")
	}
	if ok, _ := limiter.Allow("b"); ok {
		t.Error("Second event for b should be limited")
	}
	if limiter.Len() != 2 {
		t.Errorf("expected 2 tracked keys, got %d", limiter.Len())
	}
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, 0)
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.cleanup = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	limiter.cleanupStale()

	if limiter.Len() != 0 {
		t.Errorf("expected stale key to be removed, got %d keys", limiter.Len())
	}
}

func TestKeyedLimiter_StopTwice(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Second)
	limiter.Stop()
	limiter.Stop()
}
