package storage

import (
	"testing"
	"time"
)

func TestRefill_FreshBucketStartsFull(t *testing.T) {
	now := time.Unix(1000, 0)
	policy := BucketPolicy{Capacity: 3, RefillTokens: 1, RefillInterval: time.Second}

	state, res := Refill(nil, policy, now)
	if !res.Allowed {
		t.Fatal("first take should be allowed")
	}
	if state.Tokens != 2 {
		t.Errorf("Tokens = %v, want 2", state.Tokens)
	}
	if !state.LastRefill.Equal(now) {
		t.Errorf("LastRefill = %v, want %v", state.LastRefill, now)
	}
}

func TestRefill_ZeroRateExhausts(t *testing.T) {
	now := time.Unix(1000, 0)
	policy := BucketPolicy{Capacity: 5}

	var state *BucketState
	allowed := 0
	for i := 0; i < 6; i++ {
		next, res := Refill(state, policy, now.Add(time.Duration(i)*time.Hour))
		state = &next
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestRefill_RefillsOverTimeAndCaps(t *testing.T) {
	start := time.Unix(1000, 0)
	policy := BucketPolicy{Capacity: 2, RefillTokens: 1, RefillInterval: time.Second}

	state := &BucketState{Tokens: 0, LastRefill: start}
	next, res := Refill(state, policy, start.Add(500*time.Millisecond))
	if res.Allowed {
		t.Fatal("half a token should not be enough")
	}
	if res.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", res.RetryAfter)
	}

	next, res = Refill(&next, policy, start.Add(time.Hour))
	if !res.Allowed {
		t.Fatal("bucket should have refilled")
	}
	if next.Tokens != 1 {
		t.Errorf("Tokens = %v, want capacity-1 = 1", next.Tokens)
	}
}

func TestBucketPolicy_IdleTTL(t *testing.T) {
	if got := (BucketPolicy{Capacity: 5}).IdleTTL(); got != 24*time.Hour {
		t.Errorf("IdleTTL without refill = %v, want 24h", got)
	}
	p := BucketPolicy{Capacity: 4, RefillTokens: 2, RefillInterval: time.Second}
	if got := p.IdleTTL(); got != 3*time.Second {
		t.Errorf("IdleTTL = %v, want 3s", got)
	}
}
