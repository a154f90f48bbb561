package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaAmount(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := CheckQuota(q, 5, next, 0, 1); !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if _, err := CheckQuota(q, 5, QuotaNow{EpochID: 5, AmountUsed: ^uint64(0)}, 0, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestQuotaTracker(t *testing.T) {
	tracker := NewQuotaTracker(ModuleRedemption, Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 60})
	if tracker.Module() != ModuleRedemption {
		t.Fatalf("unexpected module %q", tracker.Module())
	}
	for i := 0; i < 2; i++ {
		if err := tracker.Consume("alice", 120, 0); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := tracker.Consume("alice", 179, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if err := tracker.Consume("bob", 179, 0); err != nil {
		t.Fatalf("other caller throttled: %v", err)
	}
	if err := tracker.Consume("alice", 180, 0); err != nil {
		t.Fatalf("next epoch: %v", err)
	}

	var unlimited *QuotaTracker
	if err := unlimited.Consume("alice", 0, 1); err != nil {
		t.Fatalf("nil tracker should not throttle: %v", err)
	}
}
