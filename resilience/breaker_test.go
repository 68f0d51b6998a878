package resilience

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Second})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !b.AllowAt(now) {
			t.Fatalf("expected CLOSED to allow call %d", i)
		}
		b.FailAt(now)
	}

	if b.AllowAt(now) {
		t.Fatal("expected breaker to be OPEN and reject immediately")
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	now := time.Now()

	b.AllowAt(now)
	b.FailAt(now)
	if b.AllowAt(now) {
		t.Fatal("expected OPEN to reject within cooldown")
	}

	later := now.Add(20 * time.Millisecond)
	if !b.AllowAt(later) {
		t.Fatal("expected HALF_OPEN to allow one probe after cooldown")
	}
	if b.AllowAt(later) {
		t.Fatal("expected a second concurrent call to be rejected while probe in flight")
	}

	b.SucceedAt(later)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("expected CLOSED after successful probe, got %s", got)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	now := time.Now()
	b.AllowAt(now)
	b.FailAt(now)

	later := now.Add(20 * time.Millisecond)
	b.AllowAt(later)
	b.FailAt(later)

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("expected OPEN after failed probe, got %s", got)
	}
	if b.AllowAt(later) {
		t.Fatal("expected OPEN to reject immediately after refreshed cooldown")
	}
}
