package delivery

import (
	"testing"
	"time"

	"capsuled/internal/capsule"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := newBreakerSet(3, 30*time.Second)
	r := capsule.Recipient{ChatID: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if opened := b.onFailure(r, now); opened {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
		if !b.allow(r, now) {
			t.Fatal("breaker should stay closed below threshold")
		}
	}

	if opened := b.onFailure(r, now); !opened {
		t.Fatal("third failure should open the breaker")
	}
	if b.allow(r, now) {
		t.Fatal("open breaker should not allow sends")
	}
	if b.allow(r, now.Add(29*time.Second)) {
		t.Fatal("breaker should stay open inside the cooldown")
	}
	if !b.allow(r, now.Add(31*time.Second)) {
		t.Fatal("breaker should close after the cooldown")
	}
}

func TestBreakerCooldownGrowsPerTrip(t *testing.T) {
	t.Parallel()
	b := newBreakerSet(1, 10*time.Second)
	r := capsule.Recipient{ChatID: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// First trip: cooldown 10s.
	if !b.onFailure(r, now) {
		t.Fatal("first failure should open (threshold 1)")
	}
	if got, want := b.openDeadline(r), now.Add(10*time.Second); !got.Equal(want) {
		t.Fatalf("first trip deadline = %v, want %v", got, want)
	}

	// Second trip shortly after: cooldown doubles.
	now = now.Add(15 * time.Second)
	if !b.onFailure(r, now) {
		t.Fatal("second failure should open again")
	}
	if got, want := b.openDeadline(r), now.Add(20*time.Second); !got.Equal(want) {
		t.Fatalf("second trip deadline = %v, want %v", got, want)
	}
}

func TestBreakerCooldownCapped(t *testing.T) {
	t.Parallel()
	b := newBreakerSet(1, 5*time.Minute)
	r := capsule.Recipient{ChatID: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		b.onFailure(r, now)
		now = now.Add(time.Minute)
	}
	deadline := b.openDeadline(r)
	if deadline.Sub(now.Add(-time.Minute)) > maxBreakerCooldown {
		t.Fatalf("cooldown exceeded cap: deadline %v", deadline)
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	t.Parallel()
	b := newBreakerSet(3, 30*time.Second)
	r := capsule.Recipient{ChatID: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	b.onFailure(r, now)
	b.onFailure(r, now)
	b.onSuccess(r)

	// History gone: two more failures stay below threshold.
	if b.onFailure(r, now) {
		t.Fatal("failure count should reset after a success")
	}
	if b.onFailure(r, now) {
		t.Fatal("still below threshold after reset")
	}
	if !b.allow(r, now) {
		t.Fatal("breaker should be closed")
	}
}

func TestBreakerQuietPeriodForgetsTrips(t *testing.T) {
	t.Parallel()
	b := newBreakerSet(1, 10*time.Second)
	r := capsule.Recipient{ChatID: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two trips escalate the cooldown to 20s.
	b.onFailure(r, now)
	now = now.Add(15 * time.Second)
	b.onFailure(r, now)

	// A long quiet stretch (beyond 10x cooldown) forgets the escalation.
	now = now.Add(5 * time.Minute)
	b.onFailure(r, now)
	if got, want := b.openDeadline(r), now.Add(10*time.Second); !got.Equal(want) {
		t.Fatalf("deadline after quiet period = %v, want base cooldown %v", got, want)
	}
}

func TestBreakerPerRecipientIsolation(t *testing.T) {
	t.Parallel()
	b := newBreakerSet(1, 30*time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bad := capsule.Recipient{ChatID: 1}
	good := capsule.Recipient{ChatID: 2}
	sameChatOtherThread := capsule.Recipient{ChatID: 1, ThreadID: 7}

	b.onFailure(bad, now)
	if b.allow(bad, now) {
		t.Fatal("tripped recipient should be blocked")
	}
	if !b.allow(good, now) {
		t.Fatal("other chat should be unaffected")
	}
	if !b.allow(sameChatOtherThread, now) {
		t.Fatal("other thread in the same chat should be unaffected")
	}
}
