// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestBreakerTripsOpensThenRecoversThroughHalfOpenProbe(t *testing.T) {
	cb := New(2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.State() != Closed {
		t.Fatal("expected a fresh breaker to start closed")
	}

	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected breaker to trip open once failure rate reaches threshold")
	}
	if cb.Allow() {
		t.Fatal("expected breaker to refuse calls until cooldown elapses")
	}

	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected a single half-open probe to be allowed after cooldown")
	}
	if cb.Allow() {
		t.Fatal("expected a second concurrent caller to be refused while the probe is in flight")
	}

	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected breaker to close after a successful probe")
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := New(2*time.Second, 50*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe to be admitted after cooldown")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected a failed probe to reopen the breaker")
	}
}

func TestBreakerOnTransitionFiresForEveryStateChange(t *testing.T) {
	cb := New(2*time.Second, 10*time.Millisecond, 0.5, 2)
	var seen []State
	cb.OnTransition(func(s State) { seen = append(seen, s) })

	cb.Record(false)
	cb.Record(false)
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.Record(true)

	if len(seen) < 3 {
		t.Fatalf("expected at least 3 transitions (initial, open, half_open, closed), got %v", seen)
	}
	if seen[0] != Closed {
		t.Fatal("expected the callback to fire immediately with the current state on registration")
	}
	if seen[len(seen)-1] != Closed {
		t.Fatal("expected the breaker to end closed after the successful probe")
	}
}
