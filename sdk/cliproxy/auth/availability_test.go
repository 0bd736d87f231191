package auth

import (
	"testing"
	"time"
)

func TestUpdateAggregatedAvailability_UnavailableWithoutNextRetryDoesNotBlockAccount(t *testing.T) {
	t.Parallel()

	now := time.Now()
	model := "test-model"
	account := &Account{
		ID: "a",
		ModelStates: map[string]*ModelState{
			model: {Unavailable: true},
		},
	}

	updateAggregatedAvailability(account, now)

	if account.Unavailable {
		t.Fatalf("account.Unavailable = true, want false")
	}
	if !account.NextRetryAfter.IsZero() {
		t.Fatalf("account.NextRetryAfter = %v, want zero", account.NextRetryAfter)
	}
}

func TestUpdateAggregatedAvailability_FutureNextRetryBlocksAccount(t *testing.T) {
	t.Parallel()

	now := time.Now()
	model := "test-model"
	next := now.Add(5 * time.Minute)
	account := &Account{
		ID: "a",
		ModelStates: map[string]*ModelState{
			model: {Unavailable: true, NextRetryAfter: next},
		},
	}

	updateAggregatedAvailability(account, now)

	if !account.Unavailable {
		t.Fatalf("account.Unavailable = false, want true")
	}
	if account.NextRetryAfter.IsZero() {
		t.Fatalf("account.NextRetryAfter = zero, want %v", next)
	}
}

func TestUpdateAggregatedAvailability_PastNextRetryDoesNotBlockAccount(t *testing.T) {
	t.Parallel()

	now := time.Now()
	model := "test-model"
	account := &Account{
		ID: "a",
		ModelStates: map[string]*ModelState{
			model: {Unavailable: true, NextRetryAfter: now.Add(-time.Minute)},
		},
	}

	updateAggregatedAvailability(account, now)

	if account.Unavailable {
		t.Fatalf("account.Unavailable = true, want false for an already-elapsed retry time")
	}
}

func TestUpdateAggregatedAvailability_BlockedSetsCooldownStatus(t *testing.T) {
	t.Parallel()

	now := time.Now()
	next := now.Add(5 * time.Minute)
	account := &Account{
		ID:     "a",
		Status: StatusActive,
		ModelStates: map[string]*ModelState{
			"test-model": {Unavailable: true, NextRetryAfter: next},
		},
	}

	updateAggregatedAvailability(account, now)

	if account.Status != StatusCooldown {
		t.Fatalf("account.Status = %v, want %v", account.Status, StatusCooldown)
	}
	if !account.CooldownUntil.Equal(next) {
		t.Fatalf("account.CooldownUntil = %v, want %v", account.CooldownUntil, next)
	}
}

func TestUpdateAggregatedAvailability_ExpiredCooldownRestoresActiveStatus(t *testing.T) {
	t.Parallel()

	now := time.Now()
	account := &Account{
		ID:            "a",
		Status:        StatusCooldown,
		CooldownUntil: now.Add(-time.Minute),
		ModelStates: map[string]*ModelState{
			"test-model": {Unavailable: true, NextRetryAfter: now.Add(-time.Minute)},
		},
	}

	updateAggregatedAvailability(account, now)

	if account.Status != StatusActive {
		t.Fatalf("account.Status = %v, want %v", account.Status, StatusActive)
	}
	if !account.CooldownUntil.IsZero() {
		t.Fatalf("account.CooldownUntil = %v, want zero", account.CooldownUntil)
	}
}

func TestUpdateAggregatedAvailability_UnhealthyStatusUntouched(t *testing.T) {
	t.Parallel()

	now := time.Now()
	next := now.Add(5 * time.Minute)
	account := &Account{
		ID:     "a",
		Status: StatusUnhealthy,
		ModelStates: map[string]*ModelState{
			"test-model": {Unavailable: true, NextRetryAfter: next},
		},
	}

	updateAggregatedAvailability(account, now)

	if account.Status != StatusUnhealthy {
		t.Fatalf("account.Status = %v, want %v to remain untouched", account.Status, StatusUnhealthy)
	}
	if !account.CooldownUntil.IsZero() {
		t.Fatalf("account.CooldownUntil = %v, want zero for an unhealthy account", account.CooldownUntil)
	}
}

func TestUpdateAggregatedAvailability_UsesEarliestAcrossModels(t *testing.T) {
	t.Parallel()

	now := time.Now()
	soon := now.Add(time.Minute)
	later := now.Add(time.Hour)
	account := &Account{
		ID: "a",
		ModelStates: map[string]*ModelState{
			"model-a": {Unavailable: true, NextRetryAfter: later},
			"model-b": {Unavailable: true, NextRetryAfter: soon},
		},
	}

	updateAggregatedAvailability(account, now)

	if !account.Unavailable {
		t.Fatalf("account.Unavailable = false, want true")
	}
	if !account.NextRetryAfter.Equal(soon) {
		t.Fatalf("account.NextRetryAfter = %v, want the earlier of the two (%v)", account.NextRetryAfter, soon)
	}
}
