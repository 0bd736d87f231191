package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
)

// Selector picks one Active, non-blocked account from candidates for a given
// provider/model pair. Implementations must be safe for concurrent use.
type Selector interface {
	Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, accounts []*Account) (*Account, error)
}

type blockReason int

const (
	blockReasonNone blockReason = iota
	blockReasonDisabled
	blockReasonUnhealthy
	blockReasonCooldown
)

// baseModelName strips a client-side "thinking suffix" such as "model(high)"
// so a cooldown or round-robin cursor recorded against the base model also
// applies to its thinking-effort variants, per spec.md §6's model table.
func baseModelName(model string) string {
	if idx := strings.IndexByte(model, '('); idx > 0 {
		return model[:idx]
	}
	return model
}

// isAuthBlockedForModel reports whether account a is currently excluded from
// selection for model, and if so, when it next becomes eligible. An account
// flagged Unavailable without a concrete NextRetryAfter is not blocking —
// spec.md only excludes accounts with a live cooldown timer (§4.4), not a
// bare advisory flag.
func isAuthBlockedForModel(a *Account, model string, now time.Time) (bool, blockReason, time.Time) {
	if a == nil {
		return true, blockReasonDisabled, time.Time{}
	}
	if !a.Enabled || a.Status == StatusDisabled {
		return true, blockReasonDisabled, time.Time{}
	}
	if a.Status == StatusUnhealthy {
		return true, blockReasonUnhealthy, time.Time{}
	}
	if a.Status == StatusCooldown && a.CooldownUntil.After(now) {
		return true, blockReasonCooldown, a.CooldownUntil
	}

	state := modelStateFor(a, model)
	if state == nil || !state.Unavailable || state.NextRetryAfter.IsZero() {
		return false, blockReasonNone, time.Time{}
	}
	if state.NextRetryAfter.After(now) {
		return true, blockReasonCooldown, state.NextRetryAfter
	}
	return false, blockReasonNone, time.Time{}
}

func modelStateFor(a *Account, model string) *ModelState {
	if a == nil || len(a.ModelStates) == 0 {
		return nil
	}
	if s, ok := a.ModelStates[model]; ok {
		return s
	}
	if base := baseModelName(model); base != model {
		if s, ok := a.ModelStates[base]; ok {
			return s
		}
	}
	return nil
}

// eligible filters accounts down to those selectable right now, sorted into
// descending priority buckets. Ties within a bucket are ordered by account ID;
// account insertion order is not tracked and plays no part in the order.
func eligible(provider, model string, accounts []*Account, now time.Time) (buckets [][]*Account, earliestRetry time.Time, anyCandidates bool) {
	byPriority := make(map[int][]*Account)
	for _, a := range accounts {
		anyCandidates = true
		blocked, _, next := isAuthBlockedForModel(a, model, now)
		if blocked {
			if !next.IsZero() && (earliestRetry.IsZero() || next.Before(earliestRetry)) {
				earliestRetry = next
			}
			continue
		}
		p := a.Priority()
		byPriority[p] = append(byPriority[p], a)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))
	for _, p := range priorities {
		bucket := byPriority[p]
		// Deterministic tie-break within a priority bucket: stable sort by
		// account ID, matching the fixture ordering in selector_test.go.
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
		buckets = append(buckets, bucket)
	}
	return buckets, earliestRetry, anyCandidates
}

func cooldownErr(provider string, retryAfter time.Time, now time.Time) error {
	mixed := provider == "" || provider == "mixed"
	seconds := 1
	if !retryAfter.IsZero() {
		if d := retryAfter.Sub(now); d > 0 {
			seconds = int(d.Seconds()) + 1
		}
	}
	return &modelCooldownError{provider: provider, mixed: mixed, retryAfter: seconds}
}

// FillFirstSelector always returns the first eligible account in the highest
// non-empty priority bucket, ordered by account ID. Deterministic.
type FillFirstSelector struct{}

func (s *FillFirstSelector) Pick(_ context.Context, provider, model string, _ cliproxyexecutor.Options, accounts []*Account) (*Account, error) {
	now := time.Now()
	buckets, earliest, any := eligible(provider, model, accounts, now)
	if len(buckets) == 0 || len(buckets[0]) == 0 {
		if !any {
			return nil, &Error{Kind: KindNoAccountAvailable, Message: "no accounts configured", Retryable: false}
		}
		return nil, cooldownErr(provider, earliest, now)
	}
	return buckets[0][0], nil
}

// RoundRobinSelector cycles through the highest-priority eligible bucket,
// keyed by "provider:model" with thinking-effort suffixes collapsed onto the
// base model so "model(high)" and "model(low)" share one cursor.
type RoundRobinSelector struct {
	mu      sync.Mutex
	cursors map[string]int
	// maxKeys caps the cursor map size; zero means unbounded. Tests use this
	// to exercise the eviction path deterministically.
	maxKeys int
}

func (s *RoundRobinSelector) cursorKey(provider, model string) string {
	return provider + ":" + baseModelName(model)
}

func (s *RoundRobinSelector) Pick(_ context.Context, provider, model string, _ cliproxyexecutor.Options, accounts []*Account) (*Account, error) {
	now := time.Now()
	buckets, earliest, any := eligible(provider, model, accounts, now)
	if len(buckets) == 0 || len(buckets[0]) == 0 {
		if !any {
			return nil, &Error{Kind: KindNoAccountAvailable, Message: "no accounts configured", Retryable: false}
		}
		return nil, cooldownErr(provider, earliest, now)
	}
	bucket := buckets[0]
	key := s.cursorKey(provider, model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors == nil {
		s.cursors = make(map[string]int)
	}
	if s.maxKeys > 0 && len(s.cursors) >= s.maxKeys {
		if _, exists := s.cursors[key]; !exists {
			s.cursors = make(map[string]int)
		}
	}
	idx := s.cursors[key] % len(bucket)
	picked := bucket[idx]
	s.cursors[key] = (idx + 1) % len(bucket)
	return picked, nil
}
