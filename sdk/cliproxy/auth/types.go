package auth

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// AuthKind identifies the upstream identity provider backing a Credential.
// The set is fixed at four per spec.md §4.2/§9: modelled as a tagged variant,
// not open-ended polymorphism.
type AuthKind string

const (
	AuthKindGoogle        AuthKind = "google"
	AuthKindGitHub        AuthKind = "github"
	AuthKindAwsBuilderID  AuthKind = "aws_builder_id"
	AuthKindIdentityCenter AuthKind = "identity_center"
)

// Credential is an upstream identity, per spec.md §3.
//
// Invariants: RefreshToken is non-empty for the lifetime of the credential;
// ExpiresAt >= IssuedAt; ID is stable across refresh.
type Credential struct {
	// ID is a stable hash of issuer+subject, stable across refresh.
	ID string `json:"id"`
	// AccessToken is the current bearer token sent to upstream.
	AccessToken string `json:"access_token"`
	// RefreshToken is used by the Token Refresher to mint a new AccessToken.
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the absolute instant the AccessToken becomes invalid.
	ExpiresAt time.Time `json:"expires_at"`
	// AuthKind selects which of the four upstream refresh endpoints to use.
	AuthKind AuthKind `json:"auth_kind"`
	// ClientIDHash is an opaque string handed back by upstream at issuance.
	ClientIDHash string `json:"client_id_hash"`
	// IssuedAt is when this credential was first minted.
	IssuedAt time.Time `json:"issued_at"`
}

// Clone returns a deep copy safe to hand to a reader while a refresh is in flight.
func (c Credential) Clone() Credential {
	return c
}

// QuotaState captures recent quota information, aggregated or per-model.
type QuotaState struct {
	// Exceeded indicates a recent quota event for this scope.
	Exceeded bool `json:"exceeded"`
	// Reason holds the upstream marker that triggered the event (see spec.md §4.3).
	Reason string `json:"reason,omitempty"`
	// NextRecoverAt is when this scope may become selectable again.
	NextRecoverAt time.Time `json:"next_recover_at,omitempty"`
}

// ModelState tracks per-(account, model) availability, supplementing spec.md's
// account-level Status with the finer grain the selector actually needs
// (see SPEC_FULL.md "Supplemented features").
type ModelState struct {
	Unavailable    bool       `json:"unavailable"`
	NextRetryAfter time.Time  `json:"next_retry_after,omitempty"`
	Quota          QuotaState `json:"quota"`
	UpdatedAt      time.Time  `json:"updated_at"`
	consecutiveErr int
}

// Clone duplicates a model state.
func (m *ModelState) Clone() *ModelState {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// LastErrorInfo records the last failure observed while executing or refreshing.
type LastErrorInfo struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// UsageSnapshot is an optional cached quota snapshot surfaced to operators.
type UsageSnapshot struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Account is a Credential plus runtime state, per spec.md §3. The Account
// Pool (Manager, in this package) exclusively owns all Accounts.
type Account struct {
	// ID mirrors Credential.ID and is the stable key used throughout the pool.
	ID string `json:"id"`
	// Credential is the upstream identity this account authenticates as.
	Credential Credential `json:"credential"`
	// Status is the lifecycle status managed by the Manager.
	Status Status `json:"status"`
	// CooldownUntil is set when Status == StatusCooldown.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	// Unavailable and NextRetryAfter are the account-level rollup of ModelStates,
	// maintained by updateAggregatedAvailability after every MarkResult call.
	// The selector still checks per-model state; these exist for callers
	// (health endpoints, the scheduler) that need a single availability signal
	// without a model in hand.
	Unavailable    bool      `json:"unavailable"`
	NextRetryAfter time.Time `json:"next_retry_after,omitempty"`
	// LastUsedAt is a runtime-only selection timestamp. Not persisted
	// (see spec.md §8 "Persistence" round-trip law). The pool's selection path
	// does not set it; it is only carried through Clone.
	LastUsedAt time.Time `json:"-"`
	// LastError stores the last failure encountered while executing or refreshing.
	LastError *LastErrorInfo `json:"last_error,omitempty"`
	// Usage is an optional cached quota snapshot. Not persisted (runtime-only).
	Usage *UsageSnapshot `json:"-"`
	// Enabled is the user bit; Status == StatusDisabled iff !Enabled.
	Enabled bool `json:"enabled"`
	// Label is an optional human readable label for logging.
	Label string `json:"label,omitempty"`
	// ProxyURL overrides the global proxy setting for this account, if set.
	ProxyURL string `json:"proxy_url,omitempty"`
	// Attributes stores immutable per-account configuration (e.g. "priority").
	Attributes map[string]string `json:"attributes,omitempty"`
	// Metadata stores mutable operator overrides (disable_cooling, request_retry).
	Metadata map[string]any `json:"metadata,omitempty"`
	// ModelStates tracks per-model runtime availability data.
	ModelStates map[string]*ModelState `json:"model_states,omitempty"`
	// CreatedAt/UpdatedAt bracket the account's lifecycle.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	consecutiveHealthFail int
	healthProbeStreak     int
}

// Clone shallow-copies the Account, duplicating maps so callers cannot
// mutate pool-owned state through a returned snapshot.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := &Account{
		ID:            a.ID,
		Credential:    a.Credential.Clone(),
		Status:         a.Status,
		CooldownUntil:  a.CooldownUntil,
		Unavailable:    a.Unavailable,
		NextRetryAfter: a.NextRetryAfter,
		LastUsedAt:     a.LastUsedAt,
		Enabled:       a.Enabled,
		Label:         a.Label,
		ProxyURL:      a.ProxyURL,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if a.LastError != nil {
		le := *a.LastError
		c.LastError = &le
	}
	if a.Usage != nil {
		u := *a.Usage
		c.Usage = &u
	}
	if len(a.Attributes) > 0 {
		c.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			c.Attributes[k] = v
		}
	}
	if len(a.Metadata) > 0 {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if len(a.ModelStates) > 0 {
		c.ModelStates = make(map[string]*ModelState, len(a.ModelStates))
		for k, v := range a.ModelStates {
			c.ModelStates[k] = v.Clone()
		}
	}
	return c
}

// DisableCoolingOverride returns the account-scoped disable_cooling override when present.
func (a *Account) DisableCoolingOverride() (bool, bool) {
	if a == nil || a.Metadata == nil {
		return false, false
	}
	if val, ok := a.Metadata["disable_cooling"]; ok {
		if parsed, okParse := parseBoolAny(val); okParse {
			return parsed, true
		}
	}
	return false, false
}

// RequestRetryOverride returns the account-scoped request_retry override when present.
func (a *Account) RequestRetryOverride() (int, bool) {
	if a == nil || a.Metadata == nil {
		return 0, false
	}
	if val, ok := a.Metadata["request_retry"]; ok {
		if parsed, okParse := parseIntAny(val); okParse {
			if parsed < 0 {
				parsed = 0
			}
			return parsed, true
		}
	}
	return 0, false
}

// Priority returns the account's selection priority bucket (higher selected first).
// Accounts without an explicit "priority" attribute default to 0.
func (a *Account) Priority() int {
	if a == nil || a.Attributes == nil {
		return 0
	}
	if v, ok := a.Attributes["priority"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func parseBoolAny(val any) (bool, bool) {
	switch typed := val.(type) {
	case bool:
		return typed, true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return false, false
		}
		parsed, err := strconv.ParseBool(trimmed)
		if err != nil {
			return false, false
		}
		return parsed, true
	case float64:
		return typed != 0, true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return false, false
		}
		return parsed != 0, true
	default:
		return false, false
	}
}

func parseIntAny(val any) (int, bool) {
	switch typed := val.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
