package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind enumerates the closed set of error kinds from spec.md §7.
type Kind string

const (
	KindNoAccountAvailable      Kind = "no_account_available"
	KindQuotaExceeded           Kind = "quota_exceeded"
	KindContentTooLong          Kind = "content_too_long"
	KindAuthExpired             Kind = "auth_expired"
	KindInvalidRefreshToken     Kind = "invalid_refresh_token"
	KindUpstreamServerError     Kind = "upstream_server_error"
	KindNetwork                 Kind = "network"
	KindProtocolTranslationErr  Kind = "protocol_translation_error"
	KindClientCancelled         Kind = "client_cancelled"
	KindInternal                Kind = "internal"
)

// Error describes a failure in a provider-agnostic format. It implements both
// the error interface and the executor.StatusError / HeaderedError optional
// interfaces so Manager can make retry/failover decisions without re-parsing bodies.
type Error struct {
	// Kind is the closed-set classification from spec.md §7.
	Kind Kind `json:"kind"`
	// Message is a human readable description of the failure.
	Message string `json:"message"`
	// Retryable indicates whether a retry (same or alternate account) might fix the issue.
	Retryable bool `json:"retryable"`
	// HTTPStatus optionally records the upstream HTTP status that produced this error.
	HTTPStatus int `json:"http_status,omitempty"`
	// RetryAfter optionally carries a suggested retry delay surfaced to the client.
	RetryAfter int `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == "" {
		return e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// StatusCode implements executor.StatusError.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return UserVisibleStatus(e.Kind)
}

// Headers implements executor.HeaderedError.
func (e *Error) Headers() http.Header {
	if e == nil || e.RetryAfter <= 0 {
		return nil
	}
	h := make(http.Header)
	h.Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	return h
}

// UserVisibleStatus maps an error Kind to the HTTP status spec.md §7 prescribes.
func UserVisibleStatus(k Kind) int {
	switch k {
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindNoAccountAvailable:
		return http.StatusServiceUnavailable
	case KindContentTooLong:
		return http.StatusBadRequest
	case KindUpstreamServerError, KindNetwork:
		return http.StatusBadGateway
	case KindProtocolTranslationErr:
		return http.StatusInternalServerError
	case KindAuthExpired, KindInvalidRefreshToken:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether spec.md §7's propagation policy recovers this kind
// locally (retry/failover within the attempt budget) before it ever surfaces.
func Retryable(k Kind) bool {
	switch k {
	case KindAuthExpired, KindQuotaExceeded, KindUpstreamServerError, KindNetwork:
		return true
	default:
		return false
	}
}

// modelCooldownError is returned by a Selector when every candidate account is
// blocked for the requested model. It carries the standard HTTP 429 envelope
// and a Retry-After header derived from the earliest NextRetryAfter in the pool.
type modelCooldownError struct {
	provider   string
	mixed      bool
	retryAfter int
}

func (e *modelCooldownError) Error() string {
	body := map[string]any{
		"code":    "model_cooldown",
		"message": "no account is currently available for this model",
	}
	if !e.mixed {
		body["provider"] = e.provider
	}
	payload, _ := json.Marshal(map[string]any{"error": body})
	return string(payload)
}

func (e *modelCooldownError) StatusCode() int { return http.StatusTooManyRequests }

func (e *modelCooldownError) Headers() http.Header {
	h := make(http.Header)
	retryAfter := e.retryAfter
	if retryAfter <= 0 {
		retryAfter = 1
	}
	h.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	return h
}
