package auth

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestUserVisibleStatus(t *testing.T) {
	cases := map[Kind]int{
		KindQuotaExceeded:          http.StatusTooManyRequests,
		KindNoAccountAvailable:     http.StatusServiceUnavailable,
		KindContentTooLong:         http.StatusBadRequest,
		KindUpstreamServerError:    http.StatusBadGateway,
		KindNetwork:                http.StatusBadGateway,
		KindProtocolTranslationErr: http.StatusInternalServerError,
		KindAuthExpired:            http.StatusUnauthorized,
		KindInvalidRefreshToken:    http.StatusUnauthorized,
		KindInternal:               http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := UserVisibleStatus(kind); got != want {
			t.Errorf("UserVisibleStatus(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindAuthExpired, KindQuotaExceeded, KindUpstreamServerError, KindNetwork}
	for _, kind := range retryable {
		if !Retryable(kind) {
			t.Errorf("Retryable(%q) = false, want true", kind)
		}
	}
	notRetryable := []Kind{KindContentTooLong, KindProtocolTranslationErr, KindClientCancelled, KindInternal, KindInvalidRefreshToken}
	for _, kind := range notRetryable {
		if Retryable(kind) {
			t.Errorf("Retryable(%q) = true, want false", kind)
		}
	}
}

func TestError_StatusCode_PrefersExplicitHTTPStatus(t *testing.T) {
	e := &Error{Kind: KindQuotaExceeded, HTTPStatus: 418}
	if got := e.StatusCode(); got != 418 {
		t.Fatalf("StatusCode() = %d, want 418", got)
	}

	e = &Error{Kind: KindQuotaExceeded}
	if got := e.StatusCode(); got != http.StatusTooManyRequests {
		t.Fatalf("StatusCode() = %d, want %d", got, http.StatusTooManyRequests)
	}
}

func TestError_Headers_OmitsRetryAfterWhenUnset(t *testing.T) {
	e := &Error{Kind: KindQuotaExceeded}
	if h := e.Headers(); h != nil {
		t.Fatalf("Headers() = %v, want nil", h)
	}

	e = &Error{Kind: KindQuotaExceeded, RetryAfter: 30}
	h := e.Headers()
	if h == nil || h.Get("Retry-After") != "30" {
		t.Fatalf("Headers() = %v, want Retry-After=30", h)
	}
}

func TestModelCooldownError_ErrorIsValidJSON(t *testing.T) {
	e := &modelCooldownError{provider: "gemini", mixed: false, retryAfter: 5}
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Error()), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	body, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing error object: %v", payload)
	}
	if body["code"] != "model_cooldown" {
		t.Fatalf("error.code = %v, want model_cooldown", body["code"])
	}
	if body["provider"] != "gemini" {
		t.Fatalf("error.provider = %v, want gemini", body["provider"])
	}
}
