package kiro

import (
	"net/http"
	"testing"
)

func TestClassifyQuotaEventStatusTooManyRequests(t *testing.T) {
	if got := ClassifyQuotaEvent(http.StatusTooManyRequests, nil); got != QuotaEventCooldown {
		t.Fatalf("expected QuotaEventCooldown, got %v", got)
	}
}

func TestClassifyQuotaEventMonthlyRequestCountMarker(t *testing.T) {
	body := []byte(`{"reason":"MONTHLY_REQUEST_COUNT exceeded","message":"try again later"}`)
	if got := ClassifyQuotaEvent(http.StatusBadRequest, body); got != QuotaEventCooldown {
		t.Fatalf("expected QuotaEventCooldown, got %v", got)
	}
}

func TestClassifyQuotaEventContentTooLongMarker(t *testing.T) {
	body := []byte(`{"reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD","message":"request too large"}`)
	if got := ClassifyQuotaEvent(http.StatusBadRequest, body); got != QuotaEventContentTooLong {
		t.Fatalf("expected QuotaEventContentTooLong, got %v", got)
	}
}

func TestClassifyQuotaEventNoneOnUnrelatedError(t *testing.T) {
	body := []byte(`{"reason":"INVALID_TOKEN","message":"bad token"}`)
	if got := ClassifyQuotaEvent(http.StatusUnauthorized, body); got != QuotaEventNone {
		t.Fatalf("expected QuotaEventNone, got %v", got)
	}
}

func TestClassifyQuotaEventEmptyBodyNotQuota(t *testing.T) {
	if got := ClassifyQuotaEvent(http.StatusOK, nil); got != QuotaEventNone {
		t.Fatalf("expected QuotaEventNone, got %v", got)
	}
}
