package kiro

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// quotaCooldownSeconds is the fixed cooldown spec.md §4.3 prescribes for a
// 429-class quota event.
const quotaCooldownSeconds = 300

const (
	markerMonthlyRequestCount   = "MONTHLY_REQUEST_COUNT"
	markerContentLengthExceeds = "CONTENT_LENGTH_EXCEEDS_THRESHOLD"
)

// QuotaEventKind distinguishes a cooldown-worthy quota event from the
// permanent content-length rejection (spec.md §4.3).
type QuotaEventKind int

const (
	// QuotaEventNone means the response was not a quota event.
	QuotaEventNone QuotaEventKind = iota
	// QuotaEventCooldown means the account should be placed in Cooldown for quotaCooldownSeconds.
	QuotaEventCooldown
	// QuotaEventContentTooLong means the request itself is permanently rejected; no cooldown.
	QuotaEventContentTooLong
)

// ClassifyQuotaEvent inspects an upstream HTTP status and body for the
// markers spec.md §4.3 defines.
func ClassifyQuotaEvent(status int, body []byte) QuotaEventKind {
	if status == http.StatusTooManyRequests {
		return QuotaEventCooldown
	}
	if len(body) == 0 {
		return QuotaEventNone
	}

	parsed := gjson.ParseBytes(body)
	haystack := parsed.Get("reason").String() + " " + parsed.Get("message").String() + " " + string(body)
	switch {
	case strings.Contains(haystack, markerContentLengthExceeds):
		return QuotaEventContentTooLong
	case strings.Contains(haystack, markerMonthlyRequestCount):
		return QuotaEventCooldown
	default:
		return QuotaEventNone
	}
}
