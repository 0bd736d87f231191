package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

// errorStatusAndBody resolves the HTTP status and a protocol-appropriate JSON
// body for a failed execution, per spec.md §7's user-visible mapping table.
func errorStatusAndBody(protocol string, err error) (int, []byte, http.Header) {
	status := http.StatusInternalServerError
	message := err.Error()
	var headers http.Header

	if se, ok := err.(interface{ StatusCode() int }); ok && se != nil {
		if code := se.StatusCode(); code > 0 {
			status = code
		}
	}
	if he, ok := err.(interface{ Headers() http.Header }); ok && he != nil {
		headers = he.Headers()
	}
	if ae, ok := err.(*cliproxyauth.Error); ok && ae != nil {
		message = ae.Message
		if ae.Kind == cliproxyauth.KindContentTooLong {
			message = "content length exceeds threshold: " + message
		}
	}

	return status, buildErrorBody(protocol, status, message), headers
}

// buildErrorBody shapes the error JSON the way each client protocol expects.
func buildErrorBody(protocol string, status int, message string) []byte {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	switch protocol {
	case "gemini":
		errType := geminiErrorStatus(status)
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": message,
				"status":  errType,
			},
		})
		return body
	case "claude":
		body, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    claudeErrorType(status),
				"message": message,
			},
		})
		return body
	default: // openai
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": message,
				"type":    openAIErrorType(status),
			},
		})
		return body
	}
}

func openAIErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "server_error"
		}
		return "invalid_request_error"
	}
}

func claudeErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		if status >= http.StatusInternalServerError {
			return "api_error"
		}
		return "invalid_request_error"
	}
}

func geminiErrorStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		if status >= http.StatusInternalServerError {
			return "INTERNAL"
		}
		return "UNKNOWN"
	}
}

func writeError(c *gin.Context, protocol string, err error) {
	status, body, headers := errorStatusAndBody(protocol, err)
	for key, values := range headers {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Data(status, "application/json", body)
}
