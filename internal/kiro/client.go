package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

// DefaultBaseURL matches the upstream IDE's production CodeWhisperer-style
// endpoint (spec.md §6).
const DefaultBaseURL = "https://codewhisperer.us-east-1.amazonaws.com"

const (
	defaultAgentVersion = "1.0.0"
	nativeUserAgent     = "KiroIDE"
	conversationPath    = "/conversation"
	refreshTokenPath    = "/refresh-token"

	maxRequestAttempts    = 3
	retryBaseDelay        = 500 * time.Millisecond
	retryJitterFraction   = 0.25
	headerTimeout         = 30 * time.Second
	interChunkIdleTimeout = 60 * time.Second
	requestCeiling        = 10 * time.Minute
)

// Client is the Upstream Client (spec.md §4.6): it shapes outbound HTTP
// requests to the Kiro upstream and applies the whole-request retry policy.
type Client struct {
	baseURL      string
	agentVersion string
}

// NewClient builds a Client targeting baseURL (DefaultBaseURL if empty).
func NewClient(baseURL, agentVersion string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(agentVersion) == "" {
		agentVersion = defaultAgentVersion
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), agentVersion: agentVersion}
}

func (c *Client) newRequest(ctx context.Context, account *cliproxyauth.Account, path string, body []byte, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kiro: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+account.Credential.AccessToken)
	req.Header.Set("x-amzn-kiro-agent-version", c.agentVersion)
	req.Header.Set("User-Agent", nativeUserAgent+"/"+c.agentVersion)
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/2.1 "+cliproxyauth.MachineFingerprint(account.Credential.ID, time.Now()))
	req.Header.Set("Accept-Encoding", "br, gzip")
	if stream {
		req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// sleepBackoff waits attempt's backoff slot (0.5s, 1s, 2s) with ±25% jitter,
// per spec.md §4.6's retry policy.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := retryBaseDelay * time.Duration(int64(1)<<uint(attempt-1))
	jitter := time.Duration(float64(base) * retryJitterFraction * (2*rand.Float64() - 1))
	delay := base + jitter
	if delay < 0 {
		delay = base
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeBody wraps resp.Body with a decompressing reader according to its
// Content-Encoding, so callers always see plaintext. The client advertises
// br/gzip support via the Accept-Encoding header set in newRequest.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return &decodingBody{Reader: brotli.NewReader(resp.Body), underlying: resp.Body}, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("kiro: gzip response: %w", err)
		}
		return &decodingBody{Reader: gz, underlying: resp.Body, decoder: gz}, nil
	default:
		return resp.Body, nil
	}
}

// decodingBody closes both the decompressing reader (if it owns resources,
// e.g. gzip.Reader) and the underlying HTTP response body.
type decodingBody struct {
	io.Reader
	underlying io.Closer
	decoder    io.Closer
}

func (d *decodingBody) Close() error {
	if d.decoder != nil {
		_ = d.decoder.Close()
	}
	return d.underlying.Close()
}

// sendOnce issues a single HTTP call with no retry, used by both the
// non-streaming and streaming paths after the retry loop has decided to try again.
func (c *Client) sendOnce(ctx context.Context, account *cliproxyauth.Account, path string, body []byte, stream bool) (*http.Response, error) {
	req, err := c.newRequest(ctx, account, path, body, stream)
	if err != nil {
		return nil, err
	}
	client := httpClientFor(account.ProxyURL)
	return client.Do(req)
}

// SendConversation performs the non-streaming conversation call with the
// whole-request retry policy: up to 3 attempts on Network/5xx, same account,
// backoff 0.5s/1s/2s ±25% jitter.
func (c *Client) SendConversation(ctx context.Context, account *cliproxyauth.Account, body []byte) ([]byte, http.Header, error) {
	var lastErr error
	for attempt := 0; attempt < maxRequestAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, nil, err
			}
		}
		resp, err := c.sendOnce(ctx, account, conversationPath, body, false)
		if err != nil {
			lastErr = &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: err.Error(), Retryable: true}
			continue
		}
		decoded, decErr := decodeBody(resp)
		if decErr != nil {
			_ = resp.Body.Close()
			lastErr = &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: decErr.Error(), Retryable: true}
			continue
		}
		data, readErr := io.ReadAll(decoded)
		_ = decoded.Close()
		if readErr != nil {
			lastErr = &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: readErr.Error(), Retryable: true}
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = &cliproxyauth.Error{
				Kind:       cliproxyauth.KindUpstreamServerError,
				Message:    fmt.Sprintf("upstream status %d", resp.StatusCode),
				Retryable:  true,
				HTTPStatus: resp.StatusCode,
			}
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return data, resp.Header, &upstreamStatusError{status: resp.StatusCode, body: data}
		}
		return data, resp.Header, nil
	}
	return nil, nil, lastErr
}

// streamBody wraps the upstream response body so reading stalls longer than
// interChunkIdleTimeout cancel the request, per spec.md §4.6's timeout tier.
type streamBody struct {
	io.ReadCloser
	timer  *time.Timer
	cancel context.CancelFunc
}

func newStreamBody(rc io.ReadCloser, cancel context.CancelFunc) *streamBody {
	sb := &streamBody{ReadCloser: rc, cancel: cancel}
	sb.timer = time.AfterFunc(interChunkIdleTimeout, cancel)
	return sb
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	s.timer.Reset(interChunkIdleTimeout)
	return n, err
}

func (s *streamBody) Close() error {
	s.timer.Stop()
	return s.ReadCloser.Close()
}

// OpenStream performs the streaming conversation call. The first-byte rule
// of the retry policy means OpenStream itself only retries while no bytes of
// the upstream body have been read yet; once headers and a live body are
// returned to the caller, the caller owns the failure-handling for that stream.
func (c *Client) OpenStream(ctx context.Context, account *cliproxyauth.Account, body []byte) (io.ReadCloser, http.Header, error) {
	var lastErr error
	for attempt := 0; attempt < maxRequestAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, nil, err
			}
		}
		streamCtx, cancel := context.WithTimeout(ctx, requestCeiling)
		resp, err := c.sendOnce(streamCtx, account, conversationPath, body, true)
		if err != nil {
			cancel()
			lastErr = &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: err.Error(), Retryable: true}
			continue
		}
		decoded, decErr := decodeBody(resp)
		if decErr != nil {
			_ = resp.Body.Close()
			cancel()
			lastErr = &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: decErr.Error(), Retryable: true}
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			data, _ := io.ReadAll(decoded)
			_ = decoded.Close()
			cancel()
			lastErr = &cliproxyauth.Error{
				Kind:       cliproxyauth.KindUpstreamServerError,
				Message:    fmt.Sprintf("upstream status %d: %s", resp.StatusCode, string(data)),
				Retryable:  true,
				HTTPStatus: resp.StatusCode,
			}
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			data, _ := io.ReadAll(decoded)
			_ = decoded.Close()
			cancel()
			return nil, nil, &upstreamStatusError{status: resp.StatusCode, body: data}
		}
		return newStreamBody(decoded, cancel), resp.Header, nil
	}
	return nil, nil, lastErr
}

// upstreamStatusError carries a non-5xx, non-success upstream HTTP status
// (400/401/403/429/...) through to the Quota Manager / executor for classification.
type upstreamStatusError struct {
	status int
	body   []byte
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("kiro: upstream status %d", e.status)
}

func (e *upstreamStatusError) StatusCode() int { return e.status }
