package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/google"

	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

// RefreshFailureKind classifies a Token Refresher failure per spec.md §4.2.
type RefreshFailureKind int

const (
	RefreshTransientNetwork RefreshFailureKind = iota
	RefreshInvalidRefreshToken
	RefreshRateLimited
	RefreshServerError
)

// RefreshError wraps a classified refresh failure.
type RefreshError struct {
	Kind    RefreshFailureKind
	Message string
}

func (e *RefreshError) Error() string { return e.Message }

// SocialOAuthConfig carries the OAuth client identifiers the three "Social"
// auth kinds need to hit their provider's token endpoint directly.
type SocialOAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string

	GitHubClientID     string
	GitHubClientSecret string

	AWSBuilderIDClientID     string
	AWSBuilderIDClientSecret string
	AWSSSORegion             string
}

// Refresher is the Token Refresher (spec.md §4.2): dispatches by
// Credential.AuthKind to the appropriate upstream refresh endpoint.
type Refresher struct {
	baseURL string
	social  SocialOAuthConfig
}

// NewRefresher builds a Refresher targeting baseURL for IdentityCenter
// refreshes, and social for the three Social auth kinds.
func NewRefresher(baseURL string, social SocialOAuthConfig) *Refresher {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Refresher{baseURL: strings.TrimRight(baseURL, "/"), social: social}
}

// Refresh dispatches by auth_kind and returns the new access token and its
// absolute expiry, or a classified RefreshError.
func (r *Refresher) Refresh(ctx context.Context, account *cliproxyauth.Account) (string, time.Time, error) {
	switch account.Credential.AuthKind {
	case cliproxyauth.AuthKindIdentityCenter:
		return r.refreshIdentityCenter(ctx, account)
	case cliproxyauth.AuthKindGoogle:
		return r.refreshOAuth2(ctx, account, google.Endpoint.TokenURL, r.social.GoogleClientID, r.social.GoogleClientSecret)
	case cliproxyauth.AuthKindGitHub:
		return r.refreshOAuth2(ctx, account, endpoints.GitHub.TokenURL, r.social.GitHubClientID, r.social.GitHubClientSecret)
	case cliproxyauth.AuthKindAwsBuilderID:
		return r.refreshOAuth2(ctx, account, r.awsBuilderTokenURL(), r.social.AWSBuilderIDClientID, r.social.AWSBuilderIDClientSecret)
	default:
		return "", time.Time{}, &RefreshError{
			Kind:    RefreshInvalidRefreshToken,
			Message: fmt.Sprintf("kiro: unknown auth kind %q", account.Credential.AuthKind),
		}
	}
}

func (r *Refresher) awsBuilderTokenURL() string {
	region := strings.TrimSpace(r.social.AWSSSORegion)
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
}

// refreshIdentityCenter targets {base}/refresh-token per spec.md §6.
func (r *Refresher) refreshIdentityCenter(ctx context.Context, account *cliproxyauth.Account) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": account.Credential.RefreshToken})
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshServerError, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+refreshTokenPath, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshTransientNetwork, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClientFor(account.ProxyURL).Do(req)
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshTransientNetwork, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshTransientNetwork, Message: err.Error()}
	}
	return parseRefreshResponse(resp.StatusCode, data)
}

// refreshOAuth2 performs a standard RFC 6749 refresh_token grant against tokenURL.
func (r *Refresher) refreshOAuth2(ctx context.Context, account *cliproxyauth.Account, tokenURL, clientID, clientSecret string) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, &RefreshError{
			Kind:    RefreshInvalidRefreshToken,
			Message: fmt.Sprintf("kiro: no OAuth client configured for auth kind %q", account.Credential.AuthKind),
		}
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {account.Credential.RefreshToken},
		"client_id":     {clientID},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshTransientNetwork, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClientFor(account.ProxyURL).Do(req)
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshTransientNetwork, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, &RefreshError{Kind: RefreshTransientNetwork, Message: err.Error()}
	}
	return parseRefreshResponse(resp.StatusCode, data)
}

func parseRefreshResponse(status int, body []byte) (string, time.Time, error) {
	switch {
	case status == http.StatusTooManyRequests:
		return "", time.Time{}, &RefreshError{Kind: RefreshRateLimited, Message: "kiro: refresh rate limited"}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", time.Time{}, &RefreshError{Kind: RefreshInvalidRefreshToken, Message: fmt.Sprintf("kiro: refresh rejected with status %d", status)}
	case status >= http.StatusInternalServerError:
		return "", time.Time{}, &RefreshError{Kind: RefreshServerError, Message: fmt.Sprintf("kiro: refresh upstream error %d", status)}
	case status != http.StatusOK:
		return "", time.Time{}, &RefreshError{Kind: RefreshServerError, Message: fmt.Sprintf("kiro: unexpected refresh status %d", status)}
	}

	parsed := gjson.ParseBytes(body)
	accessToken := firstNonEmpty(parsed.Get("accessToken").String(), parsed.Get("access_token").String())
	if accessToken == "" {
		return "", time.Time{}, &RefreshError{Kind: RefreshServerError, Message: "kiro: refresh response missing an access token"}
	}
	expiresIn := parsed.Get("expiresIn").Int()
	if expiresIn == 0 {
		expiresIn = parsed.Get("expires_in").Int()
	}
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return accessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
