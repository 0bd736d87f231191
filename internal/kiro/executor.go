package kiro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kiroproxy/kiro-proxy/internal/usage"
	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
)

// Identifier is the provider name the Account Pool registers this executor under.
const Identifier = "kiro"

// healthProbePayload is the minimal conversation body the Background
// Scheduler's health check sends (spec.md §4.5): small enough to be cheap,
// well-formed enough to exercise the real request path.
const healthProbePayload = `{"model":"","messages":[{"role":"user","content":[{"type":"text","text":"ping"}]}],"stream":false}`

// Executor implements sdk/cliproxy/auth.Executor against the Kiro upstream.
type Executor struct {
	client    *Client
	refresher *Refresher

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// NewExecutor wires a Client and Refresher into an auth.Executor.
func NewExecutor(client *Client, refresher *Refresher) *Executor {
	return &Executor{client: client, refresher: refresher, sessions: make(map[string]context.CancelFunc)}
}

// Identifier implements auth.Executor.
func (e *Executor) Identifier() string { return Identifier }

// Execute performs a non-streaming call by consuming the upstream's event
// stream internally and materialising the aggregated Kiro response shape,
// per spec.md §4.7 ("non-streaming responses ... consuming the full stream
// internally").
func (e *Executor) Execute(ctx context.Context, account *cliproxyauth.Account, req cliproxyexecutor.Request, _ cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	body, err := sjson.SetBytes(req.Payload, "stream", false)
	if err != nil {
		return cliproxyexecutor.Response{}, &cliproxyauth.Error{Kind: cliproxyauth.KindProtocolTranslationErr, Message: err.Error()}
	}

	rc, headers, err := e.client.OpenStream(ctx, account, body)
	if err != nil {
		return cliproxyexecutor.Response{}, e.classifyError(err)
	}
	defer func() { _ = rc.Close() }()

	events, err := drainEvents(rc)
	if err != nil {
		return cliproxyexecutor.Response{}, &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: err.Error(), Retryable: true}
	}

	payload := aggregateEvents(events)
	tokens, _ := usage.EstimateKiroPayloadTokens(req.Model, req.Payload)
	return cliproxyexecutor.Response{
		Payload:  payload,
		Headers:  headers,
		Metadata: map[string]any{"input_tokens": tokens},
	}, nil
}

// ExecuteStream performs a streaming call, forwarding each decoded event's
// raw JSON payload as one StreamChunk.
func (e *Executor) ExecuteStream(ctx context.Context, account *cliproxyauth.Account, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	body, err := sjson.SetBytes(req.Payload, "stream", true)
	if err != nil {
		return nil, &cliproxyauth.Error{Kind: cliproxyauth.KindProtocolTranslationErr, Message: err.Error()}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sessionID, _ := opts.Metadata[cliproxyexecutor.ExecutionSessionMetadataKey].(string)
	if sessionID != "" {
		e.registerSession(sessionID, cancel)
	}

	rc, headers, err := e.client.OpenStream(streamCtx, account, body)
	if err != nil {
		cancel()
		if sessionID != "" {
			e.unregisterSession(sessionID)
		}
		return nil, e.classifyError(err)
	}

	chunks := make(chan cliproxyexecutor.StreamChunk)
	go func() {
		defer close(chunks)
		defer rc.Close()
		defer cancel()
		if sessionID != "" {
			defer e.unregisterSession(sessionID)
		}

		decoder := NewStreamDecoder(rc)
		for {
			ev, err := decoder.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case chunks <- cliproxyexecutor.StreamChunk{Err: &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: err.Error(), Retryable: true}}:
				case <-streamCtx.Done():
				}
				return
			}
			select {
			case chunks <- cliproxyexecutor.StreamChunk{Payload: ev.Payload}:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return &cliproxyexecutor.StreamResult{Headers: headers, Chunks: chunks}, nil
}

// CountTokens serves two callers distinguished by whether a real payload is
// present: the scheduler's health-check probe (spec.md §4.5) passes an empty
// Request{}, while the orchestrator's count_tokens endpoint passes a translated
// Kiro payload and expects back a local token estimate.
func (e *Executor) CountTokens(ctx context.Context, account *cliproxyauth.Account, req cliproxyexecutor.Request, _ cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	if len(req.Payload) == 0 {
		if _, _, err := e.client.SendConversation(ctx, account, []byte(healthProbePayload)); err != nil {
			return cliproxyexecutor.Response{}, e.classifyError(err)
		}
		return cliproxyexecutor.Response{}, nil
	}

	count, err := usage.EstimateKiroPayloadTokens(req.Model, req.Payload)
	if err != nil {
		return cliproxyexecutor.Response{}, &cliproxyauth.Error{Kind: cliproxyauth.KindInternal, Message: err.Error()}
	}
	return cliproxyexecutor.Response{Metadata: map[string]any{"input_tokens": count}}, nil
}

// Refresh implements the Token Refresher contract (spec.md §4.2): on
// InvalidRefreshToken the returned account is transitioned to Unhealthy.
func (e *Executor) Refresh(ctx context.Context, account *cliproxyauth.Account) (*cliproxyauth.Account, error) {
	token, expiresAt, err := e.refresher.Refresh(ctx, account)
	if err != nil {
		updated := account.Clone()
		kind := cliproxyauth.KindAuthExpired
		retryable := true
		if refreshErr, ok := err.(*RefreshError); ok && refreshErr.Kind == RefreshInvalidRefreshToken {
			kind = cliproxyauth.KindInvalidRefreshToken
			updated.Status = cliproxyauth.StatusUnhealthy
			retryable = false
		}
		return updated, &cliproxyauth.Error{Kind: kind, Message: err.Error(), Retryable: retryable}
	}

	updated := account.Clone()
	updated.Credential.AccessToken = token
	updated.Credential.ExpiresAt = expiresAt
	return updated, nil
}

// HttpRequest forwards an arbitrary request to the upstream base URL with
// this account's credentials applied, for management/passthrough callers.
func (e *Executor) HttpRequest(ctx context.Context, account *cliproxyauth.Account, req *http.Request) (*http.Response, error) {
	cloned := req.Clone(ctx)
	if cloned.URL.Host == "" {
		base, err := url.Parse(e.client.baseURL)
		if err != nil {
			return nil, fmt.Errorf("kiro: parse base url: %w", err)
		}
		cloned.URL.Scheme = base.Scheme
		cloned.URL.Host = base.Host
	}
	cloned.Header.Set("Authorization", "Bearer "+account.Credential.AccessToken)
	cloned.Header.Set("x-amzn-kiro-agent-version", e.client.agentVersion)
	cloned.Header.Set("x-amz-user-agent", "aws-sdk-js/2.1 "+cliproxyauth.MachineFingerprint(account.Credential.ID, time.Now()))
	return httpClientFor(account.ProxyURL).Do(cloned)
}

// CloseExecutionSession cancels a live streaming session. The pool-wide
// constant auth.CloseAllExecutionSessionsID cancels every open session.
func (e *Executor) CloseExecutionSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sessionID == cliproxyauth.CloseAllExecutionSessionsID {
		for id, cancel := range e.sessions {
			cancel()
			delete(e.sessions, id)
		}
		return
	}
	if cancel, ok := e.sessions[sessionID]; ok {
		cancel()
		delete(e.sessions, sessionID)
	}
}

func (e *Executor) registerSession(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[id] = cancel
}

func (e *Executor) unregisterSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// classifyError maps a Client-layer error into the closed auth.Kind set
// (spec.md §7), consulting the Quota Manager for upstreamStatusError bodies.
func (e *Executor) classifyError(err error) error {
	if err == nil {
		return nil
	}
	if statusErr, ok := err.(*upstreamStatusError); ok {
		switch ClassifyQuotaEvent(statusErr.status, statusErr.body) {
		case QuotaEventCooldown:
			return &cliproxyauth.Error{Kind: cliproxyauth.KindQuotaExceeded, Message: "kiro: quota exceeded", Retryable: true, HTTPStatus: statusErr.status, RetryAfter: quotaCooldownSeconds}
		case QuotaEventContentTooLong:
			return &cliproxyauth.Error{Kind: cliproxyauth.KindContentTooLong, Message: "kiro: content length exceeds threshold", Retryable: false, HTTPStatus: statusErr.status}
		}
		switch {
		case statusErr.status == http.StatusUnauthorized || statusErr.status == http.StatusForbidden:
			return &cliproxyauth.Error{Kind: cliproxyauth.KindAuthExpired, Message: "kiro: access token rejected", Retryable: true, HTTPStatus: statusErr.status}
		default:
			return &cliproxyauth.Error{Kind: cliproxyauth.KindUpstreamServerError, Message: fmt.Sprintf("kiro: upstream status %d", statusErr.status), Retryable: false, HTTPStatus: statusErr.status}
		}
	}
	if authErr, ok := err.(*cliproxyauth.Error); ok {
		return authErr
	}
	return &cliproxyauth.Error{Kind: cliproxyauth.KindNetwork, Message: err.Error(), Retryable: true}
}

func drainEvents(rc io.Reader) ([]*Event, error) {
	decoder := NewStreamDecoder(rc)
	var events []*Event
	for {
		ev, err := decoder.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// aggregateEvents folds a decoded event sequence into the aggregated Kiro
// response shape the translators' *NonStream functions expect:
// {"content":[...],"stopReason":...,"usage":{"inputTokens","outputTokens"}}.
func aggregateEvents(events []*Event) []byte {
	out := `{"content":[],"stopReason":"end_turn","usage":{"inputTokens":0,"outputTokens":0}}`

	var text strings.Builder
	flushText := func() {
		if text.Len() == 0 {
			return
		}
		block := `{"type":"text","text":""}`
		block, _ = sjson.Set(block, "text", text.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
		text.Reset()
	}

	type toolCall struct {
		name  string
		input strings.Builder
	}
	toolOrder := make([]string, 0, 4)
	tools := make(map[string]*toolCall)
	usedTool := false

	for _, ev := range events {
		payload := gjson.ParseBytes(ev.Payload)

		if content := payload.Get("assistantResponseMessage.content"); content.Exists() {
			text.WriteString(content.String())
		}

		if tu := payload.Get("toolUseEvent"); tu.Exists() {
			flushText()
			id := tu.Get("toolUseId").String()
			tc, ok := tools[id]
			if !ok {
				tc = &toolCall{name: tu.Get("name").String()}
				tools[id] = tc
				toolOrder = append(toolOrder, id)
			}
			if input := tu.Get("input"); input.Exists() {
				tc.input.WriteString(input.String())
			}
			usedTool = true
		}

		if stop := payload.Get("messageStop"); stop.Exists() {
			flushText()
			if reason := stop.Get("stopReason").String(); reason != "" {
				out, _ = sjson.Set(out, "stopReason", reason)
			}
		}
	}
	flushText()

	for _, id := range toolOrder {
		tc := tools[id]
		input := tc.input.String()
		if input == "" {
			input = "{}"
		}
		block := `{"type":"toolUse","toolUseId":"","name":"","input":{}}`
		block, _ = sjson.Set(block, "toolUseId", id)
		block, _ = sjson.Set(block, "name", tc.name)
		block, _ = sjson.SetRaw(block, "input", input)
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	if usedTool {
		out, _ = sjson.Set(out, "stopReason", "tool_use")
	}

	return []byte(out)
}
