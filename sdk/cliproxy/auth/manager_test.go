package auth

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
)

type noopExecutor struct {
	id string

	mu               sync.Mutex
	closedSessionIDs []string
}

func (e *noopExecutor) Identifier() string { return e.id }

func (e *noopExecutor) Execute(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (e *noopExecutor) ExecuteStream(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	ch := make(chan cliproxyexecutor.StreamChunk)
	close(ch)
	return &cliproxyexecutor.StreamResult{Chunks: ch}, nil
}

func (e *noopExecutor) CountTokens(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (e *noopExecutor) Refresh(_ context.Context, a *Account) (*Account, error) { return a, nil }

func (e *noopExecutor) HttpRequest(context.Context, *Account, *http.Request) (*http.Response, error) {
	return nil, nil
}

func (e *noopExecutor) CloseExecutionSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedSessionIDs = append(e.closedSessionIDs, sessionID)
}

func (e *noopExecutor) ClosedSessionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.closedSessionIDs))
	copy(out, e.closedSessionIDs)
	return out
}

func TestManager_ShouldRetryAfterError_RespectsAccountRequestRetryOverride(t *testing.T) {
	m := NewManager(nil, nil, nil)
	m.SetRetryConfig(3, 30*time.Second)

	model := "test-model"
	next := time.Now().Add(5 * time.Second)

	account := &Account{
		ID:      "account-1",
		Enabled: true,
		Metadata: map[string]any{
			"request_retry": float64(0),
		},
		ModelStates: map[string]*ModelState{
			model: {Unavailable: true, NextRetryAfter: next},
		},
	}
	if _, err := m.Register(context.Background(), account); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, maxWait := m.retrySettings()
	_, shouldRetry := m.shouldRetryAfterError(&Error{HTTPStatus: 500, Message: "boom"}, 0, []string{"kiro"}, model, maxWait)
	if shouldRetry {
		t.Fatalf("shouldRetryAfterError() = true, want false for request_retry=0")
	}

	account.Metadata["request_retry"] = float64(1)
	if _, err := m.Update(context.Background(), account); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	wait, shouldRetry := m.shouldRetryAfterError(&Error{HTTPStatus: 500, Message: "boom"}, 0, []string{"kiro"}, model, maxWait)
	if !shouldRetry {
		t.Fatalf("shouldRetryAfterError() = false, want true for request_retry=1 at attempt 0")
	}
	if wait <= 0 {
		t.Fatalf("shouldRetryAfterError() wait = %v, want > 0", wait)
	}

	_, shouldRetry = m.shouldRetryAfterError(&Error{HTTPStatus: 500, Message: "boom"}, 1, []string{"kiro"}, model, maxWait)
	if shouldRetry {
		t.Fatalf("shouldRetryAfterError() = true, want false for request_retry=1 at attempt 1")
	}
}

func TestManager_MarkResult_RespectsDisableCoolingOverride(t *testing.T) {
	prev := quotaCooldownDisabled.Load()
	quotaCooldownDisabled.Store(false)
	t.Cleanup(func() { quotaCooldownDisabled.Store(prev) })

	m := NewManager(nil, nil, nil)
	account := &Account{
		ID:      "account-1",
		Enabled: true,
		Metadata: map[string]any{
			"disable_cooling": true,
		},
	}
	if _, err := m.Register(context.Background(), account); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	model := "test-model"
	m.MarkResult(context.Background(), Result{
		AuthID:  "account-1",
		Model:   model,
		Success: false,
		Error:   &Error{Kind: KindUpstreamServerError, HTTPStatus: 500, Message: "boom"},
	})

	updated, ok := m.GetByID("account-1")
	if !ok {
		t.Fatalf("GetByID() ok = false")
	}
	state := updated.ModelStates[model]
	if state == nil {
		t.Fatalf("expected model state to be present")
	}
	if !state.NextRetryAfter.IsZero() {
		t.Fatalf("state.NextRetryAfter = %v, want zero when disable_cooling=true", state.NextRetryAfter)
	}
}

func TestManager_MarkResult_AppliesCooldownByDefault(t *testing.T) {
	prev := quotaCooldownDisabled.Load()
	quotaCooldownDisabled.Store(false)
	t.Cleanup(func() { quotaCooldownDisabled.Store(prev) })

	m := NewManager(nil, nil, nil)
	if _, err := m.Register(context.Background(), &Account{ID: "account-1", Enabled: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	model := "test-model"
	m.MarkResult(context.Background(), Result{
		AuthID:  "account-1",
		Model:   model,
		Success: false,
		Error:   &Error{Kind: KindQuotaExceeded, HTTPStatus: 429, Message: "quota"},
	})

	updated, _ := m.GetByID("account-1")
	state := updated.ModelStates[model]
	if state == nil || !state.Unavailable || state.NextRetryAfter.IsZero() {
		t.Fatalf("expected quota cooldown to be applied, got %+v", state)
	}
	if !updated.Unavailable {
		t.Fatalf("expected account-level Unavailable rollup to be true")
	}
	if updated.Status != StatusCooldown {
		t.Fatalf("expected account.Status = %v, got %v", StatusCooldown, updated.Status)
	}
	if !updated.CooldownUntil.Equal(state.NextRetryAfter) {
		t.Fatalf("expected account.CooldownUntil = %v, got %v", state.NextRetryAfter, updated.CooldownUntil)
	}
}

func TestManager_PickAccount_AffinityHitRefreshesTTL(t *testing.T) {
	m := NewManager(nil, nil, nil)
	if _, err := m.Register(context.Background(), &Account{ID: "account-1", Enabled: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	opts := cliproxyexecutor.Options{Metadata: map[string]any{
		cliproxyexecutor.SessionKeyMetadataKey: "session-1",
	}}

	if _, err := m.pickAccount(context.Background(), "", "", opts); err != nil {
		t.Fatalf("pickAccount() first call error = %v", err)
	}

	m.affinity.mu.Lock()
	m.affinity.entries["session-1"] = affinityEntry{accountID: "account-1", expiresAt: time.Now().Add(time.Second)}
	m.affinity.mu.Unlock()

	account, err := m.pickAccount(context.Background(), "", "", opts)
	if err != nil {
		t.Fatalf("pickAccount() second call error = %v", err)
	}
	if account.ID != "account-1" {
		t.Fatalf("expected affinity hit to return account-1, got %s", account.ID)
	}

	m.affinity.mu.Lock()
	expiresAt := m.affinity.entries["session-1"].expiresAt
	m.affinity.mu.Unlock()
	if time.Until(expiresAt) <= time.Second {
		t.Fatalf("expected affinity hit to refresh the TTL past 1s, got %v remaining", time.Until(expiresAt))
	}
}

func TestManager_RegisterExecutor_ClosesReplacedExecutionSessions(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, nil, nil)
	replaced := &noopExecutor{id: "kiro"}
	current := &noopExecutor{id: "kiro"}

	manager.RegisterExecutor(replaced)
	manager.RegisterExecutor(current)

	closed := replaced.ClosedSessionIDs()
	if len(closed) != 1 {
		t.Fatalf("len(closed) = %d, want 1", len(closed))
	}
	if closed[0] != CloseAllExecutionSessionsID {
		t.Fatalf("closed[0] = %q, want %q", closed[0], CloseAllExecutionSessionsID)
	}
	if len(current.ClosedSessionIDs()) != 0 {
		t.Fatalf("expected current executor to stay open")
	}
}

func TestManager_Executor_ResolvesCaseInsensitively(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, nil, nil)
	current := &noopExecutor{id: "kiro"}
	manager.RegisterExecutor(current)

	resolved, ok := manager.Executor("KIRO")
	if !ok {
		t.Fatal("expected registered executor to be found")
	}
	if resolved.(*noopExecutor) != current {
		t.Fatal("resolved executor does not match registered executor")
	}

	if _, ok := manager.Executor("unknown"); ok {
		t.Fatal("expected unknown provider lookup to fail")
	}
}

func TestManager_Execute_RetriesAcrossAccountsOnFailure(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, &RoundRobinSelector{}, nil)
	manager.SetRetryConfig(2, time.Second)

	var calls atomic.Int32
	executor := &countingExecutor{id: "kiro", onExecute: func(a *Account) (cliproxyexecutor.Response, error) {
		n := calls.Add(1)
		if n == 1 {
			return cliproxyexecutor.Response{}, &Error{Kind: KindUpstreamServerError, HTTPStatus: 500, Message: "boom"}
		}
		return cliproxyexecutor.Response{Payload: []byte("ok")}, nil
	}}
	manager.RegisterExecutor(executor)

	if _, err := manager.Register(context.Background(), &Account{ID: "a", Enabled: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := manager.Register(context.Background(), &Account{ID: "b", Enabled: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	resp, err := manager.Execute(context.Background(), []string{"kiro"}, cliproxyexecutor.Request{Model: "test-model"}, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(resp.Payload) != "ok" {
		t.Fatalf("Execute() payload = %q, want %q", resp.Payload, "ok")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestManager_Execute_NoExecutorRegistered(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, &FillFirstSelector{}, nil)
	_, err := manager.Execute(context.Background(), []string{"kiro"}, cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatalf("Execute() error = nil, want error for unregistered provider")
	}
}

type countingExecutor struct {
	id        string
	onExecute func(*Account) (cliproxyexecutor.Response, error)
}

func (e *countingExecutor) Identifier() string { return e.id }

func (e *countingExecutor) Execute(_ context.Context, a *Account, _ cliproxyexecutor.Request, _ cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return e.onExecute(a)
}

func (e *countingExecutor) ExecuteStream(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	return nil, nil
}

func (e *countingExecutor) CountTokens(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (e *countingExecutor) Refresh(_ context.Context, a *Account) (*Account, error) { return a, nil }

func (e *countingExecutor) HttpRequest(context.Context, *Account, *http.Request) (*http.Response, error) {
	return nil, nil
}

func (e *countingExecutor) CloseExecutionSession(string) {}
