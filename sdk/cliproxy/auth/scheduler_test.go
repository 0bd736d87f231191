package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
)

type countingProbeExecutor struct {
	id      string
	healthy bool
	calls   int
}

func (e *countingProbeExecutor) Identifier() string { return e.id }

func (e *countingProbeExecutor) Execute(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (e *countingProbeExecutor) ExecuteStream(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	return nil, nil
}

func (e *countingProbeExecutor) CountTokens(context.Context, *Account, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	e.calls++
	if !e.healthy {
		return cliproxyexecutor.Response{}, &Error{Kind: KindUpstreamServerError, Message: "still down"}
	}
	return cliproxyexecutor.Response{}, nil
}

func (e *countingProbeExecutor) Refresh(_ context.Context, a *Account) (*Account, error) {
	e.calls++
	return a, nil
}

func (e *countingProbeExecutor) HttpRequest(context.Context, *Account, *http.Request) (*http.Response, error) {
	return nil, nil
}

func (e *countingProbeExecutor) CloseExecutionSession(string) {}

func TestScheduler_ProbeUnhealthyAccounts_PromotesAfterTwoStrikes(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, &FillFirstSelector{}, nil)
	executor := &countingProbeExecutor{id: "kiro", healthy: true}
	manager.RegisterExecutor(executor)

	if _, err := manager.Register(context.Background(), &Account{ID: "a", Status: StatusUnhealthy, Enabled: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	scheduler := NewScheduler(manager)
	scheduler.probeUnhealthyAccounts(context.Background())

	account, _ := manager.GetByID("a")
	if account.Status != StatusUnhealthy {
		t.Fatalf("Status after 1st probe = %v, want %v (one strike is not enough)", account.Status, StatusUnhealthy)
	}

	scheduler.probeUnhealthyAccounts(context.Background())

	account, _ = manager.GetByID("a")
	if account.Status != StatusActive {
		t.Fatalf("Status after 2nd probe = %v, want %v", account.Status, StatusActive)
	}
	if executor.calls != 2 {
		t.Fatalf("executor.calls = %d, want %d", executor.calls, 2)
	}
}

func TestScheduler_ProbeUnhealthyAccounts_FailureResetsStreak(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, &FillFirstSelector{}, nil)
	executor := &countingProbeExecutor{id: "kiro", healthy: true}
	manager.RegisterExecutor(executor)

	if _, err := manager.Register(context.Background(), &Account{ID: "a", Status: StatusUnhealthy, Enabled: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	scheduler := NewScheduler(manager)
	scheduler.probeUnhealthyAccounts(context.Background())

	executor.healthy = false
	scheduler.probeUnhealthyAccounts(context.Background())

	executor.healthy = true
	scheduler.probeUnhealthyAccounts(context.Background())

	account, _ := manager.GetByID("a")
	if account.Status != StatusUnhealthy {
		t.Fatalf("Status = %v, want %v (a failed probe must reset the strike counter)", account.Status, StatusUnhealthy)
	}
}

func TestScheduler_RefreshDueCredentials_SkipsFarFromExpiry(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, &FillFirstSelector{}, nil)
	executor := &countingProbeExecutor{id: "kiro", healthy: true}
	manager.RegisterExecutor(executor)

	account := &Account{
		ID:      "a",
		Status:  StatusActive,
		Enabled: true,
		Credential: Credential{
			ID:        "cred-a",
			ExpiresAt: time.Now().Add(2 * time.Hour),
		},
	}
	if _, err := manager.Register(context.Background(), account); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	scheduler := NewScheduler(manager)
	scheduler.refreshDueCredentials(context.Background())

	if executor.calls != 0 {
		t.Fatalf("executor.calls = %d, want 0 (credential is not near expiry)", executor.calls)
	}
}

func TestScheduler_StartStop_StopsCleanly(t *testing.T) {
	t.Parallel()

	manager := NewManager(nil, &FillFirstSelector{}, nil)
	scheduler := NewScheduler(manager)
	scheduler.Start()
	scheduler.Stop()
}
