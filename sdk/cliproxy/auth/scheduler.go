package auth

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
)

const (
	// refreshScanInterval is how often the scheduler looks for credentials
	// approaching expiry (spec.md §4.2 "Background Scheduler").
	refreshScanInterval = 5 * time.Minute
	// refreshLeadWindow is how far ahead of ExpiresAt a credential is
	// considered due for a pre-emptive refresh.
	refreshLeadWindow = 15 * time.Minute

	// healthCheckInterval is how often Unhealthy accounts are probed for recovery.
	healthCheckInterval = 10 * time.Minute
	// healthCheckStrikes is the number of consecutive successful probes
	// required before an Unhealthy account is promoted back to Active.
	healthCheckStrikes = 2
)

// Scheduler runs the Manager's two periodic background tasks: pre-emptive
// credential refresh and health-check recovery of Unhealthy accounts. Both
// ticks run serially on one goroutine, so an iteration never overlaps the
// next (spec.md §5).
type Scheduler struct {
	manager *Manager
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler constructs a Scheduler bound to manager. Call Start to begin
// the background loop and Stop for a clean, synchronous shutdown.
func NewScheduler(manager *Manager) *Scheduler {
	return &Scheduler{manager: manager}
}

// Start launches the background loop. Calling Start twice without an
// intervening Stop is a no-op.
func (s *Scheduler) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels the background loop and blocks until the current iteration,
// if any, finishes.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	refreshTicker := time.NewTicker(refreshScanInterval)
	defer refreshTicker.Stop()
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			s.refreshDueCredentials(ctx)
		case <-healthTicker.C:
			s.probeUnhealthyAccounts(ctx)
		}
	}
}

func (s *Scheduler) refreshDueCredentials(ctx context.Context) {
	now := time.Now()
	for _, account := range s.manager.List() {
		if account.Status == StatusDisabled {
			continue
		}
		if account.Credential.ExpiresAt.IsZero() {
			continue
		}
		if account.Credential.ExpiresAt.Sub(now) > refreshLeadWindow {
			continue
		}
		if _, err := s.manager.RefreshAccount(ctx, account.ID); err != nil {
			log.WithError(err).WithField("account", account.ID).Warn("auth: scheduled credential refresh failed")
		}
	}
}

func (s *Scheduler) probeUnhealthyAccounts(ctx context.Context) {
	s.manager.mu.Lock()
	executor := s.manager.singleExecutorLocked()
	s.manager.mu.Unlock()
	if executor == nil {
		return
	}

	for _, account := range s.manager.List() {
		if account.Status != StatusUnhealthy {
			continue
		}
		_, err := executor.CountTokens(ctx, account, cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
		s.manager.recordHealthProbe(account.ID, err == nil)
	}
}
