package auth

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	cliproxyexecutor "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/executor"
)

// CloseAllExecutionSessionsID is passed to Executor.CloseExecutionSession when
// an executor registration replaces a prior one, instructing it to tear down
// every open session rather than one session in particular.
const CloseAllExecutionSessionsID = "*"

// Executor is the single upstream execution backend the Manager dispatches
// requests to. spec.md names exactly one (Kiro); the interface stays
// provider-keyed so a second backend could register without touching the pool.
type Executor interface {
	Identifier() string
	Execute(ctx context.Context, account *Account, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error)
	ExecuteStream(ctx context.Context, account *Account, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error)
	CountTokens(ctx context.Context, account *Account, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error)
	Refresh(ctx context.Context, account *Account) (*Account, error)
	HttpRequest(ctx context.Context, account *Account, req *http.Request) (*http.Response, error)
	CloseExecutionSession(sessionID string)
}

// Result reports the outcome of one execution attempt back to the pool so it
// can update cooldowns, quota state, and health counters (spec.md §4.5/§4.6).
type Result struct {
	AuthID   string
	Provider string
	Model    string
	Success  bool
	Error    *Error
}

// Manager is the Account Pool, Credential Manager, and the single
// mutual-exclusion domain spec.md §5 requires: every mutation of pool state
// happens under mu, and persistence always writes a full snapshot.
type Manager struct {
	mu        sync.Mutex
	store     Store
	selector  Selector
	accounts  map[string]*Account
	executors map[string]Executor

	affinity *affinityTable

	maxAttempts int
	maxWait     time.Duration

	refreshGroup singleflight.Group
}

// NewManager constructs a Manager. The third argument is an extension point
// (e.g. a round-tripper provider) reserved for callers that need to customize
// outbound transport per account; it is unused by the pool itself today.
func NewManager(store Store, selector Selector, _ any) *Manager {
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	return &Manager{
		store:       store,
		selector:    selector,
		accounts:    make(map[string]*Account),
		executors:   make(map[string]Executor),
		affinity:    newAffinityTable(),
		maxAttempts: 1,
		maxWait:     30 * time.Second,
	}
}

// Load replaces the in-memory pool with the store's current snapshot. Callers
// invoke this once at startup, before serving traffic.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	accounts, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		if a == nil || a.ID == "" {
			continue
		}
		clone := a.Clone()
		updateAggregatedAvailability(clone, now)
		m.accounts[clone.ID] = clone
	}
	return nil
}

// Register adds or replaces an account in the pool.
func (m *Manager) Register(ctx context.Context, account *Account) (*Account, error) {
	return m.upsert(ctx, account)
}

// Update persists a mutated account, e.g. after an operator edits its config.
func (m *Manager) Update(ctx context.Context, account *Account) (*Account, error) {
	return m.upsert(ctx, account)
}

func (m *Manager) upsert(ctx context.Context, account *Account) (*Account, error) {
	if account == nil || account.ID == "" {
		return nil, &Error{Kind: KindInternal, Message: "account must have a non-empty ID"}
	}
	now := time.Now().UTC()
	clone := account.Clone()

	m.mu.Lock()
	if existing, ok := m.accounts[clone.ID]; ok && clone.CreatedAt.IsZero() {
		clone.CreatedAt = existing.CreatedAt
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	updateAggregatedAvailability(clone, now)
	m.accounts[clone.ID] = clone
	snapshot := m.listLocked()
	m.mu.Unlock()

	if !shouldSkipPersist(ctx) && m.store != nil {
		if err := m.store.Save(ctx, snapshot); err != nil {
			return nil, err
		}
	}
	return clone.Clone(), nil
}

// Delete removes an account from the pool and the backing store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.accounts, id)
	snapshot := m.listLocked()
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	return m.store.Save(ctx, snapshot)
}

// GetByID returns a defensive copy of the account, if present.
func (m *Manager) GetByID(id string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns defensive copies of every account, sorted by ID for
// deterministic ordering (matching the tie-break rule the selector applies).
func (m *Manager) List() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []*Account {
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterExecutor installs the executor for its Identifier(), closing every
// session on any executor it replaces.
func (m *Manager) RegisterExecutor(ex Executor) {
	if ex == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(ex.Identifier()))
	if key == "" {
		return
	}
	m.mu.Lock()
	old, existed := m.executors[key]
	m.executors[key] = ex
	m.mu.Unlock()

	if existed && old != nil {
		old.CloseExecutionSession(CloseAllExecutionSessionsID)
	}
}

// Executor resolves a registered executor by provider name, case-insensitively.
func (m *Manager) Executor(provider string) (Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executors[strings.ToLower(strings.TrimSpace(provider))]
	return ex, ok
}

func (m *Manager) singleExecutorLocked() Executor {
	for _, ex := range m.executors {
		return ex
	}
	return nil
}

// SetRetryConfig configures the attempt budget shared by Execute,
// ExecuteStream, and ExecuteCount.
func (m *Manager) SetRetryConfig(maxAttempts int, maxWait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxAttempts > 0 {
		m.maxAttempts = maxAttempts
	}
	if maxWait > 0 {
		m.maxWait = maxWait
	}
}

func (m *Manager) retrySettings() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxAttempts, m.maxWait
}

// shouldRetryAfterError decides whether attempt (0-indexed) may be followed by
// another, and how long to wait first. A per-account request_retry override
// takes precedence over the pool-wide attempt budget (SPEC_FULL.md "Supplemented
// features").
func (m *Manager) shouldRetryAfterError(err *Error, attempt int, providers []string, model string, maxWait time.Duration) (time.Duration, bool) {
	_ = providers
	_ = model
	if err == nil {
		return 0, false
	}
	kind := err.Kind
	if kind == "" {
		switch {
		case err.HTTPStatus >= http.StatusInternalServerError:
			kind = KindUpstreamServerError
		case err.HTTPStatus == http.StatusTooManyRequests:
			kind = KindQuotaExceeded
		case err.HTTPStatus == http.StatusUnauthorized:
			kind = KindAuthExpired
		}
	}
	if kind != "" && !Retryable(kind) {
		return 0, false
	}

	maxAttempts, defaultWait := m.retrySettings()
	if maxWait <= 0 {
		maxWait = defaultWait
	}
	maxRetries := maxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	m.mu.Lock()
	for _, a := range m.accounts {
		if override, ok := a.RequestRetryOverride(); ok {
			maxRetries = override
			break
		}
	}
	m.mu.Unlock()

	if attempt >= maxRetries {
		return 0, false
	}
	wait := backoffForAttempt(attempt)
	if wait > maxWait {
		wait = maxWait
	}
	return wait, true
}

func backoffForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 500 * time.Millisecond
	d := base << uint(attempt)
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// quotaCooldownDisabled is a process-wide kill switch for the cooldown policy,
// used in tests and by an operator override metadata key.
var quotaCooldownDisabled atomic.Bool

// quotaCooldownDuration is the fixed cooldown spec.md §4.3 prescribes for a
// quota event that doesn't carry its own Retry-After.
const quotaCooldownDuration = 300 * time.Second

// MarkResult folds one execution outcome into the account's per-model state,
// applying a cooldown on failure unless the account's disable_cooling override
// (or the process-wide kill switch) says otherwise.
func (m *Manager) MarkResult(ctx context.Context, result Result) {
	if result.AuthID == "" {
		return
	}
	now := time.Now().UTC()
	model := result.Model
	if model == "" {
		model = "*"
	}

	m.mu.Lock()
	account, ok := m.accounts[result.AuthID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if account.ModelStates == nil {
		account.ModelStates = make(map[string]*ModelState)
	}
	state := account.ModelStates[model]
	if state == nil {
		state = &ModelState{}
		account.ModelStates[model] = state
	}

	if result.Success {
		state.Unavailable = false
		state.NextRetryAfter = time.Time{}
		state.Quota = QuotaState{}
		state.consecutiveErr = 0
		account.consecutiveHealthFail = 0
		account.LastError = nil
	} else {
		state.consecutiveErr++
		if result.Error != nil {
			account.LastError = &LastErrorInfo{Kind: result.Error.Kind, Message: result.Error.Message, At: now}
		}

		disableCooling, hasOverride := account.DisableCoolingOverride()
		applyCooldown := !quotaCooldownDisabled.Load() && !(hasOverride && disableCooling)
		if applyCooldown {
			delay := cooldownDelayForError(result.Error, state.consecutiveErr)
			if delay > 0 {
				state.Unavailable = true
				state.NextRetryAfter = now.Add(delay)
				state.Quota = quotaFromError(result.Error, now.Add(delay))
			}
		}
	}
	state.UpdatedAt = now
	updateAggregatedAvailability(account, now)
	account.UpdatedAt = now
	snapshot := m.listLocked()
	m.mu.Unlock()

	if !shouldSkipPersist(ctx) && m.store != nil {
		_ = m.store.Save(ctx, snapshot)
	}
}

func cooldownDelayForError(err *Error, consecutive int) time.Duration {
	if err == nil {
		return 0
	}
	if err.RetryAfter > 0 {
		return time.Duration(err.RetryAfter) * time.Second
	}
	switch err.Kind {
	case KindQuotaExceeded:
		return quotaCooldownDuration
	case KindUpstreamServerError, KindNetwork:
		return backoffForAttempt(consecutive - 1)
	default:
		return 0
	}
}

func quotaFromError(err *Error, recoverAt time.Time) QuotaState {
	if err == nil {
		return QuotaState{}
	}
	return QuotaState{Exceeded: err.Kind == KindQuotaExceeded, Reason: err.Message, NextRecoverAt: recoverAt}
}

// updateAggregatedAvailability rolls the per-model states up into the
// account-level Unavailable/NextRetryAfter pair, and into Status/CooldownUntil
// per spec.md §3/§8: a quota-hit account must read back as Cooldown with
// cooldown_until set, and return to Active once every per-model cooldown has
// expired. A model flagged Unavailable without a live NextRetryAfter does not
// count as blocking, matching the selector's own per-model check. Status
// values the cooldown rollup doesn't own (Unhealthy, Disabled) are left alone.
func updateAggregatedAvailability(a *Account, now time.Time) {
	if a == nil {
		return
	}
	var earliest time.Time
	blocked := false
	for _, state := range a.ModelStates {
		if state == nil || !state.Unavailable || state.NextRetryAfter.IsZero() {
			continue
		}
		if !state.NextRetryAfter.After(now) {
			continue
		}
		blocked = true
		if earliest.IsZero() || state.NextRetryAfter.Before(earliest) {
			earliest = state.NextRetryAfter
		}
	}
	a.Unavailable = blocked
	a.NextRetryAfter = earliest

	switch a.Status {
	case StatusUnhealthy, StatusDisabled:
		// Not ours to touch; those transitions own Status independently.
	case StatusCooldown:
		if blocked {
			a.CooldownUntil = earliest
		} else {
			a.Status = StatusActive
			a.CooldownUntil = time.Time{}
		}
	default:
		if blocked {
			a.Status = StatusCooldown
			a.CooldownUntil = earliest
		}
	}
}

func (m *Manager) resolveExecutor(providers []string) (Executor, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range providers {
		key := strings.ToLower(strings.TrimSpace(p))
		if ex, ok := m.executors[key]; ok {
			return ex, key, nil
		}
	}
	if len(m.executors) == 1 {
		for k, ex := range m.executors {
			return ex, k, nil
		}
	}
	return nil, "", &Error{Kind: KindInternal, Message: "no executor registered for providers " + strings.Join(providers, ",")}
}

func (m *Manager) pickAccount(ctx context.Context, provider, model string, opts cliproxyexecutor.Options) (*Account, error) {
	if opts.Metadata != nil {
		if pinned, _ := opts.Metadata[cliproxyexecutor.PinnedAuthMetadataKey].(string); pinned != "" {
			if account, found := m.GetByID(pinned); found {
				notifySelected(opts, account.ID)
				return account, nil
			}
		}
	}

	var sessionKey string
	if opts.Metadata != nil {
		sessionKey, _ = opts.Metadata[cliproxyexecutor.SessionKeyMetadataKey].(string)
	}
	if sessionKey != "" {
		if id, ok := m.affinity.lookup(sessionKey); ok {
			if account, found := m.GetByID(id); found {
				if blocked, _, _ := isAuthBlockedForModel(account, model, time.Now()); !blocked {
					m.affinity.bind(sessionKey, account.ID)
					notifySelected(opts, account.ID)
					return account, nil
				}
			}
		}
	}

	accounts := m.List()
	account, err := m.selector.Pick(ctx, provider, model, opts, accounts)
	if err != nil {
		return nil, err
	}
	if sessionKey != "" {
		m.affinity.bind(sessionKey, account.ID)
	}
	notifySelected(opts, account.ID)
	return account, nil
}

func notifySelected(opts cliproxyexecutor.Options, id string) {
	if opts.Metadata == nil {
		return
	}
	if cb, ok := opts.Metadata[cliproxyexecutor.SelectedAuthCallbackMetadataKey].(func(string)); ok && cb != nil {
		cb(id)
	}
}

// Execute runs a single non-streaming request, retrying against a freshly
// selected account per shouldRetryAfterError's verdict.
func (m *Manager) Execute(ctx context.Context, providers []string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	executor, provider, err := m.resolveExecutor(providers)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	_, maxWait := m.retrySettings()

	for attempt := 0; ; attempt++ {
		account, pickErr := m.pickAccount(ctx, provider, req.Model, opts)
		if pickErr != nil {
			return cliproxyexecutor.Response{}, pickErr
		}
		resp, execErr := executor.Execute(ctx, account, req, opts)
		if execErr == nil {
			m.MarkResult(ctx, Result{AuthID: account.ID, Provider: provider, Model: req.Model, Success: true})
			return resp, nil
		}
		authErr := toAuthError(execErr)
		m.MarkResult(ctx, Result{AuthID: account.ID, Provider: provider, Model: req.Model, Success: false, Error: authErr})

		wait, retry := m.shouldRetryAfterError(authErr, attempt, providers, req.Model, maxWait)
		if !retry {
			return cliproxyexecutor.Response{}, authErr
		}
		select {
		case <-ctx.Done():
			return cliproxyexecutor.Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ExecuteStream runs a streaming request. Mid-stream failures surface as a
// StreamChunk.Err on the returned channel; only the synchronous
// connection-establishment error is retried here.
func (m *Manager) ExecuteStream(ctx context.Context, providers []string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	executor, provider, err := m.resolveExecutor(providers)
	if err != nil {
		return nil, err
	}
	_, maxWait := m.retrySettings()

	for attempt := 0; ; attempt++ {
		account, pickErr := m.pickAccount(ctx, provider, req.Model, opts)
		if pickErr != nil {
			return nil, pickErr
		}
		result, execErr := executor.ExecuteStream(ctx, account, req, opts)
		if execErr == nil {
			m.MarkResult(ctx, Result{AuthID: account.ID, Provider: provider, Model: req.Model, Success: true})
			return result, nil
		}
		authErr := toAuthError(execErr)
		m.MarkResult(ctx, Result{AuthID: account.ID, Provider: provider, Model: req.Model, Success: false, Error: authErr})

		wait, retry := m.shouldRetryAfterError(authErr, attempt, providers, req.Model, maxWait)
		if !retry {
			return nil, authErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ExecuteCount runs a count_tokens request through the same selection and
// retry policy as Execute.
func (m *Manager) ExecuteCount(ctx context.Context, providers []string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	executor, provider, err := m.resolveExecutor(providers)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	_, maxWait := m.retrySettings()

	for attempt := 0; ; attempt++ {
		account, pickErr := m.pickAccount(ctx, provider, req.Model, opts)
		if pickErr != nil {
			return cliproxyexecutor.Response{}, pickErr
		}
		resp, execErr := executor.CountTokens(ctx, account, req, opts)
		if execErr == nil {
			m.MarkResult(ctx, Result{AuthID: account.ID, Provider: provider, Model: req.Model, Success: true})
			return resp, nil
		}
		authErr := toAuthError(execErr)
		m.MarkResult(ctx, Result{AuthID: account.ID, Provider: provider, Model: req.Model, Success: false, Error: authErr})

		wait, retry := m.shouldRetryAfterError(authErr, attempt, providers, req.Model, maxWait)
		if !retry {
			return cliproxyexecutor.Response{}, authErr
		}
		select {
		case <-ctx.Done():
			return cliproxyexecutor.Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RefreshAccount refreshes one account's credential, deduplicating concurrent
// refreshes for the same credential ID via singleflight (spec.md §5). A
// successful refresh returns an Unhealthy account to Active; a failed refresh
// whose returned account the executor marked Unhealthy stores that status.
func (m *Manager) RefreshAccount(ctx context.Context, id string) (*Account, error) {
	account, ok := m.GetByID(id)
	if !ok {
		return nil, &Error{Kind: KindInternal, Message: "unknown account " + id}
	}
	v, err, _ := m.refreshGroup.Do(account.Credential.ID, func() (any, error) {
		m.mu.Lock()
		executor := m.singleExecutorLocked()
		m.mu.Unlock()
		if executor == nil {
			return nil, &Error{Kind: KindInternal, Message: "no executor registered"}
		}
		return executor.Refresh(ctx, account)
	})
	if err != nil {
		if failed, ok := v.(*Account); ok && failed != nil && failed.Status == StatusUnhealthy {
			_, _ = m.Update(ctx, failed)
		}
		return nil, err
	}
	refreshed, ok := v.(*Account)
	if !ok || refreshed == nil {
		return nil, &Error{Kind: KindInternal, Message: "refresh returned no account"}
	}
	if refreshed.Status == StatusUnhealthy {
		refreshed = refreshed.Clone()
		refreshed.Status = StatusActive
	}
	return m.Update(ctx, refreshed)
}

// recordHealthProbe folds one scheduler health-check outcome into an
// Unhealthy account's recovery streak, promoting it back to Active once
// healthCheckStrikes consecutive probes succeed (spec.md §4.2).
func (m *Manager) recordHealthProbe(id string, healthy bool) {
	m.mu.Lock()
	account, ok := m.accounts[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !healthy {
		account.healthProbeStreak = 0
		m.mu.Unlock()
		return
	}
	account.healthProbeStreak++
	promoted := account.Status == StatusUnhealthy && account.healthProbeStreak >= healthCheckStrikes
	if promoted {
		account.Status = StatusActive
		account.healthProbeStreak = 0
		account.consecutiveHealthFail = 0
	}
	account.UpdatedAt = time.Now().UTC()
	snapshot := m.listLocked()
	m.mu.Unlock()

	if promoted && m.store != nil {
		_ = m.store.Save(context.Background(), snapshot)
	}
}

func toAuthError(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	status := 0
	if se, ok := err.(cliproxyexecutor.StatusError); ok {
		status = se.StatusCode()
	}
	kind := KindNetwork
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindQuotaExceeded
	case status == http.StatusUnauthorized:
		kind = KindAuthExpired
	case status == http.StatusBadRequest:
		kind = KindContentTooLong
	case status >= http.StatusInternalServerError:
		kind = KindUpstreamServerError
	}
	authErr := &Error{Kind: kind, Message: err.Error(), Retryable: Retryable(kind), HTTPStatus: status}
	if he, ok := err.(cliproxyexecutor.HeaderedError); ok {
		if h := he.Headers(); h != nil {
			if ra := h.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil {
					authErr.RetryAfter = secs
				}
			}
		}
	}
	return authErr
}
