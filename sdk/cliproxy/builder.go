// Package cliproxy wires the account pool, the Kiro executor, a storage
// backend, and the HTTP API into a single runnable Service, the way the
// teacher's service bootstrap composes its own multi-provider pool.
package cliproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kiroproxy/kiro-proxy/internal/api"
	"github.com/kiroproxy/kiro-proxy/internal/config"
	"github.com/kiroproxy/kiro-proxy/internal/flow"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/store"
	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
	"github.com/kiroproxy/kiro-proxy/sdk/translator/builtin"
)

// Service bundles every long-lived component started by cmd/server/main.go.
type Service struct {
	Config    *config.Config
	Manager   *cliproxyauth.Manager
	Scheduler *cliproxyauth.Scheduler
	Server    *http.Server
}

// Builder assembles a Service from a loaded Config, following the teacher's
// fluent Builder/Hooks idiom (here collapsed to one method since this proxy
// has a single executor and a single HTTP surface, unlike the teacher's
// per-provider builder chain).
type Builder struct {
	cfg  *config.Config
	sink flow.Sink
}

// NewBuilder starts a Builder bound to cfg.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithFlowSink overrides the default log-only Flow Record sink.
func (b *Builder) WithFlowSink(sink flow.Sink) *Builder {
	b.sink = sink
	return b
}

// Build constructs the Service: account store, Manager, Kiro executor,
// Scheduler, translator pipeline, and the gin HTTP server.
func (b *Builder) Build(ctx context.Context) (*Service, error) {
	acctStore, err := newStore(ctx, b.cfg)
	if err != nil {
		return nil, fmt.Errorf("cliproxy: build store: %w", err)
	}

	manager := cliproxyauth.NewManager(acctStore, &cliproxyauth.RoundRobinSelector{}, nil)
	if err := manager.Load(ctx); err != nil {
		return nil, fmt.Errorf("cliproxy: load accounts: %w", err)
	}
	maxAttempts := b.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	maxWait := b.cfg.Retry.MaxWait
	manager.SetRetryConfig(maxAttempts, maxWait)

	client := kiro.NewClient(b.cfg.UpstreamBaseURL, b.cfg.AgentVersion)
	refresher := kiro.NewRefresher(b.cfg.UpstreamBaseURL, kiro.SocialOAuthConfig{
		GoogleClientID:           b.cfg.OAuth.GoogleClientID,
		GoogleClientSecret:       b.cfg.OAuth.GoogleClientSecret,
		GitHubClientID:           b.cfg.OAuth.GitHubClientID,
		GitHubClientSecret:       b.cfg.OAuth.GitHubClientSecret,
		AWSBuilderIDClientID:     b.cfg.OAuth.AWSBuilderIDClientID,
		AWSBuilderIDClientSecret: b.cfg.OAuth.AWSBuilderIDClientSecret,
		AWSSSORegion:             b.cfg.OAuth.AWSSSORegion,
	})
	executor := kiro.NewExecutor(client, refresher)
	manager.RegisterExecutor(executor)

	scheduler := cliproxyauth.NewScheduler(manager)

	sink := b.sink
	if sink == nil {
		sink = flow.NewLogSink()
	}
	handler := api.NewHandler(manager, builtin.Pipeline(), sink)
	engine := api.NewServer(handler)

	addr := ":" + strconv.Itoa(b.cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: engine}

	return &Service{
		Config:    b.cfg,
		Manager:   manager,
		Scheduler: scheduler,
		Server:    httpServer,
	}, nil
}

// Run starts the scheduler and serves HTTP until ctx is cancelled, then shuts
// both down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.Scheduler.Start()
	defer s.Scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := s.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// newStore builds the configured auth.Store backend. "file" is the default;
// the other three parse Config.StorageDSN as a backend-specific URL.
func newStore(ctx context.Context, cfg *config.Config) (cliproxyauth.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "file":
		return store.NewFileStore(cfg.AccountsFile)
	case "postgres":
		return newPostgresStore(ctx, cfg.StorageDSN)
	case "object":
		return newObjectStore(cfg.StorageDSN)
	case "git":
		return newGitStore(ctx, cfg.StorageDSN)
	default:
		return nil, fmt.Errorf("cliproxy: unknown storage backend %q", cfg.StorageBackend)
	}
}

func newPostgresStore(ctx context.Context, dsn string) (*store.PostgresStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("cliproxy: parse postgres dsn: %w", err)
	}
	q := u.Query()
	schema := q.Get("schema")
	if schema == "" {
		schema = "public"
	}
	table := q.Get("table")
	if table == "" {
		table = "kiro_accounts"
	}
	q.Del("schema")
	q.Del("table")
	u.RawQuery = q.Encode()
	return store.NewPostgresStore(ctx, store.PostgresStoreConfig{DSN: u.String(), Schema: schema, Table: table})
}

func newObjectStore(dsn string) (*store.ObjectTokenStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("cliproxy: parse object store dsn: %w", err)
	}
	bucket := strings.Trim(u.Path, "/")
	accessKey, secretKey := "", ""
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}
	q := u.Query()
	return store.NewObjectTokenStore(store.ObjectStoreConfig{
		Endpoint:  u.Host,
		Bucket:    bucket,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    q.Get("region"),
		Prefix:    q.Get("prefix"),
		UseSSL:    u.Scheme == "https" || u.Scheme == "s3s",
		PathStyle: q.Get("pathstyle") == "true",
	})
}

func newGitStore(ctx context.Context, dsn string) (*store.GitStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("cliproxy: parse git store dsn: %w", err)
	}
	username, password := "", ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	remote := *u
	remote.User = nil
	q := u.Query()
	branch := q.Get("branch")
	if branch == "" {
		branch = "main"
	}
	localDir := q.Get("dir")
	if localDir == "" {
		localDir = filepath.Join(config.DefaultConfigDir(), "git-store")
	}
	return store.NewGitStore(ctx, store.GitStoreConfig{
		RemoteURL:   remote.String(),
		Branch:      branch,
		LocalDir:    localDir,
		Username:    username,
		Password:    password,
		AuthorName:  "kiro-proxy",
		AuthorEmail: "kiro-proxy@localhost",
	})
}
