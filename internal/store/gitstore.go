package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport/http"

	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

const gitSnapshotFile = "accounts.json"

// GitStoreConfig captures configuration for the git-backed account store.
type GitStoreConfig struct {
	RemoteURL   string
	Branch      string
	LocalDir    string
	Username    string
	Password    string
	AuthorName  string
	AuthorEmail string
}

// GitStore persists the account snapshot as a committed file in a git
// repository, matching the teacher's git-backed token store idiom but against
// the single-file batch snapshot this domain persists.
type GitStore struct {
	mu       sync.Mutex
	cfg      GitStoreConfig
	repo     *git.Repository
	repoDir  string
	filePath string
}

// NewGitStore clones (or opens) the configured repository into LocalDir.
func NewGitStore(ctx context.Context, cfg GitStoreConfig) (*GitStore, error) {
	cfg.RemoteURL = strings.TrimSpace(cfg.RemoteURL)
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("git store: remote url is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.LocalDir == "" {
		cfg.LocalDir = filepath.Join(os.TempDir(), "kiro-proxy-gitstore")
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "kiro-proxy"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "kiro-proxy@localhost"
	}

	var auth *http.BasicAuth
	if cfg.Username != "" {
		auth = &http.BasicAuth{Username: cfg.Username, Password: cfg.Password}
	}

	repo, err := git.PlainOpen(cfg.LocalDir)
	if err != nil {
		repo, err = git.PlainCloneContext(ctx, cfg.LocalDir, false, &git.CloneOptions{
			URL:           cfg.RemoteURL,
			Auth:          auth,
			ReferenceName: "refs/heads/" + cfg.Branch,
			SingleBranch:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("git store: clone %s: %w", cfg.RemoteURL, err)
		}
	}

	return &GitStore{
		cfg:      cfg,
		repo:     repo,
		repoDir:  cfg.LocalDir,
		filePath: filepath.Join(cfg.LocalDir, gitSnapshotFile),
	}, nil
}

// List reads and parses the snapshot file from the working tree.
func (s *GitStore) List(_ context.Context) ([]*cliproxyauth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("git store: read %s: %w", s.filePath, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap accountSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("git store: parse snapshot: %w", err)
	}
	return snap.Accounts, nil
}

// Save writes the snapshot file, commits it, and pushes to the configured remote.
func (s *GitStore) Save(ctx context.Context, accounts []*cliproxyauth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(accountSnapshot{Accounts: accounts, Version: accountSnapshotVersion}, "", "  ")
	if err != nil {
		return fmt.Errorf("git store: marshal snapshot: %w", err)
	}
	if err = os.WriteFile(s.filePath, data, 0o600); err != nil {
		return fmt.Errorf("git store: write snapshot: %w", err)
	}
	return s.commitAndPush(ctx, "update account snapshot")
}

// Delete removes a single account by ID, commits, and pushes.
func (s *GitStore) Delete(ctx context.Context, id string) error {
	accounts, err := s.List(ctx)
	if err != nil {
		return err
	}
	filtered := accounts[:0]
	for _, a := range accounts {
		if a.ID != id {
			filtered = append(filtered, a)
		}
	}
	return s.Save(ctx, filtered)
}

func (s *GitStore) commitAndPush(ctx context.Context, message string) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	if _, err = wt.Add(gitSnapshotFile); err != nil {
		return fmt.Errorf("git store: stage snapshot: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("git store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.cfg.AuthorName,
			Email: s.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("git store: commit: %w", err)
	}

	var auth *http.BasicAuth
	if s.cfg.Username != "" {
		auth = &http.BasicAuth{Username: s.cfg.Username, Password: s.cfg.Password}
	}
	if err = s.repo.PushContext(ctx, &git.PushOptions{Auth: auth}); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}
