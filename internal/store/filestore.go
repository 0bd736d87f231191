// Package store provides auth.Store backends for persisting the account pool
// snapshot: a default JSON file plus alternate backends (object storage, git,
// Postgres) for operators who don't want local disk as the source of truth.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

// FileStore persists the account snapshot as a single JSON file, written
// atomically via temp-file-then-rename per spec.md §6.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a FileStore backed by path, creating its parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

type accountSnapshot struct {
	Accounts []*cliproxyauth.Account `json:"accounts"`
	Version  int                     `json:"version"`
}

const accountSnapshotVersion = 1

// List reads the full account snapshot from disk. A missing file is not an error.
func (s *FileStore) List(_ context.Context) ([]*cliproxyauth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap accountSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("file store: parse %s: %w", s.path, err)
	}
	return snap.Accounts, nil
}

// Save writes the full account snapshot atomically, replacing any prior file.
func (s *FileStore) Save(_ context.Context, accounts []*cliproxyauth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(accountSnapshot{Accounts: accounts, Version: accountSnapshotVersion}, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("file store: write temp file: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file store: rename into place: %w", err)
	}
	return nil
}

// Delete removes a single account by ID from the snapshot and rewrites it.
func (s *FileStore) Delete(ctx context.Context, id string) error {
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
