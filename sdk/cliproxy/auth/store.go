package auth

import "context"

// Store abstracts persistence of Account state across restarts (spec.md §6
// "Persisted state"). The default implementation is the file-based
// ~/.kiro-proxy/config.json snapshot; internal/store provides alternate
// backends (Postgres, S3-compatible object storage, git) behind this interface.
type Store interface {
	// List returns all account records stored in the backend.
	List(ctx context.Context) ([]*Account, error)
	// Save persists the full account list, replacing any prior snapshot.
	// Implementations must write atomically (temp file + rename, or the
	// backend's equivalent) per spec.md §5.
	Save(ctx context.Context, accounts []*Account) error
	// Delete removes a single account by ID.
	Delete(ctx context.Context, id string) error
}
