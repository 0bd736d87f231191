package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

const defaultSnapshotTable = "account_snapshot"

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
	Table  string
}

// PostgresStore persists the account snapshot as a single row in a
// PostgreSQL table, matching the teacher's Postgres-backed token store idiom.
type PostgresStore struct {
	db    *sql.DB
	cfg   PostgresStoreConfig
	table string
	mu    sync.Mutex
}

// NewPostgresStore establishes a connection to PostgreSQL and ensures the snapshot table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultSnapshotTable
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	table := quoteIdentifier(cfg.Table)
	if schema := strings.TrimSpace(cfg.Schema); schema != "" {
		if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres store: create schema: %w", err)
		}
		table = quoteIdentifier(schema) + "." + table
	}
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id smallint PRIMARY KEY DEFAULT 1,
		payload jsonb NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`, table)
	if _, err = db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: create table: %w", err)
	}

	return &PostgresStore{db: db, cfg: cfg, table: table}, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// List reads the snapshot row and parses its payload.
func (s *PostgresStore) List(ctx context.Context) ([]*cliproxyauth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE id = 1", s.table)
	var raw []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: query snapshot: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var snap accountSnapshot
	if err = json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("postgres store: parse snapshot: %w", err)
	}
	return snap.Accounts, nil
}

// Save upserts the full account snapshot as a single row.
func (s *PostgresStore) Save(ctx context.Context, accounts []*cliproxyauth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(accountSnapshot{Accounts: accounts, Version: accountSnapshotVersion})
	if err != nil {
		return fmt.Errorf("postgres store: marshal snapshot: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, payload, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`, s.table)
	if _, err = s.db.ExecContext(ctx, query, data); err != nil {
		return fmt.Errorf("postgres store: upsert snapshot: %w", err)
	}
	return nil
}

// Delete removes a single account by ID and re-saves the snapshot.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
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

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
