package utilcfg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider supplies the active configuration for a utility code.
// Implementations return nil, nil when no config exists: callers degrade
// gracefully on missing config, they never treat it as a hard error.
type Provider interface {
	FindByUtilityCode(ctx context.Context, code string) (*UtilityConfig, error)
}

// Schema is the DDL for the utility_configs table. The primary key on
// utility_code enforces the one-active-config-per-utility invariant: Save
// is an upsert, so a new revision replaces the previous one atomically.
const Schema = `
CREATE TABLE IF NOT EXISTS utility_configs (
    utility_code TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    config       TEXT NOT NULL,
    updated_at   INTEGER NOT NULL
);
`

// Store is the SQLite-backed Provider.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database. Call Init once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the utility_configs table if absent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// FindByUtilityCode returns the active config for code, or nil if none.
func (s *Store) FindByUtilityCode(ctx context.Context, code string) (*UtilityConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM utility_configs WHERE utility_code = ?`, code,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("utilcfg: find %s: %w", code, err)
	}

	var cfg UtilityConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("utilcfg: parse config %s: %w", code, err)
	}
	return &cfg, nil
}

// Save upserts a utility config, replacing any previous revision.
func (s *Store) Save(ctx context.Context, cfg *UtilityConfig) error {
	if cfg.UtilityCode == "" {
		return fmt.Errorf("utilcfg: utility_code is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("utilcfg: marshal config %s: %w", cfg.UtilityCode, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO utility_configs (utility_code, name, config, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(utility_code) DO UPDATE SET
			name = excluded.name,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		cfg.UtilityCode, cfg.Name, string(raw), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("utilcfg: save %s: %w", cfg.UtilityCode, err)
	}
	return nil
}

// ListCodes returns all utility codes with an active config.
func (s *Store) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT utility_code FROM utility_configs ORDER BY utility_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// Static is an in-memory Provider keyed by utility code, for tests and for
// embedding fixed configs in tools.
type Static map[string]*UtilityConfig

// FindByUtilityCode returns the config for code, or nil if absent.
func (st Static) FindByUtilityCode(_ context.Context, code string) (*UtilityConfig, error) {
	return st[code], nil
}
