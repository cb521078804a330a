package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Schema is the DDL for the routing_rules table.
const Schema = `
CREATE TABLE IF NOT EXISTS routing_rules (
    id             TEXT PRIMARY KEY,
    utility_code   TEXT NOT NULL,
    company_id     TEXT NOT NULL DEFAULT '',
    section_type   TEXT NOT NULL,
    destination    TEXT NOT NULL,
    conditions     TEXT NOT NULL DEFAULT '[]',
    priority       INTEGER NOT NULL DEFAULT 100,
    active         INTEGER NOT NULL DEFAULT 1,
    max_retries    INTEGER NOT NULL DEFAULT 3,
    retry_delay_ms INTEGER NOT NULL DEFAULT 30000,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_lookup
    ON routing_rules (utility_code, section_type, active);
`

// Store persists routing rules. Rules are read-heavy and rarely written;
// no caching layer is needed beyond SQLite's own.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database. Call Init once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the routing_rules table if absent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Insert stores a new rule.
func (s *Store) Insert(ctx context.Context, r *Rule) error {
	dest, err := json.Marshal(r.Destination)
	if err != nil {
		return fmt.Errorf("routing: marshal destination: %w", err)
	}
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("routing: marshal conditions: %w", err)
	}
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = int(DefaultRetryDelay.Milliseconds())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_rules
			(id, utility_code, company_id, section_type, destination, conditions,
			 priority, active, max_retries, retry_delay_ms, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UtilityCode, r.CompanyID, r.SectionType, string(dest), string(conds),
		r.Priority, boolInt(r.Active), r.MaxRetries, r.RetryDelay, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("routing: insert rule %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a rule by ID, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM routing_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListForSection returns the active rules applicable to a section type for
// the given tenant, ordered by ascending priority with company-specific
// rules before utility-wide ones at equal priority. This ordering is the
// resolver's source of truth: the first rule whose conditions pass wins.
func (s *Store) ListForSection(ctx context.Context, utilityCode, companyID, sectionType string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+`
		FROM routing_rules
		WHERE active = 1
		  AND utility_code = ?
		  AND section_type = ?
		  AND (company_id = '' OR company_id = ?)
		ORDER BY priority ASC,
		         CASE WHEN company_id = '' THEN 1 ELSE 0 END ASC,
		         created_at ASC`,
		utilityCode, sectionType, companyID,
	)
	if err != nil {
		return nil, fmt.Errorf("routing: list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetActive toggles a rule without deleting it.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE routing_rules SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UnixMilli(), id)
	return err
}

const selectCols = `SELECT id, utility_code, company_id, section_type, destination, conditions,
	priority, active, max_retries, retry_delay_ms, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*Rule, error) {
	r := &Rule{}
	var dest, conds string
	var active int
	if err := row.Scan(
		&r.ID, &r.UtilityCode, &r.CompanyID, &r.SectionType, &dest, &conds,
		&r.Priority, &active, &r.MaxRetries, &r.RetryDelay, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Active = active != 0
	if err := json.Unmarshal([]byte(dest), &r.Destination); err != nil {
		return nil, fmt.Errorf("routing: parse destination for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(conds), &r.Conditions); err != nil {
		return nil, fmt.Errorf("routing: parse conditions for rule %s: %w", r.ID, err)
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
