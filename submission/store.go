package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridscope/asbuilt/dbopen"
)

// Schema creates the submission tables.
const Schema = `
CREATE TABLE IF NOT EXISTS submissions (
    id               TEXT PRIMARY KEY,
    number           TEXT NOT NULL UNIQUE,
    company_id       TEXT NOT NULL,
    job_number       TEXT NOT NULL DEFAULT '',
    utility_code     TEXT NOT NULL,
    metadata         TEXT NOT NULL DEFAULT '{}',
    blob_key         TEXT NOT NULL,
    sha256           TEXT NOT NULL DEFAULT '',
    size_bytes       INTEGER NOT NULL DEFAULT 0,
    page_count       INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'uploaded',
    total_sections   INTEGER NOT NULL DEFAULT 0,
    pending_sections INTEGER NOT NULL DEFAULT 0,
    delivered_sections INTEGER NOT NULL DEFAULT 0,
    failed_sections  INTEGER NOT NULL DEFAULT 0,
    skipped_sections INTEGER NOT NULL DEFAULT 0,
    processing_error TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    processed_at     INTEGER,
    deleted          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_submissions_company ON submissions(company_id, created_at);

CREATE TABLE IF NOT EXISTS sections (
    id            TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL REFERENCES submissions(id),
    position      INTEGER NOT NULL,
    section_type  TEXT NOT NULL,
    page_start    INTEGER NOT NULL,
    page_end      INTEGER NOT NULL,
    blob_key      TEXT NOT NULL DEFAULT '',
    metadata      TEXT NOT NULL DEFAULT '{}',
    method        TEXT NOT NULL DEFAULT '',
    confidence    REAL NOT NULL DEFAULT 0,
    destination   TEXT NOT NULL DEFAULT '',
    rule_id       TEXT NOT NULL DEFAULT '',
    max_retries   INTEGER NOT NULL DEFAULT 3,
    retry_delay_ms INTEGER NOT NULL DEFAULT 30000,
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    external_ref  TEXT NOT NULL DEFAULT '',
    delivered_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sections_submission ON sections(submission_id, position);
CREATE INDEX IF NOT EXISTS idx_sections_status ON sections(status);

CREATE TABLE IF NOT EXISTS submission_sequences (
    period  TEXT PRIMARY KEY,
    counter INTEGER NOT NULL
);
`

// Store persists submissions and their sections in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an initialized database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the submission tables.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("submission: init schema: %w", err)
	}
	return nil
}

// NextNumber allocates the next human-readable submission number for the
// month of now, formatted ASB-<yyyymm>-<5-digit-seq>. The per-period
// counter is advanced atomically via upsert.
func (s *Store) NextNumber(ctx context.Context, now time.Time) (string, error) {
	period := now.Format("200601")
	var counter int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO submission_sequences (period, counter) VALUES (?, 1)
		ON CONFLICT(period) DO UPDATE SET counter = counter + 1
		RETURNING counter`, period).Scan(&counter)
	if err != nil {
		return "", fmt.Errorf("submission: next number: %w", err)
	}
	return fmt.Sprintf("ASB-%s-%05d", period, counter), nil
}

// Create inserts a new submission record. CreatedAt/UpdatedAt are set here.
func (s *Store) Create(ctx context.Context, sub *Submission) error {
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = StatusUploaded
	}
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return fmt.Errorf("submission: create %s: %w", sub.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions
		(id, number, company_id, job_number, utility_code, metadata,
		 blob_key, sha256, size_bytes, page_count,
		 status, processing_error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.Number, sub.CompanyID, sub.JobNumber, sub.UtilityCode, metadata,
		sub.File.BlobKey, sub.File.SHA256, sub.File.Size, sub.File.PageCount,
		sub.Status, sub.ProcessingError, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("submission: create %s: %w", sub.ID, err)
	}
	return nil
}

// Get loads a submission with its sections in page order. Returns nil when
// absent or soft-deleted.
func (s *Store) Get(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, number, company_id, job_number, utility_code, metadata,
		       blob_key, sha256, size_bytes, page_count,
		       status, total_sections, pending_sections, delivered_sections,
		       failed_sections, skipped_sections,
		       processing_error, created_at, updated_at, processed_at
		FROM submissions WHERE id = ? AND deleted = 0`, id)

	var sub Submission
	var metadata string
	var createdAt, updatedAt int64
	var processedAt sql.NullInt64
	err := row.Scan(&sub.ID, &sub.Number, &sub.CompanyID, &sub.JobNumber, &sub.UtilityCode, &metadata,
		&sub.File.BlobKey, &sub.File.SHA256, &sub.File.Size, &sub.File.PageCount,
		&sub.Status, &sub.Summary.Total, &sub.Summary.Pending, &sub.Summary.Delivered,
		&sub.Summary.Failed, &sub.Summary.Skipped,
		&sub.ProcessingError, &createdAt, &updatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("submission: get %s: %w", id, err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &sub.Metadata); err != nil {
			return nil, fmt.Errorf("submission: %s metadata: %w", id, err)
		}
	}
	sub.CreatedAt = time.UnixMilli(createdAt)
	sub.UpdatedAt = time.UnixMilli(updatedAt)
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64)
		sub.ProcessedAt = &t
	}

	sections, err := s.Sections(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.Sections = sections
	return &sub, nil
}

// Sections loads a submission's sections in page order.
func (s *Store) Sections(ctx context.Context, submissionID string) ([]*Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, position, section_type, page_start, page_end,
		       blob_key, metadata, method, confidence, destination, rule_id,
		       max_retries, retry_delay_ms, status, attempts, last_error,
		       external_ref, delivered_at
		FROM sections WHERE submission_id = ? ORDER BY position ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("submission: sections of %s: %w", submissionID, err)
	}
	defer rows.Close()

	var sections []*Section
	for rows.Next() {
		var sec Section
		var metadata string
		var deliveredAt sql.NullInt64
		if err := rows.Scan(&sec.ID, &sec.SubmissionID, &sec.Position, &sec.SectionType,
			&sec.PageStart, &sec.PageEnd, &sec.BlobKey, &metadata, &sec.Method,
			&sec.Confidence, &sec.Destination, &sec.RuleID, &sec.MaxRetries,
			&sec.RetryDelayMS, &sec.Status, &sec.Attempts, &sec.LastError,
			&sec.ExternalRef, &deliveredAt); err != nil {
			return nil, fmt.Errorf("submission: scan section: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &sec.Metadata); err != nil {
				return nil, fmt.Errorf("submission: section %s metadata: %w", sec.ID, err)
			}
		}
		if deliveredAt.Valid {
			t := time.UnixMilli(deliveredAt.Int64)
			sec.DeliveredAt = &t
		}
		sections = append(sections, &sec)
	}
	return sections, rows.Err()
}

// InsertSections persists newly classified sections. The insert runs as one
// transaction with busy retry, so concurrent deliveries never observe a
// partial section list.
func (s *Store) InsertSections(ctx context.Context, sections []*Section) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, sec := range sections {
			metadata, err := marshalMetadata(sec.Metadata)
			if err != nil {
				return fmt.Errorf("submission: section %s metadata: %w", sec.ID, err)
			}
			if sec.Status == "" {
				sec.Status = SectionPending
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sections
				(id, submission_id, position, section_type, page_start, page_end,
				 blob_key, metadata, method, confidence, destination, rule_id,
				 max_retries, retry_delay_ms, status, attempts, last_error, external_ref)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				sec.ID, sec.SubmissionID, sec.Position, sec.SectionType,
				sec.PageStart, sec.PageEnd, sec.BlobKey, metadata, sec.Method,
				sec.Confidence, sec.Destination, sec.RuleID, sec.MaxRetries,
				sec.RetryDelayMS, sec.Status, sec.Attempts, sec.LastError, sec.ExternalRef); err != nil {
				return fmt.Errorf("submission: insert section %s: %w", sec.ID, err)
			}
		}
		return nil
	})
}

// SetStatus updates the aggregate status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("submission: set status %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetFailed marks the submission failed with a processing error.
func (s *Store) SetFailed(ctx context.Context, id, processingError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET status = ?, processing_error = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		StatusFailed, processingError, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("submission: set failed %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateSummary writes recomputed counters, the derived status and the
// processed timestamp.
func (s *Store) UpdateSummary(ctx context.Context, id string, sum Summary, status string) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE submissions SET
				total_sections = ?, pending_sections = ?, delivered_sections = ?,
				failed_sections = ?, skipped_sections = ?,
				status = ?, processed_at = ?, updated_at = ?
			WHERE id = ? AND deleted = 0`,
			sum.Total, sum.Pending, sum.Delivered, sum.Failed, sum.Skipped,
			status, now, now, id)
		if err != nil {
			return fmt.Errorf("submission: update summary %s: %w", id, err)
		}
		return requireRow(res, id)
	})
}

// SetSectionStatus updates a section's delivery status.
func (s *Store) SetSectionStatus(ctx context.Context, sectionID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sections SET status = ? WHERE id = ?`,
		status, sectionID)
	if err != nil {
		return fmt.Errorf("submission: set section status %s: %w", sectionID, err)
	}
	return nil
}

// MarkSectionDelivered records a successful delivery. The external
// reference is written only once; a redelivery that returns a new ref does
// not overwrite the original.
func (s *Store) MarkSectionDelivered(ctx context.Context, sectionID, externalRef string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sections SET
			status = ?, last_error = '',
			external_ref = CASE WHEN external_ref = '' THEN ? ELSE external_ref END,
			delivered_at = ?
		WHERE id = ?`,
		SectionDelivered, externalRef, time.Now().UnixMilli(), sectionID)
	if err != nil {
		return fmt.Errorf("submission: mark delivered %s: %w", sectionID, err)
	}
	return nil
}

// MarkSectionFailed records a failed delivery attempt.
func (s *Store) MarkSectionFailed(ctx context.Context, sectionID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sections SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		SectionFailed, lastError, sectionID)
	if err != nil {
		return fmt.Errorf("submission: mark failed %s: %w", sectionID, err)
	}
	return nil
}

// SetPageCount records the page count discovered during extraction.
func (s *Store) SetPageCount(ctx context.Context, id string, pages int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET page_count = ?, updated_at = ? WHERE id = ?`,
		pages, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("submission: set page count %s: %w", id, err)
	}
	return nil
}

// SoftDelete hides a submission from reads without removing rows.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("submission: soft delete %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Analytics summarizes submissions and section destinations over a window.
type Analytics struct {
	ByStatus      map[string]int `json:"by_status"`
	ByDestination map[string]int `json:"by_destination"`
}

// Rollup computes read-only analytics for submissions created in
// [since, until).
func (s *Store) Rollup(ctx context.Context, since, until time.Time) (*Analytics, error) {
	out := &Analytics{
		ByStatus:      make(map[string]int),
		ByDestination: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM submissions
		WHERE deleted = 0 AND created_at >= ? AND created_at < ?
		GROUP BY status`, since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("submission: rollup statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("submission: scan rollup: %w", err)
		}
		out.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	destRows, err := s.db.QueryContext(ctx, `
		SELECT sec.destination, COUNT(*) FROM sections sec
		JOIN submissions sub ON sub.id = sec.submission_id
		WHERE sub.deleted = 0 AND sub.created_at >= ? AND sub.created_at < ?
		  AND sec.destination != ''
		GROUP BY sec.destination`, since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("submission: rollup destinations: %w", err)
	}
	defer destRows.Close()
	for destRows.Next() {
		var dest string
		var n int
		if err := destRows.Scan(&dest, &n); err != nil {
			return nil, fmt.Errorf("submission: scan rollup: %w", err)
		}
		out.ByDestination[dest] = n
	}
	return out, destRows.Err()
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("submission: %s not found", id)
	}
	return nil
}
