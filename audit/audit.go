// Package audit persists the append-only per-submission event trail. Every
// status transition, classification outcome, validation run and delivery
// attempt lands here; the trail is what support reads when a contractor
// asks where their package went.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridscope/asbuilt/idgen"
)

// Schema creates the audit trail table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_trail (
    entry_id      TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL,
    section_id    TEXT NOT NULL DEFAULT '',
    event         TEXT NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    detail        TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_submission ON audit_trail(submission_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_trail(event);
`

// Events recorded on the trail.
const (
	EventSubmissionCreated = "submission_created"
	EventStatusChanged     = "status_changed"
	EventClassified        = "classified"
	EventValidated         = "validated"
	EventSectionRouted     = "section_routed"
	EventSectionDelivered  = "section_delivered"
	EventSectionFailed     = "section_failed"
	EventSectionSkipped    = "section_skipped"
	EventRetryRequested    = "retry_requested"
	EventManualReview      = "manual_review"
	EventDeleted           = "deleted"
)

// Entry is one event on a submission's trail.
type Entry struct {
	EntryID      string    `json:"entry_id"`
	SubmissionID string    `json:"submission_id"`
	SectionID    string    `json:"section_id,omitempty"`
	Event        string    `json:"event"`
	Actor        string    `json:"actor,omitempty"`
	Detail       string    `json:"detail,omitempty"` // JSON
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Trail writes and reads audit entries. Writes are asynchronous through a
// buffered channel with a synchronous fallback when the buffer is full, so
// the pipeline never blocks on audit persistence.
type Trail struct {
	db      *sql.DB
	newID   idgen.Generator
	logger  *slog.Logger
	ch      chan *Entry
	stop    chan struct{}
	done    chan struct{}
	closeMu sync.Once
}

// Option configures a Trail.
type Option func(*Trail)

// WithIDGenerator sets a custom entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(t *Trail) { t.newID = gen }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// New creates a Trail and starts its flush goroutine. Recommended
// bufferSize: 1000. Call Close to drain on shutdown.
func New(db *sql.DB, bufferSize int, opts ...Option) *Trail {
	t := &Trail{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Entry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.flushLoop()
	return t
}

// Init creates the audit table.
func (t *Trail) Init(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Record builds an entry from an event and its detail payload. detail is
// marshalled to JSON; a nil detail leaves it empty.
func (t *Trail) Record(submissionID, sectionID, event string, detail any, err error) *Entry {
	e := &Entry{
		EntryID:      t.newID(),
		SubmissionID: submissionID,
		SectionID:    sectionID,
		Event:        event,
		CreatedAt:    time.Now(),
	}
	if detail != nil {
		if b, merr := json.Marshal(detail); merr == nil {
			e.Detail = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Log inserts an entry synchronously.
func (t *Trail) Log(ctx context.Context, e *Entry) error {
	t.fillDefaults(e)
	return t.insert(ctx, e)
}

// LogAsync queues an entry for async persistence. Falls back to a
// synchronous insert when the buffer is full.
func (t *Trail) LogAsync(e *Entry) {
	t.fillDefaults(e)
	select {
	case t.ch <- e:
	default:
		t.logger.Warn("audit: buffer full, sync fallback", "submission", e.SubmissionID)
		if err := t.insert(context.Background(), e); err != nil {
			t.logger.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// ForSubmission returns the submission's trail in chronological order.
func (t *Trail) ForSubmission(ctx context.Context, submissionID string) ([]*Entry, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT entry_id, submission_id, section_id, event, actor, detail, error, created_at
		FROM audit_trail WHERE submission_id = ? ORDER BY created_at ASC, entry_id ASC`,
		submissionID)
	if err != nil {
		return nil, fmt.Errorf("audit: query trail: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.EntryID, &e.SubmissionID, &e.SectionID,
			&e.Event, &e.Actor, &e.Detail, &e.Error, &ts); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (t *Trail) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := t.db.ExecContext(ctx, "DELETE FROM audit_trail WHERE created_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine. Safe to call more
// than once.
func (t *Trail) Close() error {
	t.closeMu.Do(func() { close(t.stop) })
	<-t.done
	return nil
}

func (t *Trail) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = t.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
}

func (t *Trail) insert(ctx context.Context, e *Entry) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO audit_trail
		(entry_id, submission_id, section_id, event, actor, detail, error, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.EntryID, e.SubmissionID, e.SectionID, e.Event, e.Actor,
		e.Detail, e.Error, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (t *Trail) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			t.logger.Error("audit: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_trail
			(entry_id, submission_id, section_id, event, actor, detail, error, created_at)
			VALUES (?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			t.logger.Error("audit: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.EntryID, e.SubmissionID, e.SectionID, e.Event, e.Actor,
				e.Detail, e.Error, e.CreatedAt.UnixMilli(),
			); err != nil {
				t.logger.Error("audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			t.logger.Error("audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-t.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-t.stop:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case e := <-t.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
