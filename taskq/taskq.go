// Package taskq implements the background task queue that decouples
// submission processing from the request that triggered it. It is a
// visibility-timeout queue backed by SQLite: a claimed task is invisible to
// other consumers for a configurable duration, so a crashed worker's task
// reappears automatically and another instance can pick it up.
//
// Submit enqueues a task and returns immediately; the consumer loop claims
// tasks in batches and runs them with bounded concurrency. Tests can drain
// the queue synchronously with DrainOnce instead of racing a background
// goroutine.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS submission_tasks (
//	    id          TEXT PRIMARY KEY,
//	    kind        TEXT NOT NULL,
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package taskq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task kinds understood by the engine's consumer.
const (
	KindProcess = "process" // full pipeline run for a new submission
	KindRetry   = "retry"   // re-run of failed sections only
)

// Task is a row in the queue. Payload carries the submission ID.
type Task struct {
	ID        string
	Kind      string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed task stays invisible. Must exceed the
	// worst-case pipeline duration or a second worker will double-process.
	// Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a task is discarded.
	// 0 means unlimited. Default: 3.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the submission_tasks table and index if absent.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS submission_tasks (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_visible ON submission_tasks (visible_at);
	`)
	return err
}

// Submit inserts a task that is immediately visible.
func (q *Queue) Submit(ctx context.Context, id, kind string, payload []byte) error {
	return q.SubmitAfter(ctx, id, kind, payload, 0)
}

// SubmitAfter inserts a task that becomes visible once delay has elapsed.
// Delayed retries use it to back off before the next delivery attempt.
func (q *Queue) SubmitAfter(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO submission_tasks (id, kind, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, kind, payload, now+delay.Milliseconds(), now,
	)
	return err
}

// Claim atomically picks the oldest visible task, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil if no
// task is available.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE submission_tasks
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM submission_tasks
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, kind, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var t Task
	var visAt, creAt int64
	err := row.Scan(&t.ID, &t.Kind, &t.Payload, &visAt, &creAt, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.VisibleAt = time.UnixMilli(visAt)
	t.CreatedAt = time.UnixMilli(creAt)
	return &t, nil
}

// Ack deletes a completed task.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM submission_tasks WHERE id = ?`, id)
	return err
}

// Nack makes a task immediately visible again for another consumer.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE submission_tasks SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Len returns the total number of tasks (visible + invisible).
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submission_tasks`).Scan(&n)
	return n, err
}

// Handler processes a claimed task. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, task *Task) error

// DrainOnce claims and processes visible tasks until none remain, calling
// handler synchronously for each. It is the deterministic path used by tests
// and by explicit operator-triggered retries.
func (q *Queue) DrainOnce(ctx context.Context, handler Handler) error {
	for {
		task, err := q.Claim(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		q.process(ctx, task, handler)
	}
}

// Run polls for visible tasks and processes them with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Queue) Run(ctx context.Context, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log.Info("taskq: consumer started",
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("taskq: consumer stopping, draining in-flight handlers")
			wg.Wait()
			log.Info("taskq: consumer stopped")
			return
		case <-ticker.C:
			for {
				task, err := q.Claim(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("taskq: claim failed", "error", err)
					}
					break
				}
				if task == nil {
					break
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(context.Background(), task.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(t *Task) {
					defer wg.Done()
					defer func() { <-sem }()
					q.process(ctx, t, handler)
				}(task)
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, t *Task, handler Handler) {
	log := q.opts.Logger

	if q.opts.MaxAttempts > 0 && t.Attempts > q.opts.MaxAttempts {
		log.Warn("taskq: task exceeded max attempts, discarding",
			"id", t.ID, "kind", t.Kind, "attempts", t.Attempts)
		_ = q.Ack(context.Background(), t.ID)
		return
	}

	if err := handler(ctx, t); err != nil {
		log.Warn("taskq: handler failed, requeueing", "id", t.ID, "kind", t.Kind, "error", err)
		_ = q.Nack(context.Background(), t.ID)
		return
	}
	_ = q.Ack(context.Background(), t.ID)
}
