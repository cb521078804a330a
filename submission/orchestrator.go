package submission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gridscope/asbuilt/audit"
	"github.com/gridscope/asbuilt/blobstore"
	"github.com/gridscope/asbuilt/classify"
	"github.com/gridscope/asbuilt/destination"
	"github.com/gridscope/asbuilt/idgen"
	"github.com/gridscope/asbuilt/pagetext"
	"github.com/gridscope/asbuilt/routing"
	"github.com/gridscope/asbuilt/taskq"
	"github.com/gridscope/asbuilt/utilcfg"
	"github.com/gridscope/asbuilt/validate"
)

// defaultDeliveryConcurrency bounds concurrent section deliveries within
// one submission.
const defaultDeliveryConcurrency = 4

// Orchestrator drives a submission through extraction, classification,
// routing and delivery. All submission mutation goes through it.
type Orchestrator struct {
	store     *Store
	configs   utilcfg.Provider
	resolver  *routing.Resolver
	registry  *destination.Registry
	blobs     blobstore.Store
	extractor pagetext.Extractor
	validator *validate.Validator
	trail     *audit.Trail
	queue     *taskq.Queue

	newID         idgen.Generator
	newSectionID  idgen.Generator
	logger        *slog.Logger
	maxConcurrent int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithIDGenerator sets a custom submission ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithMaxConcurrent bounds concurrent section deliveries per submission.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithQueue sets the background task queue. Without a queue, Submit
// processes synchronously.
func WithQueue(q *taskq.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// Deps collects the orchestrator's required collaborators.
type Deps struct {
	Store     *Store
	Configs   utilcfg.Provider
	Resolver  *routing.Resolver
	Registry  *destination.Registry
	Blobs     blobstore.Store
	Extractor pagetext.Extractor
	Trail     *audit.Trail
}

// New creates an Orchestrator.
func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         d.Store,
		configs:       d.Configs,
		resolver:      d.Resolver,
		registry:      d.Registry,
		blobs:         d.Blobs,
		extractor:     d.Extractor,
		validator:     validate.New(d.Configs),
		trail:         d.Trail,
		newID:         idgen.Prefixed("sub_", idgen.Default),
		newSectionID:  idgen.Prefixed("sec_", idgen.Default),
		logger:        slog.Default(),
		maxConcurrent: defaultDeliveryConcurrency,
	}
	for _, op := range opts {
		op(o)
	}
	return o
}

// ValidationError blocks submission creation when the pre-flight rubric
// reports errors.
type ValidationError struct {
	Result *validate.Result
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission: validation failed with %d errors", len(e.Result.Errors))
}

// SubmitRequest is an uploaded package plus its draft form data.
type SubmitRequest struct {
	CompanyID   string
	UtilityCode string
	JobNumber   string
	Content     io.Reader
	Draft       *validate.Draft      // optional; validated when present
	Job         *validate.JobContext // evidence context for validation
	// Metadata is merged into every section's metadata and evaluated by
	// routing rule conditions. The engine's own keys (job_number,
	// company_id, utility_code, submitted_at) cannot be overridden.
	Metadata map[string]string
}

// Submit validates the draft, stores the package blob, creates the
// submission record and enqueues background processing. The caller gets
// the submission ID immediately; processing is fire-and-forget.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var result *validate.Result
	if req.Draft != nil {
		var err error
		result, err = o.validator.Validate(ctx, req.Draft, req.Job)
		if err != nil {
			return "", fmt.Errorf("submission: pre-flight validate: %w", err)
		}
		if !result.Valid {
			return "", &ValidationError{Result: result}
		}
	}

	raw, err := io.ReadAll(req.Content)
	if err != nil {
		return "", fmt.Errorf("submission: read package: %w", err)
	}
	sum := sha256.Sum256(raw)

	id := o.newID()
	number, err := o.store.NextNumber(ctx, time.Now())
	if err != nil {
		return "", err
	}
	blobKey := fmt.Sprintf("packages/%s/%s.pdf", req.UtilityCode, id)
	if err := o.blobs.Put(ctx, blobKey, bytes.NewReader(raw), int64(len(raw)), "application/pdf"); err != nil {
		return "", fmt.Errorf("submission: store package: %w", err)
	}

	sub := &Submission{
		ID:          id,
		Number:      number,
		CompanyID:   req.CompanyID,
		JobNumber:   req.JobNumber,
		UtilityCode: req.UtilityCode,
		Metadata:    req.Metadata,
		File: FileRef{
			BlobKey: blobKey,
			SHA256:  hex.EncodeToString(sum[:]),
			Size:    int64(len(raw)),
		},
		Status: StatusUploaded,
	}
	if err := o.store.Create(ctx, sub); err != nil {
		return "", err
	}
	o.trail.LogAsync(o.trail.Record(id, "", audit.EventSubmissionCreated, map[string]string{
		"number":  number,
		"utility": req.UtilityCode,
		"company": req.CompanyID,
	}, nil))
	if result != nil {
		o.trail.LogAsync(o.trail.Record(id, "", audit.EventValidated, map[string]any{
			"score":    result.Score,
			"warnings": len(result.Warnings),
		}, nil))
	}

	if o.queue != nil {
		if err := o.queue.Submit(ctx, "process:"+id, taskq.KindProcess, []byte(id)); err != nil {
			return "", fmt.Errorf("submission: enqueue %s: %w", id, err)
		}
	} else {
		if err := o.Process(ctx, id); err != nil {
			o.logger.Error("submission: inline process failed", "submission", id, "error", err)
		}
	}
	return id, nil
}

// Handler returns the task queue handler that dispatches processing and
// retry tasks. The payload is the submission ID.
func (o *Orchestrator) Handler() taskq.Handler {
	return func(ctx context.Context, task *taskq.Task) error {
		id := string(task.Payload)
		switch task.Kind {
		case taskq.KindProcess:
			return o.Process(ctx, id)
		case taskq.KindRetry:
			return o.RetryFailedSections(ctx, id)
		default:
			return fmt.Errorf("submission: unknown task kind %q", task.Kind)
		}
	}
}

// Status returns the submission with per-section delivery state. Returns
// nil when the submission does not exist.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Submission, error) {
	return o.store.Get(ctx, id)
}

// Validate runs the quality rubric without side effects.
func (o *Orchestrator) Validate(ctx context.Context, draft *validate.Draft, job *validate.JobContext) (*validate.Result, error) {
	return o.validator.Validate(ctx, draft, job)
}

// Analytics returns read-only rollups over a creation-time window.
func (o *Orchestrator) Analytics(ctx context.Context, since, until time.Time) (*Analytics, error) {
	return o.store.Rollup(ctx, since, until)
}

// Retry enqueues a retry of the submission's failed sections. Retried
// sections move to queued and the task becomes visible after the longest
// retry delay among them, per each section's resolved retry policy.
// Without a queue it retries synchronously and immediately.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	if o.queue == nil {
		return o.RetryFailedSections(ctx, id)
	}

	sub, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("submission: %s not found", id)
	}

	var delay time.Duration
	var queued int
	for _, sec := range sub.Sections {
		if sec.Status != SectionFailed || sec.Attempts >= sec.MaxRetries {
			continue
		}
		if err := o.store.SetSectionStatus(ctx, sec.ID, SectionQueued); err != nil {
			o.logger.Error("submission: mark queued", "section", sec.ID, "error", err)
			continue
		}
		if d := time.Duration(sec.RetryDelayMS) * time.Millisecond; d > delay {
			delay = d
		}
		queued++
	}
	if queued == 0 {
		return nil
	}
	return o.queue.SubmitAfter(ctx, fmt.Sprintf("retry:%s:%d", id, time.Now().UnixMilli()),
		taskq.KindRetry, []byte(id), delay)
}

// Delete soft-deletes a submission. The record and its audit trail stay
// in the database.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.store.SoftDelete(ctx, id); err != nil {
		return err
	}
	o.trail.LogAsync(o.trail.Record(id, "", audit.EventDeleted, nil, nil))
	return nil
}

// Process is the driving loop: load, classify, build sections, route and
// deliver. Per-section faults are isolated; only classification-level
// failures are fatal to the submission. The returned error is for the
// queue consumer's log; submission state already reflects the outcome.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	sub, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("submission: %s not found", id)
	}

	o.setStatus(ctx, sub.ID, StatusProcessing)

	doc, err := o.extractPages(ctx, sub)
	if err != nil {
		return o.fatal(ctx, sub.ID, fmt.Errorf("extract pages: %w", err))
	}
	if err := o.store.SetPageCount(ctx, sub.ID, doc.Quality.PageCount); err != nil {
		o.logger.Warn("submission: set page count", "submission", sub.ID, "error", err)
	}

	var defs []utilcfg.PageRangeDef
	cfg, err := o.configs.FindByUtilityCode(ctx, sub.UtilityCode)
	if err != nil {
		// Config lookup failure degrades to keyword-less classification.
		o.logger.Warn("submission: utility config lookup failed",
			"submission", sub.ID, "utility", sub.UtilityCode, "error", err)
	} else if cfg != nil {
		defs = cfg.PageRanges
	}

	classes := classify.Classify(doc.Texts(), defs)
	o.trail.LogAsync(o.trail.Record(sub.ID, "", audit.EventClassified, map[string]any{
		"pages":   len(classes),
		"scanned": doc.Quality.LikelyScanned(),
	}, nil))

	if !classify.Confident(classes) {
		o.setStatus(ctx, sub.ID, StatusManualReview)
		o.trail.LogAsync(o.trail.Record(sub.ID, "", audit.EventManualReview, map[string]string{
			"reason": "no confident page classification",
		}, nil))
		return nil
	}

	sections := o.buildSections(ctx, sub, classes)
	if err := o.store.InsertSections(ctx, sections); err != nil {
		return o.fatal(ctx, sub.ID, fmt.Errorf("persist sections: %w", err))
	}
	o.setStatus(ctx, sub.ID, StatusClassified)
	o.setStatus(ctx, sub.ID, StatusRouting)

	o.deliverAll(ctx, sub, sections)
	return o.finalize(ctx, sub.ID)
}

// RetryFailedSections re-runs delivery for sections currently failed or
// queued for retry, honoring each section's max-retry cap. A submission
// with zero such sections is untouched.
func (o *Orchestrator) RetryFailedSections(ctx context.Context, id string) error {
	sub, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("submission: %s not found", id)
	}

	var failed []*Section
	for _, sec := range sub.Sections {
		if sec.Status == SectionFailed || sec.Status == SectionQueued {
			failed = append(failed, sec)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	o.trail.LogAsync(o.trail.Record(sub.ID, "", audit.EventRetryRequested, map[string]int{
		"failed_sections": len(failed),
	}, nil))

	var retryable []*Section
	for _, sec := range failed {
		if sec.Attempts >= sec.MaxRetries {
			// Exhausted; stays failed and is surfaced as terminal.
			o.logger.Info("submission: section retries exhausted",
				"submission", sub.ID, "section", sec.ID, "attempts", sec.Attempts)
			continue
		}
		retryable = append(retryable, sec)
	}
	o.deliverAll(ctx, sub, retryable)
	return o.finalize(ctx, sub.ID)
}

func (o *Orchestrator) extractPages(ctx context.Context, sub *Submission) (*pagetext.Document, error) {
	rc, err := o.blobs.GetStream(ctx, sub.File.BlobKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return o.extractor.Extract(ctx, bytes.NewReader(raw))
}

// buildSections groups contiguous pages of the same classified type into
// sections and fixes each section's destination via the resolver. Page
// numbers are 1-based inclusive.
func (o *Orchestrator) buildSections(ctx context.Context, sub *Submission, classes []classify.PageClass) []*Section {
	var sections []*Section
	tenant := routing.Tenant{UtilityCode: sub.UtilityCode, CompanyID: sub.CompanyID}

	for i := 0; i < len(classes); {
		j := i
		for j+1 < len(classes) && classes[j+1].SectionType == classes[i].SectionType {
			j++
		}

		sec := &Section{
			ID:           o.newSectionID(),
			SubmissionID: sub.ID,
			Position:     len(sections),
			SectionType:  classes[i].SectionType,
			PageStart:    i + 1,
			PageEnd:      j + 1,
			BlobKey:      sub.File.BlobKey,
			Method:       classes[i].Method,
			Confidence:   classes[i].Confidence,
			Status:       SectionPending,
			Metadata:     o.sectionMetadata(sub),
		}

		res, err := o.resolver.Resolve(ctx, sec.SectionType, tenant, sec.Metadata)
		if err != nil {
			// Resolution failure degrades to the default table.
			o.logger.Warn("submission: resolve destination",
				"submission", sub.ID, "section_type", sec.SectionType, "error", err)
			res = routing.Resolution{
				Destination: routing.DefaultDestination(sec.SectionType),
				MaxRetries:  routing.DefaultMaxRetries,
				RetryDelay:  routing.DefaultRetryDelay,
			}
		}
		sec.Destination = res.Destination
		sec.RuleID = res.RuleID
		sec.MaxRetries = res.MaxRetries
		sec.RetryDelayMS = res.RetryDelay.Milliseconds()

		o.trail.LogAsync(o.trail.Record(sub.ID, sec.ID, audit.EventSectionRouted, map[string]string{
			"section_type": sec.SectionType,
			"destination":  sec.Destination,
			"rule":         sec.RuleID,
			"pages":        fmt.Sprintf("%d-%d", sec.PageStart, sec.PageEnd),
		}, nil))

		sections = append(sections, sec)
		i = j + 1
	}
	return sections
}

// sectionMetadata merges the caller-supplied submission metadata with the
// engine's own keys. Engine keys win on collision.
func (o *Orchestrator) sectionMetadata(sub *Submission) map[string]string {
	md := make(map[string]string, len(sub.Metadata)+4)
	for k, v := range sub.Metadata {
		md[k] = v
	}
	md["job_number"] = sub.JobNumber
	md["company_id"] = sub.CompanyID
	md["utility_code"] = sub.UtilityCode
	md["submitted_at"] = sub.CreatedAt.UTC().Format(time.RFC3339)
	return md
}

// deliverAll runs section deliveries concurrently under the semaphore.
func (o *Orchestrator) deliverAll(ctx context.Context, sub *Submission, sections []*Section) {
	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup
	for _, sec := range sections {
		if sec.Status == SectionSkipped {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sec *Section) {
			defer wg.Done()
			defer func() { <-sem }()
			o.deliverSection(ctx, sub, sec)
		}(sec)
	}
	wg.Wait()
}

// deliverSection performs one delivery attempt. Failures are recorded on
// the section, never propagated.
func (o *Orchestrator) deliverSection(ctx context.Context, sub *Submission, sec *Section) {
	if err := o.store.SetSectionStatus(ctx, sec.ID, SectionSending); err != nil {
		o.logger.Error("submission: mark sending", "section", sec.ID, "error", err)
	}

	receipt, err := o.attemptDelivery(ctx, sub, sec)
	if err != nil {
		sec.Status = SectionFailed
		sec.Attempts++
		sec.LastError = err.Error()
		if serr := o.store.MarkSectionFailed(ctx, sec.ID, err.Error()); serr != nil {
			o.logger.Error("submission: mark failed", "section", sec.ID, "error", serr)
		}
		o.trail.LogAsync(o.trail.Record(sub.ID, sec.ID, audit.EventSectionFailed, map[string]string{
			"destination": sec.Destination,
			"retryable":   strconv.FormatBool(destination.Retryable(err)),
		}, err))
		return
	}

	sec.Status = SectionDelivered
	if sec.ExternalRef == "" {
		sec.ExternalRef = receipt.ExternalRef
	}
	if serr := o.store.MarkSectionDelivered(ctx, sec.ID, receipt.ExternalRef); serr != nil {
		o.logger.Error("submission: mark delivered", "section", sec.ID, "error", serr)
	}
	o.trail.LogAsync(o.trail.Record(sub.ID, sec.ID, audit.EventSectionDelivered, map[string]string{
		"destination":  sec.Destination,
		"external_ref": receipt.ExternalRef,
	}, nil))
}

func (o *Orchestrator) attemptDelivery(ctx context.Context, sub *Submission, sec *Section) (destination.Receipt, error) {
	adapter, err := o.registry.Get(sec.Destination)
	if err != nil {
		return destination.Receipt{}, err
	}
	rc, err := o.blobs.GetStream(ctx, sec.BlobKey)
	if err != nil {
		return destination.Receipt{}, fmt.Errorf("open section blob: %w", err)
	}
	defer rc.Close()

	return adapter.Deliver(ctx, destination.Delivery{
		SubmissionID: sub.ID,
		SectionID:    sec.ID,
		SectionType:  sec.SectionType,
		UtilityCode:  sub.UtilityCode,
		CompanyID:    sub.CompanyID,
		JobNumber:    sub.JobNumber,
		PageStart:    sec.PageStart,
		PageEnd:      sec.PageEnd,
		Filename:     fmt.Sprintf("%s_%s_p%d-%d.pdf", sub.Number, sec.SectionType, sec.PageStart, sec.PageEnd),
		ContentType:  "application/pdf",
		Content:      rc,
		Metadata:     sec.Metadata,
	})
}

// finalize recomputes the summary from persisted section state and derives
// the aggregate status.
func (o *Orchestrator) finalize(ctx context.Context, id string) error {
	sections, err := o.store.Sections(ctx, id)
	if err != nil {
		return err
	}
	sum := ComputeSummary(sections)
	status := DeriveStatus(sum)
	if err := o.store.UpdateSummary(ctx, id, sum, status); err != nil {
		return err
	}
	o.trail.LogAsync(o.trail.Record(id, "", audit.EventStatusChanged, map[string]any{
		"status":    status,
		"delivered": sum.Delivered,
		"failed":    sum.Failed,
		"pending":   sum.Pending,
	}, nil))
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, id, status string) {
	if err := o.store.SetStatus(ctx, id, status); err != nil {
		o.logger.Error("submission: set status", "submission", id, "status", status, "error", err)
		return
	}
	o.trail.LogAsync(o.trail.Record(id, "", audit.EventStatusChanged, map[string]string{
		"status": status,
	}, nil))
}

// fatal marks the submission failed with a processing error and records
// the audit entry. The original error is returned for the caller's log.
func (o *Orchestrator) fatal(ctx context.Context, id string, err error) error {
	if serr := o.store.SetFailed(ctx, id, err.Error()); serr != nil {
		o.logger.Error("submission: mark failed", "submission", id, "error", serr)
	}
	o.trail.LogAsync(o.trail.Record(id, "", audit.EventStatusChanged, map[string]string{
		"status": StatusFailed,
	}, err))
	return fmt.Errorf("submission: process %s: %w", id, err)
}
