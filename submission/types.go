// Package submission implements the pipeline that takes an uploaded
// as-built package from blob upload through classification, validation,
// routing and per-section delivery, tracking aggregate and per-section
// status along the way.
package submission

import "time"

// Submission statuses.
const (
	StatusUploaded           = "uploaded"
	StatusProcessing         = "processing"
	StatusClassified         = "classified"
	StatusRouting            = "routing"
	StatusDelivered          = "delivered"
	StatusPartiallyDelivered = "partially_delivered"
	StatusFailed             = "failed"
	StatusManualReview       = "manual_review"
)

// Section delivery statuses. A section becomes acknowledged only when the
// destination confirms out-of-band; for status derivation it counts as
// delivered. skipped marks sections excluded by policy.
const (
	SectionPending      = "pending"
	SectionQueued       = "queued"
	SectionSending      = "sending"
	SectionDelivered    = "delivered"
	SectionAcknowledged = "acknowledged"
	SectionFailed       = "failed"
	SectionSkipped      = "skipped"
)

// FileRef identifies the uploaded package blob.
type FileRef struct {
	BlobKey   string `json:"blob_key"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
	PageCount int    `json:"page_count"`
}

// Section is one logical document extracted from the package. Page range
// and destination are fixed at creation; only status, attempts, error and
// external reference mutate afterwards.
type Section struct {
	ID           string            `json:"id"`
	SubmissionID string            `json:"submission_id"`
	Position     int               `json:"position"`
	SectionType  string            `json:"section_type"`
	PageStart    int               `json:"page_start"` // 1-based inclusive
	PageEnd      int               `json:"page_end"`
	BlobKey      string            `json:"blob_key"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Method       string            `json:"method"`
	Confidence   float64           `json:"confidence"`
	Destination  string            `json:"destination"`
	RuleID       string            `json:"rule_id,omitempty"`
	MaxRetries   int               `json:"max_retries"`
	RetryDelayMS int64             `json:"retry_delay_ms"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	ExternalRef  string            `json:"external_ref,omitempty"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
}

// Summary holds the routing summary counters.
type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Submission is the unit of work. Mutated only through Store and
// Orchestrator methods; soft-delete only.
type Submission struct {
	ID              string            `json:"id"`
	Number          string            `json:"number"` // e.g. ASB-202608-00042
	CompanyID       string            `json:"company_id"`
	JobNumber       string            `json:"job_number"`
	UtilityCode     string            `json:"utility_code"`
	Metadata        map[string]string `json:"metadata,omitempty"` // caller-supplied, copied onto sections
	File            FileRef           `json:"file"`
	Status          string            `json:"status"`
	Summary         Summary           `json:"summary"`
	ProcessingError string            `json:"processing_error,omitempty"`
	Sections        []*Section        `json:"sections,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
	Deleted         bool              `json:"-"`
}

// ComputeSummary recounts the routing summary from section statuses.
// pending covers pending/queued/sending; delivered covers
// delivered/acknowledged.
func ComputeSummary(sections []*Section) Summary {
	s := Summary{Total: len(sections)}
	for _, sec := range sections {
		switch sec.Status {
		case SectionPending, SectionQueued, SectionSending:
			s.Pending++
		case SectionDelivered, SectionAcknowledged:
			s.Delivered++
		case SectionFailed:
			s.Failed++
		case SectionSkipped:
			s.Skipped++
		}
	}
	return s
}

// DeriveStatus maps the summary to the aggregate submission status:
// everything delivered (skipped aside) is delivered; anything delivered
// with failures or pendings remaining is partially_delivered; only
// failures is failed. A summary with deliveries still pending and nothing
// settled stays routing.
func DeriveStatus(s Summary) string {
	switch {
	case s.Total == 0:
		return StatusManualReview
	case s.Delivered+s.Skipped == s.Total:
		return StatusDelivered
	case s.Delivered > 0:
		return StatusPartiallyDelivered
	case s.Failed > 0 && s.Pending == 0:
		return StatusFailed
	default:
		return StatusRouting
	}
}
