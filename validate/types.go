package validate

// UTVAC dimensions. Every check is attributed to one of them; the result
// carries a per-dimension score next to the overall score.
const (
	DimUsability  = "usability" // unambiguous / usable content
	DimTraceable  = "traceable"
	DimVerifiable = "verifiable"
	DimAccurate   = "accurate"
	DimComplete   = "complete"
)

// Issue codes emitted by the fixed dimension checks.
const (
	CodeNoConfig      = "NO_CONFIG"
	CodeUnknownWork   = "UNKNOWN_WORK_TYPE"
	CodeMissingDoc    = "MISSING_DOC_" // + uppercase section type
	CodeMissingPrep   = "MISSING_PREPARER"
	CodeMissingDate   = "MISSING_COMPLETION_DATE"
	CodeMissingSig    = "MISSING_SIGNATURE_" // + uppercase step
	CodeMissingMarkup = "MISSING_MARKUP"
	CodeMarkupColor   = "MARKUP_COLOR"
	CodeUncheckedItem = "UNCHECKED_ITEM_" // + uppercase item id
	CodeNoPhotos      = "NO_PHOTOS"
	CodeNoLocation    = "NO_LOCATION_CONTEXT"
)

// Steps whose payload must carry a signature when present.
var signatureSteps = []string{"tag_completion", "checklist"}

// Marker colors of which at least one must appear in sketch markup.
var requiredMarkerColors = []string{"red", "yellow"}

// SketchData is the markup evidence collected on the sketch step.
type SketchData struct {
	BuiltAsDesigned bool     `json:"built_as_designed"`
	Strokes         int      `json:"strokes"`
	Lines           int      `json:"lines"`
	Symbols         int      `json:"symbols"`
	MarkerColors    []string `json:"marker_colors,omitempty"`
}

// HasMarkup reports whether any markup evidence exists.
func (s *SketchData) HasMarkup() bool {
	if s == nil {
		return false
	}
	return s.BuiltAsDesigned || s.Strokes > 0 || s.Lines > 0 || s.Symbols > 0
}

// Step is the collected wizard data for one step, keyed in the draft by the
// step code (section types plus "tag_completion").
type Step struct {
	Completed bool        `json:"completed"`
	Signature string      `json:"signature,omitempty"`
	Sketch    *SketchData `json:"sketch,omitempty"`
}

// Draft is a submission candidate as collected by the wizard, before any
// submission record exists. Validation is pre-flight and side-effect free.
type Draft struct {
	UtilityCode string                     `json:"utility_code"`
	CompanyID   string                     `json:"company_id"`
	WorkType    string                     `json:"work_type"`
	PreparedBy  string                     `json:"prepared_by"`  // operator id
	CompletedAt string                     `json:"completed_at"` // RFC 3339 or yyyy-mm-dd
	Steps       map[string]Step            `json:"steps"`
	Checklists  map[string]map[string]bool `json:"checklists,omitempty"` // section code -> item id -> checked
	Fields      map[string]any             `json:"fields,omitempty"`     // free-form collected fields
}

// JobContext is the read-only job evidence passed alongside the draft.
type JobContext struct {
	JobNumber  string `json:"job_number"`
	Address    string `json:"address"`
	HasGPS     bool   `json:"has_gps"`
	PhotoCount int    `json:"photo_count"`
}

// Issue is one validation error or warning.
type Issue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Check is one scored rubric check, passed or failed.
type Check struct {
	Code      string `json:"code"`
	Dimension string `json:"dimension"`
	Passed    bool   `json:"passed"`
	Message   string `json:"message,omitempty"`
}

// Result is the validation outcome. Valid is true iff Errors is empty;
// warnings never block submission.
type Result struct {
	Valid      bool           `json:"valid"`
	Score      int            `json:"score"` // 0-100
	Errors     []Issue        `json:"errors"`
	Warnings   []Issue        `json:"warnings"`
	Checks     []Check        `json:"checks"`
	Dimensions map[string]int `json:"dimensions"` // per-dimension score 0-100
}
