// Package utilcfg supplies per-utility configuration to the submission
// engine: keyword tables for page classification, work-type requirements,
// checklist definitions, and quality rules. The engine treats all of it as
// read-only data; utility-specific behavior lives here, never in code.
package utilcfg

// PageRangeDef describes one logical document section a package can contain
// and how to recognize its pages. Keyword detection is authoritative;
// NominalStart/NominalEnd are display hints for the wizard UI and are never
// used for page assignment.
type PageRangeDef struct {
	SectionType    string   `json:"section_type" yaml:"section_type"`
	Keyword        string   `json:"keyword" yaml:"keyword"`
	AltKeywords    []string `json:"alt_keywords,omitempty" yaml:"alt_keywords"`
	VariableLength bool     `json:"variable_length,omitempty" yaml:"variable_length"`
	NominalStart   int      `json:"nominal_start,omitempty" yaml:"nominal_start"`
	NominalEnd     int      `json:"nominal_end,omitempty" yaml:"nominal_end"`
}

// WorkType maps a work type code (e.g. "estimated", "emergency") to the
// section types a complete submission must include.
type WorkType struct {
	Code             string   `json:"code" yaml:"code"`
	Label            string   `json:"label,omitempty" yaml:"label"`
	RequiredSections []string `json:"required_sections" yaml:"required_sections"`
	RequiresMarkup   bool     `json:"requires_markup,omitempty" yaml:"requires_markup"`
}

// ChecklistItem is one line of a checklist section. An unchecked item
// flagged safety-critical is a validation error rather than a warning.
type ChecklistItem struct {
	ID             string `json:"id" yaml:"id"`
	Label          string `json:"label" yaml:"label"`
	SafetyCritical bool   `json:"safety_critical,omitempty" yaml:"safety_critical"`
}

// ChecklistSection groups checklist items under a section code.
type ChecklistSection struct {
	Code  string          `json:"code" yaml:"code"`
	Title string          `json:"title,omitempty" yaml:"title"`
	Items []ChecklistItem `json:"items" yaml:"items"`
}

// Rule kinds evaluated generically by the quality validator.
const (
	RuleRequired          = "required"
	RuleRequiredUnless    = "required_unless"
	RuleMinCount          = "min_count"
	RulePhotosRequired    = "photos_required"
	RuleSignatureRequired = "signature_required"
	RuleMarkupRequired    = "markup_required"
)

// QualityRule is a config-supplied validation rule. Its declared severity
// ("error" or "warning") is authoritative regardless of rule kind.
type QualityRule struct {
	Code     string `json:"code" yaml:"code"`
	Field    string `json:"field" yaml:"field"`
	Kind     string `json:"kind" yaml:"kind"`
	Severity string `json:"severity" yaml:"severity"` // "error" | "warning"
	// Unless names a field whose presence waives a required_unless rule.
	Unless string `json:"unless,omitempty" yaml:"unless"`
	// MinCount is the threshold for min_count rules.
	MinCount int    `json:"min_count,omitempty" yaml:"min_count"`
	Message  string `json:"message,omitempty" yaml:"message"`
}

// UtilityConfig is the complete per-utility configuration. Exactly one
// active config exists per utility code.
type UtilityConfig struct {
	UtilityCode  string             `json:"utility_code" yaml:"utility_code"`
	Name         string             `json:"name,omitempty" yaml:"name"`
	PageRanges   []PageRangeDef     `json:"page_ranges" yaml:"page_ranges"`
	WorkTypes    []WorkType         `json:"work_types" yaml:"work_types"`
	Checklists   []ChecklistSection `json:"checklists,omitempty" yaml:"checklists"`
	QualityRules []QualityRule      `json:"quality_rules,omitempty" yaml:"quality_rules"`
}

// WorkType returns the work type with the given code, or nil.
func (c *UtilityConfig) WorkType(code string) *WorkType {
	for i := range c.WorkTypes {
		if c.WorkTypes[i].Code == code {
			return &c.WorkTypes[i]
		}
	}
	return nil
}

// Checklist returns the checklist section with the given code, or nil.
func (c *UtilityConfig) Checklist(code string) *ChecklistSection {
	for i := range c.Checklists {
		if c.Checklists[i].Code == code {
			return &c.Checklists[i]
		}
	}
	return nil
}
