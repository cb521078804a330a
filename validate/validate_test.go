package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/gridscope/asbuilt/utilcfg"
)

func pgeConfig() *utilcfg.UtilityConfig {
	return &utilcfg.UtilityConfig{
		UtilityCode: "PGE",
		PageRanges: []utilcfg.PageRangeDef{
			{SectionType: "face_sheet", Keyword: "face sheet"},
			{SectionType: "construction_sketch", Keyword: "construction sketch", VariableLength: true},
			{SectionType: "billing_form", Keyword: "billing form"},
		},
		WorkTypes: []utilcfg.WorkType{
			{Code: "estimated",
				RequiredSections: []string{"face_sheet", "construction_sketch", "billing_form"},
				RequiresMarkup:   true},
			{Code: "routine", RequiredSections: []string{"face_sheet"}},
		},
		Checklists: []utilcfg.ChecklistSection{
			{Code: "closeout", Items: []utilcfg.ChecklistItem{
				{ID: "gas_valves", Label: "Gas valves verified", SafetyCritical: true},
				{ID: "site_clean", Label: "Site cleaned"},
			}},
		},
	}
}

func validator(cfgs ...*utilcfg.UtilityConfig) *Validator {
	st := utilcfg.Static{}
	for _, c := range cfgs {
		st[c.UtilityCode] = c
	}
	return New(st)
}

func completeDraft() *Draft {
	return &Draft{
		UtilityCode: "PGE",
		WorkType:    "estimated",
		PreparedBy:  "op_117",
		CompletedAt: "2026-08-12",
		Steps: map[string]Step{
			"face_sheet":          {Completed: true},
			"construction_sketch": {Completed: true, Sketch: &SketchData{Strokes: 4, MarkerColors: []string{"red"}}},
			"billing_form":        {Completed: true},
			"tag_completion":      {Completed: true, Signature: "sig:abc"},
		},
	}
}

func goodJob() *JobContext {
	return &JobContext{JobNumber: "J-1001", Address: "101 Main St", HasGPS: true, PhotoCount: 3}
}

func hasIssue(list []Issue, code string) bool {
	for _, i := range list {
		if i.Code == code {
			return true
		}
	}
	return false
}

func TestMissingConfigShortCircuits(t *testing.T) {
	v := validator() // no configs at all
	res, err := v.Validate(context.Background(), &Draft{UtilityCode: "SDGE"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Score != 0 {
		t.Errorf("valid=%v score=%d, want false/0", res.Valid, res.Score)
	}
	if !hasIssue(res.Errors, CodeNoConfig) {
		t.Errorf("errors = %+v, want NO_CONFIG", res.Errors)
	}
}

func TestMissingRequiredDocument(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	delete(draft.Steps, "billing_form")

	res, err := v.Validate(context.Background(), draft, goodJob())
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Error("draft missing billing_form should be invalid")
	}
	if !hasIssue(res.Errors, "MISSING_DOC_BILLING_FORM") {
		t.Errorf("errors = %+v, want MISSING_DOC_BILLING_FORM", res.Errors)
	}
}

func TestIncompleteStepCountsAsMissing(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	draft.Steps["face_sheet"] = Step{Completed: false}

	res, _ := v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, "MISSING_DOC_FACE_SHEET") {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestTraceability(t *testing.T) {
	v := validator(pgeConfig())

	draft := completeDraft()
	draft.PreparedBy = ""
	res, _ := v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, CodeMissingPrep) {
		t.Errorf("missing preparer should be an error: %+v", res.Errors)
	}

	draft = completeDraft()
	draft.CompletedAt = ""
	res, _ = v.Validate(context.Background(), draft, goodJob())
	if hasIssue(res.Errors, CodeMissingDate) {
		t.Error("missing completion date must not be an error")
	}
	if !hasIssue(res.Warnings, CodeMissingDate) {
		t.Errorf("warnings = %+v, want MISSING_COMPLETION_DATE", res.Warnings)
	}
	if !res.Valid {
		t.Error("warnings must never block")
	}
}

func TestMissingSignature(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	draft.Steps["tag_completion"] = Step{Completed: true}

	res, _ := v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, "MISSING_SIGNATURE_TAG_COMPLETION") {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestMarkupRequired(t *testing.T) {
	v := validator(pgeConfig())

	// No markup at all: error.
	draft := completeDraft()
	draft.Steps["construction_sketch"] = Step{Completed: true}
	res, _ := v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, CodeMissingMarkup) {
		t.Errorf("errors = %+v, want MISSING_MARKUP", res.Errors)
	}

	// Built-as-designed flag alone satisfies the markup check.
	draft = completeDraft()
	draft.Steps["construction_sketch"] = Step{Completed: true, Sketch: &SketchData{BuiltAsDesigned: true}}
	res, _ = v.Validate(context.Background(), draft, goodJob())
	if hasIssue(res.Errors, CodeMissingMarkup) {
		t.Errorf("built-as-designed should pass markup: %+v", res.Errors)
	}

	// Markup with the wrong colors: non-fatal failed check, no error.
	draft = completeDraft()
	draft.Steps["construction_sketch"] = Step{Completed: true,
		Sketch: &SketchData{Strokes: 2, MarkerColors: []string{"blue"}}}
	res, _ = v.Validate(context.Background(), draft, goodJob())
	if hasIssue(res.Errors, CodeMarkupColor) {
		t.Error("marker color check must not be an error")
	}
	found := false
	for _, c := range res.Checks {
		if c.Code == CodeMarkupColor && !c.Passed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected failed MARKUP_COLOR check: %+v", res.Checks)
	}
	if !res.Valid {
		t.Error("wrong marker color alone must not invalidate")
	}

	// Routine work does not require markup.
	draft = completeDraft()
	draft.WorkType = "routine"
	draft.Steps["construction_sketch"] = Step{Completed: true}
	res, _ = v.Validate(context.Background(), draft, goodJob())
	if hasIssue(res.Errors, CodeMissingMarkup) {
		t.Error("routine work should not require markup")
	}
}

func TestChecklistSeverity(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	draft.Checklists = map[string]map[string]bool{
		"closeout": {"gas_valves": false, "site_clean": false},
	}

	res, _ := v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, "UNCHECKED_ITEM_GAS_VALVES") {
		t.Errorf("safety-critical unchecked item should be an error: %+v", res.Errors)
	}
	if !hasIssue(res.Warnings, "UNCHECKED_ITEM_SITE_CLEAN") {
		t.Errorf("ordinary unchecked item should be a warning: %+v", res.Warnings)
	}
}

func TestEvidenceWarnings(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	job := &JobContext{JobNumber: "J-1"} // no photos, no GPS, no address

	res, _ := v.Validate(context.Background(), draft, job)
	if !hasIssue(res.Warnings, CodeNoPhotos) || !hasIssue(res.Warnings, CodeNoLocation) {
		t.Errorf("warnings = %+v", res.Warnings)
	}
	if hasIssue(res.Errors, CodeNoPhotos) || hasIssue(res.Errors, CodeNoLocation) {
		t.Error("evidence absence must never be an error")
	}
}

func TestConfigRuleSeverityAuthoritative(t *testing.T) {
	cfg := pgeConfig()
	cfg.QualityRules = []utilcfg.QualityRule{
		{Code: "PERMIT_REQUIRED", Field: "permit_id", Kind: utilcfg.RuleRequired, Severity: "warning"},
		{Code: "CREW_REQUIRED", Field: "crew_id", Kind: utilcfg.RuleRequired, Severity: "error"},
		{Code: "MIN_SPLICES", Field: "splice_count", Kind: utilcfg.RuleMinCount, MinCount: 2, Severity: "error"},
	}
	v := validator(cfg)

	draft := completeDraft()
	draft.Fields = map[string]any{"crew_id": "c9", "splice_count": 3}
	res, _ := v.Validate(context.Background(), draft, goodJob())

	// permit_id missing but declared a warning: must not block.
	if !hasIssue(res.Warnings, "PERMIT_REQUIRED") {
		t.Errorf("warnings = %+v", res.Warnings)
	}
	if !res.Valid {
		t.Errorf("errors = %+v, want none", res.Errors)
	}

	// Now drop an error-severity field.
	draft.Fields = map[string]any{"splice_count": 3}
	res, _ = v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, "CREW_REQUIRED") {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestRequiredUnless(t *testing.T) {
	cfg := pgeConfig()
	cfg.QualityRules = []utilcfg.QualityRule{
		{Code: "FOREMAN_OR_INSPECTOR", Field: "foreman_id", Kind: utilcfg.RuleRequiredUnless,
			Unless: "inspector_id", Severity: "error"},
	}
	v := validator(cfg)

	draft := completeDraft()
	draft.Fields = map[string]any{"inspector_id": "ins_4"}
	res, _ := v.Validate(context.Background(), draft, goodJob())
	if hasIssue(res.Errors, "FOREMAN_OR_INSPECTOR") {
		t.Error("unless-field present should waive the rule")
	}

	draft.Fields = nil
	res, _ = v.Validate(context.Background(), draft, goodJob())
	if !hasIssue(res.Errors, "FOREMAN_OR_INSPECTOR") {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestCompleteScenarioScoresHigh(t *testing.T) {
	v := validator(pgeConfig())
	res, err := v.Validate(context.Background(), completeDraft(), goodJob())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("errors = %+v, want none", res.Errors)
	}
	if res.Score < 80 || res.Score > 100 {
		t.Errorf("score = %d, want 80-100", res.Score)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %+v", res.Errors)
	}
	for dim, score := range res.Dimensions {
		if score < 0 || score > 100 {
			t.Errorf("dimension %s score = %d", dim, score)
		}
	}
}

func TestUnknownWorkType(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	draft.WorkType = "mystery"

	res, _ := v.Validate(context.Background(), draft, goodJob())
	if res.Valid {
		t.Error("unknown work type must not validate")
	}
	if !hasIssue(res.Errors, CodeUnknownWork) {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestIssueCodesUppercase(t *testing.T) {
	v := validator(pgeConfig())
	draft := completeDraft()
	delete(draft.Steps, "construction_sketch")

	res, _ := v.Validate(context.Background(), draft, goodJob())
	for _, e := range res.Errors {
		if e.Code != strings.ToUpper(e.Code) {
			t.Errorf("issue code %q not uppercase", e.Code)
		}
	}
}
