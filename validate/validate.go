// Package validate scores a submission draft against the UTVAC rubric
// (Unambiguous/Usability, Traceable, Verifiable, Accurate, Complete). A
// fixed ordered list of dimension checks runs unconditionally, followed by
// the utility's own config-supplied rules evaluated generically by kind.
// Validation gates submission creation and has no side effects; it shares
// the config provider with the processing pipeline but is not part of it.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/gridscope/asbuilt/utilcfg"
)

// Validator runs the UTVAC rubric. Safe for concurrent use.
type Validator struct {
	configs utilcfg.Provider
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator backed by the given config provider.
func New(configs utilcfg.Provider, opts ...Option) *Validator {
	v := &Validator{configs: configs, logger: slog.Default()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs every rubric check against the draft. A missing utility
// config short-circuits to an invalid zero-score result: it is a data
// problem surfaced to the operator, never a panic or an error return.
func (v *Validator) Validate(ctx context.Context, draft *Draft, job *JobContext) (*Result, error) {
	cfg, err := v.configs.FindByUtilityCode(ctx, draft.UtilityCode)
	if err != nil {
		return nil, fmt.Errorf("validate: load config %s: %w", draft.UtilityCode, err)
	}
	if cfg == nil {
		v.logger.Warn("validate: no utility config", "utility", draft.UtilityCode)
		return &Result{
			Valid:  false,
			Score:  0,
			Errors: []Issue{{Code: CodeNoConfig, Message: "no configuration for utility " + draft.UtilityCode}},
		}, nil
	}
	if job == nil {
		job = &JobContext{}
	}

	r := &run{draft: draft, job: job, cfg: cfg}
	r.completeness()
	r.traceability()
	r.signatures()
	r.markup()
	r.checklist()
	r.evidence()
	r.configRules()
	return r.result(), nil
}

// run accumulates checks and issues for a single validation pass.
type run struct {
	draft *Draft
	job   *JobContext
	cfg   *utilcfg.UtilityConfig

	checks   []Check
	errors   []Issue
	warnings []Issue
}

func (r *run) check(code, dimension string, passed bool, msg string) {
	r.checks = append(r.checks, Check{Code: code, Dimension: dimension, Passed: passed, Message: msg})
}

func (r *run) fail(code, dimension, field, msg string, severity string) {
	r.check(code, dimension, false, msg)
	issue := Issue{Code: code, Field: field, Message: msg}
	if severity == "warning" {
		r.warnings = append(r.warnings, issue)
	} else {
		r.errors = append(r.errors, issue)
	}
}

// completeness: every section type the work type requires must have a
// completed wizard step.
func (r *run) completeness() {
	wt := r.cfg.WorkType(r.draft.WorkType)
	if wt == nil {
		r.fail(CodeUnknownWork, DimComplete, "work_type",
			fmt.Sprintf("work type %q is not configured for utility %s", r.draft.WorkType, r.draft.UtilityCode),
			"error")
		return
	}

	for _, sectionType := range wt.RequiredSections {
		step, ok := r.draft.Steps[sectionType]
		code := CodeMissingDoc + strings.ToUpper(sectionType)
		if !ok || !step.Completed {
			r.fail(code, DimComplete, sectionType,
				fmt.Sprintf("required document %s is missing or incomplete", sectionType), "error")
			continue
		}
		r.check(code, DimComplete, true, "")
	}
}

// traceability: preparer identity is an error when absent, completion date
// only a warning.
func (r *run) traceability() {
	if r.draft.PreparedBy == "" {
		r.fail(CodeMissingPrep, DimTraceable, "prepared_by", "preparer identity is missing", "error")
	} else {
		r.check(CodeMissingPrep, DimTraceable, true, "")
	}

	if r.draft.CompletedAt == "" {
		r.fail(CodeMissingDate, DimTraceable, "completed_at", "completion date is missing", "warning")
	} else {
		r.check(CodeMissingDate, DimTraceable, true, "")
	}
}

// signatures: steps that carry an attestation must have a non-empty
// signature payload. Applies only to steps present in the draft; absent
// required steps are already completeness errors.
func (r *run) signatures() {
	for _, stepCode := range signatureSteps {
		step, ok := r.draft.Steps[stepCode]
		if !ok {
			continue
		}
		code := CodeMissingSig + strings.ToUpper(stepCode)
		if step.Signature == "" {
			r.fail(code, DimVerifiable, stepCode,
				fmt.Sprintf("step %s requires a signature", stepCode), "error")
			continue
		}
		r.check(code, DimVerifiable, true, "")
	}
}

// markup: work types that require sketch markup must show either an
// explicit built-as-designed flag or non-zero stroke/line/symbol counts.
// The marker-color check is scored but never fatal.
func (r *run) markup() {
	wt := r.cfg.WorkType(r.draft.WorkType)
	if wt == nil || !wt.RequiresMarkup {
		return
	}

	step := r.draft.Steps["construction_sketch"]
	sketch := step.Sketch
	if !sketch.HasMarkup() {
		r.fail(CodeMissingMarkup, DimAccurate, "construction_sketch",
			"sketch markup is required for this work type", "error")
		return
	}
	r.check(CodeMissingMarkup, DimAccurate, true, "")

	// Built-as-designed needs no strokes, so no color applies either.
	if sketch.BuiltAsDesigned {
		return
	}
	if !usesRequiredColor(sketch.MarkerColors) {
		r.check(CodeMarkupColor, DimAccurate, false,
			fmt.Sprintf("markup uses none of the required marker colors %v", requiredMarkerColors))
		return
	}
	r.check(CodeMarkupColor, DimAccurate, true, "")
}

func usesRequiredColor(colors []string) bool {
	for _, c := range colors {
		for _, want := range requiredMarkerColors {
			if strings.EqualFold(c, want) {
				return true
			}
		}
	}
	return false
}

// checklist: every item of each submitted checklist section must be
// checked. Safety-critical omissions are errors, the rest warnings.
func (r *run) checklist() {
	for sectionCode, answers := range r.draft.Checklists {
		section := r.cfg.Checklist(sectionCode)
		if section == nil {
			continue
		}
		for _, item := range section.Items {
			code := CodeUncheckedItem + strings.ToUpper(item.ID)
			if answers[item.ID] {
				r.check(code, DimVerifiable, true, "")
				continue
			}
			severity := "warning"
			if item.SafetyCritical {
				severity = "error"
			}
			r.fail(code, DimVerifiable, sectionCode+"."+item.ID,
				fmt.Sprintf("checklist item %q is not checked", item.Label), severity)
		}
	}
}

// evidence: missing photos or location context degrade the score with
// warnings, never errors.
func (r *run) evidence() {
	if r.job.PhotoCount == 0 {
		r.fail(CodeNoPhotos, DimUsability, "photos", "no photos attached", "warning")
	} else {
		r.check(CodeNoPhotos, DimUsability, true, "")
	}

	if !r.job.HasGPS && r.job.Address == "" {
		r.fail(CodeNoLocation, DimUsability, "location", "no GPS or address context", "warning")
	} else {
		r.check(CodeNoLocation, DimUsability, true, "")
	}
}

// configRules evaluates the utility's own rules generically by kind.
// Rules whose concern is already handled by the fixed checks are skipped so
// a single omission is not counted twice. The rule's declared severity is
// authoritative for everything else.
func (r *run) configRules() {
	for _, rule := range r.cfg.QualityRules {
		if coveredByFixedChecks(rule) {
			continue
		}

		passed := r.evalRule(rule)
		if passed {
			r.check(rule.Code, DimComplete, true, "")
			continue
		}

		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %s failed for field %s", rule.Code, rule.Field)
		}
		r.fail(rule.Code, DimComplete, rule.Field, msg, rule.Severity)
	}
}

// coveredByFixedChecks reports whether a config rule duplicates one of the
// fixed dimension checks (markup, photos, or a signature on a built-in
// signature step).
func coveredByFixedChecks(rule utilcfg.QualityRule) bool {
	switch rule.Kind {
	case utilcfg.RuleMarkupRequired:
		return rule.Field == "" || rule.Field == "construction_sketch"
	case utilcfg.RulePhotosRequired:
		return rule.Field == "" || rule.Field == "photos"
	case utilcfg.RuleSignatureRequired:
		for _, s := range signatureSteps {
			if rule.Field == s {
				return true
			}
		}
	}
	return false
}

func (r *run) evalRule(rule utilcfg.QualityRule) bool {
	switch rule.Kind {
	case utilcfg.RuleRequired:
		return r.fieldPresent(rule.Field)
	case utilcfg.RuleRequiredUnless:
		return r.fieldPresent(rule.Field) || r.fieldPresent(rule.Unless)
	case utilcfg.RuleMinCount:
		return r.fieldCount(rule.Field) >= rule.MinCount
	case utilcfg.RulePhotosRequired:
		return r.fieldCount(rule.Field) > 0
	case utilcfg.RuleSignatureRequired:
		step, ok := r.draft.Steps[rule.Field]
		return ok && step.Signature != ""
	case utilcfg.RuleMarkupRequired:
		step := r.draft.Steps[rule.Field]
		return step.Sketch.HasMarkup()
	default:
		// Unknown kinds pass: a config typo must not block field crews.
		return true
	}
}

// fieldPresent resolves a field name against the draft's free-form fields
// and the well-known draft/job attributes.
func (r *run) fieldPresent(name string) bool {
	if name == "" {
		return false
	}
	switch name {
	case "prepared_by":
		return r.draft.PreparedBy != ""
	case "completed_at":
		return r.draft.CompletedAt != ""
	case "job_number":
		return r.job.JobNumber != ""
	case "address":
		return r.job.Address != ""
	case "photos":
		return r.job.PhotoCount > 0
	}
	val, ok := r.draft.Fields[name]
	if !ok || val == nil {
		return false
	}
	if s, isStr := val.(string); isStr {
		return s != ""
	}
	return true
}

func (r *run) fieldCount(name string) int {
	if name == "" || name == "photos" {
		return r.job.PhotoCount
	}
	switch val := r.draft.Fields[name].(type) {
	case nil:
		return 0
	case int:
		return val
	case float64:
		return int(val)
	case []any:
		return len(val)
	case []string:
		return len(val)
	case string:
		if val == "" {
			return 0
		}
		return 1
	default:
		return 1
	}
}

func (r *run) result() *Result {
	res := &Result{
		Valid:      len(r.errors) == 0,
		Errors:     r.errors,
		Warnings:   r.warnings,
		Checks:     r.checks,
		Dimensions: make(map[string]int),
	}

	passed := 0
	dimTotal := make(map[string]int)
	dimPassed := make(map[string]int)
	for _, c := range r.checks {
		dimTotal[c.Dimension]++
		if c.Passed {
			passed++
			dimPassed[c.Dimension]++
		}
	}
	if len(r.checks) > 0 {
		res.Score = int(math.Round(100 * float64(passed) / float64(len(r.checks))))
	}
	for dim, total := range dimTotal {
		res.Dimensions[dim] = int(math.Round(100 * float64(dimPassed[dim]) / float64(total)))
	}
	return res
}
