// Package classify assigns a section type to every page of an uploaded
// package using a utility's keyword table. Keyword detection is
// authoritative: packages whose physical page order differs from the
// utility's nominal fixed ranges still classify correctly, because no fixed
// offsets are ever assumed.
package classify

import (
	"strings"

	"github.com/gridscope/asbuilt/utilcfg"
)

// Classification methods recorded on each page.
const (
	MethodKeyword      = "keyword"      // keyword matched on the page itself
	MethodContinuation = "continuation" // inherited from a variable-length predecessor
	MethodNone         = "none"         // nothing matched
)

// SectionOther is the catch-all type for pages matching no definition.
const SectionOther = "other"

// Continuation pages inherit the predecessor's type at reduced confidence.
const continuationConfidence = 0.6

// PageClass is the classification of a single page.
type PageClass struct {
	PageIndex   int     `json:"page_index"` // zero-based position in the package
	SectionType string  `json:"section_type"`
	Confidence  float64 `json:"confidence"`
	Method      string  `json:"method"`
}

// Classify tags each page of pageTexts with a section type. The output is
// stable for identical input and always has exactly one entry per page.
//
// Per page, the first definition whose primary or alternate keyword occurs
// in the page text (case-insensitive substring) wins with confidence 1.0.
// A page matching nothing inherits the previous page's section type at
// lower confidence when that section's definition is variable-length;
// otherwise it is tagged "other" with confidence 0.
func Classify(pageTexts []string, defs []utilcfg.PageRangeDef) []PageClass {
	out := make([]PageClass, len(pageTexts))

	for i, text := range pageTexts {
		out[i] = classifyPage(i, text, defs, prev(out, i))
	}
	return out
}

func prev(out []PageClass, i int) *PageClass {
	if i == 0 {
		return nil
	}
	return &out[i-1]
}

func classifyPage(idx int, text string, defs []utilcfg.PageRangeDef, previous *PageClass) PageClass {
	lower := strings.ToLower(text)

	for _, def := range defs {
		if matchesKeyword(lower, def) {
			return PageClass{
				PageIndex:   idx,
				SectionType: def.SectionType,
				Confidence:  1.0,
				Method:      MethodKeyword,
			}
		}
	}

	// Continuation heuristic: a keyword-less page extends the preceding
	// section only when that section declares itself variable-length.
	if previous != nil && previous.SectionType != SectionOther {
		if def := findDef(defs, previous.SectionType); def != nil && def.VariableLength {
			return PageClass{
				PageIndex:   idx,
				SectionType: previous.SectionType,
				Confidence:  continuationConfidence,
				Method:      MethodContinuation,
			}
		}
	}

	return PageClass{
		PageIndex:   idx,
		SectionType: SectionOther,
		Confidence:  0,
		Method:      MethodNone,
	}
}

func matchesKeyword(lowerText string, def utilcfg.PageRangeDef) bool {
	if def.Keyword != "" && strings.Contains(lowerText, strings.ToLower(def.Keyword)) {
		return true
	}
	for _, alt := range def.AltKeywords {
		if alt != "" && strings.Contains(lowerText, strings.ToLower(alt)) {
			return true
		}
	}
	return false
}

func findDef(defs []utilcfg.PageRangeDef, sectionType string) *utilcfg.PageRangeDef {
	for i := range defs {
		if defs[i].SectionType == sectionType {
			return &defs[i]
		}
	}
	return nil
}

// Confident reports whether any page was classified with non-zero
// confidence. The orchestrator sends submissions with zero confident pages
// to manual review instead of routing blind.
func Confident(pages []PageClass) bool {
	for _, p := range pages {
		if p.Confidence > 0 {
			return true
		}
	}
	return false
}
