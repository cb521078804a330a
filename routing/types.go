// Package routing selects the delivery destination for each classified
// section. Persisted tenant-scoped rules are consulted first (lowest
// priority number wins, company-specific rules before utility-wide ones)
// and a built-in default table keyed by section type applies when no rule
// matches. The resolver never mutates rule records.
package routing

import "time"

// Destination keys: the closed set of systems a section can be routed to.
const (
	DestOraclePPM      = "oracle_ppm"
	DestOraclePayables = "oracle_payables"
	DestGISEsri        = "gis_esri"
	DestSharePoint     = "sharepoint"
	DestEmail          = "email"
	DestRegulatory     = "regulatory"
	DestArchive        = "archive"
)

// Condition operators.
const (
	OpMatches     = "matches" // safe regex on an identifier field
	OpEquals      = "equals"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpDateBetween = "date_between"
)

// Condition is one field/operator/value triple. All conditions of a rule
// must pass for the rule to match.
type Condition struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"` // for in / not_in / date_between
}

// OracleDest selects the Oracle module a section is pushed to.
type OracleDest struct {
	Module string `json:"module"` // "ppm" | "payables"
}

// Destination is a rule's structured destination descriptor. DestinationKey
// normalizes it to one of the closed destination keys.
type Destination struct {
	Type       string            `json:"type"` // oracle_api, gis, sharepoint, email, regulatory, archive
	Oracle     *OracleDest       `json:"oracle,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"` // adapter-specific extras (folder, recipient, ...)
}

// Rule is a persisted routing rule, scoped to a utility and optionally to
// one company. An empty CompanyID means the rule is utility-wide.
type Rule struct {
	ID          string      `json:"id"`
	UtilityCode string      `json:"utility_code"`
	CompanyID   string      `json:"company_id,omitempty"`
	SectionType string      `json:"section_type"`
	Destination Destination `json:"destination"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Priority    int         `json:"priority"` // lower = higher precedence
	Active      bool        `json:"active"`
	MaxRetries  int         `json:"max_retries"`
	RetryDelay  int         `json:"retry_delay_ms"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// Resolution is the outcome of resolving a section's destination.
type Resolution struct {
	Destination string
	RuleID      string // empty when the default table applied
	MaxRetries  int
	RetryDelay  time.Duration
}

// Fallback retry policy when the default table applies or a rule left the
// policy unset.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 30 * time.Second
)

// defaultDestinations is the hard-coded fallback table, keyed by section
// type. Unknown section types route to archive.
var defaultDestinations = map[string]string{
	"face_sheet":          DestSharePoint,
	"crew_instructions":   DestSharePoint,
	"construction_sketch": DestGISEsri,
	"billing_form":        DestOraclePayables,
	"checklist":           DestOraclePPM,
	"photos":              DestGISEsri,
	"other":               DestArchive,
}

// DefaultDestination returns the built-in destination for a section type.
// Total: unknown section types map to archive.
func DefaultDestination(sectionType string) string {
	if d, ok := defaultDestinations[sectionType]; ok {
		return d
	}
	return DestArchive
}

// DestinationKey normalizes a structured destination descriptor to one of
// the closed destination keys. Pure and total: unrecognized descriptors
// normalize to archive rather than failing.
func DestinationKey(d Destination) string {
	switch d.Type {
	case "oracle_api":
		if d.Oracle != nil {
			switch d.Oracle.Module {
			case "ppm":
				return DestOraclePPM
			case "payables":
				return DestOraclePayables
			}
		}
		return DestArchive
	case "gis":
		return DestGISEsri
	case "sharepoint":
		return DestSharePoint
	case "email":
		return DestEmail
	case "regulatory":
		return DestRegulatory
	case "archive":
		return DestArchive
	default:
		return DestArchive
	}
}
