package routing

import (
	"context"
	"testing"
	"time"

	"github.com/gridscope/asbuilt/dbopen"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db)
}

func TestResolveDefaults(t *testing.T) {
	r := NewResolver(newTestStore(t))
	ctx := context.Background()
	tenant := Tenant{UtilityCode: "PGE", CompanyID: "acme"}

	tests := []struct {
		sectionType string
		want        string
	}{
		{"construction_sketch", DestGISEsri},
		{"billing_form", DestOraclePayables},
		{"face_sheet", DestSharePoint},
		{"checklist", DestOraclePPM},
		{"photos", DestGISEsri},
		{"something_nobody_configured", DestArchive},
	}
	for _, tt := range tests {
		t.Run(tt.sectionType, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.sectionType, tenant, nil)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Destination != tt.want {
				t.Fatalf("got %s, want %s", res.Destination, tt.want)
			}
			if res.RuleID != "" {
				t.Fatal("default resolution should carry no rule id")
			}
			if res.MaxRetries != DefaultMaxRetries || res.RetryDelay != DefaultRetryDelay {
				t.Fatal("default resolution should carry fallback retry policy")
			}
		})
	}
}

func TestResolveRuleWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.Insert(ctx, &Rule{
		ID:          "r1",
		UtilityCode: "PGE",
		SectionType: "billing_form",
		Destination: Destination{Type: "sharepoint"},
		Active:      true,
		MaxRetries:  5,
		RetryDelay:  int((2 * time.Minute).Milliseconds()),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := NewResolver(store)
	res, err := r.Resolve(ctx, "billing_form", Tenant{UtilityCode: "PGE", CompanyID: "acme"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Destination != DestSharePoint {
		t.Fatalf("got %s, want %s", res.Destination, DestSharePoint)
	}
	if res.RuleID != "r1" {
		t.Fatalf("got rule %q, want r1", res.RuleID)
	}
	if res.MaxRetries != 5 || res.RetryDelay != 2*time.Minute {
		t.Fatalf("retry policy not taken from rule: %d %s", res.MaxRetries, res.RetryDelay)
	}
}

func TestResolveCompanySpecificBeatsUtilityWide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rules := []*Rule{
		{
			ID: "wide", UtilityCode: "PGE", SectionType: "photos",
			Destination: Destination{Type: "sharepoint"}, Priority: 10, Active: true,
		},
		{
			ID: "narrow", UtilityCode: "PGE", CompanyID: "acme", SectionType: "photos",
			Destination: Destination{Type: "gis"}, Priority: 10, Active: true,
		},
	}
	for _, rule := range rules {
		if err := store.Insert(ctx, rule); err != nil {
			t.Fatalf("insert %s: %v", rule.ID, err)
		}
	}

	r := NewResolver(store)
	res, err := r.Resolve(ctx, "photos", Tenant{UtilityCode: "PGE", CompanyID: "acme"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.RuleID != "narrow" {
		t.Fatalf("got rule %q, want narrow", res.RuleID)
	}
	if res.Destination != DestGISEsri {
		t.Fatalf("got %s, want %s", res.Destination, DestGISEsri)
	}
}

func TestResolvePriorityOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rules := []*Rule{
		{
			ID: "low", UtilityCode: "PGE", SectionType: "face_sheet",
			Destination: Destination{Type: "email"}, Priority: 200, Active: true,
		},
		{
			ID: "high", UtilityCode: "PGE", SectionType: "face_sheet",
			Destination: Destination{Type: "archive"}, Priority: 1, Active: true,
		},
	}
	for _, rule := range rules {
		if err := store.Insert(ctx, rule); err != nil {
			t.Fatalf("insert %s: %v", rule.ID, err)
		}
	}

	r := NewResolver(store)
	res, err := r.Resolve(ctx, "face_sheet", Tenant{UtilityCode: "PGE"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.RuleID != "high" {
		t.Fatalf("got rule %q, want high", res.RuleID)
	}
}

func TestResolveConditionsGate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.Insert(ctx, &Rule{
		ID: "gated", UtilityCode: "PGE", SectionType: "billing_form",
		Destination: Destination{Type: "email"},
		Conditions:  []Condition{{Field: "region", Operator: OpEquals, Value: "bay_area"}},
		Active:      true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := NewResolver(store)

	res, err := r.Resolve(ctx, "billing_form", Tenant{UtilityCode: "PGE"}, map[string]string{"region": "valley"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.RuleID != "" || res.Destination != DestOraclePayables {
		t.Fatalf("non-matching conditions should fall back to default, got rule %q dest %s", res.RuleID, res.Destination)
	}

	res, err = r.Resolve(ctx, "billing_form", Tenant{UtilityCode: "PGE"}, map[string]string{"region": "bay_area"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.RuleID != "gated" || res.Destination != DestEmail {
		t.Fatalf("matching conditions should select rule, got rule %q dest %s", res.RuleID, res.Destination)
	}
}

func TestResolveInactiveRuleSkipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.Insert(ctx, &Rule{
		ID: "off", UtilityCode: "PGE", SectionType: "photos",
		Destination: Destination{Type: "email"}, Active: true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.SetActive(ctx, "off", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	r := NewResolver(store)
	res, err := r.Resolve(ctx, "photos", Tenant{UtilityCode: "PGE"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.RuleID != "" || res.Destination != DestGISEsri {
		t.Fatalf("inactive rule should be ignored, got rule %q dest %s", res.RuleID, res.Destination)
	}
}

func TestStoreGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	in := &Rule{
		ID: "rt", UtilityCode: "PGE", CompanyID: "acme", SectionType: "checklist",
		Destination: Destination{Type: "oracle_api", Oracle: &OracleDest{Module: "ppm"}},
		Conditions:  []Condition{{Field: "work_type", Operator: OpIn, Values: []string{"estimated"}}},
		Priority:    7, Active: true,
	}
	if err := store.Insert(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	out, err := store.Get(ctx, "rt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out == nil {
		t.Fatal("rule not found")
	}
	if out.Destination.Oracle == nil || out.Destination.Oracle.Module != "ppm" {
		t.Fatal("oracle destination not preserved")
	}
	if len(out.Conditions) != 1 || out.Conditions[0].Operator != OpIn {
		t.Fatal("conditions not preserved")
	}
	if out.MaxRetries != DefaultMaxRetries {
		t.Fatalf("insert should apply default max retries, got %d", out.MaxRetries)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatal("missing rule should be nil")
	}
}

func TestDestinationKeyNormalization(t *testing.T) {
	tests := []struct {
		dest Destination
		want string
	}{
		{Destination{Type: "oracle_api", Oracle: &OracleDest{Module: "ppm"}}, DestOraclePPM},
		{Destination{Type: "oracle_api", Oracle: &OracleDest{Module: "payables"}}, DestOraclePayables},
		{Destination{Type: "gis"}, DestGISEsri},
		{Destination{Type: "sharepoint"}, DestSharePoint},
		{Destination{Type: "email"}, DestEmail},
		{Destination{Type: "regulatory"}, DestRegulatory},
		{Destination{Type: "archive"}, DestArchive},
		{Destination{Type: "mystery"}, DestArchive},
	}
	for _, tt := range tests {
		if got := DestinationKey(tt.dest); got != tt.want {
			t.Fatalf("DestinationKey(%+v) = %s, want %s", tt.dest, got, tt.want)
		}
	}
}
