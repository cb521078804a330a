package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Tenant identifies the rule scope for a resolution.
type Tenant struct {
	UtilityCode string
	CompanyID   string
}

// Resolver picks the destination for a section. It consults the tenant's
// persisted rules first and falls back to the built-in default table; a
// missing rule set is never an error.
type Resolver struct {
	store  *Store
	logger *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver over the given rule store.
func NewResolver(store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the destination for a section of the given type. meta is
// the section's extracted metadata, evaluated against rule conditions. The
// first rule (ascending priority, company-specific first) whose conditions
// all pass wins; otherwise the default table applies with the fallback
// retry policy.
func (r *Resolver) Resolve(ctx context.Context, sectionType string, tenant Tenant, meta map[string]string) (Resolution, error) {
	rules, err := r.store.ListForSection(ctx, tenant.UtilityCode, tenant.CompanyID, sectionType)
	if err != nil {
		return Resolution{}, fmt.Errorf("routing: resolve %s: %w", sectionType, err)
	}

	for _, rule := range rules {
		if !EvalConditions(rule.Conditions, meta) {
			continue
		}
		res := Resolution{
			Destination: DestinationKey(rule.Destination),
			RuleID:      rule.ID,
			MaxRetries:  rule.MaxRetries,
			RetryDelay:  time.Duration(rule.RetryDelay) * time.Millisecond,
		}
		if res.MaxRetries <= 0 {
			res.MaxRetries = DefaultMaxRetries
		}
		r.logger.Debug("routing: rule matched",
			"section_type", sectionType, "rule", rule.ID, "destination", res.Destination)
		return res, nil
	}

	return Resolution{
		Destination: DefaultDestination(sectionType),
		MaxRetries:  DefaultMaxRetries,
		RetryDelay:  DefaultRetryDelay,
	}, nil
}
