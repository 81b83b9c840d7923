// Package authz defines the Turn Orchestrator's boundary with the external
// authorization PDP (policy decision point). The PDP itself is out of scope
// (spec §1 "the authorization PDP (consumed as a remote decision service
// returning predicates)"); this package is the narrow Go interface the
// orchestrator depends on, plus a fail-closed stub so the rest of the module
// can be exercised without a live PDP.
package authz

import "context"

// Decision is the PDP's answer to a single authorization check.
type Decision struct {
	Allowed bool
	// ResourceKnown reports whether the PDP recognized the resource id at all;
	// spec §4.5 step 1 maps a denial with a known resource to 404 and a denial
	// without one to 403.
	ResourceKnown bool
	// Predicates are query filters the caller must additionally apply when
	// loading the resource (spec §4.5 step 2 "scoped load").
	Predicates map[string]string
}

// Decider evaluates subject/action/resource triples against policy.
type Decider interface {
	Evaluate(ctx context.Context, subject, action, resourceID string) (Decision, error)
}

// FailClosed wraps a Decider so that any error, or a nil Decider, is treated
// as denial (spec §5 "Fail-closed: PDP unreachable, empty constraints,
// unknown predicates → deny").
type FailClosed struct {
	Decider Decider
}

// Evaluate denies whenever the wrapped Decider is unreachable or returns an
// error, and denies an allow decision whose Predicates map is nil. An allow
// decision with a non-nil but empty Predicates map is passed through as an
// allow.
func (f FailClosed) Evaluate(ctx context.Context, subject, action, resourceID string) (Decision, error) {
	if f.Decider == nil {
		return Decision{Allowed: false}, nil
	}
	d, err := f.Decider.Evaluate(ctx, subject, action, resourceID)
	if err != nil {
		return Decision{Allowed: false}, nil
	}
	if d.Allowed && d.Predicates == nil {
		return Decision{Allowed: false}, nil
	}
	return d, nil
}

// AllowAll is a stub Decider useful for local development and tests; it is
// never fail-closed on its own and should only be used wrapped in
// FailClosed, or directly in tests that need deterministic allow behavior.
type AllowAll struct {
	Predicates map[string]string
}

// Evaluate always allows, echoing the configured predicates.
func (a AllowAll) Evaluate(ctx context.Context, subject, action, resourceID string) (Decision, error) {
	preds := a.Predicates
	if preds == nil {
		preds = map[string]string{}
	}
	return Decision{Allowed: true, ResourceKnown: true, Predicates: preds}, nil
}

// DenyAll is a stub Decider that always denies, optionally as if the
// resource were known (producing 404 rather than 403 downstream).
type DenyAll struct {
	ResourceKnown bool
}

// Evaluate always denies.
func (d DenyAll) Evaluate(ctx context.Context, subject, action, resourceID string) (Decision, error) {
	return Decision{Allowed: false, ResourceKnown: d.ResourceKnown}, nil
}
