package permgraph

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// DECISIONS AND ERROR TAXONOMY
// ============================================================================

// Category is the caller-visible outcome class. Predicate-false, predicate
// errors and missing rules all collapse into permission-denied on purpose:
// internal evaluation failures must not leak rule internals to callers.
type Category string

const (
	CategoryAllowed          Category = "allowed"
	CategoryPermissionDenied Category = "permission-denied"
	CategoryValidationFailed Category = "validation-failed"
	CategoryNotUnique        Category = "record-not-unique"
	CategoryInternal         Category = "internal-error"
)

// Reason is the internal deny reason, kept distinguishable for diagnostics
// even when several reasons map to the same category.
type Reason string

const (
	ReasonNoRule         Reason = "no-default-rule"
	ReasonPredicateFalse Reason = "predicate-false"
	ReasonPredicateError Reason = "predicate-error"
	ReasonTypeInvalid    Reason = "attribute-type-invalid"
	ReasonUnknownAttr    Reason = "unknown-attribute"
	ReasonUnknownLink    Reason = "unknown-link"
	ReasonUnknownEntity  Reason = "unknown-entity"
	ReasonNotUnique      Reason = "not-unique"
	ReasonStoreFault     Reason = "store-fault"
)

// Sentinel errors matching the caller-visible categories. Deterministic
// classes (permission, validation, uniqueness) re-derive identically on
// retry; ErrInternal marks transient storage faults and may be retried.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidationFailed = errors.New("validation failed")
	ErrNotUnique        = errors.New("record not unique")
	ErrInternal         = errors.New("internal error")
)

// Decision is the outcome of authorizing one mutation (or one view check)
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Category  Category  `json:"category"`
	Reason    Reason    `json:"reason,omitempty"`
	Rule      string    `json:"rule,omitempty"` // "entity/action" that decided
	Detail    string    `json:"detail,omitempty"`
	Trace     []string  `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Err maps a denied decision to its sentinel error class. Allowed decisions
// return nil.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var base error
	switch d.Category {
	case CategoryValidationFailed:
		base = ErrValidationFailed
	case CategoryNotUnique:
		base = ErrNotUnique
	case CategoryInternal:
		base = ErrInternal
	default:
		base = ErrPermissionDenied
	}
	if d.Detail != "" {
		return fmt.Errorf("%w: %s", base, d.Detail)
	}
	return fmt.Errorf("%w: %s", base, d.Reason)
}

func allowDecision(rule string) *Decision {
	return &Decision{Allowed: true, Category: CategoryAllowed, Rule: rule, Timestamp: time.Now()}
}

func denyDecision(cat Category, reason Reason, rule, detail string) *Decision {
	return &Decision{
		Allowed:   false,
		Category:  cat,
		Reason:    reason,
		Rule:      rule,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}
