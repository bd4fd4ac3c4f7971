package permgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ADMIN SURFACE
// ============================================================================

// ExplainRequest is a minimal request for the Explain API used by admin
// tooling. Attribute values arrive JSON-decoded.
type ExplainRequest struct {
	PrincipalID    string              `json:"principal_id,omitempty"`
	PrincipalAttrs map[string]any      `json:"principal_attrs,omitempty"`
	Entity         string              `json:"entity"`
	RecordID       string              `json:"record_id"`
	Op             Op                  `json:"op"`
	Attrs          map[string]any      `json:"attrs,omitempty"`
	Link           map[string][]string `json:"link,omitempty"`
	Unlink         map[string][]string `json:"unlink,omitempty"`
}

func (e *Engine) ExplainMutation(ctx context.Context, req *ExplainRequest) (*Decision, error) {
	var principal *Principal
	if req.PrincipalID != "" {
		principal = &Principal{ID: req.PrincipalID, Attrs: req.PrincipalAttrs}
	}
	m := &Mutation{
		Entity: req.Entity,
		ID:     req.RecordID,
		Op:     req.Op,
		Attrs:  req.Attrs,
		Link:   req.Link,
		Unlink: req.Unlink,
	}
	return e.Explain(ctx, principal, NewTx(m))
}

// Admin applies mutations without consulting rules. Schema conformance and
// uniqueness still hold; only the predicates are skipped. Server-side paths
// (invite acceptance, cleanup jobs, deletes) go through here. Every bypass
// is audited.
type Admin struct {
	engine *Engine
}

// Admin returns the rule-bypassing surface of the engine
func (e *Engine) Admin() *Admin { return &Admin{engine: e} }

// Apply validates and commits the bundle, skipping rule predicates
func (a *Admin) Apply(ctx context.Context, tx *Tx) (*Decision, error) {
	e := a.engine
	if tx == nil || len(tx.Mutations) == 0 {
		return denyDecision(CategoryValidationFailed, ReasonUnknownEntity, "", "empty transaction"), nil
	}
	traceID := e.traceIDFunc()
	for _, m := range tx.Mutations {
		if d := e.validateMutation(m); d != nil {
			a.audit(m, d, traceID)
			return d, nil
		}
	}
	if err := e.graph.ApplyTx(tx); err != nil {
		var d *Decision
		switch {
		case errors.Is(err, ErrNotUnique):
			d = denyDecision(CategoryNotUnique, ReasonNotUnique, "", err.Error())
		case errors.Is(err, ErrValidationFailed):
			d = denyDecision(CategoryValidationFailed, ReasonTypeInvalid, "", err.Error())
		default:
			e.logError("admin commit failed", "error", err.Error())
			d = denyDecision(CategoryInternal, ReasonStoreFault, "", err.Error())
			for _, m := range tx.Mutations {
				a.audit(m, d, traceID)
			}
			return d, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		for _, m := range tx.Mutations {
			a.audit(m, d, traceID)
		}
		return d, nil
	}
	d := allowDecision("admin")
	for _, m := range tx.Mutations {
		a.audit(m, d, traceID)
	}
	return d, nil
}

// Delete removes one record (cascading per schema), bypassing rules
func (a *Admin) Delete(ctx context.Context, entity, id string) (*Decision, error) {
	return a.Apply(ctx, NewTx(&Mutation{Entity: entity, ID: id, Op: OpDelete}))
}

func (a *Admin) audit(m *Mutation, d *Decision, traceID string) {
	e := a.engine
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    actionFor(m.Op),
		Entity:    m.Entity,
		RecordID:  m.ID,
		Decision:  d,
		TraceID:   traceID,
		Metadata:  map[string]any{"admin": true},
	}
	select {
	case e.auditCh <- entry:
	default:
		e.logError("audit channel full, dropping entry", "trace_id", traceID)
	}
}
